package bmap

import (
	"context"

	"github.com/vorteil/bmapfs/pkg/bcache"
	"github.com/vorteil/bmapfs/pkg/elog"
	"github.com/vorteil/bmapfs/pkg/journal"
)

// MaxTransData bounds how many buffer credits a single truncate
// sub-transaction is allowed to consume before it must restart.
const MaxTransData = 256

// restartThreshold is how little buffer credit may remain before the
// free walk forces a transaction restart.
const restartThreshold = 4

// OrphanList is the on-disk singly-linked list of inodes whose
// truncate/delete is in progress, replayed on mount. It is host-owned
// state outside this package's scope; TruncateEngine only adds and
// removes entries.
type OrphanList interface {
	Add(ctx context.Context, ino uint32) error
	Remove(ctx context.Context, ino uint32) error
}

// freer is the subset of galloc.Allocator truncate needs to return freed
// blocks to the pool.
type freer interface {
	FreeBlocks(ctx context.Context, first uint32, count int) error
}

// TruncateEngine frees branches beyond a new, smaller inode size,
// bottom-up, taking runs of non-hole slots right-to-left; the slots of
// one run are freed in ascending order. It restarts its transaction when the
// buffer-credit budget would be exceeded.
type TruncateEngine struct {
	cache   *bcache.Cache
	layout  Layout
	orphans OrphanList
	alloc   freer
	log     elog.Logger
}

// NewTruncateEngine returns a TruncateEngine over the given cache/layout,
// freeing blocks through alloc, recording orphan-list membership through
// orphans, and logging through log (nil uses a discarding logger).
func NewTruncateEngine(cache *bcache.Cache, layout Layout, alloc freer, orphans OrphanList, log elog.Logger) *TruncateEngine {
	if log == nil {
		log = elog.Discard{}
	}
	return &TruncateEngine{cache: cache, layout: layout, alloc: alloc, orphans: orphans, log: log}
}

// creditBudget clamps a block count into a sane sub-transaction credit
// budget: never below 2 (enough to tolerate a single corrupt run) and
// never above MaxTransData.
func creditBudget(blocks uint64) int {
	if blocks < 2 {
		return 2
	}
	if blocks > MaxTransData {
		return MaxTransData
	}
	return int(blocks)
}

// truncateState threads the pieces the free walk needs across a sequence
// of possibly-restarted transactions.
type truncateState struct {
	ctx       context.Context
	handle    journal.Handle
	access    MetaAccess
	newAccess func(journal.Handle) MetaAccess
	inode     *Inode
}

// restartIfLow commits and restarts the current transaction once its
// remaining buffer credit drops to restartThreshold, rebuilding the
// MetaAccess gate against the fresh handle.
func (s *truncateState) restartIfLow(budget int) error {
	if s.handle.BufferCredits() > restartThreshold {
		return nil
	}
	if err := s.handle.Restart(budget); err != nil {
		return err
	}
	s.access = s.newAccess(s.handle)
	return nil
}

// Truncate reduces inode.Size to newSize, freeing every block strictly
// beyond it. newAccess wraps each transaction's handle in a MetaAccess
// gate (passing metadata writes through a snapshot COW engine when one
// is wired in); svc starts the outermost transaction and backs every
// restart.
func (t *TruncateEngine) Truncate(ctx context.Context, svc journal.Service, newAccess func(journal.Handle) MetaAccess, inode *Inode, newSize uint64) error {
	budget := creditBudget(inode.Blocks)
	handle, err := svc.Start(ctx, budget)
	if err != nil {
		return err
	}

	s := &truncateState{ctx: ctx, handle: handle, access: newAccess(handle), newAccess: newAccess, inode: inode}

	if err := t.orphans.Add(ctx, inode.Ino); err != nil {
		handle.Stop()
		return err
	}

	oldSize := inode.Size
	inode.Size = newSize
	blockSize := uint64(4 * t.layout.AddrPerBlock)

	if newSize < oldSize && newSize > 0 && newSize%blockSize != 0 {
		lastBlock := uint32((newSize - 1) / blockSize)
		if err := t.zeroTail(s, lastBlock, newSize, blockSize); err != nil {
			handle.Stop()
			return err
		}
	}

	cutBlock := uint32(0)
	if newSize > 0 {
		cutBlock = uint32((newSize-1)/blockSize) + 1
	}

	if err := t.freeFromCut(s, cutBlock); err != nil {
		handle.Stop()
		return err
	}

	if err := s.handle.Stop(); err != nil {
		return err
	}

	if inode.LinkCount > 0 {
		return t.orphans.Remove(ctx, inode.Ino)
	}
	return nil
}

// zeroTail brings the last surviving block into cache and clears its
// tail past newSize, dirtying it through the access gate so an active
// snapshot COWs the pre-image first.
func (t *TruncateEngine) zeroTail(s *truncateState, lastBlock uint32, newSize, blockSize uint64) error {
	off, err := Resolve(t.layout, lastBlock, s.inode.Snapshot)
	if err != nil {
		return err
	}
	chain, status, _, err := NewWalker(t.cache).GetBranch(s.ctx, s.inode, off)
	if err != nil {
		chain.Release(t.cache)
		return err
	}
	if status != StatusComplete {
		chain.Release(t.cache)
		return nil
	}
	defer chain.Release(t.cache)

	tail := chain.Tail()
	buf, err := t.cache.Get(s.ctx, int64(tail.Captured))
	if err != nil {
		return err
	}
	if err := s.access.GetWriteAccess(s.ctx, buf); err != nil {
		return err
	}

	data := buf.Data()
	off64 := int(newSize % blockSize)
	for i := off64; i < len(data); i++ {
		data[i] = 0
	}
	buf.SetData(data)
	return s.access.Handle().DirtyMetadata(buf)
}

// slots is a 32-bit-slot array truncate can read and mutate, whether it
// is an inode's own slot array or an indirect block buffer's contents.
type slots interface {
	get(i int) uint32
	set(i int, v uint32)
}

type inodeSlots struct{ inode *Inode }

func (s inodeSlots) get(i int) uint32    { return s.inode.Slots[i] }
func (s inodeSlots) set(i int, v uint32) { s.inode.Slots[i] = v }

type bufferSlots struct{ buf *bcache.Buffer }

func (s bufferSlots) get(i int) uint32    { return s.buf.Slot(i) }
func (s bufferSlots) set(i int, v uint32) { s.buf.SetSlot(i, v) }

// depthOfSlot reports how many indirect hops lie beneath root slot idx:
// 0 for a direct block, 1/2/3 for the IND/DIND/TIND root (and every
// extended TIND root, which is structurally identical to the ordinary
// one — only its address range differs).
func depthOfSlot(idx int) int {
	switch {
	case idx < DirBlocks:
		return 0
	case idx == IndSlot:
		return 1
	case idx == DIndSlot:
		return 2
	default:
		return 3
	}
}

// freeFromCut frees the portion of the inode's tree at or beyond
// cutBlock, bottom-up, taking runs of non-hole slots right-to-left (each
// run in ascending slot order), preserving everything strictly
// before it. The root slot array mixes direct blocks with IND/DIND/TIND
// roots of differing depth, so it is pruned separately from the uniform
// levels beneath it.
func (t *TruncateEngine) freeFromCut(s *truncateState, cutBlock uint32) error {
	off, err := Resolve(t.layout, cutBlock, s.inode.Snapshot)
	if err != nil {
		if IsOutOfRange(err) {
			return nil
		}
		return err
	}

	rootIdx := off.Slots[0]
	n := s.inode.SlotCount()
	holder := inodeSlots{s.inode}

	runEnd := n
	for i := n - 1; i > rootIdx; i-- {
		v := holder.get(i)
		if v != 0 {
			continue
		}
		if err := t.freeRootRun(s, holder, i+1, runEnd); err != nil {
			return err
		}
		runEnd = i
	}
	if err := t.freeRootRun(s, holder, rootIdx+1, runEnd); err != nil {
		return err
	}

	boundary := holder.get(rootIdx)
	if boundary == 0 {
		return nil
	}

	levels := depthOfSlot(rootIdx)
	path := off.Slots[1:off.Depth]
	if levels == 0 || allZero(path) {
		if err := t.freeChild(s, levels, boundary); err != nil {
			return err
		}
		holder.set(rootIdx, 0)
		return s.restartIfLow(creditBudget(s.inode.Blocks))
	}

	buf, err := t.cache.Get(s.ctx, int64(boundary))
	if err != nil {
		return err
	}
	t.cache.Pin(buf)
	defer t.cache.Unpin(buf)
	if err := t.prune(s, levels-1, path, bufferSlots{buf}, buf); err != nil {
		return err
	}
	if err := s.access.Handle().DirtyMetadata(buf); err != nil {
		return err
	}
	return s.restartIfLow(creditBudget(s.inode.Blocks))
}

// freeRootRun frees the contiguous root-array run [start,end), where each
// slot may have its own structural depth (direct vs IND vs DIND vs TIND).
func (t *TruncateEngine) freeRootRun(s *truncateState, holder slots, start, end int) error {
	for i := start; i < end; i++ {
		v := holder.get(i)
		if v == 0 {
			continue
		}
		if err := t.freeChild(s, depthOfSlot(i), v); err != nil {
			return err
		}
		holder.set(i, 0)
	}
	return nil
}

// prune frees every slot strictly after path[0] in holder (whole
// subtree/leaf per levels), then handles the boundary slot at path[0]
// itself: if the remaining path offsets are all zero, nothing below it
// survives the cut and it is freed wholly too; otherwise it is partially
// preserved and pruning recurses one level deeper. levels is the number
// of indirect hops beneath holder (0 means holder's slots are leaf
// pointers), uniform across all of holder's slots (unlike the root
// array, every level below it holds pointers of a single kind).
func (t *TruncateEngine) prune(s *truncateState, levels int, path []int, holder slots, holderBuf *bcache.Buffer) error {
	idx := path[0]
	n := int(t.layout.AddrPerBlock)

	if err := s.access.GetWriteAccess(s.ctx, holderBuf); err != nil {
		return err
	}

	runEnd := n
	for i := n - 1; i > idx; i-- {
		v := holder.get(i)
		if v != 0 {
			continue
		}
		if err := t.freeRun(s, levels, holder, i+1, runEnd); err != nil {
			return err
		}
		runEnd = i
	}
	if err := t.freeRun(s, levels, holder, idx+1, runEnd); err != nil {
		return err
	}

	boundary := holder.get(idx)
	if boundary != 0 {
		if levels == 0 || allZero(path[1:]) {
			if err := t.freeChild(s, levels, boundary); err != nil {
				return err
			}
			holder.set(idx, 0)
			if err := s.restartIfLow(creditBudget(s.inode.Blocks)); err != nil {
				return err
			}
		} else {
			buf, err := t.cache.Get(s.ctx, int64(boundary))
			if err != nil {
				return err
			}
			t.cache.Pin(buf)
			if err := t.prune(s, levels-1, path[1:], bufferSlots{buf}, buf); err != nil {
				t.cache.Unpin(buf)
				return err
			}
			if err := s.access.Handle().DirtyMetadata(buf); err != nil {
				t.cache.Unpin(buf)
				return err
			}
			t.cache.Unpin(buf)
			if err := s.restartIfLow(creditBudget(s.inode.Blocks)); err != nil {
				return err
			}
		}
	}

	return s.access.Handle().DirtyMetadata(holderBuf)
}

func allZero(path []int) bool {
	for _, p := range path {
		if p != 0 {
			return false
		}
	}
	return true
}

// freeRun frees the slot range [start,end) of holder: one freeChild call
// per non-hole entry for an indirect-level run, or one GetDeleteAccess
// plus allocator call per leaf pointer. Leaf blocks are freed one at a
// time rather than batched per contiguous run: an active snapshot may
// inherit any individual block in the run (GetDeleteAccess reports
// inherited=true), which breaks the run's contiguity from the
// allocator's point of view.
func (t *TruncateEngine) freeRun(s *truncateState, levels int, holder slots, start, end int) error {
	if start >= end {
		return nil
	}
	if levels > 0 {
		for i := start; i < end; i++ {
			v := holder.get(i)
			if v == 0 {
				continue
			}
			if err := t.freeChild(s, levels, v); err != nil {
				return err
			}
			holder.set(i, 0)
		}
		return nil
	}

	for i := start; i < end; i++ {
		v := holder.get(i)
		if v == 0 {
			continue
		}
		inherited, err := s.access.GetDeleteAccess(s.ctx, v)
		if err != nil {
			return err
		}
		if !inherited && t.alloc != nil {
			if err := t.alloc.FreeBlocks(s.ctx, v, 1); err != nil {
				return err
			}
		}
		holder.set(i, 0)
	}
	return nil
}

// freeChild wholly frees a subtree (levels > 0) or a single leaf block
// (levels == 0) rooted at block, unless GetDeleteAccess reports that an
// active snapshot inherited it directly, in which case the allocator call
// is skipped.
func (t *TruncateEngine) freeChild(s *truncateState, levels int, block uint32) error {
	if levels == 0 {
		inherited, err := s.access.GetDeleteAccess(s.ctx, block)
		if err != nil {
			return err
		}
		if inherited || t.alloc == nil {
			return nil
		}
		return t.alloc.FreeBlocks(s.ctx, block, 1)
	}

	buf, err := t.cache.Get(s.ctx, int64(block))
	if err != nil {
		return err
	}
	t.cache.Pin(buf)
	defer t.cache.Unpin(buf)

	addrPerBlock := int(t.layout.AddrPerBlock)
	holder := bufferSlots{buf}
	if err := t.freeRun(s, levels-1, holder, 0, addrPerBlock); err != nil {
		return err
	}

	// The block itself is being returned to the allocator: its zeroed
	// contents never need to reach the journal, only revoked so replay
	// ignores any earlier record once the block is reused.
	inherited, err := s.access.GetDeleteAccess(s.ctx, block)
	if err != nil {
		return err
	}
	handle := s.access.Handle()
	if err := handle.Forget(buf); err != nil {
		return err
	}
	if err := handle.Revoke(block); err != nil {
		return err
	}
	t.cache.Forget(buf)
	if inherited || t.alloc == nil {
		return nil
	}
	return t.alloc.FreeBlocks(s.ctx, block, 1)
}
