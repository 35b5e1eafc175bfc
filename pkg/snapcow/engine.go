package snapcow

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/vorteil/bmapfs/pkg/bcache"
	"github.com/vorteil/bmapfs/pkg/bmap"
	"github.com/vorteil/bmapfs/pkg/elog"
	"github.com/vorteil/bmapfs/pkg/fserrors"
	"github.com/vorteil/bmapfs/pkg/galloc"
	"github.com/vorteil/bmapfs/pkg/journal"
)

// Engine wires the mapping tree, allocator, and buffer cache together to
// implement the invariant hooks of bmap.MetaAccess, plus the data-block
// move-on-write path (CowDataBlock) that bmap itself has no reason to
// know about.
type Engine struct {
	tree   *bmap.Tree
	walker *bmap.Walker
	layout bmap.Layout
	galloc galloc.Allocator
	cache  *bcache.Cache
	log    elog.Logger

	mu     sync.RWMutex
	active *ActiveSnapshot

	// sf deduplicates concurrent first-touch COW-bitmap materialization
	// per group: N writers hitting a cold group under a fresh snapshot
	// perform exactly one bitmap copy, not N.
	sf singleflight.Group
}

// NewEngine returns an Engine with no active snapshot.
func NewEngine(tree *bmap.Tree, walker *bmap.Walker, layout bmap.Layout, ga galloc.Allocator, cache *bcache.Cache, log elog.Logger) *Engine {
	if log == nil {
		log = elog.Discard{}
	}
	return &Engine{tree: tree, walker: walker, layout: layout, galloc: ga, cache: cache, log: log}
}

// Activate installs snapshot as the filesystem's active COW target.
// Fails if one is already active.
func (e *Engine) Activate(snapshot *ActiveSnapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return fserrors.New(fserrors.KindInconsistency, "snapcow.Activate", fmt.Errorf("a snapshot is already active"))
	}
	snapshot.Inode.SnapshotActive = true
	e.active = snapshot
	return nil
}

// Deactivate clears the active snapshot, if any. The snapshot inode
// itself is left exactly as the COW engine last wrote it; retiring or
// deleting the snapshot is the host filesystem's job.
func (e *Engine) Deactivate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		e.active.Inode.SnapshotActive = false
	}
	e.active = nil
}

// Active returns the current active snapshot, or nil.
func (e *Engine) Active() *ActiveSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// Access returns a bmap.MetaAccess that routes handle's metadata writes
// on behalf of inode through this engine's COW hooks.
func (e *Engine) Access(handle journal.Handle, inode *bmap.Inode) bmap.MetaAccess {
	return &hookAccess{engine: e, handle: handle, inode: inode}
}

func (e *Engine) groupOf(block uint32) int {
	bpg := e.galloc.BlocksPerGroup()
	if bpg == 0 {
		return 0
	}
	return int(block / bpg)
}

// ensureCowBitmap materializes group's COW bitmap under the active
// snapshot if it has not been touched yet this snapshot's lifetime,
// deduplicating concurrent first touches with singleflight.
func (e *Engine) ensureCowBitmap(ctx context.Context, handle journal.Handle, snap *ActiveSnapshot, group int) error {
	if _, ok := snap.cowBitmapBlock(group); ok {
		return nil
	}

	key := fmt.Sprintf("%p:%d", snap, group)
	_, err, _ := e.sf.Do(key, func() (interface{}, error) {
		if _, ok := snap.cowBitmapBlock(group); ok {
			return nil, nil
		}
		return nil, e.materializeCowBitmap(ctx, handle, snap, group)
	})
	return err
}

// materializeCowBitmap implements the COW bitmap lifecycle: read the live
// block bitmap, mask out excluded blocks, splice the copy into the
// snapshot's tree at the logical offset equal to the group's block
// bitmap's own physical address, and write it through synchronously — a
// COW bitmap is a volatile cache, never reserved against the journal.
//
// ReadBlockBitmap and GroupDesc each take the group lock internally for
// the duration of their own read, which is all the atomicity this needs:
// the snapshot this materializes is of the live bitmap at a single
// instant, not of the instant plus the subsequent allocation below, so
// nothing here holds the group lock across the tree.MapBlock call that
// follows. Holding it there would self-deadlock, since NewBlocks takes
// the very same lock to place the copy.
func (e *Engine) materializeCowBitmap(ctx context.Context, handle journal.Handle, snap *ActiveSnapshot, group int) error {
	if _, ok := snap.cowBitmapBlock(group); ok {
		return nil
	}

	words, err := e.galloc.ReadBlockBitmap(group)
	if err != nil {
		return err
	}
	if snap.Exclude != nil {
		maskExclude(words, snap.Exclude)
	}

	desc, err := e.galloc.GroupDesc(group)
	if err != nil {
		return err
	}
	bitmapPhys := desc.BlockBitmap

	handle.SetCowing(true)
	access := &hookAccess{engine: e, handle: handle, inode: snap.Inode}
	res, err := e.tree.MapBlock(ctx, access, snap.Inode, bitmapPhys, 1, bmap.MapOptions{
		Create:     true,
		Mode:       bmap.Mode{Sync: true},
		IsCopy:     true,
		CopySource: bitmapPhys,
	})
	handle.SetCowing(false)
	if err != nil {
		return err
	}

	buf, err := e.cache.Get(ctx, int64(res.Phys))
	if err != nil {
		return err
	}
	e.cache.Pin(buf)
	defer e.cache.Unpin(buf)

	buf.SetData(packWords(words, len(buf.Data())))
	if err := e.cache.WriteBack(ctx, buf); err != nil {
		return err
	}

	snap.setCowBitmapBlock(group, res.Phys)
	return nil
}

// BitmapAccess implements get_bitmap_access (spec hook 4.5.1): it
// initializes group's COW bitmap before a caller about to mutate the
// live block bitmap proceeds. The reference galloc.Bitmap allocator
// keeps its live bitmap as a plain in-process slice rather than a
// journaled bcache.Buffer, so there is no buffer here for `cow` itself
// to act on beyond the initialization step — a real on-disk bitmap
// block would additionally flow through GetWriteAccess like any other
// metadata buffer.
func (e *Engine) BitmapAccess(ctx context.Context, handle journal.Handle, group int) error {
	snap := e.Active()
	if snap == nil {
		return nil
	}
	if handle.Cowing() {
		return nil
	}
	return e.ensureCowBitmap(ctx, handle, snap, group)
}

// bitAt tests bit (block mod blocks-per-group) of group's materialized
// COW bitmap: set means the block was in use when the snapshot was
// taken and must be preserved before this write proceeds.
func (e *Engine) bitAt(ctx context.Context, snap *ActiveSnapshot, group int, block uint32) (bool, error) {
	bmBlock, ok := snap.cowBitmapBlock(group)
	if !ok {
		return false, fserrors.New(fserrors.KindInconsistency, "snapcow.bitAt", fmt.Errorf("group %d has no materialized COW bitmap", group))
	}
	buf, err := e.cache.Get(ctx, int64(bmBlock))
	if err != nil {
		return false, err
	}

	bpg := e.galloc.BlocksPerGroup()
	off := block - uint32(group)*bpg
	data := buf.Data()
	byteIdx := int(off / 8)
	if byteIdx >= len(data) {
		return false, fserrors.New(fserrors.KindInconsistency, "snapcow.bitAt", fmt.Errorf("block %d out of group range", block))
	}
	return data[byteIdx]&(1<<(off%8)) != 0, nil
}

func maskExclude(words, exclude []uint64) {
	for i := range words {
		if i >= len(exclude) {
			break
		}
		words[i] &^= exclude[i]
	}
}

// packWords renders a word-packed bitmap into exactly size little-endian
// bytes, truncating or zero-padding as needed to fit one block.
func packWords(words []uint64, size int) []byte {
	out := make([]byte, size)
	for i, w := range words {
		off := i * 8
		if off >= size {
			break
		}
		for b := 0; b < 8 && off+b < size; b++ {
			out[off+b] = byte(w >> (8 * b))
		}
	}
	return out
}
