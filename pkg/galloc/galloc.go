// Package galloc defines the block/inode allocator contract the mapping
// engine consumes (new_blocks, free_blocks, group_desc, read_block_bitmap)
// plus a reference bitmap-based allocator.
//
// The reference allocator generalizes a write-once, compile-time
// block-usage bitmap (a word-packed []uint64 bitmap filled left-to-right
// once and never freed) into a mutable, lockable, goal-directed first-fit
// allocator that supports both allocation and release, since a live
// filesystem's allocator must do both.
package galloc

import (
	"context"
	"sync"

	"github.com/vorteil/bmapfs/pkg/fserrors"
)

// GroupDescriptor mirrors the on-disk block group descriptor table entry.
// It does not carry the COW-bitmap slot: that cache is volatile, never
// persisted to the group descriptor, and lives in pkg/snapcow instead.
type GroupDescriptor struct {
	BlockBitmap uint32
	InodeBitmap uint32
	InodeTable  uint32
	FreeBlocks  uint32
	FreeInodes  uint32
	UsedDirs    uint32
}

// Allocator is the collaborator contract the core mapping engine consumes
// without owning.
type Allocator interface {
	// NewBlocks allocates up to count contiguous blocks near goal,
	// returning how many it actually got (which may be fewer than
	// requested, or zero with KindNoSpace).
	NewBlocks(ctx context.Context, goal uint32, count int) (first uint32, n int, err error)
	// FreeBlocks returns count contiguous blocks starting at first to
	// the pool.
	FreeBlocks(ctx context.Context, first uint32, count int) error
	// GroupDesc returns group's descriptor.
	GroupDesc(group int) (GroupDescriptor, error)
	// ReadBlockBitmap returns a snapshot copy of group's live block
	// bitmap, word-packed little-endian as it would be on disk.
	ReadBlockBitmap(group int) ([]uint64, error)

	// LockGroup/UnlockGroup expose the per-group lock so the COW
	// engine can serialize "read bitmap while copying it for a new
	// snapshot" against "modify the live bitmap": a task that modifies
	// the block bitmap must hold the group-local lock for the duration
	// of the copy.
	LockGroup(group int)
	UnlockGroup(group int)

	BlocksPerGroup() uint32
	GroupCount() int
	BlockSize() int
}

type group struct {
	mu      sync.Mutex
	bitmap  []uint64 // 1 = allocated
	desc    GroupDescriptor
	overhead uint32 // reserved blocks at the start of the group (bitmap/inode-table/etc)
}

// Bitmap is the reference Allocator.
type Bitmap struct {
	blockSize      int
	blocksPerGroup uint32
	groups         []*group
}

// NewBitmap builds a Bitmap allocator with groupCount groups of
// blocksPerGroup blocks each, reserving overheadPerGroup blocks at the
// front of every group for bitmaps and inode tables.
func NewBitmap(blockSize int, blocksPerGroup uint32, groupCount int, overheadPerGroup uint32) *Bitmap {
	b := &Bitmap{
		blockSize:      blockSize,
		blocksPerGroup: blocksPerGroup,
		groups:         make([]*group, groupCount),
	}

	words := divide64(blocksPerGroup, 64)
	for i := range b.groups {
		g := &group{
			bitmap:   make([]uint64, words),
			overhead: overheadPerGroup,
			desc: GroupDescriptor{
				BlockBitmap: uint32(i)*blocksPerGroup + 0,
				InodeBitmap: uint32(i)*blocksPerGroup + 1,
				InodeTable:  uint32(i)*blocksPerGroup + 2,
				FreeBlocks:  blocksPerGroup - overheadPerGroup,
			},
		}
		for bno := uint32(0); bno < overheadPerGroup; bno++ {
			setBit(g.bitmap, bno)
		}
		b.groups[i] = g
	}

	return b
}

func divide64(a uint32, b uint32) uint32 {
	return (a + b - 1) / b
}

func setBit(bitmap []uint64, bit uint32) {
	bitmap[bit/64] |= 1 << (bit % 64)
}

func clearBit(bitmap []uint64, bit uint32) {
	bitmap[bit/64] &^= 1 << (bit % 64)
}

func testBit(bitmap []uint64, bit uint32) bool {
	return bitmap[bit/64]&(1<<(bit%64)) != 0
}

func (b *Bitmap) BlocksPerGroup() uint32 { return b.blocksPerGroup }
func (b *Bitmap) GroupCount() int        { return len(b.groups) }
func (b *Bitmap) BlockSize() int         { return b.blockSize }

func (b *Bitmap) LockGroup(group int)   { b.groups[group].mu.Lock() }
func (b *Bitmap) UnlockGroup(group int) { b.groups[group].mu.Unlock() }

func (b *Bitmap) GroupDesc(group int) (GroupDescriptor, error) {
	if group < 0 || group >= len(b.groups) {
		return GroupDescriptor{}, fserrors.New(fserrors.KindInconsistency, "galloc.GroupDesc", nil)
	}
	g := b.groups[group]
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.desc, nil
}

func (b *Bitmap) ReadBlockBitmap(group int) ([]uint64, error) {
	if group < 0 || group >= len(b.groups) {
		return nil, fserrors.New(fserrors.KindInconsistency, "galloc.ReadBlockBitmap", nil)
	}
	g := b.groups[group]
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := make([]uint64, len(g.bitmap))
	copy(cp, g.bitmap)
	return cp, nil
}

// NewBlocks implements goal-directed first-fit allocation: it starts
// scanning in the group containing goal, preferring the exact goal offset,
// then walks forward within that group, then rescans that group from its
// start, then moves on to subsequent groups.
// It stops as soon as it has found at least one free block, coalescing a
// contiguous run up to count and leaving the caller to retry for any
// shortfall.
func (b *Bitmap) NewBlocks(ctx context.Context, goal uint32, count int) (uint32, int, error) {
	if count <= 0 {
		return 0, 0, fserrors.New(fserrors.KindInconsistency, "galloc.NewBlocks", nil)
	}

	startGroup := int(goal / b.blocksPerGroup)
	if startGroup >= len(b.groups) || startGroup < 0 {
		startGroup = 0
	}
	startOffset := goal % b.blocksPerGroup

	for i := 0; i < len(b.groups); i++ {
		gi := (startGroup + i) % len(b.groups)
		g := b.groups[gi]

		from := uint32(0)
		if i == 0 {
			from = startOffset
		}

		g.mu.Lock()
		first, n, ok := scanRun(g.bitmap, b.blocksPerGroup, from, count)
		if !ok && from != 0 {
			first, n, ok = scanRun(g.bitmap, b.blocksPerGroup, 0, count)
		}
		if ok {
			for o := uint32(0); o < uint32(n); o++ {
				setBit(g.bitmap, first+o)
			}
			g.desc.FreeBlocks -= uint32(n)
		}
		g.mu.Unlock()

		if ok {
			return uint32(gi)*b.blocksPerGroup + first, n, nil
		}
	}

	return 0, 0, fserrors.New(fserrors.KindNoSpace, "galloc.NewBlocks", nil)
}

// scanRun finds the first run of free bits of length up to want starting
// at or after from, returning the offset and the run's actual length
// (which may be less than want). ok is false if no free bit at all was
// found.
func scanRun(bitmap []uint64, blocksPerGroup, from uint32, want int) (uint32, int, bool) {
	bno := from
	for bno < blocksPerGroup && testBit(bitmap, bno) {
		bno++
	}
	if bno >= blocksPerGroup {
		return 0, 0, false
	}

	first := bno
	n := 0
	for bno < blocksPerGroup && n < want && !testBit(bitmap, bno) {
		bno++
		n++
	}
	return first, n, true
}

func (b *Bitmap) FreeBlocks(ctx context.Context, first uint32, count int) error {
	for i := 0; i < count; {
		bno := first + uint32(i)
		gi := int(bno / b.blocksPerGroup)
		if gi >= len(b.groups) {
			return fserrors.New(fserrors.KindInconsistency, "galloc.FreeBlocks", nil)
		}
		off := bno % b.blocksPerGroup

		g := b.groups[gi]
		g.mu.Lock()
		for off < b.blocksPerGroup && i < count {
			if !testBit(g.bitmap, off) {
				g.mu.Unlock()
				return fserrors.New(fserrors.KindInconsistency, "galloc.FreeBlocks", nil)
			}
			clearBit(g.bitmap, off)
			g.desc.FreeBlocks++
			off++
			i++
		}
		g.mu.Unlock()
	}
	return nil
}
