package bmap

import (
	"context"

	"github.com/vorteil/bmapfs/pkg/bcache"
	"github.com/vorteil/bmapfs/pkg/fserrors"
	"github.com/vorteil/bmapfs/pkg/galloc"
)

// Status is the outcome of a branch walk.
type Status int

const (
	// StatusComplete means every slot through Offsets.Depth was mapped.
	StatusComplete Status = iota
	// StatusHole means the walk stopped at a zero slot.
	StatusHole
	// StatusChanged means a re-verify of a previously read slot found it
	// had been mutated concurrently; the caller must retry from scratch.
	StatusChanged
)

// Walker traverses existing branches of an inode's indirect tree.
type Walker struct {
	cache *bcache.Cache
}

// NewWalker returns a Walker reading through cache.
func NewWalker(cache *bcache.Cache) *Walker {
	return &Walker{cache: cache}
}

// GetBranch walks the path described by off, pinning every indirect
// buffer it traverses. holeDepth is only meaningful when status is
// StatusHole: the index into off.Slots where the hole was found. The
// caller must call chain.Release once done with it, on every return path
// including errors (a partial chain from a Hole or Changed result still
// holds pins that must be released).
func (w *Walker) GetBranch(ctx context.Context, inode *Inode, off Offsets) (chain *Chain, status Status, holeDepth int, err error) {
	chain = &Chain{Inode: inode}

	root := Entry{SlotIndex: off.Slots[0], Captured: inode.Slots[off.Slots[0]]}
	chain.Entries = append(chain.Entries, root)

	if root.Captured == 0 {
		return chain, StatusHole, 0, nil
	}

	current := root.Captured
	for depth := 1; depth < off.Depth; depth++ {
		buf, err := w.cache.Get(ctx, int64(current))
		if err != nil {
			return chain, StatusComplete, 0, err
		}
		w.cache.Pin(buf)

		slotIndex := off.Slots[depth]
		val := buf.Slot(slotIndex)
		chain.Entries = append(chain.Entries, Entry{Buffer: buf, SlotIndex: slotIndex, Captured: val})

		if !chain.Verify() {
			return chain, StatusChanged, 0, nil
		}

		if val == 0 {
			return chain, StatusHole, depth, nil
		}
		current = val
	}

	return chain, StatusComplete, 0, nil
}

// FindNear scans left of slotIndex within holder (the inode's slot array
// if buf is nil, otherwise the indirect block buf holds) for the nearest
// non-zero pointer, returning it as an allocation goal. If none is found
// and buf is non-nil, the indirect block's own physical address is
// returned — blocks tend to cluster near their metadata. If none is found
// and the branch lives directly in the inode, colour spreads independent
// writers across the inode's home group the way a per-task identifier
// would if one were available to a Go caller; callers with no natural
// colour value may pass 0.
func FindNear(alloc galloc.Allocator, inode *Inode, buf *bcache.Buffer, slotIndex int, colour uint32) uint32 {
	if buf != nil {
		for i := slotIndex - 1; i >= 0; i-- {
			if v := buf.Slot(i); v != 0 {
				return v
			}
		}
		return uint32(buf.Block())
	}

	for i := slotIndex - 1; i >= 0; i-- {
		if v := inode.Slots[i]; v != 0 {
			return v
		}
	}

	bpg := alloc.BlocksPerGroup()
	groupStart := uint32(inode.Group) * bpg
	band := bpg / 16
	return groupStart + (colour%16)*band
}

// FindGoal implements the allocator's placement heuristic: contiguous
// extension of the inode's last allocation when iblock immediately
// follows it, the source block itself when copying into a snapshot
// ("copy" mapping), or FindNear otherwise.
func FindGoal(alloc galloc.Allocator, inode *Inode, iblock uint32, buf *bcache.Buffer, slotIndex int, colour uint32, copySource uint32, isCopy bool) uint32 {
	if isCopy {
		return copySource
	}
	if inode.HasLastAlloc && inode.LastAllocLogicalBlock == iblock-1 {
		return inode.LastAllocPhysicalBlock + 1
	}
	return FindNear(alloc, inode, buf, slotIndex, colour)
}

// ErrConflict is returned by higher-level operations that exhaust their
// retry budget against a StatusChanged result.
var ErrConflict = fserrors.New(fserrors.KindConflict, "bmap.Walker", nil)
