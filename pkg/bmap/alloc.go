package bmap

import (
	"context"

	"github.com/vorteil/bmapfs/pkg/bcache"
	"github.com/vorteil/bmapfs/pkg/fserrors"
	"github.com/vorteil/bmapfs/pkg/galloc"
)

// Mode selects the orthogonal behaviors AllocBranch supports beyond plain
// extension of a file's tree.
type Mode struct {
	// Cow marks this allocation as creating a snapshot's private copy of
	// a block; failures are reported the same way but the caller (the
	// COW engine) treats them specially to cancel a pending-COW marker.
	Cow bool
	// Move means no leaf data block is allocated here: the caller
	// supplies an existing physical block (LeafBlock) to splice as the
	// leaf, reusing it rather than copying its contents.
	Move bool
	// Sync bypasses the journal for newly allocated indirect buffers,
	// writing them straight to the device. Used only when splicing the
	// indirect blocks that map a COW bitmap block into a snapshot file,
	// so that mapping is never reserved against the journal.
	Sync bool
}

// Allocator splices new branches into an inode's indirect tree.
type Allocator struct {
	cache *bcache.Cache
	alloc galloc.Allocator
}

// NewAllocator returns a branch Allocator backed by cache and alloc.
func NewAllocator(cache *bcache.Cache, alloc galloc.Allocator) *Allocator {
	return &Allocator{cache: cache, alloc: alloc}
}

// Result describes a successful splice.
type Result struct {
	Count int    // number of leaf blocks spliced (always 1 in Move mode)
	First uint32 // physical address of the first leaf block
	Tail  Entry  // the newly spliced pointer, appended to the walked chain
}

// AllocBranch allocates and splices the missing portion of the branch
// described by off, given the chain already walked as far as holeDepth
// (chain.Entries[holeDepth].Captured == 0). leafBlocks is the number of
// contiguous leaf slots the caller would like filled, capped internally at
// off.Boundary; in Move mode, or whenever this splice introduces new
// indirect levels, at 1 — the top-down indirect splice below only ever
// points the deepest new indirect block's one freshly touched slot at a
// single leaf, so a multi-leaf run can only be spliced when the branch
// already has every indirect level in place. leafBlock supplies the
// existing physical block to reuse when mode.Move is set; it is ignored
// otherwise.
func (a *Allocator) AllocBranch(ctx context.Context, access MetaAccess, inode *Inode, iblock uint32, off Offsets, chain *Chain, holeDepth int, goal uint32, mode Mode, leafBlocks int, leafBlock uint32) (Result, error) {
	handle := access.Handle()
	indirectLevels := (off.Depth - 1) - holeDepth

	leafWant := leafBlocks
	if leafWant > off.Boundary {
		leafWant = off.Boundary
	}
	if mode.Move || indirectLevels > 0 {
		leafWant = 1
	}
	if leafWant < 1 {
		leafWant = 1
	}

	var (
		first uint32
		got   int
	)
	if mode.Move {
		// No data allocation: only the indirect scaffolding, if any.
		if indirectLevels > 0 {
			f, n, err := a.alloc.NewBlocks(ctx, goal, indirectLevels)
			if err != nil {
				return Result{}, err
			}
			first, got = f, n
			if got < indirectLevels {
				a.alloc.FreeBlocks(ctx, first, got)
				return Result{}, fserrors.New(fserrors.KindNoSpace, "bmap.AllocBranch", nil)
			}
		}
	} else {
		for {
			request := indirectLevels + leafWant
			f, n, err := a.alloc.NewBlocks(ctx, goal, request)
			if err != nil {
				return Result{}, err
			}
			if n >= indirectLevels+1 {
				first, got = f, n
				break
			}
			a.alloc.FreeBlocks(ctx, f, n)
			leafWant--
			if leafWant < 1 {
				return Result{}, fserrors.New(fserrors.KindNoSpace, "bmap.AllocBranch", nil)
			}
		}
	}

	leafCount := got - indirectLevels
	if mode.Move {
		leafCount = 1
	}

	allocated := make([]uint32, 0, indirectLevels)
	for i := 0; i < indirectLevels; i++ {
		allocated = append(allocated, first+uint32(i))
	}

	rollback := func() {
		for _, b := range allocated {
			buf, ok := a.cache.Peek(int64(b))
			if ok {
				handle.Forget(buf)
				a.cache.Forget(buf)
			}
			handle.Revoke(b)
		}
		if !mode.Move {
			a.alloc.FreeBlocks(ctx, first, got)
		} else if indirectLevels > 0 {
			a.alloc.FreeBlocks(ctx, first, indirectLevels)
		}
	}

	var leafFirst uint32
	if mode.Move {
		leafFirst = leafBlock
	} else {
		leafFirst = first + uint32(indirectLevels)
	}

	// Splice new indirect levels top-down: level i points at level i+1,
	// and the deepest new indirect level points at the leaf run.
	for i := 0; i < indirectLevels; i++ {
		blockNum := allocated[i]
		buf := a.cache.GetOrCreate(int64(blockNum))
		a.cache.Pin(buf)

		var downSlot int
		var downVal uint32
		if i == indirectLevels-1 {
			downSlot = off.Slots[holeDepth+1+i]
			downVal = leafFirst
		} else {
			downSlot = off.Slots[holeDepth+1+i]
			downVal = allocated[i+1]
		}
		buf.SetSlot(downSlot, downVal)

		if err := access.GetCreateAccess(ctx, buf); err != nil {
			rollback()
			a.cache.Unpin(buf)
			return Result{}, err
		}

		if mode.Sync {
			if err := a.cache.WriteBack(ctx, buf); err != nil {
				rollback()
				a.cache.Unpin(buf)
				return Result{}, err
			}
		} else {
			if err := handle.DirtyMetadata(buf); err != nil {
				rollback()
				a.cache.Unpin(buf)
				return Result{}, err
			}
		}
		a.cache.Unpin(buf)
	}

	// Splice the new subroot (or, with no new indirect level, the leaf
	// run itself) into the deepest block chain already walked to. Access
	// must be obtained before any slot in that block is touched, so an
	// active snapshot sees the pre-image before this mutation.
	parent := chain.Entries[holeDepth]
	if parent.Buffer != nil {
		if err := access.GetWriteAccess(ctx, parent.Buffer); err != nil {
			rollback()
			return Result{}, err
		}
	}

	var rootValue uint32
	if indirectLevels > 0 {
		rootValue = allocated[0]
	} else {
		rootValue = leafFirst
	}

	if parent.Buffer != nil {
		parent.Buffer.SetSlot(parent.SlotIndex, rootValue)
		if indirectLevels == 0 {
			for i := 1; i < leafCount; i++ {
				parent.Buffer.SetSlot(parent.SlotIndex+i, leafFirst+uint32(i))
			}
		}
		if err := handle.DirtyMetadata(parent.Buffer); err != nil {
			rollback()
			return Result{}, err
		}
	} else {
		inode.Slots[parent.SlotIndex] = rootValue
		if indirectLevels == 0 {
			for i := 1; i < leafCount; i++ {
				inode.Slots[parent.SlotIndex+i] = leafFirst + uint32(i)
			}
		}
	}

	tail := Entry{Buffer: parent.Buffer, SlotIndex: parent.SlotIndex, Captured: rootValue}
	chain.Entries[holeDepth] = tail

	if !mode.Move && !mode.Cow {
		inode.LastAllocLogicalBlock = iblock + uint32(leafCount) - 1
		inode.LastAllocPhysicalBlock = leafFirst + uint32(leafCount) - 1
		inode.HasLastAlloc = true
	}

	return Result{Count: leafCount, First: leafFirst, Tail: tail}, nil
}
