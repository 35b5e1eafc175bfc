package bmap

import (
	"context"

	"github.com/vorteil/bmapfs/pkg/fserrors"
	"github.com/vorteil/bmapfs/pkg/galloc"
	"github.com/vorteil/bmapfs/pkg/journal"
)

// maxChangedRetries bounds how many times MapBlock will restart a walk
// after a concurrent mutation invalidates the chain it had read.
const maxChangedRetries = 3

// Tree is the block-mapping engine's public surface: resolving a logical
// block to its physical address, extending the tree to cover a hole, and
// truncating or deleting an inode's branches. It owns no transaction or
// allocator of its own — every call takes the journal handle (wrapped in
// a MetaAccess gate) and allocator the caller is already using.
type Tree struct {
	layout   Layout
	walker   *Walker
	allocr   *Allocator
	galloc   galloc.Allocator
	truncate *TruncateEngine
}

// NewTree wires the mapping components together over a shared layout.
func NewTree(layout Layout, walker *Walker, allocr *Allocator, ga galloc.Allocator, truncate *TruncateEngine) *Tree {
	return &Tree{layout: layout, walker: walker, allocr: allocr, galloc: ga, truncate: truncate}
}

// MapResult describes a resolved (or newly-created) run of physical
// blocks backing a contiguous span of an inode's logical blocks.
type MapResult struct {
	Phys    uint32
	Count   int
	Created bool
}

// MapOptions configures a MapBlock call beyond the caller-universal
// iblock/leafBlocks pair.
type MapOptions struct {
	Create bool // splice a new branch if iblock is a hole
	Mode   Mode
	Colour uint32 // allocation-locality hint; 0 if the caller has none
	// CopySource/IsCopy: this mapping is materializing a snapshot's
	// private copy of a block; with IsCopy set, CopySource is the
	// placement goal. In Mode.Move, CopySource is also the existing
	// block spliced in as the leaf.
	CopySource uint32
	IsCopy     bool
}

// MapBlock resolves inode's logical block iblock to its physical address,
// extending the tree by up to leafBlocks contiguous blocks through access
// when it is a hole and opts.Create is set. It retries internally, up to
// a small bound, if a concurrent mutation invalidates an in-progress walk.
func (t *Tree) MapBlock(ctx context.Context, access MetaAccess, inode *Inode, iblock uint32, leafBlocks int, opts MapOptions) (MapResult, error) {
	for attempt := 0; ; attempt++ {
		off, err := Resolve(t.layout, iblock, inode.Snapshot)
		if err != nil {
			return MapResult{}, err
		}

		chain, status, holeDepth, err := t.walker.GetBranch(ctx, inode, off)
		if err != nil {
			chain.Release(t.walker.cache)
			return MapResult{}, err
		}

		switch status {
		case StatusComplete:
			tail := chain.Tail()
			chain.Release(t.walker.cache)
			return MapResult{Phys: tail.Captured, Count: 1}, nil

		case StatusChanged:
			chain.Release(t.walker.cache)
			if attempt >= maxChangedRetries {
				return MapResult{}, ErrConflict
			}
			continue

		case StatusHole:
			if !opts.Create {
				chain.Release(t.walker.cache)
				return MapResult{}, nil
			}

			holder := chain.Entries[holeDepth]
			goal := FindGoal(t.galloc, inode, iblock, holder.Buffer, holder.SlotIndex, opts.Colour, opts.CopySource, opts.IsCopy)

			res, err := t.allocr.AllocBranch(ctx, access, inode, iblock, off, chain, holeDepth, goal, opts.Mode, leafBlocks, opts.CopySource)
			chain.Release(t.walker.cache)
			if err != nil {
				return MapResult{}, err
			}
			return MapResult{Phys: res.First, Count: res.Count, Created: true}, nil

		default:
			chain.Release(t.walker.cache)
			return MapResult{}, fserrors.New(fserrors.KindInconsistency, "bmap.Tree.MapBlock", nil)
		}
	}
}

// Truncate reduces inode to newSize, freeing every block beyond it.
func (t *Tree) Truncate(ctx context.Context, svc journal.Service, newAccess func(journal.Handle) MetaAccess, inode *Inode, newSize uint64) error {
	return t.truncate.Truncate(ctx, svc, newAccess, inode, newSize)
}

// DeleteInode frees every block an inode maps, equivalent to truncating
// it to zero. The inode table entry itself is host-owned and freed by
// the caller after this returns.
func (t *Tree) DeleteInode(ctx context.Context, svc journal.Service, newAccess func(journal.Handle) MetaAccess, inode *Inode) error {
	return t.truncate.Truncate(ctx, svc, newAccess, inode, 0)
}
