package snapcow

import (
	"context"

	"github.com/vorteil/bmapfs/pkg/bmap"
	"github.com/vorteil/bmapfs/pkg/fserrors"
	"github.com/vorteil/bmapfs/pkg/journal"
)

// Quota charges and refunds block usage against an inode's quota,
// an external collaborator the regular-file data move-on-write path
// needs but this package does not otherwise depend on.
type Quota interface {
	Charge(ctx context.Context, ino uint32, blocks int64) error
	Refund(ctx context.Context, ino uint32, blocks int64)
}

// move implements test_and_move for a block about to be returned to the
// allocator (get_delete_access): if an active snapshot does not already
// map physBlock's logical offset, splice physBlock directly into the
// snapshot's tree instead of letting it go back to the pool — the
// snapshot inherits the block as-is, no copy needed, since the block is
// leaving the regular inode for good anyway. Reports inherited=true when
// this happened, so the caller must not also free the block.
func (e *Engine) move(ctx context.Context, handle journal.Handle, inode *bmap.Inode, physBlock uint32) (bool, error) {
	snap := e.Active()
	if snap == nil {
		return false, nil
	}
	if inode != nil && inode == snap.Inode {
		return false, fserrors.New(fserrors.KindPermission, "snapcow.move", nil)
	}
	if handle.Aborted() {
		return false, fserrors.New(fserrors.KindAborted, "snapcow.move", nil)
	}

	already, err := e.snapshotMaps(ctx, snap, physBlock)
	if err != nil {
		return false, err
	}
	if already {
		return false, nil
	}

	handle.SetCowing(true)
	access := &hookAccess{engine: e, handle: handle, inode: snap.Inode}
	_, err = e.tree.MapBlock(ctx, access, snap.Inode, physBlock, 1, bmap.MapOptions{
		Create:     true,
		Mode:       bmap.Mode{Move: true},
		IsCopy:     true,
		CopySource: physBlock,
	})
	handle.SetCowing(false)
	if err != nil {
		return false, err
	}
	return true, nil
}

// snapshotMaps reports whether snap's own tree already has something
// mapped at logical offset physBlock.
func (e *Engine) snapshotMaps(ctx context.Context, snap *ActiveSnapshot, physBlock uint32) (bool, error) {
	off, err := bmap.Resolve(e.layout, physBlock, snap.Inode.Snapshot)
	if err != nil {
		return false, err
	}
	chain, status, _, err := e.walker.GetBranch(ctx, snap.Inode, off)
	if err != nil {
		chain.Release(e.cache)
		return false, err
	}
	mapped := status == bmap.StatusComplete
	chain.Release(e.cache)
	return mapped, nil
}

// CowDataBlock implements get_move_access for a regular file about to
// overwrite origPhys, the block currently mapping logicalBlock of its
// contents in place. The snapshot keys a preserved block by its physical
// address, so every check and splice below is at logical offset origPhys.
// If origPhys was free when its group's COW bitmap was taken, or the
// active snapshot already has something mapped at origPhys, this is a
// no-op. Otherwise it allocates a fresh physical block, splices origPhys
// into the snapshot's tree at logical offset origPhys
// (moved, not copied — the regular inode is about to stop using it
// anyway), and charges the block to the snapshot inode's quota while
// refunding the regular inode's. The caller is responsible for actually
// re-splicing regular's own tree entry at logicalBlock to the returned
// newPhys and for performing the write itself; this package only owns
// the preservation half of the operation.
//
// Direct I/O writes that would land on a block requiring this move must
// be rejected to the buffered path by the caller — a direct write cannot
// safely interleave with a page-granularity move.
func (e *Engine) CowDataBlock(ctx context.Context, handle journal.Handle, quota Quota, regular *bmap.Inode, logicalBlock uint32, origPhys uint32) (moved bool, newPhys uint32, err error) {
	snap := e.Active()
	if snap == nil {
		return false, origPhys, nil
	}
	if regular == snap.Inode {
		return false, 0, fserrors.New(fserrors.KindPermission, "snapcow.CowDataBlock", nil)
	}
	if handle.Cowing() {
		return false, origPhys, nil
	}

	group := e.groupOf(origPhys)
	if err := e.ensureCowBitmap(ctx, handle, snap, group); err != nil {
		return false, 0, err
	}
	inUse, err := e.bitAt(ctx, snap, group, origPhys)
	if err != nil {
		return false, 0, err
	}
	if !inUse {
		return false, origPhys, nil
	}

	already, err := e.snapshotMaps(ctx, snap, origPhys)
	if err != nil {
		return false, 0, err
	}
	if already {
		return false, origPhys, nil
	}

	newBlock, n, err := e.galloc.NewBlocks(ctx, origPhys, 1)
	if err != nil {
		return false, 0, err
	}
	if n < 1 {
		return false, 0, fserrors.New(fserrors.KindNoSpace, "snapcow.CowDataBlock", nil)
	}

	if quota != nil {
		if err := quota.Charge(ctx, snap.Inode.Ino, 1); err != nil {
			e.galloc.FreeBlocks(ctx, newBlock, 1)
			return false, 0, err
		}
	}

	handle.SetCowing(true)
	access := &hookAccess{engine: e, handle: handle, inode: snap.Inode}
	_, err = e.tree.MapBlock(ctx, access, snap.Inode, origPhys, 1, bmap.MapOptions{
		Create:     true,
		Mode:       bmap.Mode{Move: true},
		IsCopy:     true,
		CopySource: origPhys,
	})
	handle.SetCowing(false)
	if err != nil {
		// Partial-move failure: refund the snapshot inode's charge and
		// the freshly allocated block; the caller re-maps the
		// still-uncopied block on retry.
		if quota != nil {
			quota.Refund(ctx, snap.Inode.Ino, 1)
		}
		e.galloc.FreeBlocks(ctx, newBlock, 1)
		return false, 0, err
	}

	if quota != nil {
		quota.Refund(ctx, regular.Ino, 1)
	}
	return true, newBlock, nil
}
