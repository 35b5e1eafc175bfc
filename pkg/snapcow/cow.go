package snapcow

import (
	"context"

	"github.com/vorteil/bmapfs/pkg/bcache"
	"github.com/vorteil/bmapfs/pkg/bmap"
	"github.com/vorteil/bmapfs/pkg/fserrors"
	"github.com/vorteil/bmapfs/pkg/journal"
)

// hookAccess is the bmap.MetaAccess the engine hands out per (handle,
// inode) pair: every call first gives the COW engine a chance to act;
// GetWriteAccess and GetCreateAccess then forward to the underlying
// journal handle (the journal has no delete-access call to forward to).
type hookAccess struct {
	engine *Engine
	handle journal.Handle
	inode  *bmap.Inode
}

func (a *hookAccess) Handle() journal.Handle { return a.handle }

func (a *hookAccess) GetWriteAccess(ctx context.Context, buf *bcache.Buffer) error {
	if !a.handle.Cowing() {
		if err := a.engine.testAndCow(ctx, a.handle, a.inode, buf, false); err != nil {
			return err
		}
	}
	return a.handle.GetWriteAccess(ctx, buf)
}

func (a *hookAccess) GetCreateAccess(ctx context.Context, buf *bcache.Buffer) error {
	if !a.handle.Cowing() {
		if err := a.engine.testAndCow(ctx, a.handle, a.inode, buf, true); err != nil {
			return err
		}
	}
	return a.handle.GetCreateAccess(ctx, buf)
}

func (a *hookAccess) GetDeleteAccess(ctx context.Context, physBlock uint32) (bool, error) {
	if a.handle.Cowing() {
		return false, nil
	}
	return a.engine.move(ctx, a.handle, a.inode, physBlock)
}

// testAndCow is the engine's test_and_cow: before a metadata buffer is
// dirtied (testOnly=false) or a freshly allocated one is handed to a
// caller (testOnly=true), check whether the active snapshot still
// references its physical block and, if so, either preserve it (full
// mode) or report the inconsistency (test mode — a block the allocator
// just handed out should never still be referenced by a snapshot).
func (e *Engine) testAndCow(ctx context.Context, handle journal.Handle, inode *bmap.Inode, buf *bcache.Buffer, testOnly bool) error {
	snap := e.Active()
	if snap == nil {
		return nil
	}

	if inode != nil && inode == snap.Inode {
		return fserrors.New(fserrors.KindPermission, "snapcow.testAndCow", nil)
	}

	if handle.Aborted() {
		return fserrors.New(fserrors.KindAborted, "snapcow.testAndCow", nil)
	}

	// Transaction-local COW cache (spec 4.5.4): a buffer already COWed
	// under this transaction is never copied a second time.
	if tx, tracked := buf.LastCowTransaction(); tracked && tx == handle.TransactionID() {
		return nil
	}

	block := uint32(buf.Block())
	group := e.groupOf(block)

	if err := e.ensureCowBitmap(ctx, handle, snap, group); err != nil {
		return err
	}

	inUse, err := e.bitAt(ctx, snap, group, block)
	if err != nil {
		return err
	}
	if !inUse {
		return nil
	}

	if testOnly {
		return fserrors.New(fserrors.KindInconsistency, "snapcow.testAndCow", nil)
	}

	return e.cow(ctx, handle, snap, block, buf)
}

// cow performs the actual pre-image preservation: allocate a fresh
// physical block, splice it into the snapshot's own tree at logical
// offset origBlock (under cowing=true so the splice's own metadata
// writes do not recurse), mark it pending for the duration of the copy
// so a concurrent snapshot reader waits rather than observing a
// half-written buffer, then copy, dirty, and clear pending.
func (e *Engine) cow(ctx context.Context, handle journal.Handle, snap *ActiveSnapshot, origBlock uint32, source *bcache.Buffer) error {
	// The COW bitmap bit stays set for the snapshot's whole lifetime, so
	// a buffer whose transaction-local tag was lost (evicted and
	// reread, or simply a later transaction) re-enters here even though
	// it was already preserved; re-check against the snapshot's own
	// tree before allocating a second copy.
	already, err := e.snapshotMaps(ctx, snap, origBlock)
	if err != nil {
		return err
	}
	if already {
		source.SetLastCowTransaction(handle.TransactionID())
		return nil
	}

	newBlock, n, err := e.galloc.NewBlocks(ctx, origBlock, 1)
	if err != nil {
		return err
	}
	if n < 1 {
		return fserrors.New(fserrors.KindNoSpace, "snapcow.cow", nil)
	}

	newBuf := e.cache.GetOrCreate(int64(newBlock))
	e.cache.Pin(newBuf)
	defer e.cache.Unpin(newBuf)
	newBuf.MarkPending()

	handle.SetCowing(true)
	access := &hookAccess{engine: e, handle: handle, inode: snap.Inode}
	_, spliceErr := e.tree.MapBlock(ctx, access, snap.Inode, origBlock, 1, bmap.MapOptions{
		Create:     true,
		Mode:       bmap.Mode{Move: true, Cow: true},
		IsCopy:     true,
		CopySource: newBlock,
	})
	handle.SetCowing(false)
	if spliceErr != nil {
		newBuf.ClearPending(bcache.StateAborted)
		e.cache.Forget(newBuf)
		e.galloc.FreeBlocks(ctx, newBlock, 1)
		return spliceErr
	}

	if err := handle.GetCreateAccess(ctx, newBuf); err != nil {
		newBuf.ClearPending(bcache.StateAborted)
		return err
	}

	newBuf.SetData(append([]byte(nil), source.Data()...))

	if err := handle.DirtyMetadata(newBuf); err != nil {
		newBuf.ClearPending(bcache.StateAborted)
		return err
	}

	newBuf.ClearPending(bcache.StateDirty)
	source.SetLastCowTransaction(handle.TransactionID())
	return nil
}

// ReadThrough implements the active snapshot's reader path for a hole in
// its own tree over physical block target: if a COW of target is
// currently in flight (StatePending), wait for it, then prefer the
// in-memory copy over a device round trip; otherwise read target
// directly. warned reports that the wait crossed the logging threshold,
// for a caller to surface as a stuck-pending-COW warning.
func (e *Engine) ReadThrough(ctx context.Context, target uint32) (data []byte, warned bool, err error) {
	buf, ok := e.cache.Peek(int64(target))
	if !ok {
		buf, err = e.cache.Get(ctx, int64(target))
		if err != nil {
			return nil, false, err
		}
		return buf.Data(), false, nil
	}

	warned, err = buf.WaitPending(ctx)
	if err != nil {
		return nil, warned, err
	}
	if warned {
		e.log.Warnf("snapcow: pending COW marker on block %d survived past the warn threshold", target)
	}

	switch buf.State() {
	case bcache.StateUpToDate, bcache.StateDirty:
		return buf.Data(), warned, nil
	case bcache.StateAborted:
		return nil, warned, fserrors.New(fserrors.KindIO, "snapcow.ReadThrough", nil)
	default:
		// Up-to-date, dirty, and aborted are the only states a cleared
		// buffer may be left in; still empty, reading, or pending here
		// is an invariant violation.
		e.log.Errorf("snapcow: buffer for block %d left in unexpected state %s after pending wait", target, buf.State())
		return nil, warned, fserrors.New(fserrors.KindInconsistency, "snapcow.ReadThrough", nil)
	}
}
