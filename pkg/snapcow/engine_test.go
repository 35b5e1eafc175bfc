package snapcow

import (
	"context"
	"testing"

	"github.com/vorteil/bmapfs/pkg/bcache"
	"github.com/vorteil/bmapfs/pkg/bmap"
	"github.com/vorteil/bmapfs/pkg/device"
	"github.com/vorteil/bmapfs/pkg/galloc"
	"github.com/vorteil/bmapfs/pkg/journal/memlog"
)

type memOrphans struct{}

func (memOrphans) Add(ctx context.Context, ino uint32) error    { return nil }
func (memOrphans) Remove(ctx context.Context, ino uint32) error { return nil }

type fixture struct {
	tree   *bmap.Tree
	walker *bmap.Walker
	layout bmap.Layout
	cache  *bcache.Cache
	ga     galloc.Allocator
	log    *memlog.Log
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	const blockSize = 32 // AddrPerBlock = 8

	dev := device.NewMemory(blockSize, 8192)
	ga := galloc.NewBitmap(blockSize, 1024, 8, 3)
	cache, err := bcache.New(dev, 512)
	if err != nil {
		t.Fatalf("bcache.New: %v", err)
	}
	layout := bmap.NewLayout(blockSize)
	walker := bmap.NewWalker(cache)
	allocr := bmap.NewAllocator(cache, ga)
	truncate := bmap.NewTruncateEngine(cache, layout, ga, memOrphans{}, nil)
	tree := bmap.NewTree(layout, walker, allocr, ga, truncate)
	log := memlog.New(cache)
	engine := NewEngine(tree, walker, layout, ga, cache, nil)

	return &fixture{tree: tree, walker: walker, layout: layout, cache: cache, ga: ga, log: log, engine: engine}
}

// mapDirect splices the single logical block iblock into inode through a
// PassThrough gate, without any COW engine involvement — growing a file before a
// snapshot exists should never trigger preservation.
func mapDirect(t *testing.T, ctx context.Context, f *fixture, inode *bmap.Inode, iblock uint32) bmap.MapResult {
	t.Helper()
	handle, err := f.log.Start(ctx, 32)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	res, err := f.tree.MapBlock(ctx, bmap.PassThrough{H: handle}, inode, iblock, 1, bmap.MapOptions{Create: true})
	if err != nil {
		t.Fatalf("MapBlock(%d): %v", iblock, err)
	}
	if err := handle.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	return res
}

// TestEngineSnapshotPreservesIndirectBlockPreImage grows a regular
// file's indirect block, activates a snapshot, mutates the same
// indirect block again through the engine's MetaAccess, and checks the
// snapshot's own tree now maps that block's physical address to a copy
// holding its original contents.
func TestEngineSnapshotPreservesIndirectBlockPreImage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	regular := bmap.NewInode(1, false)
	regular.Group = 0
	for i := uint32(0); i < 13; i++ { // block 12 forces an IND allocation
		mapDirect(t, ctx, f, regular, i)
	}
	regular.Size = 13 * 32
	regular.Blocks = 13

	indOff, err := bmap.Resolve(f.layout, 12, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	indPhys := regular.Slots[indOff.Slots[0]]
	if indPhys == 0 {
		t.Fatalf("expected IND slot populated")
	}

	origBuf, err := f.cache.Get(ctx, int64(indPhys))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	original := append([]byte(nil), origBuf.Data()...)

	snapInode := bmap.NewInode(2, true)
	snap := NewActiveSnapshot(snapInode, nil)
	if err := f.engine.Activate(snap); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	handle, err := f.log.Start(ctx, 32)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	access := f.engine.Access(handle, regular)
	if err := access.GetWriteAccess(ctx, origBuf); err != nil {
		t.Fatalf("GetWriteAccess: %v", err)
	}
	origBuf.SetSlot(0, 999) // the mutation the caller was about to make
	if err := handle.DirtyMetadata(origBuf); err != nil {
		t.Fatalf("DirtyMetadata: %v", err)
	}

	res, err := f.tree.MapBlock(ctx, bmap.PassThrough{H: handle}, snapInode, indPhys, 1, bmap.MapOptions{})
	if err != nil {
		t.Fatalf("MapBlock on snapshot: %v", err)
	}
	if res.Phys == 0 {
		t.Fatalf("expected snapshot to have preserved a copy of block %d", indPhys)
	}
	if res.Phys == indPhys {
		t.Fatalf("snapshot copy reused the live block's own address")
	}

	copyBuf, err := f.cache.Get(ctx, int64(res.Phys))
	if err != nil {
		t.Fatalf("Get copy: %v", err)
	}
	if string(copyBuf.Data()) != string(original) {
		t.Fatalf("snapshot copy does not match the pre-image")
	}

	if err := handle.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// TestEngineCowOncePerTransaction confirms a second GetWriteAccess call
// on the same buffer within the same handle does not re-copy.
func TestEngineCowOncePerTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	regular := bmap.NewInode(1, false)
	for i := uint32(0); i < 13; i++ {
		mapDirect(t, ctx, f, regular, i)
	}

	indOff, err := bmap.Resolve(f.layout, 12, false)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	indPhys := regular.Slots[indOff.Slots[0]]
	buf, err := f.cache.Get(ctx, int64(indPhys))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	snapInode := bmap.NewInode(2, true)
	snap := NewActiveSnapshot(snapInode, nil)
	if err := f.engine.Activate(snap); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	handle, err := f.log.Start(ctx, 32)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	access := f.engine.Access(handle, regular)

	if err := access.GetWriteAccess(ctx, buf); err != nil {
		t.Fatalf("first GetWriteAccess: %v", err)
	}
	desc, err := f.ga.GroupDesc(0)
	if err != nil {
		t.Fatalf("GroupDesc: %v", err)
	}
	freeAfterFirst := desc.FreeBlocks

	if err := access.GetWriteAccess(ctx, buf); err != nil {
		t.Fatalf("second GetWriteAccess: %v", err)
	}
	desc, err = f.ga.GroupDesc(0)
	if err != nil {
		t.Fatalf("GroupDesc: %v", err)
	}
	if desc.FreeBlocks != freeAfterFirst {
		t.Fatalf("second GetWriteAccess in the same transaction allocated another COW block: free blocks %d -> %d", freeAfterFirst, desc.FreeBlocks)
	}

	if err := handle.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// TestEngineDeniesDirectWriteToActiveSnapshot confirms the active
// snapshot's own metadata cannot be dirtied outside a COW operation.
func TestEngineDeniesDirectWriteToActiveSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	snapInode := bmap.NewInode(1, true)
	snap := NewActiveSnapshot(snapInode, nil)
	if err := f.engine.Activate(snap); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	handle, err := f.log.Start(ctx, 32)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer handle.Stop()

	access := f.engine.Access(handle, snapInode)
	res, err := f.tree.MapBlock(ctx, bmap.PassThrough{H: handle}, snapInode, 0, 1, bmap.MapOptions{Create: true})
	if err != nil {
		t.Fatalf("MapBlock: %v", err)
	}
	buf, err := f.cache.Get(ctx, int64(res.Phys))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if err := access.GetWriteAccess(ctx, buf); err == nil {
		t.Fatalf("expected a direct write to the active snapshot's own metadata to be denied")
	}
}

// TestEngineDeleteAccessInheritsBlockIntoSnapshot confirms that freeing
// a block the snapshot does not yet map splices it into the snapshot's
// tree instead of returning it to the allocator.
func TestEngineDeleteAccessInheritsBlockIntoSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	regular := bmap.NewInode(1, false)
	res := mapDirect(t, ctx, f, regular, 0)

	snapInode := bmap.NewInode(2, true)
	snap := NewActiveSnapshot(snapInode, nil)
	if err := f.engine.Activate(snap); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	handle, err := f.log.Start(ctx, 32)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	access := f.engine.Access(handle, regular)

	inherited, err := access.GetDeleteAccess(ctx, res.Phys)
	if err != nil {
		t.Fatalf("GetDeleteAccess: %v", err)
	}
	if !inherited {
		t.Fatalf("expected the block to be reported as inherited by the active snapshot")
	}

	mapped, err := f.engine.snapshotMaps(ctx, snap, res.Phys)
	if err != nil {
		t.Fatalf("snapshotMaps: %v", err)
	}
	if !mapped {
		t.Fatalf("expected the snapshot's own tree to map the inherited block")
	}

	if err := handle.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// TestEngineCowDataBlockChargesAndRefundsQuota exercises the
// regular-file data move-on-write path and its quota bookkeeping.
func TestEngineCowDataBlockChargesAndRefundsQuota(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	regular := bmap.NewInode(1, false)
	res := mapDirect(t, ctx, f, regular, 0)

	snapInode := bmap.NewInode(2, true)
	snap := NewActiveSnapshot(snapInode, nil)
	if err := f.engine.Activate(snap); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	q := newFakeQuota()

	handle, err := f.log.Start(ctx, 32)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	moved, newPhys, err := f.engine.CowDataBlock(ctx, handle, q, regular, 0, res.Phys)
	if err != nil {
		t.Fatalf("CowDataBlock: %v", err)
	}
	if !moved {
		t.Fatalf("expected the first overwrite of block 0 to trigger a move")
	}
	if newPhys == res.Phys {
		t.Fatalf("expected a fresh physical block for the regular inode")
	}
	if q.balance[snapInode.Ino] != 1 {
		t.Fatalf("snapshot inode quota charge = %d, want 1", q.balance[snapInode.Ino])
	}
	if q.balance[regular.Ino] != -1 {
		t.Fatalf("regular inode quota refund = %d, want -1", q.balance[regular.Ino])
	}

	moved, _, err = f.engine.CowDataBlock(ctx, handle, q, regular, 0, newPhys)
	if err != nil {
		t.Fatalf("second CowDataBlock: %v", err)
	}
	if moved {
		t.Fatalf("expected the second overwrite to be a no-op: already preserved")
	}

	if err := handle.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

type fakeQuota struct {
	balance map[uint32]int64
}

func newFakeQuota() *fakeQuota { return &fakeQuota{balance: make(map[uint32]int64)} }

func (q *fakeQuota) Charge(ctx context.Context, ino uint32, blocks int64) error {
	q.balance[ino] += blocks
	return nil
}

func (q *fakeQuota) Refund(ctx context.Context, ino uint32, blocks int64) {
	q.balance[ino] -= blocks
}
