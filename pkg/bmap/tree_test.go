package bmap

import (
	"context"
	"testing"

	"github.com/vorteil/bmapfs/pkg/bcache"
	"github.com/vorteil/bmapfs/pkg/device"
	"github.com/vorteil/bmapfs/pkg/galloc"
	"github.com/vorteil/bmapfs/pkg/journal"
	"github.com/vorteil/bmapfs/pkg/journal/memlog"
)

type memOrphans struct{ set map[uint32]bool }

func newMemOrphans() *memOrphans { return &memOrphans{set: make(map[uint32]bool)} }

func (o *memOrphans) Add(ctx context.Context, ino uint32) error {
	o.set[ino] = true
	return nil
}

func (o *memOrphans) Remove(ctx context.Context, ino uint32) error {
	delete(o.set, ino)
	return nil
}

func passThroughAccess(h journal.Handle) MetaAccess { return PassThrough{H: h} }

func newTestTree(t *testing.T) (*Tree, *bcache.Cache, *memlog.Log, galloc.Allocator) {
	t.Helper()
	const blockSize = 32 // AddrPerBlock = 8, small enough to reach every depth quickly

	dev := device.NewMemory(blockSize, 8192)
	ga := galloc.NewBitmap(blockSize, 1024, 8, 3)
	cache, err := bcache.New(dev, 512)
	if err != nil {
		t.Fatalf("bcache.New: %v", err)
	}
	layout := NewLayout(blockSize)
	walker := NewWalker(cache)
	allocr := NewAllocator(cache, ga)
	truncate := NewTruncateEngine(cache, layout, ga, newMemOrphans(), nil)
	tree := NewTree(layout, walker, allocr, ga, truncate)
	log := memlog.New(cache)
	return tree, cache, log, ga
}

func mapOne(t *testing.T, ctx context.Context, tree *Tree, log *memlog.Log, inode *Inode, iblock uint32, create bool) MapResult {
	t.Helper()
	handle, err := log.Start(ctx, 32)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	res, err := tree.MapBlock(ctx, PassThrough{H: handle}, inode, iblock, 1, MapOptions{Create: create})
	if err != nil {
		t.Fatalf("MapBlock(%d): %v", iblock, err)
	}
	if err := handle.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	return res
}

// TestTreeGrowThroughEveryDepthThenTruncate walks a file from direct
// blocks through IND, DIND, and TIND, then truncates it back to a point
// inside the DIND range and checks that every block before the cut still
// maps to its original address and every block at or after it has become
// a hole.
func TestTreeGrowThroughEveryDepthThenTruncate(t *testing.T) {
	ctx := context.Background()
	tree, _, log, _ := newTestTree(t)

	inode := NewInode(1, false)
	inode.Group = 0

	const highest = 90 // reaches into TIND range (TIND starts at block 84 here)
	phys := make(map[uint32]uint32, highest+1)

	for i := uint32(0); i <= highest; i++ {
		res := mapOne(t, ctx, tree, log, inode, i, true)
		if res.Phys == 0 {
			t.Fatalf("block %d got a zero physical address", i)
		}
		phys[i] = res.Phys
	}

	// No two logical blocks should have landed on the same physical one.
	seen := make(map[uint32]bool, len(phys))
	for i, p := range phys {
		if seen[p] {
			t.Fatalf("physical block %d reused for two logical blocks (one is %d)", p, i)
		}
		seen[p] = true
	}

	inode.Size = uint64(highest+1) * 32
	inode.Blocks = uint64(highest + 1)

	const cutBlock = 50 // inside the DIND range
	newSize := uint64(cutBlock) * 32

	if err := tree.Truncate(ctx, log, passThroughAccess, inode, newSize); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if inode.Size != newSize {
		t.Fatalf("Size = %d, want %d", inode.Size, newSize)
	}

	for i := uint32(0); i < cutBlock; i++ {
		res := mapOne(t, ctx, tree, log, inode, i, false)
		if res.Phys != phys[i] {
			t.Errorf("block %d: got phys %d after truncate, want preserved %d", i, res.Phys, phys[i])
		}
	}

	for i := uint32(cutBlock); i <= highest; i++ {
		res := mapOne(t, ctx, tree, log, inode, i, false)
		if res.Phys != 0 {
			t.Errorf("block %d: got phys %d after truncate, want hole", i, res.Phys)
		}
	}
}

// TestTreeTruncateToZeroFreesEverything truncates a file spanning direct
// and IND blocks down to zero and checks every block becomes a hole.
func TestTreeTruncateToZeroFreesEverything(t *testing.T) {
	ctx := context.Background()
	tree, _, log, _ := newTestTree(t)

	inode := NewInode(2, false)
	for i := uint32(0); i < 20; i++ {
		mapOne(t, ctx, tree, log, inode, i, true)
	}
	inode.Size = 20 * 32
	inode.Blocks = 20

	if err := tree.Truncate(ctx, log, passThroughAccess, inode, 0); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	for _, v := range inode.Slots {
		if v != 0 {
			t.Fatalf("slot array not fully cleared after truncate to zero: %+v", inode.Slots)
		}
	}
	for i := uint32(0); i < 20; i++ {
		res := mapOne(t, ctx, tree, log, inode, i, false)
		if res.Phys != 0 {
			t.Errorf("block %d: got phys %d, want hole after truncate to zero", i, res.Phys)
		}
	}
}

// TestTreeFreedBlocksAreReusable confirms freed space the allocator
// returned is visible to a subsequent allocation, rather than leaked.
func TestTreeFreedBlocksAreReusable(t *testing.T) {
	ctx := context.Background()
	tree, _, log, ga := newTestTree(t)

	inode := NewInode(3, false)
	for i := uint32(0); i < 12; i++ {
		mapOne(t, ctx, tree, log, inode, i, true)
	}
	desc, err := ga.GroupDesc(0)
	if err != nil {
		t.Fatalf("GroupDesc: %v", err)
	}
	before := desc.FreeBlocks

	inode.Size = 12 * 32
	inode.Blocks = 12
	if err := tree.Truncate(ctx, log, passThroughAccess, inode, 0); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	desc, err = ga.GroupDesc(0)
	if err != nil {
		t.Fatalf("GroupDesc: %v", err)
	}
	if desc.FreeBlocks != before+12 {
		t.Fatalf("FreeBlocks = %d, want %d (12 direct blocks returned)", desc.FreeBlocks, before+12)
	}
}
