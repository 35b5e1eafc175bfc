package bmapfs

import (
	"context"
	"testing"

	"github.com/vorteil/bmapfs/pkg/bmap"
	"github.com/vorteil/bmapfs/pkg/device"
)

// TestFileSystemMapBlockSurvivesLevelDBReopen is testable property 1 in
// its strongest form: close the backing LevelDB device and reopen it as a
// fresh Go process would on remount, then confirm the same logical block
// still resolves to the same physical address and holds its data.
func TestFileSystemMapBlockSurvivesLevelDBReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	dev, err := device.OpenLevelDB(dir, 64, 16384)
	if err != nil {
		t.Fatalf("OpenLevelDB: %v", err)
	}
	fs, err := New(dev, Geometry{
		BlockSize:        64,
		BlocksPerGroup:   2048,
		GroupCount:       8,
		OverheadPerGroup: 3,
		CacheBlocks:      1024,
	}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	inode := fs.CreateInode(false)
	data := make([]byte, 64)
	copy(data, []byte("persisted across remount"))
	if err := fs.WriteDataBlock(ctx, inode.Ino, 300, data, nil); err != nil {
		t.Fatalf("WriteDataBlock: %v", err)
	}
	res, err := fs.MapBlock(ctx, inode.Ino, 300, false)
	if err != nil {
		t.Fatalf("MapBlock: %v", err)
	}
	phys := res.Phys
	slots := append([]uint32(nil), inode.Slots...)

	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dev2, err := device.OpenLevelDB(dir, 64, 16384)
	if err != nil {
		t.Fatalf("re-OpenLevelDB: %v", err)
	}
	defer dev2.Close()
	fs2, err := New(dev2, Geometry{
		BlockSize:        64,
		BlocksPerGroup:   2048,
		GroupCount:       8,
		OverheadPerGroup: 3,
		CacheBlocks:      1024,
	}, nil, nil)
	if err != nil {
		t.Fatalf("New after reopen: %v", err)
	}

	// The inode record itself is host-owned, so reconstruct it here the
	// way a real mount would after reading it back from its own on-disk
	// table.
	reopenedInode := bmap.NewInode(inode.Ino, false)
	copy(reopenedInode.Slots, slots)
	fs2.mu.Lock()
	fs2.inodes[reopenedInode.Ino] = reopenedInode
	fs2.mu.Unlock()

	res2, err := fs2.MapBlock(ctx, reopenedInode.Ino, 300, false)
	if err != nil {
		t.Fatalf("MapBlock after reopen: %v", err)
	}
	if res2.Phys != phys {
		t.Fatalf("mapping bijection violated across reopen: got %d, want %d", res2.Phys, phys)
	}

	buf, err := fs2.cache.Get(ctx, int64(res2.Phys))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(buf.Data()) != string(data) {
		t.Fatalf("data did not survive the reopen")
	}
}

func newTestFS(t *testing.T) *FileSystem {
	t.Helper()
	dev := device.NewMemory(64, 16384) // AddrPerBlock = 16
	fs, err := New(dev, Geometry{
		BlockSize:        64,
		BlocksPerGroup:   2048,
		GroupCount:       8,
		OverheadPerGroup: 3,
		CacheBlocks:      1024,
	}, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return fs
}

// TestFileSystemMapBlockGrowsAndReresolvesStably exercises testable
// property 1 (mapping bijection): resolving the same logical block twice,
// once at creation and once read-only afterwards, must return the same
// physical address.
func TestFileSystemMapBlockGrowsAndReresolvesStably(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	inode := fs.CreateInode(false)
	var phys uint32
	for i := uint32(0); i < 20; i++ {
		res, err := fs.MapBlock(ctx, inode.Ino, i, true)
		if err != nil {
			t.Fatalf("MapBlock(%d): %v", i, err)
		}
		if i == 17 {
			phys = res.Phys
		}
	}
	if phys == 0 {
		t.Fatalf("expected block 17 to be mapped")
	}

	res, err := fs.MapBlock(ctx, inode.Ino, 17, false)
	if err != nil {
		t.Fatalf("re-resolve MapBlock(17): %v", err)
	}
	if res.Phys != phys {
		t.Fatalf("mapping bijection violated: got %d, want %d", res.Phys, phys)
	}
}

// TestFileSystemSnapshotPreservesDataBlockOnOverwrite is scenario S5:
// overwrite a regular file's block while a snapshot is active and confirm
// the snapshot still reads the original bytes.
func TestFileSystemSnapshotPreservesDataBlockOnOverwrite(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	inode := fs.CreateInode(false)
	original := make([]byte, 64)
	copy(original, []byte("original contents"))
	if err := fs.WriteDataBlock(ctx, inode.Ino, 0, original, nil); err != nil {
		t.Fatalf("initial WriteDataBlock: %v", err)
	}
	before, err := fs.MapBlock(ctx, inode.Ino, 0, false)
	if err != nil {
		t.Fatalf("MapBlock before snapshot: %v", err)
	}
	origPhys := before.Phys

	snapInode, err := fs.TakeSnapshot(nil)
	if err != nil {
		t.Fatalf("TakeSnapshot: %v", err)
	}

	updated := make([]byte, 64)
	copy(updated, []byte("overwritten contents"))
	if err := fs.WriteDataBlock(ctx, inode.Ino, 0, updated, nil); err != nil {
		t.Fatalf("overwrite WriteDataBlock: %v", err)
	}

	// The snapshot maps a preserved block at the logical offset equal to
	// its physical address.
	res, err := fs.MapBlock(ctx, snapInode.Ino, origPhys, false)
	if err != nil {
		t.Fatalf("MapBlock on snapshot: %v", err)
	}
	if res.Phys == 0 {
		t.Fatalf("expected snapshot to have preserved block %d", origPhys)
	}

	buf, err := fs.cache.Get(ctx, int64(res.Phys))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(buf.Data()) != string(original) {
		t.Fatalf("snapshot block does not hold the pre-overwrite contents")
	}
}

// TestFileSystemTruncateOrphanListLifecycle is scenario S6's orphan-list
// half: an inode is on the orphan list for the duration of a truncate and
// off it again once the call returns cleanly.
func TestFileSystemTruncateOrphanListLifecycle(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)

	inode := fs.CreateInode(false)
	for i := uint32(0); i < 40; i++ {
		if _, err := fs.MapBlock(ctx, inode.Ino, i, true); err != nil {
			t.Fatalf("MapBlock(%d): %v", i, err)
		}
	}

	if err := fs.Truncate(ctx, inode.Ino, 0); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	for _, ino := range fs.Orphans() {
		if ino == inode.Ino {
			t.Fatalf("inode %d still on orphan list after a clean truncate", ino)
		}
	}

	res, err := fs.MapBlock(ctx, inode.Ino, 0, false)
	if err != nil {
		t.Fatalf("MapBlock after truncate: %v", err)
	}
	if res.Phys != 0 {
		t.Fatalf("expected a hole at block 0 after truncating to size 0")
	}
}

// TestFileSystemDeleteSnapshotRequiresActive confirms DeleteSnapshot
// refuses to run with nothing active.
func TestFileSystemDeleteSnapshotRequiresActive(t *testing.T) {
	ctx := context.Background()
	fs := newTestFS(t)
	if err := fs.DeleteSnapshot(ctx); err == nil {
		t.Fatalf("expected an error deleting a snapshot when none is active")
	}
}

// TestFileSystemOnlyOneActiveSnapshot confirms a second TakeSnapshot is
// refused while one is already active.
func TestFileSystemOnlyOneActiveSnapshot(t *testing.T) {
	fs := newTestFS(t)
	if _, err := fs.TakeSnapshot(nil); err != nil {
		t.Fatalf("first TakeSnapshot: %v", err)
	}
	if _, err := fs.TakeSnapshot(nil); err == nil {
		t.Fatalf("expected a second TakeSnapshot to be refused")
	}
}
