// Package bmapfs glues the mapping tree, allocator, journal, cache, and
// snapshot COW engine into a single handle a test or inspection tool can
// drive end to end. Page-cache and VFS integration stay out of scope,
// trimmed to the minimum needed to exercise mapping, truncate, and
// snapshot behavior against a real device: an in-memory inode table and
// no directory/xattr/quota semantics.
package bmapfs

import (
	"context"
	"sync"
	"time"

	"github.com/vorteil/bmapfs/pkg/bcache"
	"github.com/vorteil/bmapfs/pkg/bmap"
	"github.com/vorteil/bmapfs/pkg/device"
	"github.com/vorteil/bmapfs/pkg/elog"
	"github.com/vorteil/bmapfs/pkg/fserrors"
	"github.com/vorteil/bmapfs/pkg/galloc"
	"github.com/vorteil/bmapfs/pkg/journal"
	"github.com/vorteil/bmapfs/pkg/journal/memlog"
	"github.com/vorteil/bmapfs/pkg/metrics"
	"github.com/vorteil/bmapfs/pkg/snapcow"
)

// mapBudget is the buffer-credit allowance given to the short transactions
// MapBlock and WriteDataBlock open; truncate computes its own,
// larger budget proportional to the inode's block count.
const mapBudget = 8

// Geometry describes the fixed on-disk layout a FileSystem is built over.
type Geometry struct {
	BlockSize        int
	BlocksPerGroup   uint32
	GroupCount       int
	OverheadPerGroup uint32
	CacheBlocks      int // bcache capacity, in blocks
}

// FileSystem wires every component package into one handle. It keeps its
// inode table in memory; a real mount would read/write inode records
// through the device the same way block data does, but that record format
// is host-owned and out of this module's scope.
type FileSystem struct {
	dev    device.Device
	cache  *bcache.Cache
	galloc galloc.Allocator
	layout bmap.Layout
	walker *bmap.Walker
	tree   *bmap.Tree
	svc    journal.Service
	engine *snapcow.Engine
	log    elog.Logger
	metric *metrics.Registry
	orph   *orphanList

	mu           sync.Mutex
	inodes       map[uint32]*bmap.Inode
	nextIno      uint32
	activeSnap   *snapcow.ActiveSnapshot
	snapshotHead uint32 // ino of the most recently taken snapshot, head of the on-disk singly-linked list
}

// New builds a FileSystem over dev with the given geometry. log and reg may
// both be nil (a discarding logger and no metrics, respectively).
func New(dev device.Device, geom Geometry, log elog.Logger, reg *metrics.Registry) (*FileSystem, error) {
	if log == nil {
		log = elog.Discard{}
	}

	cache, err := bcache.New(dev, geom.CacheBlocks)
	if err != nil {
		return nil, err
	}

	ga := galloc.NewBitmap(geom.BlockSize, geom.BlocksPerGroup, geom.GroupCount, geom.OverheadPerGroup)
	layout := bmap.NewLayout(geom.BlockSize)
	walker := bmap.NewWalker(cache)
	allocr := bmap.NewAllocator(cache, ga)
	orph := newOrphanList()
	truncate := bmap.NewTruncateEngine(cache, layout, ga, orph, log)
	tree := bmap.NewTree(layout, walker, allocr, ga, truncate)
	svc := memlog.New(cache)
	engine := snapcow.NewEngine(tree, walker, layout, ga, cache, log)

	return &FileSystem{
		dev:     dev,
		cache:   cache,
		galloc:  ga,
		layout:  layout,
		walker:  walker,
		tree:    tree,
		svc:     svc,
		engine:  engine,
		log:     log,
		metric:  reg,
		orph:    orph,
		inodes:  make(map[uint32]*bmap.Inode),
		nextIno: 1,
	}, nil
}

// CreateInode allocates a fresh inode number and registers a new, empty
// inode of the requested kind with a link count of 1.
func (fs *FileSystem) CreateInode(snapshot bool) *bmap.Inode {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	ino := fs.nextIno
	fs.nextIno++
	inode := bmap.NewInode(ino, snapshot)
	inode.LinkCount = 1
	fs.inodes[ino] = inode
	return inode
}

// Inode returns the inode registered under ino, if any.
func (fs *FileSystem) Inode(ino uint32) (*bmap.Inode, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n, ok := fs.inodes[ino]
	return n, ok
}

// Orphans returns every inode currently on the orphan list, for a caller
// simulating a crash/remount to replay truncate against.
func (fs *FileSystem) Orphans() []uint32 {
	return fs.orph.Members()
}

func (fs *FileSystem) access(handle journal.Handle, inode *bmap.Inode) bmap.MetaAccess {
	return fs.engine.Access(handle, inode)
}

// MapBlock resolves (or, with create, extends) ino's mapping at iblock,
// under its own short-lived transaction.
func (fs *FileSystem) MapBlock(ctx context.Context, ino uint32, iblock uint32, create bool) (bmap.MapResult, error) {
	inode, ok := fs.Inode(ino)
	if !ok {
		return bmap.MapResult{}, fserrors.New(fserrors.KindInconsistency, "bmapfs.MapBlock", nil)
	}

	handle, err := fs.svc.Start(ctx, mapBudget)
	if err != nil {
		return bmap.MapResult{}, err
	}
	access := fs.access(handle, inode)

	start := time.Now()
	res, err := fs.tree.MapBlock(ctx, access, inode, iblock, 1, bmap.MapOptions{Create: create})
	fs.metric.ObserveMap(time.Since(start), res.Created)
	if err != nil {
		handle.Stop()
		return bmap.MapResult{}, err
	}

	if res.Created {
		fs.metric.AddBlocksCreated(res.Count)
		fs.metric.AddAllocated(res.Count)
		if blocks := uint64(iblock) + uint64(res.Count); blocks > inode.Blocks {
			inode.Blocks = blocks
		}
		if size := inode.Blocks * uint64(fs.dev.BlockSize()); size > inode.Size {
			inode.Size = size
		}
	}

	if err := handle.Stop(); err != nil {
		return bmap.MapResult{}, err
	}
	return res, nil
}

// WriteDataBlock writes data (exactly one block's worth) to ino's logical
// block iblock, creating the mapping if it doesn't exist yet and routing
// an overwrite of an already-mapped block through the snapshot COW
// engine's move-on-write path first. quota may be nil.
func (fs *FileSystem) WriteDataBlock(ctx context.Context, ino uint32, iblock uint32, data []byte, quota snapcow.Quota) error {
	inode, ok := fs.Inode(ino)
	if !ok {
		return fserrors.New(fserrors.KindInconsistency, "bmapfs.WriteDataBlock", nil)
	}

	handle, err := fs.svc.Start(ctx, mapBudget)
	if err != nil {
		return err
	}
	access := fs.access(handle, inode)

	res, err := fs.tree.MapBlock(ctx, access, inode, iblock, 1, bmap.MapOptions{Create: true})
	if err != nil {
		handle.Stop()
		return err
	}

	phys := res.Phys
	if !res.Created {
		moved, newPhys, err := fs.engine.CowDataBlock(ctx, handle, quota, inode, iblock, phys)
		if err != nil {
			handle.Stop()
			return err
		}
		if moved {
			if err := fs.spliceLeaf(ctx, access, inode, iblock, newPhys); err != nil {
				handle.Stop()
				return err
			}
			fs.metric.IncCowMove()
			phys = newPhys
		}
	}

	buf := fs.cache.GetOrCreate(int64(phys))
	fs.cache.Pin(buf)
	buf.SetData(data)
	werr := fs.cache.WriteBack(ctx, buf)
	fs.cache.Unpin(buf)
	if werr != nil {
		handle.Stop()
		return werr
	}

	return handle.Stop()
}

// spliceLeaf re-points an already-mapped logical block at a new physical
// address, used after CowDataBlock hands the regular inode a fresh block
// to take over for one just moved into the active snapshot.
func (fs *FileSystem) spliceLeaf(ctx context.Context, access bmap.MetaAccess, inode *bmap.Inode, iblock uint32, newPhys uint32) error {
	off, err := bmap.Resolve(fs.layout, iblock, inode.Snapshot)
	if err != nil {
		return err
	}
	chain, status, _, err := fs.walker.GetBranch(ctx, inode, off)
	if err != nil {
		chain.Release(fs.cache)
		return err
	}
	if status != bmap.StatusComplete {
		chain.Release(fs.cache)
		return fserrors.New(fserrors.KindInconsistency, "bmapfs.spliceLeaf", nil)
	}

	tail := chain.Tail()
	if tail.Buffer != nil {
		if err := access.GetWriteAccess(ctx, tail.Buffer); err != nil {
			chain.Release(fs.cache)
			return err
		}
		tail.Buffer.SetSlot(tail.SlotIndex, newPhys)
		if err := access.Handle().DirtyMetadata(tail.Buffer); err != nil {
			chain.Release(fs.cache)
			return err
		}
	} else {
		inode.Slots[tail.SlotIndex] = newPhys
	}

	chain.Release(fs.cache)
	return nil
}

// Truncate reduces ino's size to newSize, freeing every block beyond it.
func (fs *FileSystem) Truncate(ctx context.Context, ino uint32, newSize uint64) error {
	inode, ok := fs.Inode(ino)
	if !ok {
		return fserrors.New(fserrors.KindInconsistency, "bmapfs.Truncate", nil)
	}

	newAccess := func(h journal.Handle) bmap.MetaAccess { return fs.access(h, inode) }

	start := time.Now()
	err := fs.tree.Truncate(ctx, fs.svc, newAccess, inode, newSize)
	fs.metric.ObserveTruncate(time.Since(start))
	return err
}

// Unlink frees every block ino maps and removes it from the inode table.
func (fs *FileSystem) Unlink(ctx context.Context, ino uint32) error {
	inode, ok := fs.Inode(ino)
	if !ok {
		return fserrors.New(fserrors.KindInconsistency, "bmapfs.Unlink", nil)
	}

	newAccess := func(h journal.Handle) bmap.MetaAccess { return fs.access(h, inode) }
	if err := fs.tree.DeleteInode(ctx, fs.svc, newAccess, inode); err != nil {
		return err
	}

	fs.mu.Lock()
	delete(fs.inodes, ino)
	fs.mu.Unlock()
	return nil
}

// TakeSnapshot creates a new snapshot inode, links it at the head of the
// on-disk snapshot list, and activates it as the filesystem's COW target.
// Only one snapshot may be active at a time.
func (fs *FileSystem) TakeSnapshot(exclude []uint64) (*bmap.Inode, error) {
	fs.mu.Lock()
	if fs.activeSnap != nil {
		fs.mu.Unlock()
		return nil, fserrors.New(fserrors.KindInconsistency, "bmapfs.TakeSnapshot", nil)
	}
	head := fs.snapshotHead
	fs.mu.Unlock()

	snapInode := fs.CreateInode(true)
	snapInode.NextSnapshotIno = head

	snap := snapcow.NewActiveSnapshot(snapInode, exclude)
	if err := fs.engine.Activate(snap); err != nil {
		fs.mu.Lock()
		delete(fs.inodes, snapInode.Ino)
		fs.mu.Unlock()
		return nil, err
	}

	fs.mu.Lock()
	fs.activeSnap = snap
	fs.snapshotHead = snapInode.Ino
	fs.mu.Unlock()
	return snapInode, nil
}

// DeleteSnapshot deactivates and frees the active snapshot's blocks. It is
// an error to call this with no snapshot active.
func (fs *FileSystem) DeleteSnapshot(ctx context.Context) error {
	fs.mu.Lock()
	snap := fs.activeSnap
	fs.mu.Unlock()
	if snap == nil {
		return fserrors.New(fserrors.KindInconsistency, "bmapfs.DeleteSnapshot", nil)
	}

	fs.engine.Deactivate()

	newAccess := func(h journal.Handle) bmap.MetaAccess { return bmap.PassThrough{H: h} }
	if err := fs.tree.DeleteInode(ctx, fs.svc, newAccess, snap.Inode); err != nil {
		return err
	}

	fs.mu.Lock()
	delete(fs.inodes, snap.Inode.Ino)
	fs.activeSnap = nil
	if fs.snapshotHead == snap.Inode.Ino {
		fs.snapshotHead = snap.Inode.NextSnapshotIno
	}
	fs.mu.Unlock()
	return nil
}

// ActiveSnapshot returns the currently active snapshot, or nil.
func (fs *FileSystem) ActiveSnapshot() *snapcow.ActiveSnapshot {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.activeSnap
}
