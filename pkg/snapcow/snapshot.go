// Package snapcow implements the copy-on-write engine that preserves a
// live snapshot's view of the filesystem as the regular tree keeps
// changing underneath it. It sits between the mapping engine
// (pkg/bmap) and the journal/allocator, intercepting every metadata
// write and block release through the bmap.MetaAccess gate so a
// pre-image (or, for data, the live block itself) lands in the active
// snapshot's own inode before the regular write proceeds.
package snapcow

import (
	"sync"

	"github.com/vorteil/bmapfs/pkg/bmap"
)

// ActiveSnapshot is the single filesystem-wide live target of
// copy-on-write preservation. At most one may be active; Engine refuses
// to track a second one until the first is deactivated.
type ActiveSnapshot struct {
	// Inode is the snapshot's own inode. Direct writes to it outside a
	// COW operation are rejected with KindPermission.
	Inode *bmap.Inode
	// Exclude optionally masks blocks out of every group's COW bitmap at
	// materialization time (word-packed, same layout as
	// galloc.Allocator.ReadBlockBitmap), e.g. for a snapshot taken to
	// exclude a scratch/swap file's blocks from preservation.
	Exclude []uint64

	mu         sync.Mutex
	cowBitmaps map[int]uint32 // group -> physical block backing that group's materialized COW bitmap copy in the snapshot's own tree
}

// NewActiveSnapshot wraps inode as the filesystem's active snapshot.
func NewActiveSnapshot(inode *bmap.Inode, exclude []uint64) *ActiveSnapshot {
	return &ActiveSnapshot{
		Inode:      inode,
		Exclude:    exclude,
		cowBitmaps: make(map[int]uint32),
	}
}

func (s *ActiveSnapshot) cowBitmapBlock(group int) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.cowBitmaps[group]
	return b, ok
}

func (s *ActiveSnapshot) setCowBitmapBlock(group int, block uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cowBitmaps[group] = block
}
