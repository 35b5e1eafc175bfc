package bmapfs

import (
	"context"
	"sync"
)

// orphanList is the concrete bmap.OrphanList this harness drives: an
// in-memory stand-in for the on-disk singly-linked list a real superblock
// would own. Entries survive only for this process's lifetime, which is
// enough to exercise a truncate-restart sequence by inspecting Members
// afterward, without needing a real on-disk superblock head pointer this
// module has no reason to own.
type orphanList struct {
	mu      sync.Mutex
	members map[uint32]struct{}
}

func newOrphanList() *orphanList {
	return &orphanList{members: make(map[uint32]struct{})}
}

func (o *orphanList) Add(ctx context.Context, ino uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.members[ino] = struct{}{}
	return nil
}

func (o *orphanList) Remove(ctx context.Context, ino uint32) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.members, ino)
	return nil
}

// Members returns every inode currently on the orphan list, for recovery
// tooling (or a test simulating a crash mid-truncate) to replay.
func (o *orphanList) Members() []uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]uint32, 0, len(o.members))
	for ino := range o.members {
		out = append(out, ino)
	}
	return out
}
