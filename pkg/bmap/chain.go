package bmap

import (
	"github.com/vorteil/bmapfs/pkg/bcache"
)

// Entry is one link of a branch chain: the pointer address (an inode slot
// for the root entry, or a slot inside an indirect block otherwise), the
// slot value read at walk time, and — for every entry but the root — the
// buffer that owns the slot. Reads and re-reads go through Buffer+SlotIndex
// rather than a raw pointer into the buffer's memory, so the chain's
// lifetime never depends on the buffer's backing array staying put.
type Entry struct {
	Buffer    *bcache.Buffer // nil for the root entry, which points into the inode's own slot array
	SlotIndex int
	Captured  uint32
}

// Chain is the sequence of entries BranchWalker.GetBranch produces,
// root-first.
type Chain struct {
	Inode   *Inode
	Entries []Entry
}

// Value reads e's current slot value, through inode for the root entry or
// through e.Buffer otherwise.
func (e Entry) Value(inode *Inode) uint32 {
	if e.Buffer == nil {
		return inode.Slots[e.SlotIndex]
	}
	return e.Buffer.Slot(e.SlotIndex)
}

// Tail returns the chain's last entry.
func (c *Chain) Tail() Entry {
	return c.Entries[len(c.Entries)-1]
}

// Depth is the number of entries in the chain (root included).
func (c *Chain) Depth() int {
	return len(c.Entries)
}

// Verify re-reads every entry's slot through its pointer address and
// confirms it still equals the value captured at walk time. A mismatch
// means a concurrent truncate or splice invalidated this chain; the
// caller must treat it as Conflict and retry from scratch.
func (c *Chain) Verify() bool {
	for _, e := range c.Entries {
		if e.Value(c.Inode) != e.Captured {
			return false
		}
	}
	return true
}

// Release unpins every non-root buffer held by the chain. Must be called
// exactly once when the chain is no longer needed, success or failure.
func (c *Chain) Release(cache *bcache.Cache) {
	for _, e := range c.Entries {
		if e.Buffer != nil {
			cache.Unpin(e.Buffer)
		}
	}
}
