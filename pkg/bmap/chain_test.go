package bmap

import "testing"

func TestChainVerifyDetectsConcurrentChange(t *testing.T) {
	inode := NewInode(1, false)
	inode.Slots[IndSlot] = 99

	chain := &Chain{
		Inode: inode,
		Entries: []Entry{
			{SlotIndex: IndSlot, Captured: 99},
		},
	}

	if !chain.Verify() {
		t.Fatalf("expected chain to verify against its own captured state")
	}

	inode.Slots[IndSlot] = 100
	if chain.Verify() {
		t.Fatalf("expected chain to detect the mutated root slot")
	}
}

func TestEntryValueReadsRootThroughInode(t *testing.T) {
	inode := NewInode(1, false)
	e := Entry{SlotIndex: 3, Captured: 7}
	inode.Slots[3] = 7
	if e.Value(inode) != 7 {
		t.Fatalf("Value() = %d, want 7", e.Value(inode))
	}
}

func TestChainTailAndDepth(t *testing.T) {
	chain := &Chain{Entries: []Entry{
		{SlotIndex: 0, Captured: 1},
		{SlotIndex: 1, Captured: 2},
	}}
	if chain.Depth() != 2 {
		t.Fatalf("Depth() = %d, want 2", chain.Depth())
	}
	if chain.Tail().Captured != 2 {
		t.Fatalf("Tail().Captured = %d, want 2", chain.Tail().Captured)
	}
}
