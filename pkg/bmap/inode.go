package bmap

// Inode holds the fields the mapping and truncate engines read and
// mutate. Directory entries, xattrs, ACLs, and timestamps beyond ctime are
// out of scope; a host layer owns the rest of a real inode's fields.
type Inode struct {
	Ino       uint32
	Mode      uint32
	LinkCount uint32
	Size      uint64
	Blocks    uint64 // i_blocks; every caller in this module sets and reads it as a count of filesystem blocks, and HugeFile is not consulted
	Ctime     int64
	Group     int // block group the inode's table entry lives in, used for allocation colouring

	Slots []uint32 // DirBlocks direct + IND + DIND + TIND (+ NTind extra TIND roots if Snapshot)

	Generation uint32
	HugeFile   bool // i_blocks counts filesystem blocks, not 512-byte sectors

	Snapshot        bool   // SNAPFILE flag
	SnapshotActive  bool   // ACTIVE flag; at most one inode in the filesystem may have this set
	NextSnapshotIno uint32 // singly-linked snapshot list

	LastAllocLogicalBlock  uint32
	LastAllocPhysicalBlock uint32
	HasLastAlloc           bool
}

// NewInode allocates a slot array sized for ino, extended for snapshot
// inodes per the layout's NTind extra triple-indirect roots.
func NewInode(ino uint32, snapshot bool) *Inode {
	n := NBlocks
	if snapshot {
		n += NTind
	}
	return &Inode{
		Ino:      ino,
		Slots:    make([]uint32, n),
		Snapshot: snapshot,
	}
}

// SlotCount returns the number of addressable slots in the inode's array.
func (n *Inode) SlotCount() int {
	return len(n.Slots)
}
