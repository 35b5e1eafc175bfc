// Package bmap implements the block-mapping core: decomposing a logical
// block offset into an indirect-tree path, walking an existing branch,
// splicing a new one, and truncating a range of branches. The journal and
// block allocator it depends on are consumed only through the
// journal.Service/galloc.Allocator interfaces.
package bmap

import (
	"errors"

	"github.com/vorteil/bmapfs/pkg/fserrors"
)

const (
	// DirBlocks is the number of direct slots at the front of the inode's
	// slot array before the single/double/triple indirect slots.
	DirBlocks = 12
	// IndSlot, DIndSlot, TIndSlot are the slot indices of the single,
	// double, and triple indirect pointers.
	IndSlot  = DirBlocks
	DIndSlot = DirBlocks + 1
	TIndSlot = DirBlocks + 2
	// NBlocks is the size of an ordinary inode's slot array: direct, IND,
	// DIND, TIND.
	NBlocks = DirBlocks + 3
	// NTind is the number of extra triple-indirect root slots appended
	// to a snapshot inode's slot array beyond the ordinary TIND slot, to
	// map the full 2^32 block space.
	NTind = 4
)

// Layout captures the one filesystem-wide constant Resolve needs: the
// number of 32-bit pointer slots per indirect block.
type Layout struct {
	AddrPerBlock uint32
}

// NewLayout derives a Layout from a block size in bytes.
func NewLayout(blockSize int) Layout {
	return Layout{AddrPerBlock: uint32(blockSize / 4)}
}

// Offsets is the decomposed path through the indirect tree: Slots[0] is
// always an inode-array index (IndSlot/DIndSlot/TIndSlot+k, or the direct
// block number itself at depth 1); Slots[1:] are offsets within
// successive indirect blocks.
type Offsets struct {
	Depth    int
	Slots    [4]int
	Boundary int
}

// Resolve decomposes iblock into the sequence of offsets through the
// indirect-block tree rooted at an inode. extended allows the snapshot
// inode's additional triple-indirect root slots to be addressed.
func Resolve(l Layout, iblock uint32, extended bool) (Offsets, error) {
	p := l.AddrPerBlock
	if p == 0 {
		return Offsets{}, fserrors.New(fserrors.KindInconsistency, "bmap.Resolve", nil)
	}

	if iblock < DirBlocks {
		return Offsets{
			Depth:    1,
			Slots:    [4]int{int(iblock), 0, 0, 0},
			Boundary: DirBlocks - int(iblock),
		}, nil
	}
	iblock -= DirBlocks

	if iblock < p {
		return Offsets{
			Depth:    2,
			Slots:    [4]int{IndSlot, int(iblock), 0, 0},
			Boundary: int(p - iblock),
		}, nil
	}
	iblock -= p

	if iblock < p*p {
		hi := iblock / p
		lo := iblock % p
		return Offsets{
			Depth:    3,
			Slots:    [4]int{DIndSlot, int(hi), int(lo), 0},
			Boundary: int(p - lo),
		}, nil
	}
	iblock -= p * p

	tindRanges := uint32(1)
	if extended {
		tindRanges += NTind
	}

	for k := uint32(0); k < tindRanges; k++ {
		if iblock < p*p*p {
			hi := iblock / (p * p)
			mid := (iblock / p) % p
			lo := iblock % p
			return Offsets{
				Depth:    4,
				Slots:    [4]int{TIndSlot + int(k), int(hi), int(mid), int(lo)},
				Boundary: int(p - lo),
			}, nil
		}
		iblock -= p * p * p
	}

	return Offsets{}, fserrors.New(fserrors.KindInconsistency, "bmap.Resolve", outOfRange{})
}

type outOfRange struct{}

func (outOfRange) Error() string { return "iblock exceeds representable range" }

// IsOutOfRange reports whether err is the OutOfRange failure Resolve
// produces for an iblock beyond the tree's addressable space.
func IsOutOfRange(err error) bool {
	var oor outOfRange
	return errors.As(err, &oor)
}
