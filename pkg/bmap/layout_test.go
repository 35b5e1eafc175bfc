package bmap

import "testing"

func TestResolveDirect(t *testing.T) {
	l := NewLayout(32) // AddrPerBlock = 8

	off, err := Resolve(l, 5, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if off.Depth != 1 || off.Slots[0] != 5 {
		t.Fatalf("got %+v, want depth 1 slot 5", off)
	}
	if off.Boundary != DirBlocks-5 {
		t.Fatalf("boundary = %d, want %d", off.Boundary, DirBlocks-5)
	}
}

func TestResolveSingleIndirect(t *testing.T) {
	l := NewLayout(32)

	// First block addressed through IND.
	off, err := Resolve(l, DirBlocks, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if off.Depth != 2 || off.Slots[0] != IndSlot || off.Slots[1] != 0 {
		t.Fatalf("got %+v", off)
	}

	// Last block addressed through IND (p=8, so DirBlocks..DirBlocks+7).
	off, err = Resolve(l, DirBlocks+7, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if off.Depth != 2 || off.Slots[1] != 7 {
		t.Fatalf("got %+v", off)
	}

	// One past IND's range rolls into DIND.
	off, err = Resolve(l, DirBlocks+8, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if off.Depth != 3 || off.Slots[0] != DIndSlot {
		t.Fatalf("got %+v, want DIND entry", off)
	}
}

func TestResolveDoubleIndirect(t *testing.T) {
	l := NewLayout(32)
	base := uint32(DirBlocks + 8) // first DIND-mapped block

	off, err := Resolve(l, base+8*3+5, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if off.Depth != 3 || off.Slots[0] != DIndSlot || off.Slots[1] != 3 || off.Slots[2] != 5 {
		t.Fatalf("got %+v", off)
	}
}

func TestResolveTripleIndirectAndExtended(t *testing.T) {
	l := NewLayout(32)
	base := uint32(DirBlocks+8) + 8*8 // first TIND-mapped block

	off, err := Resolve(l, base, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if off.Depth != 4 || off.Slots[0] != TIndSlot {
		t.Fatalf("got %+v, want TIND entry", off)
	}

	// Beyond the ordinary TIND's 8*8*8 range, only reachable when extended.
	beyond := base + 8*8*8
	if _, err := Resolve(l, beyond, false); !IsOutOfRange(err) {
		t.Fatalf("expected out-of-range without extended, got %v", err)
	}

	off, err = Resolve(l, beyond, true)
	if err != nil {
		t.Fatalf("unexpected error with extended: %v", err)
	}
	if off.Slots[0] != TIndSlot+1 {
		t.Fatalf("got root slot %d, want first extended TIND root", off.Slots[0])
	}

	// Past every extended root is a genuine out-of-range condition even
	// with extended set.
	farBeyond := beyond + NTind*8*8*8
	if _, err := Resolve(l, farBeyond, true); !IsOutOfRange(err) {
		t.Fatalf("expected out-of-range past every extended root, got %v", err)
	}
}

func TestDepthOfSlot(t *testing.T) {
	cases := []struct {
		slot int
		want int
	}{
		{0, 0}, {DirBlocks - 1, 0},
		{IndSlot, 1},
		{DIndSlot, 2},
		{TIndSlot, 3},
		{TIndSlot + NTind, 3},
	}
	for _, c := range cases {
		if got := depthOfSlot(c.slot); got != c.want {
			t.Errorf("depthOfSlot(%d) = %d, want %d", c.slot, got, c.want)
		}
	}
}
