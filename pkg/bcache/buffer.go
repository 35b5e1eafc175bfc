// Package bcache implements the block buffer cache shared by the mapping
// engine, the journal, and the snapshot COW engine.
//
// A classic block cache tracks a buffer's lifecycle with ad-hoc bit flags
// (new, mapped, uptodate, freed, move_data, partial_write, tracked_read)
// shared between subsystems. Buffer models the entry as a single tagged
// State instead, with explicit transition rules, and adds the one state
// the COW engine needs that plain bit flags can't express cleanly:
// Pending, a state readers must synchronize on.
package bcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vorteil/bmapfs/pkg/fserrors"
)

// State is the buffer's lifecycle stage.
type State int

const (
	// StateEmpty is an allocated but unread buffer.
	StateEmpty State = iota
	// StateReading means a device read is in flight.
	StateReading
	// StateUpToDate means the buffer's contents match the device (or are
	// about to be written over it).
	StateUpToDate
	// StateDirty means the buffer has been modified and must be written
	// back (ordinarily through the journal).
	StateDirty
	// StatePending means a snapshot COW copy of this buffer is in
	// flight; readers must wait on it before trusting its contents.
	StatePending
	// StateAborted means an I/O or journal failure left this buffer's
	// contents undefined.
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateReading:
		return "reading"
	case StateUpToDate:
		return "uptodate"
	case StateDirty:
		return "dirty"
	case StatePending:
		return "pending"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// valid transitions, keyed by (from, to).
var validTransitions = map[State]map[State]bool{
	StateEmpty:    {StateReading: true, StateUpToDate: true, StatePending: true, StateAborted: true},
	StateReading:  {StateUpToDate: true, StateAborted: true},
	StateUpToDate: {StateDirty: true, StatePending: true, StateAborted: true, StateUpToDate: true},
	StateDirty:    {StateUpToDate: true, StateAborted: true, StateDirty: true},
	StatePending:  {StateUpToDate: true, StateDirty: true, StateAborted: true},
	StateAborted:  {StateAborted: true},
}

// Buffer is one cached copy of a physical block, plus the bookkeeping the
// mapping, journal, and COW engines hang off it: a pin count keeping it out
// of the LRU, the last transaction id that COWed it, and a wait channel
// for readers blocked behind a pending COW.
type Buffer struct {
	mu sync.Mutex

	block int64 // physical block number this buffer caches
	state State
	data  []byte

	pins int

	// lastCowTxID is the transaction-local COW cache: a second cow() of
	// this buffer within the same transaction is a no-op.
	lastCowTxID    uint64
	lastCowTracked bool

	waiters chan struct{} // closed when Pending clears; nil otherwise
}

// NewBuffer allocates a fresh, empty buffer for the given physical block.
func NewBuffer(block int64, blockSize int) *Buffer {
	return &Buffer{
		block: block,
		state: StateEmpty,
		data:  make([]byte, blockSize),
	}
}

// Block returns the physical block number this buffer caches.
func (b *Buffer) Block() int64 {
	return b.block
}

// State returns the buffer's current state.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Data returns the buffer's backing bytes. Callers must hold a pin (or
// otherwise guarantee exclusive access) before mutating the returned slice.
func (b *Buffer) Data() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// SetData overwrites the buffer's contents in place; len(data) must equal
// the buffer's block size.
func (b *Buffer) SetData(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.data, data)
}

// Slot reads a little-endian uint32 at the given 4-byte-aligned index,
// i.e. one indirect-block or inode pointer slot.
func (b *Buffer) Slot(index int) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	off := index * 4
	return uint32(b.data[off]) | uint32(b.data[off+1])<<8 | uint32(b.data[off+2])<<16 | uint32(b.data[off+3])<<24
}

// SetSlot writes a little-endian uint32 at the given slot index.
func (b *Buffer) SetSlot(index int, value uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	off := index * 4
	b.data[off] = byte(value)
	b.data[off+1] = byte(value >> 8)
	b.data[off+2] = byte(value >> 16)
	b.data[off+3] = byte(value >> 24)
}

// Transition moves the buffer to a new state, rejecting transitions the
// state machine does not allow. An invalid transition can only happen from
// a bug in the engine calling it (never from untrusted disk contents), so
// it panics rather than returning an error a caller could plausibly ignore.
func (b *Buffer) Transition(to State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(to)
}

func (b *Buffer) transitionLocked(to State) {
	if !validTransitions[b.state][to] {
		panic(fmt.Sprintf("bcache: invalid buffer transition %s -> %s for block %d", b.state, to, b.block))
	}
	b.state = to
}

// Pin increments the reference count keeping this buffer resident and out
// of LRU eviction; a branch chain entry's owning buffer must hold an
// outstanding pin for as long as the entry is live.
func (b *Buffer) Pin() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pins++
}

// Unpin releases a reference taken by Pin.
func (b *Buffer) Unpin() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pins == 0 {
		panic("bcache: Unpin called on unpinned buffer")
	}
	b.pins--
}

// Pinned reports whether the buffer is currently pinned.
func (b *Buffer) Pinned() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pins > 0
}

// MarkPending transitions the buffer into StatePending and arms the wait
// channel readers block on. Must be called with the buffer already
// pinned by the caller performing the COW copy.
func (b *Buffer) MarkPending() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StatePending)
	b.waiters = make(chan struct{})
}

// ClearPending transitions out of StatePending into final (UpToDate or
// Dirty, supplied by the caller) and wakes any waiters.
func (b *Buffer) ClearPending(final State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(final)
	if b.waiters != nil {
		close(b.waiters)
		b.waiters = nil
	}
}

// pendingWarnThreshold is how long WaitPending will wait before logging
// that a pending-COW marker has survived suspiciously long; it keeps
// waiting afterwards rather than timing out, since waiting on I/O is
// bounded by the device, not by this clock.
const pendingWarnThreshold = 5 * time.Second

// WaitPending blocks until an in-flight COW on this buffer (StatePending)
// completes or is cancelled. A buffer in any other state, StateReading
// included, is not waited on. Callers should treat the warned return
// value as a signal to log a stuck marker rather than fail silently (see
// pkg/snapcow for the logging caller).
func (b *Buffer) WaitPending(ctx context.Context) (warned bool, err error) {
	b.mu.Lock()
	ch := b.waiters
	pending := b.state == StatePending
	b.mu.Unlock()

	if !pending || ch == nil {
		return false, nil
	}

	timer := time.NewTimer(pendingWarnThreshold)
	defer timer.Stop()

	select {
	case <-ch:
		return false, nil
	case <-ctx.Done():
		return false, fserrors.New(fserrors.KindIO, "bcache.WaitPending", ctx.Err())
	case <-timer.C:
	}

	select {
	case <-ch:
		return true, nil
	case <-ctx.Done():
		return true, fserrors.New(fserrors.KindIO, "bcache.WaitPending", ctx.Err())
	}
}

// LastCowTransaction returns the transaction id this buffer was last COWed
// under, and whether it has been COWed at all while attached to the
// journal. The cache is advisory — callers that can't determine
// "currently attached to the journal" simply skip the check.
func (b *Buffer) LastCowTransaction() (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastCowTxID, b.lastCowTracked
}

// SetLastCowTransaction records that this buffer was COWed under tx.
func (b *Buffer) SetLastCowTransaction(tx uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastCowTxID = tx
	b.lastCowTracked = true
}

// ClearCowTransaction drops the COW-tid tag, e.g. once a buffer detaches
// from the journal.
func (b *Buffer) ClearCowTransaction() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastCowTracked = false
}
