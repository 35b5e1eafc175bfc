// Package memlog is a reference journal.Service: an in-memory
// write-ahead log adequate for exercising the mapping and COW engines in
// tests. Its handle lifecycle (Start → ... → Stop/Restart) follows a
// staged-commit shape rather than a real crash-recoverable WAL, since the
// durable journal itself is an external collaborator this module only
// calls through an interface.
package memlog

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/vorteil/bmapfs/pkg/bcache"
	"github.com/vorteil/bmapfs/pkg/fserrors"
	"github.com/vorteil/bmapfs/pkg/journal"
)

// Log is a reference journal.Service. Every committed buffer is written
// through to the backing cache's device immediately on Stop/Restart;
// there is no separate replay log, which is fine for the core's contract
// since callers only depend on the journal.Service/journal.Handle
// interfaces, never on a concrete durable implementation.
type Log struct {
	cache *bcache.Cache

	mu       sync.Mutex
	nextTxID uint64
	aborted  bool
	errMsg   string
}

// New returns a Log writing committed buffers through cache.
func New(cache *bcache.Cache) *Log {
	return &Log{cache: cache, nextTxID: 1}
}

// Abort marks the journal (and every handle derived from it, past and
// future) as aborted, the "journal has been aborted" failure mode every
// subsequent handle call must observe.
func (l *Log) Abort(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.aborted = true
	l.errMsg = reason
}

// Aborted reports whether the journal has been aborted.
func (l *Log) Aborted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aborted
}

// ErrorMessage returns the reason Abort was called with, for recovery
// tooling to surface.
func (l *Log) ErrorMessage() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.errMsg
}

// Start opens a new transaction handle with nblocks of buffer credit.
func (l *Log) Start(ctx context.Context, nblocks int) (journal.Handle, error) {
	l.mu.Lock()
	aborted := l.aborted
	id := l.nextTxID
	l.nextTxID++
	l.mu.Unlock()

	if aborted {
		return nil, fserrors.New(fserrors.KindAborted, "memlog.Start", nil)
	}

	return &handle{
		log:     l,
		ctx:     ctx,
		txID:    id,
		credits: nblocks,
		dirty:   make(map[int64]*bcache.Buffer),
	}, nil
}

// ForceCommit writes nothing itself. The reference implementation has no
// independent commit timer to force, so this is a no-op beyond the abort
// check — real commits happen as handles Stop or Restart.
func (l *Log) ForceCommit(ctx context.Context) error {
	if l.Aborted() {
		return fserrors.New(fserrors.KindAborted, "memlog.ForceCommit", nil)
	}
	return nil
}

type handle struct {
	log  *Log
	ctx  context.Context
	txID uint64

	mu      sync.Mutex
	credits int
	dirty   map[int64]*bcache.Buffer
	cowing  int32 // atomic bool
}

func (h *handle) Aborted() bool {
	return h.log.Aborted()
}

func (h *handle) TransactionID() uint64 {
	return h.txID
}

func (h *handle) BufferCredits() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.credits
}

func (h *handle) SetCowing(v bool) {
	if v {
		atomic.StoreInt32(&h.cowing, 1)
	} else {
		atomic.StoreInt32(&h.cowing, 0)
	}
}

func (h *handle) Cowing() bool {
	return atomic.LoadInt32(&h.cowing) != 0
}

func (h *handle) chargeLocked(buf *bcache.Buffer) error {
	if _, already := h.dirty[buf.Block()]; already {
		return nil
	}
	if h.credits <= 0 {
		return fserrors.New(fserrors.KindNoSpace, "memlog.Handle", nil)
	}
	h.credits--
	h.dirty[buf.Block()] = buf
	return nil
}

func (h *handle) GetWriteAccess(ctx context.Context, buf *bcache.Buffer) error {
	if h.Aborted() {
		return fserrors.New(fserrors.KindAborted, "memlog.GetWriteAccess", nil)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.chargeLocked(buf); err != nil {
		return err
	}

	switch buf.State() {
	case bcache.StateUpToDate:
		buf.Transition(bcache.StateDirty)
	case bcache.StateDirty:
	default:
		buf.Transition(bcache.StateDirty)
	}
	return nil
}

func (h *handle) GetCreateAccess(ctx context.Context, buf *bcache.Buffer) error {
	if h.Aborted() {
		return fserrors.New(fserrors.KindAborted, "memlog.GetCreateAccess", nil)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.chargeLocked(buf); err != nil {
		return err
	}

	if buf.State() == bcache.StateEmpty {
		buf.Transition(bcache.StateUpToDate)
	}
	buf.Transition(bcache.StateDirty)
	return nil
}

func (h *handle) DirtyMetadata(buf *bcache.Buffer) error {
	if h.Aborted() {
		return fserrors.New(fserrors.KindAborted, "memlog.DirtyMetadata", nil)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.chargeLocked(buf); err != nil {
		return err
	}
	if buf.State() != bcache.StateDirty {
		buf.Transition(bcache.StateDirty)
	}
	return nil
}

func (h *handle) Forget(buf *bcache.Buffer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.dirty, buf.Block())
	h.log.cache.Forget(buf)
	return nil
}

func (h *handle) Revoke(block uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.dirty, int64(block))
	return nil
}

func (h *handle) Extend(nblocks int) error {
	if h.Aborted() {
		return fserrors.New(fserrors.KindAborted, "memlog.Extend", nil)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.credits += nblocks
	return nil
}

// commitLocked writes every dirty buffer through to the device and clears
// the dirty set. Callers must hold h.mu.
func (h *handle) commitLocked() error {
	for _, buf := range h.dirty {
		if buf.State() == bcache.StateDirty {
			if err := h.log.cache.WriteBack(h.ctx, buf); err != nil {
				h.log.Abort(err.Error())
				return fserrors.New(fserrors.KindIO, "memlog.commit", err)
			}
		}
	}
	h.dirty = make(map[int64]*bcache.Buffer)
	return nil
}

func (h *handle) Restart(nblocks int) error {
	if h.Aborted() {
		return fserrors.New(fserrors.KindAborted, "memlog.Restart", nil)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.commitLocked(); err != nil {
		return err
	}

	l := h.log
	l.mu.Lock()
	h.txID = l.nextTxID
	l.nextTxID++
	l.mu.Unlock()

	h.credits = nblocks
	return nil
}

func (h *handle) Stop() error {
	if h.Aborted() {
		return fserrors.New(fserrors.KindAborted, "memlog.Stop", nil)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.commitLocked()
}
