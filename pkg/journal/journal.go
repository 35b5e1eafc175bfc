// Package journal defines the write-ahead log contract the mapping and
// COW engines consume. The journal itself — transactions, revoke
// records, commit/replay — is an external collaborator; only the
// interface the core calls through is defined here, plus a reference
// in-memory implementation (memlog) exercised by tests.
package journal

import (
	"context"

	"github.com/vorteil/bmapfs/pkg/bcache"
)

// Handle is a single open transaction. Once Aborted() is true, the access,
// dirty, extend, restart, and stop calls fail with an EROFS-style
// KindAborted error and write nothing; Forget and Revoke still drop their
// entry from the transaction.
type Handle interface {
	// GetWriteAccess must be called before a metadata buffer already
	// resident is dirtied.
	GetWriteAccess(ctx context.Context, buf *bcache.Buffer) error
	// GetCreateAccess must be called once for a newly-allocated metadata
	// block before it is dirtied; the caller may already have written
	// its first pointer into it.
	GetCreateAccess(ctx context.Context, buf *bcache.Buffer) error
	// DirtyMetadata marks buf for inclusion in this transaction's
	// commit.
	DirtyMetadata(buf *bcache.Buffer) error
	// Forget releases buf from this transaction without committing it,
	// used on allocation rollback.
	Forget(buf *bcache.Buffer) error
	// Revoke tells replay to ignore any earlier record for block,
	// required when a journaled block is freed and its physical
	// address may be reused before this transaction commits.
	Revoke(block uint32) error
	// Extend adds nblocks to the handle's buffer-credit budget,
	// failing if the journal cannot accommodate the extension in the
	// current transaction.
	Extend(nblocks int) error
	// Restart commits the current transaction and opens a new one with
	// a fresh credit budget, preserving the handle's identity from the
	// caller's point of view.
	Restart(nblocks int) error
	// Stop releases the handle. Any dirtied buffers not yet committed
	// remain queued for the journal's own commit timer.
	Stop() error

	// TransactionID identifies the current transaction, used by the
	// COW engine's per-transaction dirty cache.
	TransactionID() uint64
	// Aborted reports whether the journal has aborted this handle.
	Aborted() bool
	// BufferCredits reports the remaining metadata-buffer credit
	// budget, used by the truncate engine to decide when to restart.
	BufferCredits() int

	// SetCowing marks/unmarks this handle as currently running a COW
	// operation, so a hook invoked recursively under that mark can
	// recognize re-entrance without a global or handle-local bare bool
	// smuggled through unrelated call sites — SetCowing is the single
	// place that mutates it.
	SetCowing(v bool)
	// Cowing reports the current reentrance mark.
	Cowing() bool
}

// Service starts transactions and forces a commit of everything
// outstanding.
type Service interface {
	Start(ctx context.Context, nblocks int) (Handle, error)
	ForceCommit(ctx context.Context) error
}
