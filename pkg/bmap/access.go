package bmap

import (
	"context"

	"github.com/vorteil/bmapfs/pkg/bcache"
	"github.com/vorteil/bmapfs/pkg/journal"
)

// MetaAccess is the gate every metadata buffer mutation in this package
// passes through before the journal acts on it, giving a snapshot COW
// engine the chance to preserve a buffer's pre-image first. Without an
// active snapshot, an implementation has nothing to do beyond the
// journal call itself — see PassThrough.
type MetaAccess interface {
	GetWriteAccess(ctx context.Context, buf *bcache.Buffer) error
	GetCreateAccess(ctx context.Context, buf *bcache.Buffer) error
	// GetDeleteAccess is called once per leaf block about to be
	// returned to the allocator, before the allocator call, so a COW
	// engine can have the active snapshot inherit the block directly
	// instead of letting it be freed. inherited reports that the block
	// was spliced into the active snapshot's own tree; the caller must
	// not hand it to the allocator in that case.
	GetDeleteAccess(ctx context.Context, physBlock uint32) (inherited bool, err error)
	Handle() journal.Handle
}

// PassThrough is the trivial MetaAccess: every hook is a direct call into
// the underlying journal handle, no COW interception. Used whenever no
// snapshot engine is wired in (e.g. exercising bmap in isolation).
type PassThrough struct {
	H journal.Handle
}

func (p PassThrough) GetWriteAccess(ctx context.Context, buf *bcache.Buffer) error {
	return p.H.GetWriteAccess(ctx, buf)
}

func (p PassThrough) GetCreateAccess(ctx context.Context, buf *bcache.Buffer) error {
	return p.H.GetCreateAccess(ctx, buf)
}

func (p PassThrough) GetDeleteAccess(ctx context.Context, physBlock uint32) (bool, error) {
	return false, nil
}

func (p PassThrough) Handle() journal.Handle {
	return p.H
}
