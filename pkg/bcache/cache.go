package bcache

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/vorteil/bmapfs/pkg/device"
	"github.com/vorteil/bmapfs/pkg/fserrors"
)

// Cache is a read-through block buffer cache. Eviction is delegated to
// github.com/hashicorp/golang-lru; this type layers pinning and
// dirty-tracking on top, since golang-lru itself has no notion of an
// entry that must never be evicted while referenced.
type Cache struct {
	mu     sync.Mutex
	lru    *lru.Cache
	pinned map[int64]*Buffer // buffers with pins > 0, held out of the LRU
	dev    device.Device
}

// New creates a Cache of the given capacity (in blocks) reading through to
// dev.
func New(dev device.Device, capacity int) (*Cache, error) {
	l, err := lru.New(capacity)
	if err != nil {
		return nil, fserrors.New(fserrors.KindNoMem, "bcache.New", err)
	}
	return &Cache{
		lru:    l,
		pinned: make(map[int64]*Buffer),
		dev:    dev,
	}, nil
}

func (c *Cache) lookupLocked(block int64) (*Buffer, bool) {
	if b, ok := c.pinned[block]; ok {
		return b, true
	}
	if v, ok := c.lru.Get(block); ok {
		return v.(*Buffer), true
	}
	return nil, false
}

// Peek returns a cached buffer without reading through to the device,
// reporting ok=false on a cache miss. Used by the snapshot reader path
// to check for a pending-COW marker before deciding whether a device read
// is even necessary.
func (c *Cache) Peek(block int64) (*Buffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookupLocked(block)
}

// GetOrCreate returns the cached buffer for block, creating an empty one
// (StateEmpty, unread) if none exists yet. Used when the caller is about
// to either read through itself or populate the buffer directly (e.g. a
// freshly allocated indirect block).
func (c *Cache) GetOrCreate(block int64) *Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.lookupLocked(block); ok {
		return b
	}

	b := NewBuffer(block, c.dev.BlockSize())
	c.lru.Add(block, b)
	return b
}

// Get returns the cached buffer for block, reading it from the device and
// marking it up to date if it was not already cached.
func (c *Cache) Get(ctx context.Context, block int64) (*Buffer, error) {
	b := c.GetOrCreate(block)

	b.mu.Lock()
	needRead := b.state == StateEmpty
	if needRead {
		b.transitionLocked(StateReading)
	}
	b.mu.Unlock()

	if !needRead {
		return b, nil
	}

	data, err := c.dev.ReadBlock(ctx, uint32(block))
	if err != nil {
		b.Transition(StateAborted)
		return nil, err
	}

	b.SetData(data)
	b.Transition(StateUpToDate)
	return b, nil
}

// Pin marks buf as pinned, removing it from LRU eviction eligibility.
func (c *Cache) Pin(buf *Buffer) {
	buf.Pin()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, already := c.pinned[buf.block]; !already {
		c.pinned[buf.block] = buf
		c.lru.Remove(buf.block)
	}
}

// Unpin releases a pin taken by Pin, returning the buffer to the LRU once
// its pin count reaches zero.
func (c *Cache) Unpin(buf *Buffer) {
	buf.Unpin()
	if buf.Pinned() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pinned[buf.block]; ok {
		delete(c.pinned, buf.block)
		c.lru.Add(buf.block, buf)
	}
}

// WriteBack flushes a dirty buffer to the device directly, bypassing the
// journal. Used for the bitmap/sync allocation mode, where blocks backing
// a COW bitmap must not be journaled.
func (c *Cache) WriteBack(ctx context.Context, buf *Buffer) error {
	if err := c.dev.WriteBlock(ctx, uint32(buf.Block()), buf.Data()); err != nil {
		return err
	}
	buf.Transition(StateUpToDate)
	return nil
}

// Forget drops buf from the cache entirely regardless of pin state. Used
// on allocation failure rollback and after freeing an indirect block's
// subtree during truncate.
func (c *Cache) Forget(buf *Buffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pinned, buf.block)
	c.lru.Remove(buf.block)
}
