// Package device abstracts the byte-addressable backing store the block
// cache reads through and writes to. The mapping/COW engine never assumes
// more than this: a fixed block size and exact, durable, addressable
// storage for physical block numbers.
package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/vorteil/bmapfs/pkg/fserrors"
)

// Device is the physical store underlying the block cache. Implementations
// need not be a real disk; the in-memory and LevelDB-backed implementations
// here exist to exercise mapping stability across a mount/unmount cycle
// without a kernel.
type Device interface {
	ReadBlock(ctx context.Context, block uint32) ([]byte, error)
	WriteBlock(ctx context.Context, block uint32, data []byte) error
	BlockSize() int
	BlockCount() uint32
}

// Memory is a Device backed by a plain slice of blocks. No available
// library offers a fixed-size, lossless, exact-offset byte store suited
// to emulating a raw block device in memory — an LRU or byte-cache
// library would silently evict blocks that this role requires to never
// disappear, so this one component is built on the standard library (see
// DESIGN.md).
type Memory struct {
	mu        sync.RWMutex
	blocks    [][]byte
	blockSize int
}

// NewMemory allocates a zeroed in-memory device of the given block size and
// block count.
func NewMemory(blockSize int, blockCount uint32) *Memory {
	return &Memory{
		blocks:    make([][]byte, blockCount),
		blockSize: blockSize,
	}
}

func (m *Memory) ReadBlock(_ context.Context, block uint32) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if block >= uint32(len(m.blocks)) {
		return nil, fserrors.New(fserrors.KindIO, "device.Memory.ReadBlock", fmt.Errorf("block %d out of range", block))
	}

	buf := make([]byte, m.blockSize)
	if m.blocks[block] != nil {
		copy(buf, m.blocks[block])
	}
	return buf, nil
}

func (m *Memory) WriteBlock(_ context.Context, block uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if block >= uint32(len(m.blocks)) {
		return fserrors.New(fserrors.KindIO, "device.Memory.WriteBlock", fmt.Errorf("block %d out of range", block))
	}
	if len(data) != m.blockSize {
		return fserrors.New(fserrors.KindIO, "device.Memory.WriteBlock", fmt.Errorf("short write: %d != %d", len(data), m.blockSize))
	}

	buf := make([]byte, m.blockSize)
	copy(buf, data)
	m.blocks[block] = buf
	return nil
}

func (m *Memory) BlockSize() int { return m.blockSize }

func (m *Memory) BlockCount() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint32(len(m.blocks))
}

// LevelDB is a Device backed by github.com/syndtr/goleveldb. It gives the
// mapping engine a real on-disk store that survives a process restart,
// which is what a mount/unmount mapping-bijection test actually needs to
// mean something.
type LevelDB struct {
	db         *leveldb.DB
	blockSize  int
	blockCount uint32
}

// OpenLevelDB opens (creating if necessary) a LevelDB-backed device at
// path with the given block geometry.
func OpenLevelDB(path string, blockSize int, blockCount uint32) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fserrors.New(fserrors.KindIO, "device.OpenLevelDB", err)
	}
	return &LevelDB{db: db, blockSize: blockSize, blockCount: blockCount}, nil
}

func blockKey(block uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, block)
	return key
}

func (d *LevelDB) ReadBlock(ctx context.Context, block uint32) ([]byte, error) {
	if block >= d.blockCount {
		return nil, fserrors.New(fserrors.KindIO, "device.LevelDB.ReadBlock", fmt.Errorf("block %d out of range", block))
	}

	data, err := d.db.Get(blockKey(block), nil)
	if err == leveldb.ErrNotFound {
		return make([]byte, d.blockSize), nil
	}
	if err != nil {
		return nil, fserrors.New(fserrors.KindIO, "device.LevelDB.ReadBlock", err)
	}

	buf := make([]byte, d.blockSize)
	copy(buf, data)
	return buf, nil
}

func (d *LevelDB) WriteBlock(ctx context.Context, block uint32, data []byte) error {
	if block >= d.blockCount {
		return fserrors.New(fserrors.KindIO, "device.LevelDB.WriteBlock", fmt.Errorf("block %d out of range", block))
	}
	if len(data) != d.blockSize {
		return fserrors.New(fserrors.KindIO, "device.LevelDB.WriteBlock", fmt.Errorf("short write: %d != %d", len(data), d.blockSize))
	}

	if err := d.db.Put(blockKey(block), data, nil); err != nil {
		return fserrors.New(fserrors.KindIO, "device.LevelDB.WriteBlock", err)
	}
	return nil
}

func (d *LevelDB) BlockSize() int     { return d.blockSize }
func (d *LevelDB) BlockCount() uint32 { return d.blockCount }

// Close releases the underlying LevelDB handle. Callers simulating a
// mount/unmount cycle call Close then OpenLevelDB again on the same path.
func (d *LevelDB) Close() error {
	return d.db.Close()
}
