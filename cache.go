package v6fs

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheBlocks is the default block cache capacity.
const DefaultCacheBlocks = 64

type cacheBlock struct {
	data  []byte
	dirty bool
}

// BlockCache keeps an LRU working set of blocks on top of a BlockDevice.
// Reads populate the cache, writes only mark entries dirty; dirty blocks
// reach the image on eviction, explicit Flush, or Close. A read following
// a write to the same block observes the written bytes before any flush.
//
// Eviction is done by hand (flush oldest, then remove) rather than through
// the library's evict callback, so that flush errors propagate to the caller.
type BlockCache struct {
	dev *BlockDevice
	lru *lru.Cache[uint32, *cacheBlock]
	cap int
}

// NewBlockCache wraps dev with an LRU cache of the given capacity.
func NewBlockCache(dev *BlockDevice, capacity int) (*BlockCache, error) {
	if capacity <= 0 {
		capacity = DefaultCacheBlocks
	}
	l, err := lru.New[uint32, *cacheBlock](capacity)
	if err != nil {
		return nil, err
	}
	return &BlockCache{dev: dev, lru: l, cap: capacity}, nil
}

// BlockCount returns the number of blocks in the underlying image.
func (c *BlockCache) BlockCount() uint32 {
	return c.dev.BlockCount()
}

func (c *BlockCache) flushEntry(n uint32, b *cacheBlock) error {
	if !b.dirty {
		return nil
	}
	if err := c.dev.WriteBlock(n, b.data); err != nil {
		return err
	}
	b.dirty = false
	return nil
}

// insert makes room first so the library never evicts behind our back.
func (c *BlockCache) insert(n uint32, b *cacheBlock) error {
	if _, ok := c.lru.Peek(n); !ok && c.lru.Len() >= c.cap {
		on, ob, ok := c.lru.GetOldest()
		if ok {
			if err := c.flushEntry(on, ob); err != nil {
				return err
			}
			c.lru.Remove(on)
		}
	}
	c.lru.Add(n, b)
	return nil
}

func (c *BlockCache) load(n uint32) (*cacheBlock, error) {
	if b, ok := c.lru.Get(n); ok {
		return b, nil
	}
	data, err := c.dev.ReadBlock(n)
	if err != nil {
		return nil, err
	}
	b := &cacheBlock{data: data}
	if err := c.insert(n, b); err != nil {
		return nil, err
	}
	return b, nil
}

// ReadBlock returns a detached copy of block n.
func (c *BlockCache) ReadBlock(n uint32) ([]byte, error) {
	b, err := c.load(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, BlockSize)
	copy(out, b.data)
	return out, nil
}

// ReadRange returns blocks [start, end) concatenated.
func (c *BlockCache) ReadRange(start, end uint32) ([]byte, error) {
	out := make([]byte, 0, int(end-start)*BlockSize)
	for n := start; n < end; n++ {
		data, err := c.ReadBlock(n)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

// WriteBlock replaces block n in full and marks it dirty.
func (c *BlockCache) WriteBlock(n uint32, data []byte) error {
	if len(data) != BlockSize {
		// materialize the block and patch the prefix
		return c.WriteAt(n, 0, data)
	}
	if b, ok := c.lru.Get(n); ok {
		copy(b.data, data)
		b.dirty = true
		return nil
	}
	b := &cacheBlock{data: append([]byte(nil), data...), dirty: true}
	return c.insert(n, b)
}

// WriteAt overwrites the byte range [off, off+len(data)) of block n. The
// rest of the block keeps its current content, which is read in first when
// the block is not resident.
func (c *BlockCache) WriteAt(n uint32, off int, data []byte) error {
	if off < 0 || off+len(data) > BlockSize {
		return ErrCorrupt
	}
	b, err := c.load(n)
	if err != nil {
		return err
	}
	copy(b.data[off:], data)
	b.dirty = true
	return nil
}

// WriteRange writes len(data)/BlockSize consecutive blocks starting at start.
func (c *BlockCache) WriteRange(start uint32, data []byte) error {
	if len(data)%BlockSize != 0 {
		return ErrCorrupt
	}
	for i := 0; i < len(data); i += BlockSize {
		if err := c.WriteBlock(start+uint32(i/BlockSize), data[i:i+BlockSize]); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes every dirty resident block to the image. Entries stay
// resident; calling Flush twice is the same as calling it once.
func (c *BlockCache) Flush() error {
	for _, n := range c.lru.Keys() {
		b, ok := c.lru.Peek(n)
		if !ok {
			continue
		}
		if err := c.flushEntry(n, b); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and releases the device. The device is closed even when the
// flush fails; the flush error wins over the close error.
func (c *BlockCache) Close() error {
	ferr := c.Flush()
	cerr := c.dev.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}
