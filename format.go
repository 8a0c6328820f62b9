package v6fs

import (
	"fmt"
	"time"

	"github.com/google/renameio"
)

// Default geometry for freshly formatted images.
const (
	DefaultBlocks      = 16384 // 8 MiB
	DefaultInodeBlocks = 256   // 2048 inodes
)

// FormatOption configures FormatImage.
type FormatOption func(*formatConfig)

type formatConfig struct {
	blocks      uint32
	inodeBlocks uint32
	boot        bool
}

// WithBlocks sets the total filesystem block count (s_fsize).
func WithBlocks(n uint32) FormatOption {
	return func(c *formatConfig) {
		c.blocks = n
	}
}

// WithInodeBlocks sets the inode region size in blocks (8 inodes each).
func WithInodeBlocks(n uint32) FormatOption {
	return func(c *formatConfig) {
		c.inodeBlocks = n
	}
}

// WithBootArea reserves a 200-block boot area in front of the filesystem
// and stamps the MBR signature into block 0.
func WithBootArea() FormatOption {
	return func(c *formatConfig) {
		c.boot = true
	}
}

// FormatImage writes a valid empty filesystem image to path. The image is
// assembled in a temporary file next to the target and renamed into place,
// so a crash mid-format never leaves a torn image behind.
//
// The free-block chain is built by releasing every data block through the
// allocator, high numbers first, so the chain invariant holds from the
// first mount and early allocations hand out low block numbers.
func FormatImage(path string, opts ...FormatOption) error {
	cfg := formatConfig{blocks: DefaultBlocks, inodeBlocks: DefaultInodeBlocks}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.inodeBlocks == 0 || superblockBlocks+cfg.inodeBlocks >= cfg.blocks {
		return fmt.Errorf("%w: geometry blocks=%d inode-blocks=%d", ErrCorrupt, cfg.blocks, cfg.inodeBlocks)
	}

	start := uint32(0)
	if cfg.boot {
		start = bootBlocks
	}

	t, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer t.Cleanup()

	if err := t.Truncate(int64(start+cfg.blocks) * BlockSize); err != nil {
		return err
	}
	if cfg.boot {
		if _, err := t.WriteAt([]byte{0x55, 0xAA}, BlockSize-2); err != nil {
			return err
		}
	}
	if err := writeEmptyFS(t.Name(), start, &cfg); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

func writeEmptyFS(path string, start uint32, cfg *formatConfig) error {
	dev, err := OpenBlockDevice(path, false)
	if err != nil {
		return err
	}
	cache, err := NewBlockCache(dev, DefaultCacheBlocks)
	if err != nil {
		dev.Close()
		return err
	}
	ok := false
	defer func() {
		if !ok {
			cache.Close()
		}
	}()

	acc := NewAccessor(cache, start)
	acc.setLimits(cfg.inodeBlocks, cfg.blocks)

	sb := &Superblock{
		Isize: cfg.inodeBlocks,
		Fsize: cfg.blocks,
		Nfree: 1,
		Time:  uint32(time.Now().Unix()),
		Files: acc.InodeCount(),
		Ffree: acc.InodeCount() - 2, // inode 0 is reserved, inode 1 is the root
	}
	super := &Super{acc: acc, d: sb}

	root := newInode(RootInode, TypeDir, acc, super)
	if err := root.Flush(); err != nil {
		return err
	}

	for b := acc.DataEnd(); b > acc.DataStart(); b-- {
		if err := super.FreeBlock(b - 1); err != nil {
			return err
		}
	}

	if err := super.Flush(); err != nil {
		return err
	}
	ok = true
	return cache.Close()
}
