package v6fs

import (
	"fmt"
)

// Accessor provides typed random access to the on-disk records behind the
// block cache. Every getter returns a detached value: mutating it has no
// effect until it is written back through the matching setter.
type Accessor struct {
	cache *BlockCache
	start uint32 // first filesystem block (0, or bootBlocks behind an MBR)
	isize uint32 // inode region blocks
	fsize uint32 // total filesystem blocks
}

// NewAccessor builds an accessor rooted at block start. Region bounds are
// unknown until setLimits is called with the decoded superblock geometry;
// until then only Superblock access is meaningful.
func NewAccessor(cache *BlockCache, start uint32) *Accessor {
	return &Accessor{cache: cache, start: start}
}

func (a *Accessor) setLimits(isize, fsize uint32) {
	a.isize = isize
	a.fsize = fsize
}

// InodeCount returns the number of inode slots in the inode region.
func (a *Accessor) InodeCount() uint32 {
	return a.isize * inodesPerBlock
}

// DataStart returns the first block of the data region.
func (a *Accessor) DataStart() uint32 {
	return a.start + superblockBlocks + a.isize
}

// DataEnd returns one past the last block of the data region.
func (a *Accessor) DataEnd() uint32 {
	return a.start + a.fsize
}

func (a *Accessor) checkData(n uint32) error {
	if n < a.DataStart() || n >= a.DataEnd() {
		return fmt.Errorf("%w: block %d outside data region [%d, %d)", ErrCorrupt, n, a.DataStart(), a.DataEnd())
	}
	return nil
}

// Superblock reads and decodes the two-block superblock.
func (a *Accessor) Superblock() (*Superblock, error) {
	raw, err := a.cache.ReadRange(a.start, a.start+superblockBlocks)
	if err != nil {
		return nil, err
	}
	sb := new(Superblock)
	if err := sb.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return sb, nil
}

// SetSuperblock seals and writes the superblock.
func (a *Accessor) SetSuperblock(sb *Superblock) error {
	raw, err := sb.Seal()
	if err != nil {
		return err
	}
	return a.cache.WriteRange(a.start, raw)
}

func (a *Accessor) inodeLocation(n uint32) (block uint32, off int, err error) {
	if n >= a.InodeCount() {
		return 0, 0, fmt.Errorf("%w: inode %d out of range (%d inodes)", ErrCorrupt, n, a.InodeCount())
	}
	return a.start + superblockBlocks + n/inodesPerBlock, int(n%inodesPerBlock) * dinodeBytes, nil
}

// Dinode reads inode record n.
func (a *Accessor) Dinode(n uint32) (*Dinode, error) {
	block, off, err := a.inodeLocation(n)
	if err != nil {
		return nil, err
	}
	raw, err := a.cache.ReadBlock(block)
	if err != nil {
		return nil, err
	}
	d := new(Dinode)
	if err := d.UnmarshalBinary(raw[off : off+dinodeBytes]); err != nil {
		return nil, err
	}
	return d, nil
}

// SetDinode writes inode record n, leaving its 7 block neighbours untouched.
func (a *Accessor) SetDinode(n uint32, d *Dinode) error {
	block, off, err := a.inodeLocation(n)
	if err != nil {
		return err
	}
	raw, err := d.MarshalBinary()
	if err != nil {
		return err
	}
	return a.cache.WriteAt(block, off, raw)
}

// FileBlock reads data block n as raw file bytes.
func (a *Accessor) FileBlock(n uint32) ([]byte, error) {
	if err := a.checkData(n); err != nil {
		return nil, err
	}
	return a.cache.ReadBlock(n)
}

// SetFileBlock replaces data block n.
func (a *Accessor) SetFileBlock(n uint32, data []byte) error {
	if err := a.checkData(n); err != nil {
		return err
	}
	return a.cache.WriteBlock(n, data)
}

// PatchFileBlock overwrites the byte range [off, off+len(data)) of data
// block n, preserving the rest of the block.
func (a *Accessor) PatchFileBlock(n uint32, off int, data []byte) error {
	if err := a.checkData(n); err != nil {
		return err
	}
	return a.cache.WriteAt(n, off, data)
}

// DirentBlock reads data block n as a directory block.
func (a *Accessor) DirentBlock(n uint32) (*DirentBlock, error) {
	raw, err := a.FileBlock(n)
	if err != nil {
		return nil, err
	}
	b := new(DirentBlock)
	if err := b.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return b, nil
}

func (a *Accessor) SetDirentBlock(n uint32, b *DirentBlock) error {
	raw, err := b.MarshalBinary()
	if err != nil {
		return err
	}
	return a.SetFileBlock(n, raw)
}

// Index reads data block n as a file-index block.
func (a *Accessor) Index(n uint32) (*IndexBlock, error) {
	raw, err := a.FileBlock(n)
	if err != nil {
		return nil, err
	}
	b := new(IndexBlock)
	if err := b.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return b, nil
}

func (a *Accessor) SetIndex(n uint32, b *IndexBlock) error {
	raw, err := b.MarshalBinary()
	if err != nil {
		return err
	}
	return a.SetFileBlock(n, raw)
}

// FreeIndex reads data block n as a free-index block.
func (a *Accessor) FreeIndex(n uint32) (*FreeIndexBlock, error) {
	raw, err := a.FileBlock(n)
	if err != nil {
		return nil, err
	}
	b := new(FreeIndexBlock)
	if err := b.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return b, nil
}

func (a *Accessor) SetFreeIndex(n uint32, b *FreeIndexBlock) error {
	raw, err := b.MarshalBinary()
	if err != nil {
		return err
	}
	return a.SetFileBlock(n, raw)
}

// ClearBlock zeroes data block n.
func (a *Accessor) ClearBlock(n uint32) error {
	return a.SetFileBlock(n, make([]byte, BlockSize))
}
