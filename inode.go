package v6fs

import (
	"fmt"
	"time"
)

// Inode wraps a decoded inode record together with its number and the
// machinery needed to walk and grow its tiered block index. The block count
// is cached from the size at load time and kept in step by PushBlock and
// PopBlock. Changes to the inode record stay in core until Flush; index
// blocks are written through the accessor as they change.
//
// Index blocks are allocated and released by the inode itself; data blocks
// are the caller's to allocate before PushBlock and to release after
// PopBlock returns them.
type Inode struct {
	Num uint32
	d   *Dinode
	acc *Accessor
	sup *Super

	blocks uint32 // cached ceil(size / BlockSize)
}

// loadInode reads inode number num from the inode region.
func loadInode(num uint32, acc *Accessor, sup *Super) (*Inode, error) {
	d, err := acc.Dinode(num)
	if err != nil {
		return nil, err
	}
	return &Inode{
		Num:    num,
		d:      d,
		acc:    acc,
		sup:    sup,
		blocks: (d.Size + BlockSize - 1) / BlockSize,
	}, nil
}

// newInode builds a fresh in-core inode of the given type: allocated, one
// link, empty, timestamps set to now. It is not on disk until Flush.
func newInode(num uint32, t FileType, acc *Accessor, sup *Super) *Inode {
	now := uint32(time.Now().Unix())
	return &Inode{
		Num: num,
		d: &Dinode{
			Mode:  ModeAlloc | uint32(t)<<modeFmtShift | modePerm,
			Nlink: 1,
			Atime: now,
			Mtime: now,
		},
		acc: acc,
		sup: sup,
	}
}

// Flush writes the inode record back to the inode region.
func (i *Inode) Flush() error {
	return i.acc.SetDinode(i.Num, i.d)
}

func (i *Inode) Type() FileType   { return i.d.Type() }
func (i *Inode) Size() uint32     { return i.d.Size }
func (i *Inode) Nlink() uint32    { return i.d.Nlink }
func (i *Inode) BlockCount() uint32 { return i.blocks }

// Stat returns a copy of the raw record.
func (i *Inode) Stat() Dinode { return *i.d }

func (i *Inode) SetSize(n uint32) {
	i.d.Size = n
}

func (i *Inode) UpdateAtime() {
	i.d.Atime = uint32(time.Now().Unix())
}

func (i *Inode) UpdateMtime() {
	i.d.Mtime = uint32(time.Now().Unix())
}

// blockSlot maps a logical block offset k to its position in the tier
// structure: the d_addr slot, the entry within the level-1 index block, and
// the entry within the level-2 index block. Unused levels are -1. A slot of
// -1 means k is beyond the double-indirect tier.
func blockSlot(k uint32) (slot, i1, i2 int) {
	switch {
	case k < smallThreshold:
		return int(k), -1, -1
	case k < largeThreshold:
		k -= smallThreshold
		return directBlocks + int(k/indexPerBlock), int(k % indexPerBlock), -1
	case k < hugeThreshold:
		k -= largeThreshold
		return directBlocks + 2 + int(k/(indexPerBlock*indexPerBlock)),
			int(k % (indexPerBlock * indexPerBlock) / indexPerBlock),
			int(k % indexPerBlock)
	}
	return -1, -1, -1
}

// BlockList returns the physical block numbers for count logical blocks
// starting at logical offset start. count < 0 means "to the end"; the
// result is clamped to the blocks the file actually has.
func (i *Inode) BlockList(start, count int64) ([]uint32, error) {
	if start < 0 {
		start = 0
	}
	limit := int64(i.blocks) - start
	if limit <= 0 {
		return nil, nil
	}
	if count < 0 || count > limit {
		count = limit
	}

	out := make([]uint32, 0, count)
	k := uint32(start)
	for int64(len(out)) < count {
		slot, i1, i2 := blockSlot(k)
		if slot < 0 {
			return nil, ErrFileTooLarge
		}
		switch {
		case i1 < 0:
			out = append(out, i.d.Addr[slot])
			k++
		case i2 < 0:
			ib, err := i.acc.Index(i.d.Addr[slot])
			if err != nil {
				return nil, err
			}
			for ; i1 < indexPerBlock && int64(len(out)) < count; i1++ {
				out = append(out, ib.Addr[i1])
				k++
			}
		default:
			l1, err := i.acc.Index(i.d.Addr[slot])
			if err != nil {
				return nil, err
			}
			for ; i1 < indexPerBlock && int64(len(out)) < count; i1++ {
				l2, err := i.acc.Index(l1.Addr[i1])
				if err != nil {
					return nil, err
				}
				for ; i2 < indexPerBlock && int64(len(out)) < count; i2++ {
					out = append(out, l2.Addr[i2])
					k++
				}
				i2 = 0
			}
		}
	}
	return out, nil
}

// PeekBlock returns the physical number of logical block k without
// mutating anything.
func (i *Inode) PeekBlock(k uint32) (uint32, error) {
	list, err := i.BlockList(int64(k), 1)
	if err != nil {
		return 0, err
	}
	if len(list) == 0 {
		return 0, fmt.Errorf("%w: block %d beyond end of file (%d blocks)", ErrCorrupt, k, i.blocks)
	}
	return list[0], nil
}

// PushBlock appends phys at the end of the block index, growing index
// blocks as tier boundaries are crossed.
func (i *Inode) PushBlock(phys uint32) error {
	p := i.blocks
	if p >= hugeThreshold {
		return ErrFileTooLarge
	}
	slot, i1, i2 := blockSlot(p)
	switch {
	case i1 < 0:
		i.d.Addr[slot] = phys

	case i2 < 0:
		if i1 == 0 {
			nb, err := i.sup.AllocBlock(true)
			if err != nil {
				return err
			}
			i.d.Addr[slot] = nb
			i.d.Mode |= ModeLarge
		}
		ib, err := i.acc.Index(i.d.Addr[slot])
		if err != nil {
			return err
		}
		ib.Addr[i1] = phys
		if err := i.acc.SetIndex(i.d.Addr[slot], ib); err != nil {
			return err
		}

	default:
		if i1 == 0 && i2 == 0 {
			nb, err := i.sup.AllocBlock(true)
			if err != nil {
				return err
			}
			i.d.Addr[slot] = nb
			i.d.Mode |= ModeLarge
		}
		l1, err := i.acc.Index(i.d.Addr[slot])
		if err != nil {
			return err
		}
		if i2 == 0 {
			nb, err := i.sup.AllocBlock(true)
			if err != nil {
				return err
			}
			l1.Addr[i1] = nb
			if err := i.acc.SetIndex(i.d.Addr[slot], l1); err != nil {
				return err
			}
		}
		l2b := l1.Addr[i1]
		l2, err := i.acc.Index(l2b)
		if err != nil {
			return err
		}
		l2.Addr[i2] = phys
		if err := i.acc.SetIndex(l2b, l2); err != nil {
			return err
		}
	}
	i.blocks++
	return nil
}

// PopBlock removes the last block from the index and returns its physical
// number for the caller to release. Index blocks emptied by the removal are
// released here and their parent slots cleared.
func (i *Inode) PopBlock() (uint32, error) {
	if i.blocks == 0 {
		return 0, fmt.Errorf("%w: pop on empty block index", ErrCorrupt)
	}
	p := i.blocks - 1
	slot, i1, i2 := blockSlot(p)
	var res uint32
	switch {
	case i1 < 0:
		res = i.d.Addr[slot]
		i.d.Addr[slot] = 0

	case i2 < 0:
		ibn := i.d.Addr[slot]
		ib, err := i.acc.Index(ibn)
		if err != nil {
			return 0, err
		}
		res = ib.Addr[i1]
		if i1 == 0 {
			// entry 0 was the last one: the index block is empty now
			if err := i.sup.FreeBlock(ibn); err != nil {
				return 0, err
			}
			i.d.Addr[slot] = 0
		} else {
			ib.Addr[i1] = 0
			if err := i.acc.SetIndex(ibn, ib); err != nil {
				return 0, err
			}
		}

	default:
		l1n := i.d.Addr[slot]
		l1, err := i.acc.Index(l1n)
		if err != nil {
			return 0, err
		}
		l2n := l1.Addr[i1]
		l2, err := i.acc.Index(l2n)
		if err != nil {
			return 0, err
		}
		res = l2.Addr[i2]
		if i2 == 0 {
			if err := i.sup.FreeBlock(l2n); err != nil {
				return 0, err
			}
			if i1 == 0 {
				if err := i.sup.FreeBlock(l1n); err != nil {
					return 0, err
				}
				i.d.Addr[slot] = 0
			} else {
				l1.Addr[i1] = 0
				if err := i.acc.SetIndex(l1n, l1); err != nil {
					return 0, err
				}
			}
		} else {
			l2.Addr[i2] = 0
			if err := i.acc.SetIndex(l2n, l2); err != nil {
				return 0, err
			}
		}
	}
	i.blocks--
	if i.blocks <= directBlocks {
		i.d.Mode &^= ModeLarge
	}
	return res, nil
}
