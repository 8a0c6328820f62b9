package v6fs

import (
	"fmt"
	"time"
)

// Super owns the mutable allocator state rooted in the superblock: the
// free-block stack with its chained free-index spill blocks, the free-inode
// cache, and the statfs counters. It is loaded at mount and written back by
// Flush. Changes to the superblock record stay in core until Flush; spill
// blocks, cleared blocks and freed inode records are written through the
// block cache as they happen.
type Super struct {
	acc *Accessor
	d   *Superblock
}

// loadSuper decodes the superblock and establishes the in-core allocator
// state. When the trailer hash does not vouch for the auxiliary counters,
// Bfree and Ffree are recomputed by walking the free chain and scanning the
// inode region.
func loadSuper(acc *Accessor) (*Super, error) {
	sb, err := acc.Superblock()
	if err != nil {
		return nil, err
	}
	s := &Super{acc: acc, d: sb}
	if err := s.validate(); err != nil {
		return nil, err
	}
	if !sb.TrailerValid() {
		logger.Debug("superblock trailer hash mismatch, recounting free blocks and inodes")
		if err := s.recount(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Super) validate() error {
	d := s.d
	if d.Nfree < 1 || d.Nfree > freeListLen || d.Ninode > freeListLen {
		return fmt.Errorf("%w: free list lengths nfree=%d ninode=%d", ErrCorrupt, d.Nfree, d.Ninode)
	}
	if d.Isize == 0 || superblockBlocks+d.Isize >= d.Fsize {
		return fmt.Errorf("%w: geometry isize=%d fsize=%d", ErrCorrupt, d.Isize, d.Fsize)
	}
	if s.acc.start+d.Fsize > s.acc.cache.BlockCount() {
		return fmt.Errorf("%w: filesystem of %d blocks does not fit image of %d blocks",
			ErrCorrupt, d.Fsize, s.acc.cache.BlockCount())
	}
	return nil
}

func (s *Super) recount() error {
	// walk the free chain; the single zero sentinel at the very bottom of
	// the deepest segment is not a block
	count := s.d.Nfree
	for next := s.d.Free[0]; next != 0; {
		fib, err := s.acc.FreeIndex(next)
		if err != nil {
			return err
		}
		count += fib.Nfree
		next = fib.Free[0]
	}
	s.d.Bfree = count - 1

	free := uint32(0)
	n := s.acc.InodeCount()
	for i := uint32(1); i < n; i++ {
		di, err := s.acc.Dinode(i)
		if err != nil {
			return err
		}
		if !di.Alloc() {
			free++
		}
	}
	s.d.Ffree = free
	s.d.Files = n
	return nil
}

// Flush stamps the superblock time and writes the sealed record.
func (s *Super) Flush() error {
	s.d.Time = uint32(time.Now().Unix())
	s.d.Fmod = 0
	return s.acc.SetSuperblock(s.d)
}

// AllocBlock pops a block from the free stack, pulling the next chained
// free-index segment in when the stack runs dry. The chained block itself
// is the one handed out in that case. With zero set the block is cleared
// before it is returned.
func (s *Super) AllocBlock(zero bool) (uint32, error) {
	if s.d.Nfree < 1 || s.d.Nfree > freeListLen {
		return 0, fmt.Errorf("%w: free-block stack length %d", ErrCorrupt, s.d.Nfree)
	}
	s.d.Nfree--
	b := s.d.Free[s.d.Nfree]
	s.d.Free[s.d.Nfree] = 0
	if s.d.Nfree == 0 {
		if b == 0 {
			// bottom of the last segment
			s.d.Nfree = 1
			return 0, ErrNoSpace
		}
		fib, err := s.acc.FreeIndex(b)
		if err != nil {
			return 0, err
		}
		if fib.Nfree < 1 || fib.Nfree > freeListLen {
			return 0, fmt.Errorf("%w: free-index block %d length %d", ErrCorrupt, b, fib.Nfree)
		}
		s.d.Nfree = fib.Nfree
		s.d.Free = fib.Free
	}
	if err := s.acc.checkData(b); err != nil {
		return 0, err
	}
	if zero {
		if err := s.acc.ClearBlock(b); err != nil {
			return 0, err
		}
	}
	s.d.Bfree--
	s.d.Fmod = 1
	return b, nil
}

// FreeBlock pushes b back onto the free stack. A full stack is spilled into
// b itself, which becomes the new chain head.
func (s *Super) FreeBlock(b uint32) error {
	if err := s.acc.checkData(b); err != nil {
		return err
	}
	if s.d.Nfree < freeListLen {
		s.d.Free[s.d.Nfree] = b
		s.d.Nfree++
	} else {
		fib := &FreeIndexBlock{Nfree: s.d.Nfree, Free: s.d.Free}
		if err := s.acc.SetFreeIndex(b, fib); err != nil {
			return err
		}
		s.d.Free = [freeListLen]uint32{b}
		s.d.Nfree = 1
	}
	s.d.Bfree++
	s.d.Fmod = 1
	return nil
}

// AllocInode pops a free inode number, refilling the cache by scanning the
// inode region when it is empty. The caller claims the inode by writing a
// record with IALLOC set.
func (s *Super) AllocInode() (uint32, error) {
	if s.d.Ninode == 0 {
		if err := s.refillInodeCache(); err != nil {
			return 0, err
		}
		if s.d.Ninode == 0 {
			return 0, ErrNoInode
		}
	}
	s.d.Ninode--
	ino := s.d.Inode[s.d.Ninode]
	s.d.Inode[s.d.Ninode] = 0
	if ino == 0 || ino >= s.acc.InodeCount() {
		return 0, fmt.Errorf("%w: free-inode cache held %d", ErrCorrupt, ino)
	}
	s.d.Ffree--
	s.d.Fmod = 1
	return ino, nil
}

func (s *Super) refillInodeCache() error {
	n := s.acc.InodeCount()
	for i := uint32(1); i < n && s.d.Ninode < freeListLen; i++ {
		di, err := s.acc.Dinode(i)
		if err != nil {
			return err
		}
		if !di.Alloc() {
			s.d.Inode[s.d.Ninode] = i
			s.d.Ninode++
		}
	}
	return nil
}

// FreeInode zeroes inode record ino on disk and, space permitting, pushes
// the number back onto the free-inode cache.
func (s *Super) FreeInode(ino uint32) error {
	if err := s.acc.SetDinode(ino, new(Dinode)); err != nil {
		return err
	}
	if s.d.Ninode < freeListLen {
		s.d.Inode[s.d.Ninode] = ino
		s.d.Ninode++
	}
	s.d.Ffree++
	s.d.Fmod = 1
	return nil
}
