package v6fs

import (
	"errors"
	"path/filepath"
	"testing"
)

// newTestFS formats a small image and opens its allocator state directly.
func newTestFS(t *testing.T, opts ...FormatOption) (*BlockCache, *Accessor, *Super) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "fs.img")
	if err := FormatImage(p, opts...); err != nil {
		t.Fatalf("format: %s", err)
	}
	dev, err := OpenBlockDevice(p, false)
	if err != nil {
		t.Fatalf("open: %s", err)
	}
	cache, err := NewBlockCache(dev, DefaultCacheBlocks)
	if err != nil {
		t.Fatalf("cache: %s", err)
	}
	t.Cleanup(func() { cache.Close() })

	acc := NewAccessor(cache, 0)
	sb, err := acc.Superblock()
	if err != nil {
		t.Fatalf("superblock: %s", err)
	}
	acc.setLimits(sb.Isize, sb.Fsize)
	super, err := loadSuper(acc)
	if err != nil {
		t.Fatalf("load super: %s", err)
	}
	return cache, acc, super
}

// freeWalk returns the multiset of free block numbers reachable from the
// superblock stack and its chain, dropping the terminal zero sentinel.
func freeWalk(t *testing.T, acc *Accessor, s *Super) map[uint32]int {
	t.Helper()
	set := make(map[uint32]int)
	add := func(stack []uint32, n uint32) uint32 {
		for _, b := range stack[1:n] {
			set[b]++
		}
		return stack[0]
	}
	next := add(s.d.Free[:], s.d.Nfree)
	for next != 0 {
		set[next]++ // a chained block is itself free
		fib, err := acc.FreeIndex(next)
		if err != nil {
			t.Fatalf("free chain walk: %s", err)
		}
		next = add(fib.Free[:], fib.Nfree)
	}
	return set
}

// TestFormatCounters checks a fresh image reports every data block and
// every usable inode as free.
func TestFormatCounters(t *testing.T) {
	_, acc, super := newTestFS(t, WithBlocks(1024), WithInodeBlocks(8))

	dataBlocks := acc.DataEnd() - acc.DataStart()
	if super.d.Bfree != dataBlocks {
		t.Errorf("bfree = %d, want %d", super.d.Bfree, dataBlocks)
	}
	if want := acc.InodeCount() - 2; super.d.Ffree != want {
		t.Errorf("ffree = %d, want %d", super.d.Ffree, want)
	}
	if got := len(freeWalk(t, acc, super)); got != int(dataBlocks) {
		t.Errorf("free chain holds %d blocks, want %d", got, dataBlocks)
	}
}

// TestBlockAllocatorExhaustion drains the free stack completely, checks
// NoSpace, then releases everything and expects the same free multiset.
func TestBlockAllocatorExhaustion(t *testing.T) {
	_, acc, super := newTestFS(t, WithBlocks(600), WithInodeBlocks(4))

	before := freeWalk(t, acc, super)
	total := super.d.Bfree

	var got []uint32
	for {
		b, err := super.AllocBlock(false)
		if err != nil {
			if !errors.Is(err, ErrNoSpace) {
				t.Fatalf("alloc: %s", err)
			}
			break
		}
		got = append(got, b)
	}
	if uint32(len(got)) != total {
		t.Fatalf("allocated %d blocks, bfree said %d", len(got), total)
	}
	if super.d.Bfree != 0 {
		t.Errorf("bfree = %d after exhaustion", super.d.Bfree)
	}
	seen := make(map[uint32]bool)
	for _, b := range got {
		if seen[b] {
			t.Fatalf("block %d allocated twice", b)
		}
		seen[b] = true
		if b < acc.DataStart() || b >= acc.DataEnd() {
			t.Fatalf("block %d outside data region", b)
		}
	}

	// release in reverse order; the chain must fold back exactly
	for n := len(got) - 1; n >= 0; n-- {
		if err := super.FreeBlock(got[n]); err != nil {
			t.Fatalf("free: %s", err)
		}
	}
	if super.d.Bfree != total {
		t.Errorf("bfree = %d after release, want %d", super.d.Bfree, total)
	}
	after := freeWalk(t, acc, super)
	if len(after) != len(before) {
		t.Fatalf("free multiset size changed: %d != %d", len(after), len(before))
	}
	for b, n := range before {
		if after[b] != n {
			t.Errorf("block %d count %d != %d after round trip", b, after[b], n)
		}
	}
}

// TestFreeStackSpill forces the in-core stack over 100 entries so it
// spills into a chained free-index block, then drains it back.
func TestFreeStackSpill(t *testing.T) {
	_, acc, super := newTestFS(t, WithBlocks(600), WithInodeBlocks(4))

	// pull 150 blocks out, then put them all back; the stack holds 45
	// entries after the pulls, so pushing the 56th block has to spill
	var blocks []uint32
	for n := 0; n < 150; n++ {
		b, err := super.AllocBlock(false)
		if err != nil {
			t.Fatalf("alloc: %s", err)
		}
		blocks = append(blocks, b)
	}
	start := super.d.Bfree
	for _, b := range blocks {
		if err := super.FreeBlock(b); err != nil {
			t.Fatalf("free: %s", err)
		}
	}
	if super.d.Bfree != start+150 {
		t.Errorf("bfree = %d, want %d", super.d.Bfree, start+150)
	}
	if super.d.Nfree < 1 || super.d.Nfree > freeListLen {
		t.Errorf("nfree = %d outside [1, 100]", super.d.Nfree)
	}

	// every released block must be reachable again
	free := freeWalk(t, acc, super)
	for _, b := range blocks {
		if free[b] == 0 {
			t.Errorf("block %d lost after spill", b)
		}
	}

	// and allocatable again without duplicates
	seen := make(map[uint32]bool)
	for n := 0; n < 150; n++ {
		b, err := super.AllocBlock(false)
		if err != nil {
			t.Fatalf("re-alloc: %s", err)
		}
		if seen[b] {
			t.Fatalf("block %d handed out twice", b)
		}
		seen[b] = true
	}
}

// TestInodeAllocator drains the free-inode cache through a refill and back.
func TestInodeAllocator(t *testing.T) {
	_, acc, super := newTestFS(t, WithBlocks(600), WithInodeBlocks(2))

	usable := acc.InodeCount() - 2 // minus reserved 0 and the root
	seen := make(map[uint32]bool)
	for n := uint32(0); n < usable; n++ {
		ino, err := super.AllocInode()
		if err != nil {
			t.Fatalf("alloc inode: %s", err)
		}
		if ino == 0 || ino == RootInode {
			t.Fatalf("allocator handed out reserved inode %d", ino)
		}
		if seen[ino] {
			t.Fatalf("inode %d handed out twice", ino)
		}
		seen[ino] = true
		// claim it on disk so the next refill skips it
		if err := acc.SetDinode(ino, &Dinode{Mode: ModeAlloc}); err != nil {
			t.Fatalf("claim inode: %s", err)
		}
	}

	if _, err := super.AllocInode(); !errors.Is(err, ErrNoInode) {
		t.Fatalf("expected ErrNoInode, got %v", err)
	}

	for ino := range seen {
		if err := super.FreeInode(ino); err != nil {
			t.Fatalf("free inode: %s", err)
		}
	}
	if super.d.Ffree != usable {
		t.Errorf("ffree = %d, want %d", super.d.Ffree, usable)
	}
}

// TestCounterRecount corrupts the trailer hash and checks mount-time
// recomputation lands on the same numbers.
func TestCounterRecount(t *testing.T) {
	cache, acc, super := newTestFS(t, WithBlocks(600), WithInodeBlocks(4))

	for n := 0; n < 10; n++ {
		if _, err := super.AllocBlock(false); err != nil {
			t.Fatalf("alloc: %s", err)
		}
	}
	wantBfree := super.d.Bfree
	if err := super.Flush(); err != nil {
		t.Fatalf("flush: %s", err)
	}

	// break the hash on disk and reload
	raw, err := cache.ReadBlock(1)
	if err != nil {
		t.Fatalf("read: %s", err)
	}
	raw[BlockSize-16] ^= 0xFF
	if err := cache.WriteBlock(1, raw); err != nil {
		t.Fatalf("write: %s", err)
	}

	reloaded, err := loadSuper(acc)
	if err != nil {
		t.Fatalf("reload: %s", err)
	}
	if reloaded.d.Bfree != wantBfree {
		t.Errorf("recounted bfree = %d, want %d", reloaded.d.Bfree, wantBfree)
	}
	if want := acc.InodeCount() - 2; reloaded.d.Ffree != want {
		t.Errorf("recounted ffree = %d, want %d", reloaded.d.Ffree, want)
	}
}
