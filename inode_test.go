package v6fs

import (
	"testing"
)

// pushN allocates and pushes n data blocks, returning them in order.
func pushN(t *testing.T, ino *Inode, super *Super, n int) []uint32 {
	t.Helper()
	out := make([]uint32, 0, n)
	for len(out) < n {
		b, err := super.AllocBlock(true)
		if err != nil {
			t.Fatalf("alloc: %s", err)
		}
		if err := ino.PushBlock(b); err != nil {
			t.Fatalf("push: %s", err)
		}
		out = append(out, b)
	}
	return out
}

// TestInodePushPopDirect stays within the direct tier.
func TestInodePushPopDirect(t *testing.T) {
	_, acc, super := newTestFS(t, WithBlocks(600), WithInodeBlocks(4))

	ino := newInode(2, TypeFile, acc, super)
	pushed := pushN(t, ino, super, 4)

	list, err := ino.BlockList(0, -1)
	if err != nil {
		t.Fatalf("block list: %s", err)
	}
	if len(list) != 4 {
		t.Fatalf("block list length %d", len(list))
	}
	for n := range pushed {
		if list[n] != pushed[n] {
			t.Errorf("block %d = %d, want %d", n, list[n], pushed[n])
		}
	}
	if ino.d.Mode&ModeLarge != 0 {
		t.Errorf("ILARG set on a 4-block file")
	}

	for n := 3; n >= 0; n-- {
		b, err := ino.PopBlock()
		if err != nil {
			t.Fatalf("pop: %s", err)
		}
		if b != pushed[n] {
			t.Errorf("pop %d = %d, want %d", n, b, pushed[n])
		}
	}
	if _, err := ino.PopBlock(); err == nil {
		t.Errorf("pop on empty index succeeded")
	}
}

// TestInodeTiers pushes through the single-indirect boundary into the
// double-indirect tier and verifies iteration, peeking, and that popping
// everything returns every block (index blocks included) to the free pool.
func TestInodeTiers(t *testing.T) {
	_, acc, super := newTestFS(t, WithBlocks(1200), WithInodeBlocks(4))

	bfree := super.d.Bfree
	ino := newInode(2, TypeFile, acc, super)

	// 300 blocks: 6 direct, 256 through both single-indirect slots,
	// 38 into the double-indirect tier
	const count = 300
	pushed := pushN(t, ino, super, count)

	if ino.BlockCount() != count {
		t.Fatalf("block count = %d", ino.BlockCount())
	}
	if ino.d.Mode&ModeLarge == 0 {
		t.Errorf("ILARG not set on an indirect file")
	}
	if ino.d.Addr[6] == 0 || ino.d.Addr[7] == 0 || ino.d.Addr[8] == 0 {
		t.Errorf("expected indirect slots 6-8 in use: %v", ino.d.Addr)
	}
	if ino.d.Addr[9] != 0 {
		t.Errorf("slot 9 in use for a %d-block file", count)
	}

	list, err := ino.BlockList(0, -1)
	if err != nil {
		t.Fatalf("block list: %s", err)
	}
	if len(list) != count {
		t.Fatalf("block list length %d", len(list))
	}
	for n := range pushed {
		if list[n] != pushed[n] {
			t.Fatalf("block %d = %d, want %d", n, list[n], pushed[n])
		}
	}

	// partial walks starting inside each tier
	for _, start := range []int64{0, 3, 6, 130, 262, 290} {
		part, err := ino.BlockList(start, 5)
		if err != nil {
			t.Fatalf("block list from %d: %s", start, err)
		}
		want := count - int(start)
		if want > 5 {
			want = 5
		}
		if len(part) != want {
			t.Fatalf("list from %d: %d blocks, want %d", start, len(part), want)
		}
		for n := range part {
			if part[n] != pushed[int(start)+n] {
				t.Errorf("list from %d entry %d mismatch", start, n)
			}
		}
	}

	if b, err := ino.PeekBlock(262); err != nil || b != pushed[262] {
		t.Errorf("peek(262) = %d, %v, want %d", b, err, pushed[262])
	}

	// tear the file down; everything must come back
	for ino.BlockCount() > 0 {
		b, err := ino.PopBlock()
		if err != nil {
			t.Fatalf("pop: %s", err)
		}
		if err := super.FreeBlock(b); err != nil {
			t.Fatalf("free: %s", err)
		}
	}
	for n := range ino.d.Addr {
		if ino.d.Addr[n] != 0 {
			t.Errorf("addr slot %d still %d after full pop", n, ino.d.Addr[n])
		}
	}
	if super.d.Bfree != bfree {
		t.Errorf("bfree = %d after full pop, want %d (index blocks leaked?)", super.d.Bfree, bfree)
	}
	if ino.d.Mode&ModeLarge != 0 {
		t.Errorf("ILARG still set after full pop")
	}
}

// TestIndexBlockCollapse checks that shrinking across a tier boundary
// releases the emptied index block immediately.
func TestIndexBlockCollapse(t *testing.T) {
	_, acc, super := newTestFS(t, WithBlocks(600), WithInodeBlocks(4))

	ino := newInode(2, TypeFile, acc, super)
	pushN(t, ino, super, 7) // 6 direct + 1 through an index block

	if ino.d.Addr[6] == 0 {
		t.Fatalf("index block not allocated")
	}
	bfree := super.d.Bfree

	b, err := ino.PopBlock()
	if err != nil {
		t.Fatalf("pop: %s", err)
	}
	if err := super.FreeBlock(b); err != nil {
		t.Fatalf("free: %s", err)
	}
	if ino.d.Addr[6] != 0 {
		t.Errorf("empty index block still referenced")
	}
	// the data block and the index block both came back
	if super.d.Bfree != bfree+2 {
		t.Errorf("bfree = %d, want %d", super.d.Bfree, bfree+2)
	}
}
