package v6fs

// DirBlock wraps one directory data block: a fixed table of 16 (inode,
// name) slots. A slot with inode 0 is free. Mutating operations write the
// block back through the accessor before returning.
type DirBlock struct {
	num uint32
	rec *DirentBlock
	acc *Accessor
}

// loadDirBlock reads data block num as a directory block.
func loadDirBlock(num uint32, acc *Accessor) (*DirBlock, error) {
	rec, err := acc.DirentBlock(num)
	if err != nil {
		return nil, err
	}
	return &DirBlock{num: num, rec: rec, acc: acc}, nil
}

// newDirBlock wraps a freshly allocated (zeroed) block as an empty
// directory block.
func newDirBlock(num uint32, acc *Accessor) *DirBlock {
	return &DirBlock{num: num, rec: new(DirentBlock), acc: acc}
}

func (b *DirBlock) flush() error {
	return b.acc.SetDirentBlock(b.num, b.rec)
}

// Find returns the inode number stored under name, or 0 if absent.
func (b *DirBlock) Find(name string) uint32 {
	for n := range b.rec.Entries {
		e := &b.rec.Entries[n]
		if e.Ino != 0 && e.EntryName() == name {
			return e.Ino
		}
	}
	return 0
}

func (b *DirBlock) Contains(name string) bool {
	return b.Find(name) != 0
}

// Add writes (ino, name) into the first free slot and reports whether one
// existed.
func (b *DirBlock) Add(ino uint32, name string) (bool, error) {
	for n := range b.rec.Entries {
		e := &b.rec.Entries[n]
		if e.Ino != 0 {
			continue
		}
		if err := e.SetName(name); err != nil {
			return false, err
		}
		e.Ino = ino
		return true, b.flush()
	}
	return false, nil
}

// Remove zeroes the slot holding name and reports whether it was found.
func (b *DirBlock) Remove(name string) (bool, error) {
	for n := range b.rec.Entries {
		e := &b.rec.Entries[n]
		if e.Ino != 0 && e.EntryName() == name {
			*e = Dirent{}
			return true, b.flush()
		}
	}
	return false, nil
}

// List returns the names of all occupied slots in table order.
func (b *DirBlock) List() []string {
	var out []string
	for n := range b.rec.Entries {
		if b.rec.Entries[n].Ino != 0 {
			out = append(out, b.rec.Entries[n].EntryName())
		}
	}
	return out
}

// Length counts occupied slots.
func (b *DirBlock) Length() int {
	count := 0
	for n := range b.rec.Entries {
		if b.rec.Entries[n].Ino != 0 {
			count++
		}
	}
	return count
}

func (b *DirBlock) IsEmpty() bool {
	return b.Length() == 0
}

func (b *DirBlock) IsFull() bool {
	return b.Length() == direntsPerBlock
}
