package v6fs

import (
	"fmt"
	"io/fs"
	"math"
	"path"

	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("pkg", "v6fs")

// FileStat is the attribute set reported by GetAttr. Mode carries the
// S_IFMT class of the inode plus 0777; the core stores but never enforces
// permissions.
type FileStat struct {
	Mode  uint32
	Ino   uint32
	Dev   uint32
	Nlink uint32
	Uid   uint32
	Gid   uint32
	Size  int64
	Atime int64
	Mtime int64
	Ctime int64
}

// FSStat is the filesystem-level view reported by GetStats.
type FSStat struct {
	BlockSize uint32
	Blocks    uint32
	Bfree     uint32
	Bavail    uint32
	Files     uint32
	Ffree     uint32
	Favail    uint32
	Flags     uint32
	NameMax   uint32
}

// Disk is one mounted filesystem instance: the image file, its block
// cache, the in-core superblock and the root inode. A Disk is single
// threaded; callers (such as the FUSE bridge) serialize access. Mounting
// the same image through two Disk values at once is undefined.
type Disk struct {
	path string
	opts diskOptions

	mounted bool
	cache   *BlockCache
	acc     *Accessor
	super   *Super
	root    *Inode
}

// New returns an unmounted Disk for the image at path. No I/O happens
// until Mount.
func New(path string, opts ...Option) *Disk {
	d := &Disk{path: path, opts: defaultOptions()}
	for _, o := range opts {
		o(&d.opts)
	}
	return d
}

// Path returns the image path this disk was created for.
func (d *Disk) Path() string {
	return d.path
}

// Mount opens the image, locates the filesystem behind an optional boot
// area, loads the superblock and the root inode, and establishes the
// allocator state. Obvious corruption (bad sizes, bad offsets, a root that
// is not an allocated directory) fails the mount.
func (d *Disk) Mount() error {
	if d.mounted {
		return nil
	}
	logger.Debugf("mount %s", d.path)

	dev, err := OpenBlockDevice(d.path, d.opts.readonly)
	if err != nil {
		return err
	}
	cache, err := NewBlockCache(dev, d.opts.cacheBlocks)
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

	if cache.BlockCount() == 0 {
		return fmt.Errorf("%w: empty image", ErrCorrupt)
	}
	boot, err := cache.ReadBlock(0)
	if err != nil {
		return err
	}
	start := uint32(0)
	if boot[BlockSize-2] == 0x55 && boot[BlockSize-1] == 0xAA {
		start = bootBlocks
	}

	acc := NewAccessor(cache, start)
	sb, err := acc.Superblock()
	if err != nil {
		return err
	}
	acc.setLimits(sb.Isize, sb.Fsize)

	super, err := loadSuper(acc)
	if err != nil {
		return err
	}
	root, err := loadInode(RootInode, acc, super)
	if err != nil {
		return err
	}
	if !root.d.Alloc() || root.Type() != TypeDir {
		return fmt.Errorf("%w: root inode is not an allocated directory", ErrCorrupt)
	}

	d.cache = cache
	d.acc = acc
	d.super = super
	d.root = root
	d.mounted = true
	ok = true
	return nil
}

// writable gates every mutating operation.
func (d *Disk) writable() error {
	if !d.mounted {
		return ErrNotMounted
	}
	if d.opts.readonly {
		return ErrReadOnly
	}
	return nil
}

// Flush writes the superblock, the root inode, and every dirty cached
// block to the image. Flushing twice is the same as flushing once.
func (d *Disk) Flush() error {
	if !d.mounted {
		return ErrNotMounted
	}
	if d.opts.readonly {
		return nil
	}
	if err := d.super.Flush(); err != nil {
		return err
	}
	if err := d.root.Flush(); err != nil {
		return err
	}
	return d.cache.Flush()
}

// Unmount flushes and releases the image. The file handle is released even
// when the flush fails.
func (d *Disk) Unmount() error {
	if !d.mounted {
		return nil
	}
	logger.Debugf("unmount %s", d.path)
	ferr := d.Flush()
	cerr := d.cache.Close()
	d.mounted = false
	d.cache = nil
	d.acc = nil
	d.super = nil
	d.root = nil
	if ferr != nil {
		return ferr
	}
	return cerr
}

// Format re-creates an empty filesystem on the image, remounting afterwards
// if the disk was mounted.
func (d *Disk) Format() error {
	mounted := d.mounted
	if mounted {
		if err := d.Unmount(); err != nil {
			return err
		}
	}
	if err := FormatImage(d.path, d.opts.format...); err != nil {
		return err
	}
	if mounted {
		return d.Mount()
	}
	return nil
}

// getInode resolves an absolute path to its inode, walking directory
// blocks one component at a time.
func (d *Disk) getInode(p string) (*Inode, error) {
	if !d.mounted {
		return nil, ErrNotMounted
	}
	p = path.Clean("/" + p)
	if p == "/" {
		return d.root, nil
	}
	dir, name := path.Split(p)
	parent, err := d.getInode(dir)
	if err != nil {
		return nil, err
	}
	if parent.Type() != TypeDir {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	blocks, err := parent.BlockList(0, -1)
	if err != nil {
		return nil, err
	}
	for _, b := range blocks {
		db, err := loadDirBlock(b, d.acc)
		if err != nil {
			return nil, err
		}
		if ino := db.Find(name); ino != 0 {
			return loadInode(ino, d.acc, d.super)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
}

// Exists reports whether p resolves.
func (d *Disk) Exists(p string) bool {
	_, err := d.getInode(p)
	return err == nil
}

// GetAttr returns the stat attributes of the inode at p.
func (d *Disk) GetAttr(p string) (*FileStat, error) {
	logger.Debugf("getattr %s", p)
	ino, err := d.getInode(p)
	if err != nil {
		return nil, err
	}
	st := ino.Stat()
	return &FileStat{
		Mode:  ModeToUnix(ino.Type().Mode() | fs.FileMode(modePerm)),
		Ino:   ino.Num,
		Dev:   0,
		Nlink: st.Nlink,
		Uid:   uint32(st.Uid),
		Gid:   uint32(st.Gid),
		Size:  int64(st.Size),
		Atime: int64(st.Atime),
		Mtime: int64(st.Mtime),
		Ctime: int64(st.Mtime),
	}, nil
}

// GetStats returns filesystem-level statistics from the superblock
// counters.
func (d *Disk) GetStats() (*FSStat, error) {
	if !d.mounted {
		return nil, ErrNotMounted
	}
	sb := d.super.d
	return &FSStat{
		BlockSize: BlockSize,
		Blocks:    sb.Fsize,
		Bfree:     sb.Bfree,
		Bavail:    sb.Bfree,
		Files:     d.acc.InodeCount(),
		Ffree:     sb.Ffree,
		Favail:    sb.Ffree,
		Flags:     ST_NOSUID,
		NameMax:   NameMax,
	}, nil
}

// DirList returns the names in directory p, in directory-block order.
func (d *Disk) DirList(p string) ([]string, error) {
	logger.Debugf("dirlist %s", p)
	ino, err := d.getInode(p)
	if err != nil {
		return nil, err
	}
	if ino.Type() != TypeDir {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, p)
	}
	blocks, err := ino.BlockList(0, -1)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, b := range blocks {
		db, err := loadDirBlock(b, d.acc)
		if err != nil {
			return nil, err
		}
		names = append(names, db.List()...)
	}
	return names, nil
}

// addToDir records (ino, name) in the first free slot of parent's
// directory blocks, extending the directory with a fresh zeroed block when
// every slot is taken. The parent's size tracks an upper bound of the
// occupied bytes.
func (d *Disk) addToDir(parent *Inode, name string, ino uint32) error {
	blocks, err := parent.BlockList(0, -1)
	if err != nil {
		return err
	}
	position := uint32(0)
	for _, b := range blocks {
		db, err := loadDirBlock(b, d.acc)
		if err != nil {
			return err
		}
		ok, err := db.Add(ino, name)
		if err != nil {
			return err
		}
		if ok {
			if supposed := position + uint32(db.Length())*direntBytes; supposed > parent.Size() {
				parent.SetSize(supposed)
			}
			parent.UpdateMtime()
			return parent.Flush()
		}
		position += BlockSize
	}

	nb, err := d.super.AllocBlock(true)
	if err != nil {
		return err
	}
	db := newDirBlock(nb, d.acc)
	if _, err := db.Add(ino, name); err != nil {
		return err
	}
	if err := parent.PushBlock(nb); err != nil {
		return err
	}
	parent.SetSize(parent.Size() + direntBytes)
	parent.UpdateMtime()
	return parent.Flush()
}

// Create allocates an inode of the given type and records it under p.
func (d *Disk) Create(p string, t FileType) (*Inode, error) {
	logger.Debugf("create %s (%s)", p, t)
	if err := d.writable(); err != nil {
		return nil, err
	}
	if d.Exists(p) {
		return nil, fmt.Errorf("%w: %s", ErrExist, p)
	}
	p = path.Clean("/" + p)
	dir, name := path.Split(p)
	if name == "" || len(name) > NameMax {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	parent, err := d.getInode(dir)
	if err != nil {
		return nil, err
	}
	if parent.Type() != TypeDir {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}

	num, err := d.super.AllocInode()
	if err != nil {
		return nil, err
	}
	ino := newInode(num, t, d.acc, d.super)
	if err := ino.Flush(); err != nil {
		return nil, err
	}
	if err := d.addToDir(parent, name, num); err != nil {
		return nil, err
	}
	return ino, nil
}

// Unlink drops the directory entry at p. When the last link goes away the
// inode's blocks and the inode itself return to the allocators; a
// directory takes all of its children with it.
func (d *Disk) Unlink(p string) error {
	logger.Debugf("unlink %s", p)
	if err := d.writable(); err != nil {
		return err
	}
	p = path.Clean("/" + p)
	if p == "/" {
		return fmt.Errorf("%w: cannot unlink the root directory", ErrInvalidName)
	}
	ino, err := d.getInode(p)
	if err != nil {
		return err
	}

	if ino.Nlink() <= 1 {
		if ino.Type() == TypeDir {
			children, err := d.DirList(p)
			if err != nil {
				return err
			}
			for _, name := range children {
				if err := d.Unlink(path.Join(p, name)); err != nil {
					return err
				}
			}
		}
		for ino.BlockCount() > 0 {
			b, err := ino.PopBlock()
			if err != nil {
				return err
			}
			if err := d.super.FreeBlock(b); err != nil {
				return err
			}
		}
		if err := d.super.FreeInode(ino.Num); err != nil {
			return err
		}
	} else {
		ino.d.Nlink--
		if err := ino.Flush(); err != nil {
			return err
		}
	}

	dir, name := path.Split(p)
	parent, err := d.getInode(dir)
	if err != nil {
		return err
	}
	blocks, err := parent.BlockList(0, -1)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		db, err := loadDirBlock(b, d.acc)
		if err != nil {
			return err
		}
		ok, err := db.Remove(name)
		if err != nil {
			return err
		}
		if ok {
			parent.UpdateMtime()
			return parent.Flush()
		}
	}
	return nil
}

// Link records the inode behind src under dst as an additional hard link.
// The core does not forbid hard-linking a directory; adapters that want
// POSIX behaviour refuse it themselves.
func (d *Disk) Link(src, dst string) error {
	logger.Debugf("link %s -> %s", src, dst)
	if err := d.writable(); err != nil {
		return err
	}
	ino, err := d.getInode(src)
	if err != nil {
		return err
	}
	if d.Exists(dst) {
		return fmt.Errorf("%w: %s", ErrExist, dst)
	}
	dst = path.Clean("/" + dst)
	dir, name := path.Split(dst)
	if name == "" || len(name) > NameMax {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	parent, err := d.getInode(dir)
	if err != nil {
		return err
	}
	if parent.Type() != TypeDir {
		return fmt.Errorf("%w: %s", ErrNotDirectory, dir)
	}
	if err := d.addToDir(parent, name, ino.Num); err != nil {
		return err
	}
	if ino.d.Nlink < math.MaxInt32 {
		ino.d.Nlink++
	}
	return ino.Flush()
}

// Rename is link-then-unlink; the inode number and link count carry over.
func (d *Disk) Rename(src, dst string) error {
	logger.Debugf("rename %s -> %s", src, dst)
	if err := d.Link(src, dst); err != nil {
		return err
	}
	return d.Unlink(src)
}

// truncateInode adjusts the block index to hold ceil(n/BlockSize) blocks,
// zero-filling growth and releasing shrinkage, then zeroes the cut tail of
// the last block and records the new size.
func (d *Disk) truncateInode(ino *Inode, n uint32) error {
	target := (n + BlockSize - 1) / BlockSize
	if target > hugeThreshold {
		return ErrFileTooLarge
	}
	oldSize := ino.Size()
	for ino.BlockCount() < target {
		b, err := d.super.AllocBlock(true)
		if err != nil {
			return err
		}
		if err := ino.PushBlock(b); err != nil {
			return err
		}
	}
	for ino.BlockCount() > target {
		b, err := ino.PopBlock()
		if err != nil {
			return err
		}
		if err := d.super.FreeBlock(b); err != nil {
			return err
		}
	}

	if n%BlockSize != 0 && n > 0 && n < oldSize {
		// trim the tail of the block that is now last
		last, err := ino.PeekBlock(target - 1)
		if err != nil {
			return err
		}
		cut := int(n % BlockSize)
		if err := d.acc.PatchFileBlock(last, cut, make([]byte, BlockSize-cut)); err != nil {
			return err
		}
	}

	ino.SetSize(n)
	ino.UpdateMtime()
	return ino.Flush()
}

// Truncate resizes the regular file at p to n bytes. Growth reads back as
// zeros.
func (d *Disk) Truncate(p string, n int64) error {
	logger.Debugf("truncate %s to %d", p, n)
	if err := d.writable(); err != nil {
		return err
	}
	ino, err := d.getInode(p)
	if err != nil {
		return err
	}
	if ino.Type() != TypeFile {
		return fmt.Errorf("%w: %s", ErrNotFile, p)
	}
	if n < 0 || n > math.MaxUint32 {
		return ErrFileTooLarge
	}
	return d.truncateInode(ino, uint32(n))
}

// ReadFile returns up to size bytes of the file at p starting at offset.
// size < 0 means "to the end". Reads past the end come back short or empty.
func (d *Disk) ReadFile(p string, offset, size int64) ([]byte, error) {
	logger.Debugf("read %s offset=%d size=%d", p, offset, size)
	ino, err := d.getInode(p)
	if err != nil {
		return nil, err
	}
	if ino.Type() != TypeFile {
		return nil, fmt.Errorf("%w: %s", ErrNotFile, p)
	}
	if offset < 0 {
		offset = 0
	}
	fileSize := int64(ino.Size())
	if size < 0 || size > fileSize-offset {
		size = fileSize - offset
	}
	if size <= 0 {
		return nil, nil
	}

	pos := offset % BlockSize
	need := (pos + size + BlockSize - 1) / BlockSize
	blocks, err := ino.BlockList(offset/BlockSize, need)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, size)
	for _, b := range blocks {
		data, err := d.acc.FileBlock(b)
		if err != nil {
			return nil, err
		}
		chunk := data[pos:]
		if rest := size - int64(len(out)); int64(len(chunk)) > rest {
			chunk = chunk[:rest]
		}
		out = append(out, chunk...)
		pos = 0
	}
	return out, nil
}

// WriteFile writes data at offset into the file at p. A negative offset
// appends; an offset past the end zero-extends the file first. The write
// starts at the offset given; the disk never advances caller state.
func (d *Disk) WriteFile(p string, offset int64, data []byte) error {
	logger.Debugf("write %s offset=%d len=%d", p, offset, len(data))
	if err := d.writable(); err != nil {
		return err
	}
	ino, err := d.getInode(p)
	if err != nil {
		return err
	}
	if ino.Type() != TypeFile {
		return fmt.Errorf("%w: %s", ErrNotFile, p)
	}
	if offset < 0 {
		offset = int64(ino.Size())
	}
	target := offset + int64(len(data))
	if target > math.MaxUint32 {
		return ErrFileTooLarge
	}
	if offset > int64(ino.Size()) {
		if err := d.truncateInode(ino, uint32(offset)); err != nil {
			return err
		}
	}

	// overwrite what is already there
	pos := int(offset % BlockSize)
	blocks, err := ino.BlockList(offset/BlockSize, -1)
	if err != nil {
		return err
	}
	rest := data
	for _, b := range blocks {
		if len(rest) == 0 {
			break
		}
		part := BlockSize - pos
		if part > len(rest) {
			part = len(rest)
		}
		if err := d.acc.PatchFileBlock(b, pos, rest[:part]); err != nil {
			return err
		}
		rest = rest[part:]
		pos = 0
	}

	// grow for whatever is left
	for len(rest) > 0 {
		part := BlockSize
		if part > len(rest) {
			part = len(rest)
		}
		block := make([]byte, BlockSize)
		copy(block, rest[:part])
		b, err := d.super.AllocBlock(false)
		if err != nil {
			return err
		}
		if err := d.acc.SetFileBlock(b, block); err != nil {
			return err
		}
		if err := ino.PushBlock(b); err != nil {
			return err
		}
		rest = rest[part:]
	}

	if uint32(target) > ino.Size() {
		ino.SetSize(uint32(target))
	}
	ino.UpdateMtime()
	return ino.Flush()
}

// ModifyTimestamp sets atime and mtime on p; a negative value keeps the
// current one.
func (d *Disk) ModifyTimestamp(p string, atime, mtime int64) error {
	logger.Debugf("utimens %s atime=%d mtime=%d", p, atime, mtime)
	if err := d.writable(); err != nil {
		return err
	}
	ino, err := d.getInode(p)
	if err != nil {
		return err
	}
	if atime >= 0 {
		ino.d.Atime = uint32(atime)
	}
	if mtime >= 0 {
		ino.d.Mtime = uint32(mtime)
	}
	return ino.Flush()
}
