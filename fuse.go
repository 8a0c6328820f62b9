package v6fs

import (
	"context"
	"errors"
	"path"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// fuseState is shared by every node of one mount. The core is single
// threaded, so a single mutex serializes all kernel callbacks against the
// disk, the same way the reference bridge ran without threads.
type fuseState struct {
	mu   sync.Mutex
	disk *Disk
}

// fuseNode bridges one path to the go-fuse node API. Nodes address the
// core by path; the kernel re-looks paths up after renames, so stale paths
// on open nodes resolve themselves on the next lookup.
type fuseNode struct {
	fs.Inode

	st   *fuseState
	path string
}

var (
	_ fs.NodeGetattrer = (*fuseNode)(nil)
	_ fs.NodeSetattrer = (*fuseNode)(nil)
	_ fs.NodeLookuper  = (*fuseNode)(nil)
	_ fs.NodeReaddirer = (*fuseNode)(nil)
	_ fs.NodeCreater   = (*fuseNode)(nil)
	_ fs.NodeMkdirer   = (*fuseNode)(nil)
	_ fs.NodeUnlinker  = (*fuseNode)(nil)
	_ fs.NodeRmdirer   = (*fuseNode)(nil)
	_ fs.NodeRenamer   = (*fuseNode)(nil)
	_ fs.NodeLinker    = (*fuseNode)(nil)
	_ fs.NodeOpener    = (*fuseNode)(nil)
	_ fs.NodeReader    = (*fuseNode)(nil)
	_ fs.NodeWriter    = (*fuseNode)(nil)
	_ fs.NodeFlusher   = (*fuseNode)(nil)
	_ fs.NodeFsyncer   = (*fuseNode)(nil)
	_ fs.NodeStatfser  = (*fuseNode)(nil)
)

// MountFUSE exposes a mounted disk at mountpoint and returns the running
// server. The caller is expected to Wait on it and Unmount the disk after
// the server exits.
func MountFUSE(disk *Disk, mountpoint string, debug bool) (*fuse.Server, error) {
	root := &fuseNode{st: &fuseState{disk: disk}, path: "/"}
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName: "v6fs",
			Name:   "v6fs",
			Debug:  debug,
		},
	}
	return fs.Mount(mountpoint, root, opts)
}

func errnoFor(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrExist):
		return syscall.EEXIST
	case errors.Is(err, ErrInvalidName):
		return syscall.EINVAL
	case errors.Is(err, ErrNoSpace), errors.Is(err, ErrNoInode):
		return syscall.ENOSPC
	case errors.Is(err, ErrFileTooLarge):
		return syscall.EFBIG
	case errors.Is(err, ErrNotFile):
		return syscall.EISDIR
	case errors.Is(err, ErrNotDirectory):
		return syscall.ENOTDIR
	case errors.Is(err, ErrReadOnly):
		return syscall.EROFS
	}
	return syscall.EIO
}

func fillAttr(st *FileStat, out *fuse.Attr) {
	out.Ino = uint64(st.Ino)
	out.Size = uint64(st.Size)
	out.Blocks = (uint64(st.Size) + BlockSize - 1) / BlockSize
	out.Blksize = BlockSize
	out.Mode = st.Mode
	out.Nlink = st.Nlink
	out.Atime = uint64(st.Atime)
	out.Mtime = uint64(st.Mtime)
	out.Ctime = uint64(st.Ctime)
	out.Owner.Uid = st.Uid
	out.Owner.Gid = st.Gid
}

func (n *fuseNode) child(ctx context.Context, name string, st *FileStat, out *fuse.EntryOut) *fs.Inode {
	fillAttr(st, &out.Attr)
	node := &fuseNode{st: n.st, path: path.Join(n.path, name)}
	return n.NewInode(ctx, node, fs.StableAttr{
		Mode: st.Mode & S_IFMT,
		Ino:  uint64(st.Ino),
	})
}

func (n *fuseNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.st.mu.Lock()
	defer n.st.mu.Unlock()
	st, err := n.st.disk.GetAttr(n.path)
	if err != nil {
		return errnoFor(err)
	}
	fillAttr(st, &out.Attr)
	return 0
}

func (n *fuseNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	n.st.mu.Lock()
	defer n.st.mu.Unlock()
	if sz, ok := in.GetSize(); ok {
		if err := n.st.disk.Truncate(n.path, int64(sz)); err != nil {
			return errnoFor(err)
		}
	}
	atime, mtime := int64(-1), int64(-1)
	if t, ok := in.GetATime(); ok {
		atime = t.Unix()
	}
	if t, ok := in.GetMTime(); ok {
		mtime = t.Unix()
	}
	if atime >= 0 || mtime >= 0 {
		if err := n.st.disk.ModifyTimestamp(n.path, atime, mtime); err != nil {
			return errnoFor(err)
		}
	}
	st, err := n.st.disk.GetAttr(n.path)
	if err != nil {
		return errnoFor(err)
	}
	fillAttr(st, &out.Attr)
	return 0
}

func (n *fuseNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.st.mu.Lock()
	defer n.st.mu.Unlock()
	st, err := n.st.disk.GetAttr(path.Join(n.path, name))
	if err != nil {
		return nil, errnoFor(err)
	}
	return n.child(ctx, name, st, out), 0
}

func (n *fuseNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	n.st.mu.Lock()
	defer n.st.mu.Unlock()
	names, err := n.st.disk.DirList(n.path)
	if err != nil {
		return nil, errnoFor(err)
	}
	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		e := fuse.DirEntry{Name: name}
		if st, err := n.st.disk.GetAttr(path.Join(n.path, name)); err == nil {
			e.Ino = uint64(st.Ino)
			e.Mode = st.Mode & S_IFMT
		}
		entries = append(entries, e)
	}
	return fs.NewListDirStream(entries), 0
}

func (n *fuseNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	n.st.mu.Lock()
	defer n.st.mu.Unlock()
	p := path.Join(n.path, name)
	if _, err := n.st.disk.Create(p, TypeFile); err != nil {
		return nil, nil, 0, errnoFor(err)
	}
	st, err := n.st.disk.GetAttr(p)
	if err != nil {
		return nil, nil, 0, errnoFor(err)
	}
	return n.child(ctx, name, st, out), nil, 0, 0
}

func (n *fuseNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n.st.mu.Lock()
	defer n.st.mu.Unlock()
	p := path.Join(n.path, name)
	if _, err := n.st.disk.Create(p, TypeDir); err != nil {
		return nil, errnoFor(err)
	}
	st, err := n.st.disk.GetAttr(p)
	if err != nil {
		return nil, errnoFor(err)
	}
	return n.child(ctx, name, st, out), 0
}

func (n *fuseNode) Unlink(ctx context.Context, name string) syscall.Errno {
	n.st.mu.Lock()
	defer n.st.mu.Unlock()
	return errnoFor(n.st.disk.Unlink(path.Join(n.path, name)))
}

// Rmdir refuses non-empty directories even though the core would happily
// recurse; the kernel expects ENOTEMPTY here.
func (n *fuseNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	n.st.mu.Lock()
	defer n.st.mu.Unlock()
	p := path.Join(n.path, name)
	names, err := n.st.disk.DirList(p)
	if err != nil {
		return errnoFor(err)
	}
	if len(names) > 0 {
		return syscall.ENOTEMPTY
	}
	return errnoFor(n.st.disk.Unlink(p))
}

func (n *fuseNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*fuseNode)
	if !ok {
		return syscall.EXDEV
	}
	n.st.mu.Lock()
	defer n.st.mu.Unlock()
	src := path.Join(n.path, name)
	dst := path.Join(np.path, newName)
	if n.st.disk.Exists(dst) {
		if err := n.st.disk.Unlink(dst); err != nil {
			return errnoFor(err)
		}
	}
	return errnoFor(n.st.disk.Rename(src, dst))
}

func (n *fuseNode) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	tn, ok := target.(*fuseNode)
	if !ok {
		return nil, syscall.EXDEV
	}
	n.st.mu.Lock()
	defer n.st.mu.Unlock()
	st, err := n.st.disk.GetAttr(tn.path)
	if err != nil {
		return nil, errnoFor(err)
	}
	if st.Mode&S_IFMT == S_IFDIR {
		return nil, syscall.EPERM
	}
	dst := path.Join(n.path, name)
	if err := n.st.disk.Link(tn.path, dst); err != nil {
		return nil, errnoFor(err)
	}
	st, err = n.st.disk.GetAttr(dst)
	if err != nil {
		return nil, errnoFor(err)
	}
	return n.child(ctx, name, st, out), 0
}

func (n *fuseNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, 0, 0
}

func (n *fuseNode) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n.st.mu.Lock()
	defer n.st.mu.Unlock()
	data, err := n.st.disk.ReadFile(n.path, off, int64(len(dest)))
	if err != nil {
		return nil, errnoFor(err)
	}
	return fuse.ReadResultData(data), 0
}

func (n *fuseNode) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	n.st.mu.Lock()
	defer n.st.mu.Unlock()
	if err := n.st.disk.WriteFile(n.path, off, data); err != nil {
		return 0, errnoFor(err)
	}
	return uint32(len(data)), 0
}

func (n *fuseNode) Flush(ctx context.Context, f fs.FileHandle) syscall.Errno {
	n.st.mu.Lock()
	defer n.st.mu.Unlock()
	return errnoFor(n.st.disk.Flush())
}

func (n *fuseNode) Fsync(ctx context.Context, f fs.FileHandle, flags uint32) syscall.Errno {
	n.st.mu.Lock()
	defer n.st.mu.Unlock()
	return errnoFor(n.st.disk.Flush())
}

func (n *fuseNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	n.st.mu.Lock()
	defer n.st.mu.Unlock()
	st, err := n.st.disk.GetStats()
	if err != nil {
		return errnoFor(err)
	}
	out.Bsize = st.BlockSize
	out.Frsize = st.BlockSize
	out.Blocks = uint64(st.Blocks)
	out.Bfree = uint64(st.Bfree)
	out.Bavail = uint64(st.Bavail)
	out.Files = uint64(st.Files)
	out.Ffree = uint64(st.Ffree)
	out.NameLen = st.NameMax
	return 0
}
