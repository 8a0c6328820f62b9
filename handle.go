package v6fs

import (
	"fmt"
	"path"
)

type openFile struct {
	path   string
	offset int64
}

// HandleDisk layers an open-file table over a Disk for callers that want
// sequential file access: each handle tracks a path and a byte offset that
// reads and writes advance. The shell runs on top of this.
type HandleDisk struct {
	*Disk
	next  int
	files map[int]*openFile
}

// WithHandles wraps d with an empty open-file table.
func WithHandles(d *Disk) *HandleDisk {
	return &HandleDisk{Disk: d, next: 1, files: make(map[int]*openFile)}
}

func (h *HandleDisk) get(handle int) (*openFile, error) {
	f, ok := h.files[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBadHandle, handle)
	}
	return f, nil
}

// Open returns a handle on the file at p, reusing an existing handle when
// the path is already open.
func (h *HandleDisk) Open(p string) (int, error) {
	p = path.Clean("/" + p)
	for n, f := range h.files {
		if f.path == p {
			return n, nil
		}
	}
	if _, err := h.getInode(p); err != nil {
		return 0, err
	}
	n := h.next
	h.next++
	h.files[n] = &openFile{path: p}
	return n, nil
}

// Close drops the handle.
func (h *HandleDisk) Close(handle int) error {
	if _, err := h.get(handle); err != nil {
		return err
	}
	delete(h.files, handle)
	return nil
}

// Seek moves the handle's offset.
func (h *HandleDisk) Seek(handle int, offset int64) error {
	f, err := h.get(handle)
	if err != nil {
		return err
	}
	if offset < 0 {
		offset = 0
	}
	f.offset = offset
	return nil
}

// Read returns up to size bytes from the handle's offset and advances it
// by what was actually read.
func (h *HandleDisk) Read(handle int, size int64) ([]byte, error) {
	f, err := h.get(handle)
	if err != nil {
		return nil, err
	}
	data, err := h.Disk.ReadFile(f.path, f.offset, size)
	if err != nil {
		return nil, err
	}
	f.offset += int64(len(data))
	return data, nil
}

// Write stores data at the handle's offset, then advances it past the
// written bytes.
func (h *HandleDisk) Write(handle int, data []byte) error {
	f, err := h.get(handle)
	if err != nil {
		return err
	}
	if err := h.Disk.WriteFile(f.path, f.offset, data); err != nil {
		return err
	}
	f.offset += int64(len(data))
	return nil
}

// Truncate resizes the handle's file and clamps the offset to the new end.
func (h *HandleDisk) Truncate(handle int, size int64) error {
	f, err := h.get(handle)
	if err != nil {
		return err
	}
	if f.offset > size {
		f.offset = size
	}
	return h.Disk.Truncate(f.path, size)
}

// Unlink closes any handle on p before removing it from the disk.
func (h *HandleDisk) Unlink(p string) error {
	p = path.Clean("/" + p)
	for n, f := range h.files {
		if f.path == p {
			delete(h.files, n)
		}
	}
	return h.Disk.Unlink(p)
}

// Format clears the open-file table along with the disk.
func (h *HandleDisk) Format() error {
	h.files = make(map[int]*openFile)
	return h.Disk.Format()
}
