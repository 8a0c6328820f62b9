package v6fs

import (
	"fmt"
	"os"
)

// BlockDevice provides whole-block I/O over a disk image file. A logical
// block number maps to byte offset number*BlockSize. The image length must
// be a multiple of BlockSize.
type BlockDevice struct {
	f      *os.File
	path   string
	blocks uint32
	ronly  bool
}

// OpenBlockDevice opens the image at path for block I/O.
func OpenBlockDevice(path string, readonly bool) (*BlockDevice, error) {
	flag := os.O_RDWR
	if readonly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size()%BlockSize != 0 {
		f.Close()
		return nil, fmt.Errorf("%w: image size %d is not a multiple of %d", ErrCorrupt, st.Size(), BlockSize)
	}
	return &BlockDevice{
		f:      f,
		path:   path,
		blocks: uint32(st.Size() / BlockSize),
		ronly:  readonly,
	}, nil
}

// BlockCount returns the number of blocks in the image.
func (d *BlockDevice) BlockCount() uint32 {
	return d.blocks
}

// ReadBlock reads block n in full.
func (d *BlockDevice) ReadBlock(n uint32) ([]byte, error) {
	if n >= d.blocks {
		return nil, fmt.Errorf("%w: block %d out of range (%d blocks)", ErrCorrupt, n, d.blocks)
	}
	buf := make([]byte, BlockSize)
	if _, err := d.f.ReadAt(buf, int64(n)*BlockSize); err != nil {
		return nil, fmt.Errorf("read block %d: %w", n, err)
	}
	return buf, nil
}

// WriteBlock overwrites block n in full.
func (d *BlockDevice) WriteBlock(n uint32, data []byte) error {
	if d.ronly {
		return ErrReadOnly
	}
	if n >= d.blocks {
		return fmt.Errorf("%w: block %d out of range (%d blocks)", ErrCorrupt, n, d.blocks)
	}
	if len(data) != BlockSize {
		return fmt.Errorf("%w: write of %d bytes to block %d", ErrCorrupt, len(data), n)
	}
	if _, err := d.f.WriteAt(data, int64(n)*BlockSize); err != nil {
		return fmt.Errorf("write block %d: %w", n, err)
	}
	return nil
}

// Close releases the image file handle.
func (d *BlockDevice) Close() error {
	return d.f.Close()
}
