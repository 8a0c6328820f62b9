package v6fs

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/renameio"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

// Compression selects the codec used for image archives.
type Compression uint16

const (
	CompNone Compression = iota
	CompGzip
	CompXZ
)

func (c Compression) String() string {
	switch c {
	case CompNone:
		return "none"
	case CompGzip:
		return "gzip"
	case CompXZ:
		return "xz"
	}
	return fmt.Sprintf("Compression(%d)", c)
}

// CompressionForPath picks a codec from the file name suffix.
func CompressionForPath(p string) Compression {
	switch {
	case strings.HasSuffix(p, ".gz"):
		return CompGzip
	case strings.HasSuffix(p, ".xz"):
		return CompXZ
	}
	return CompNone
}

func (c Compression) reader(r io.Reader) (io.Reader, error) {
	switch c {
	case CompNone:
		return r, nil
	case CompGzip:
		return gzip.NewReader(r)
	case CompXZ:
		return xz.NewReader(r)
	}
	return nil, fmt.Errorf("unsupported compression %s", c)
}

func (c Compression) writer(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CompNone:
		return nopWriteCloser{w}, nil
	case CompGzip:
		return gzip.NewWriter(w), nil
	case CompXZ:
		return xz.NewWriter(w)
	}
	return nil, fmt.Errorf("unsupported compression %s", c)
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// ArchiveImage copies the image at src into dst, compressing according to
// dst's suffix. The archive is written atomically.
func ArchiveImage(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	t, err := renameio.TempFile("", dst)
	if err != nil {
		return err
	}
	defer t.Cleanup()

	w, err := CompressionForPath(dst).writer(t)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

// ExtractImage unpacks the archive at src into a raw image at dst,
// choosing the codec from src's suffix. The image is written atomically.
func ExtractImage(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	r, err := CompressionForPath(src).reader(in)
	if err != nil {
		return err
	}

	t, err := renameio.TempFile("", dst)
	if err != nil {
		return err
	}
	defer t.Cleanup()

	if _, err := io.Copy(t, r); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}
