package v6fs_test

import (
	"os"
	"path/filepath"
	"testing"

	v6fs "github.com/KarpelesLab/v6fs"
)

// TestArchiveRoundTrip compresses a formatted image and unpacks it again
// for each supported codec; the extracted image must mount.
func TestArchiveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.img")
	if err := v6fs.FormatImage(src, v6fs.WithBlocks(600), v6fs.WithInodeBlocks(4)); err != nil {
		t.Fatalf("format: %s", err)
	}
	d := v6fs.New(src)
	if err := d.Mount(); err != nil {
		t.Fatalf("mount: %s", err)
	}
	if _, err := d.Create("/payload", v6fs.TypeFile); err != nil {
		t.Fatalf("create: %s", err)
	}
	if err := d.WriteFile("/payload", 0, []byte("archived bytes")); err != nil {
		t.Fatalf("write: %s", err)
	}
	if err := d.Unmount(); err != nil {
		t.Fatalf("unmount: %s", err)
	}
	want, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("read image: %s", err)
	}

	for _, suffix := range []string{".gz", ".xz"} {
		arch := filepath.Join(dir, "img"+suffix)
		if err := v6fs.ArchiveImage(src, arch); err != nil {
			t.Fatalf("archive %s: %s", suffix, err)
		}
		st, err := os.Stat(arch)
		if err != nil {
			t.Fatalf("stat archive: %s", err)
		}
		if st.Size() >= int64(len(want)) {
			t.Errorf("%s archive is not smaller than the raw image", suffix)
		}

		out := filepath.Join(dir, "out"+suffix+".img")
		if err := v6fs.ExtractImage(arch, out); err != nil {
			t.Fatalf("extract %s: %s", suffix, err)
		}
		got, err := os.ReadFile(out)
		if err != nil {
			t.Fatalf("read extracted: %s", err)
		}
		if string(got) != string(want) {
			t.Errorf("%s round trip does not match the source image", suffix)
		}

		back := v6fs.New(out)
		if err := back.Mount(); err != nil {
			t.Fatalf("mount extracted: %s", err)
		}
		data, err := back.ReadFile("/payload", 0, -1)
		if err != nil {
			t.Fatalf("read payload: %s", err)
		}
		if string(data) != "archived bytes" {
			t.Errorf("payload corrupted: %q", data)
		}
		back.Unmount()
	}
}

func TestCompressionForPath(t *testing.T) {
	cases := map[string]v6fs.Compression{
		"disk.img":    v6fs.CompNone,
		"disk.img.gz": v6fs.CompGzip,
		"disk.img.xz": v6fs.CompXZ,
	}
	for p, want := range cases {
		if got := v6fs.CompressionForPath(p); got != want {
			t.Errorf("CompressionForPath(%q) = %s, want %s", p, got, want)
		}
	}
}
