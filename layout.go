package v6fs

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// On-disk geometry. All multi-byte integers are little-endian.
const (
	// BlockSize is the fixed size of one disk block in bytes.
	BlockSize = 512

	// NameMax is the longest directory entry name, excluding the NUL pad.
	NameMax = 27

	// RootInode is the inode number of the root directory. Inode 0 is
	// reserved as "none".
	RootInode = 1

	superblockBlocks = 2
	superblockBytes  = superblockBlocks * BlockSize
	dinodeBytes      = 64
	inodesPerBlock   = BlockSize / dinodeBytes
	direntBytes      = 32
	direntsPerBlock  = BlockSize / direntBytes
	indexPerBlock    = BlockSize / 4
	freeListLen      = 100

	// bootBlocks is the size of the optional boot area. The boot area is
	// present when the last two bytes of block 0 carry the MBR signature.
	bootBlocks = 200

	directBlocks   = 6
	smallThreshold = directBlocks                                  // end of the direct tier
	largeThreshold = smallThreshold + 2*indexPerBlock              // end of the single-indirect tier
	hugeThreshold  = largeThreshold + 2*indexPerBlock*indexPerBlock // end of the double-indirect tier
)

// fsMagic identifies a v6fs superblock trailer.
var fsMagic = [8]byte{'U', 'N', 'I', 'X', 'V', '6', '+', '+'}

// Superblock is the decoded 1024-byte record at the head of the filesystem.
// Isize counts inode-region blocks, Fsize counts total filesystem blocks.
// Nfree/Free hold the in-core free-block stack (Free[0] chains to the next
// free-index block, or 0), Ninode/Inode the free-inode cache. The trailer
// carries statfs counters guarded by an 8-byte hash of the first 1008 bytes.
type Superblock struct {
	Isize  uint32
	Fsize  uint32
	Nfree  uint32
	Free   [freeListLen]uint32
	Flock  uint32
	Ninode uint32
	Inode  [freeListLen]uint32
	Ilock  uint32
	Fmod   uint32
	Ronly  uint32
	Time   uint32
	_      [160]byte
	Bfree  uint32
	Files  uint32
	Ffree  uint32
	Hash   [8]byte
	Magic  [8]byte
}

// Dinode is the 64-byte on-disk inode record. Mode packs IALLOC (bit 15),
// IFMT (bits 14-13), ILARG (bit 12) and three permission triplets in the
// low nine bits. Addr holds the tiered block index: slots 0-5 direct,
// 6-7 single-indirect, 8-9 double-indirect.
type Dinode struct {
	Mode  uint32
	Nlink uint32
	Uid   uint16
	Gid   uint16
	Size  uint32
	Addr  [10]uint32
	Atime uint32
	Mtime uint32
}

// Dinode mode bits.
const (
	ModeAlloc    = 1 << 15 // IALLOC: inode is in use
	ModeLarge    = 1 << 12 // ILARG: file uses indirect tiers
	modeFmtShift = 13
	modeFmtMask  = 3 << modeFmtShift
	modePerm     = 0o777
)

// Dirent is one 32-byte directory slot. Ino == 0 marks a free slot. The
// name is UTF-8, NUL-padded to 28 bytes.
type Dirent struct {
	Ino  uint32
	Name [NameMax + 1]byte
}

// DirentBlock is a directory data block: 16 fixed-width entries.
type DirentBlock struct {
	Entries [direntsPerBlock]Dirent
}

// IndexBlock is a file-index block: 128 block numbers, trailing zeros unused.
type IndexBlock struct {
	Addr [indexPerBlock]uint32
}

// FreeIndexBlock mirrors the free portion of the superblock; Free[0] chains
// to the next free-index block or 0.
type FreeIndexBlock struct {
	Nfree uint32
	Free  [freeListLen]uint32
	_     [BlockSize - 4 - 4*freeListLen]byte
}

func marshalRecord(v any, size int) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, size))
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, err
	}
	if buf.Len() != size {
		return nil, fmt.Errorf("%w: encoded %d bytes, want %d", ErrCorrupt, buf.Len(), size)
	}
	return buf.Bytes(), nil
}

func unmarshalRecord(v any, data []byte, size int) error {
	if len(data) != size {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrCorrupt, len(data), size)
	}
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, v)
}

// MarshalBinary encodes the superblock into its 1024-byte on-disk form.
// Hash and Magic are encoded as stored; Seal computes a fresh hash.
func (sb *Superblock) MarshalBinary() ([]byte, error) {
	return marshalRecord(sb, superblockBytes)
}

// UnmarshalBinary decodes a 1024-byte superblock.
func (sb *Superblock) UnmarshalBinary(data []byte) error {
	return unmarshalRecord(sb, data, superblockBytes)
}

// Seal computes the trailer hash over the encoded superblock and stamps
// Hash and Magic, returning the final 1024 bytes ready to hit the disk.
func (sb *Superblock) Seal() ([]byte, error) {
	sb.Magic = fsMagic
	raw, err := sb.MarshalBinary()
	if err != nil {
		return nil, err
	}
	sb.Hash = trailerHash(raw)
	copy(raw[superblockBytes-16:superblockBytes-8], sb.Hash[:])
	copy(raw[superblockBytes-8:], sb.Magic[:])
	return raw, nil
}

// TrailerValid reports whether the stored hash and magic match the record,
// meaning the auxiliary Bfree/Ffree counters can be trusted.
func (sb *Superblock) TrailerValid() bool {
	if sb.Magic != fsMagic {
		return false
	}
	raw, err := sb.MarshalBinary()
	if err != nil {
		return false
	}
	return trailerHash(raw) == sb.Hash
}

// trailerHash is the SHA-256 of the first 1008 superblock bytes, with the
// first 8 bytes XORed against the magic constant.
func trailerHash(raw []byte) [8]byte {
	sum := sha256.Sum256(raw[:superblockBytes-16])
	var h [8]byte
	for i := range h {
		h[i] = sum[i] ^ fsMagic[i]
	}
	return h
}

func (d *Dinode) MarshalBinary() ([]byte, error) {
	return marshalRecord(d, dinodeBytes)
}

func (d *Dinode) UnmarshalBinary(data []byte) error {
	return unmarshalRecord(d, data, dinodeBytes)
}

// Alloc reports the IALLOC bit.
func (d *Dinode) Alloc() bool {
	return d.Mode&ModeAlloc != 0
}

// Type extracts the IFMT file type bits.
func (d *Dinode) Type() FileType {
	return FileType(d.Mode & modeFmtMask >> modeFmtShift)
}

func (b *DirentBlock) MarshalBinary() ([]byte, error) {
	return marshalRecord(b, BlockSize)
}

func (b *DirentBlock) UnmarshalBinary(data []byte) error {
	return unmarshalRecord(b, data, BlockSize)
}

func (b *IndexBlock) MarshalBinary() ([]byte, error) {
	return marshalRecord(b, BlockSize)
}

func (b *IndexBlock) UnmarshalBinary(data []byte) error {
	return unmarshalRecord(b, data, BlockSize)
}

func (b *FreeIndexBlock) MarshalBinary() ([]byte, error) {
	return marshalRecord(b, BlockSize)
}

func (b *FreeIndexBlock) UnmarshalBinary(data []byte) error {
	return unmarshalRecord(b, data, BlockSize)
}

// EntryName returns the entry's name with the NUL padding stripped.
func (e *Dirent) EntryName() string {
	n := bytes.IndexByte(e.Name[:], 0)
	if n < 0 {
		n = len(e.Name)
	}
	return string(e.Name[:n])
}

// SetName stores name NUL-padded; it must not exceed NameMax bytes.
func (e *Dirent) SetName(name string) error {
	if name == "" || len(name) > NameMax {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	e.Name = [NameMax + 1]byte{}
	copy(e.Name[:], name)
	return nil
}
