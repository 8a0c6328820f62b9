package v6fs

import (
	"io/fs"
)

// stat mode bits are based on linux, so use these methods:
// based on: https://golang.org/src/os/stat_linux.go

const (
	S_IFMT  = 0xf000
	S_IFREG = 0x8000
	S_IFDIR = 0x4000
	S_IFBLK = 0x6000
	S_IFCHR = 0x2000

	S_ISVTX = 0x200
	S_ISGID = 0x400
	S_ISUID = 0x800
)

// ST_NOSUID is the statfs flag reported by GetStats.
const ST_NOSUID = 0x2

func UnixToMode(mode uint32) fs.FileMode {
	res := fs.FileMode(mode & 0777)

	switch {
	case mode&S_IFMT == S_IFCHR:
		res |= fs.ModeCharDevice | fs.ModeDevice
	case mode&S_IFMT == S_IFBLK:
		res |= fs.ModeDevice
	case mode&S_IFMT == S_IFDIR:
		res |= fs.ModeDir
	}

	// extra flags
	if mode&S_ISGID == S_ISGID {
		res |= fs.ModeSetgid
	}

	if mode&S_ISUID == S_ISUID {
		res |= fs.ModeSetuid
	}

	if mode&S_ISVTX == S_ISVTX {
		res |= fs.ModeSticky
	}

	return res
}

func ModeToUnix(mode fs.FileMode) uint32 {
	res := uint32(mode.Perm())

	// type of file
	switch {
	case mode&fs.ModeCharDevice == fs.ModeCharDevice:
		res |= S_IFCHR
	case mode&fs.ModeDevice == fs.ModeDevice:
		res |= S_IFBLK
	case mode&fs.ModeDir == fs.ModeDir:
		res |= S_IFDIR
	default:
		res |= S_IFREG
	}

	// extra flags
	if mode&fs.ModeSetgid == fs.ModeSetgid {
		res |= S_ISGID
	}

	if mode&fs.ModeSetuid == fs.ModeSetuid {
		res |= S_ISUID
	}

	if mode&fs.ModeSticky == fs.ModeSticky {
		res |= S_ISVTX
	}

	return res
}
