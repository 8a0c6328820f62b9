package v6fs

import "errors"

// Package-specific error variables that can be used with errors.Is() for error handling.
var (
	// ErrNotFound is returned when a path component does not exist or the
	// path crosses a non-directory
	ErrNotFound = errors.New("file not found")

	// ErrExist is returned when a create or link target already resolves
	ErrExist = errors.New("file already exists")

	// ErrInvalidName is returned when a name is empty or longer than NameMax bytes
	ErrInvalidName = errors.New("invalid file name")

	// ErrNoSpace is returned when the free-block stack and its chain are exhausted
	ErrNoSpace = errors.New("no free blocks left on device")

	// ErrNoInode is returned when the inode region is exhausted
	ErrNoInode = errors.New("no free inodes left on device")

	// ErrFileTooLarge is returned when a file would outgrow the double-indirect tier
	ErrFileTooLarge = errors.New("file exceeds maximum size")

	// ErrNotFile is returned when a file operation targets a non-regular file
	ErrNotFile = errors.New("not a regular file")

	// ErrNotDirectory is returned when attempting to perform directory operations on a non-directory
	ErrNotDirectory = errors.New("not a directory")

	// ErrCorrupt is returned when an on-disk structure fails to decode or
	// violates an invariant on load
	ErrCorrupt = errors.New("corrupt filesystem structure")

	// ErrReadOnly is returned for mutating operations on a read-only mount
	ErrReadOnly = errors.New("filesystem is mounted read-only")

	// ErrNotMounted is returned when an operation is invoked before Mount
	ErrNotMounted = errors.New("filesystem is not mounted")

	// ErrBadHandle is returned by the handle layer for unknown file handles
	ErrBadHandle = errors.New("unknown file handle")
)
