// Copyright (C) 2024 The s3nbd authors

// Package store defines the block-addressable backing store contract
// consumed by the device dispatch engine. Implementations live in the
// subpackages: s3 (object storage), cache (write-through block cache),
// mem (in-memory, for tests) and null (benchmarking).
package store

import (
	"errors"
	"syscall"
)

// BlockStore is a block-addressable store. Blocks are fixed-size and
// addressed by index starting at zero. A block that was never written
// (or was zeroed) reads back as all zero bytes.
//
// All errors carry a POSIX errno, either directly as syscall.Errno or
// wrapped so that errors.As recovers it. Implementations must tolerate
// arbitrary concurrent interleavings of these calls; the device layer
// performs no serialization of its own.
type BlockStore interface {
	// ReadBlock fills buf with the contents of one block. len(buf)
	// is exactly the block size.
	ReadBlock(block int64, buf []byte) error

	// WriteBlock replaces the contents of one block. len(buf) is
	// exactly the block size.
	WriteBlock(block int64, buf []byte) error

	// ReadBlockPart fills buf with len(buf) bytes starting at byte
	// offset off within the block. off+len(buf) never exceeds the
	// block size.
	ReadBlockPart(block, off int64, buf []byte) error

	// WriteBlockPart writes len(buf) bytes at byte offset off within
	// the block, leaving the rest of the block untouched.
	WriteBlockPart(block, off int64, buf []byte) error

	// BulkZero zero-fills the given whole blocks in one call. Stores
	// are free to represent zeroed blocks as absent rather than
	// materializing zero bytes.
	BulkZero(blocks []int64) error
}

// Flusher is implemented by stores which buffer data and can push it
// down on demand.
type Flusher interface {
	Flush() error
}

// Preloader is implemented by stores which can warm their cache for a
// set of blocks ahead of demand.
type Preloader interface {
	Preload(blocks []int64) error
}

// IdleReader is implemented by stores with a low priority read lane.
// Idle reads yield to reads on the request path and are meant for
// advisory work like cache warm-up.
type IdleReader interface {
	ReadBlockIdle(block int64, buf []byte) error
}

// Errno extracts the POSIX error code from a store error. Unrecognized
// errors map to EIO.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}
