// Copyright (C) 2024 The s3nbd authors

package device

import (
	"github.com/rs/zerolog/log"

	"github.com/s3nbd/s3nbd/internal/device/boundary"
	"github.com/s3nbd/s3nbd/internal/store"
)

// Options collects the device geometry. Size must be a multiple of
// BlockSize and BlockSize a power of two. MaxRequest bounds the length
// of a single request; zero selects DefaultMaxRequest.
type Options struct {
	BlockSize  int64
	Size       int64
	MaxRequest int64

	// CacheBlocks is the capacity of the block cache sitting under
	// this device, in blocks. Zero means no cache, which disables
	// the cache preload capability.
	CacheBlocks int64
}

// DefaultMaxRequest is the largest request length accepted by a device
// unless configured otherwise. NBD carries request lengths in 32 bits;
// we stay well under that.
const DefaultMaxRequest = 32 * 1024 * 1024

// Device presents a block-addressable store as a byte-addressable
// random access device. Every request range is decomposed into
// block-aligned segments which are dispatched to the store strictly in
// order, aborting on the first error. Segments already applied when an
// error occurs are not rolled back.
//
// A Device holds no per-request state and performs no locking; any
// number of requests may be dispatched concurrently. Required
// serialization of overlapping block operations is the store's problem.
type Device struct {
	s          store.BlockStore
	blockSize  int64
	size       int64
	maxRequest int64
	canPreload bool

	// One statically held zero block, shared by every trim dispatch.
	// Read-only after construction.
	zero []byte
}

// New builds a device over s. The store must already be sized for
// opts.Size / opts.BlockSize blocks.
func New(s store.BlockStore, opts Options) *Device {
	if opts.MaxRequest == 0 {
		opts.MaxRequest = DefaultMaxRequest
	}
	return &Device{
		s:          s,
		blockSize:  opts.BlockSize,
		size:       opts.Size,
		maxRequest: opts.MaxRequest,
		canPreload: opts.CacheBlocks > 0,
		zero:       make([]byte, opts.BlockSize),
	}
}

// Size returns the addressable byte length of the device.
func (d *Device) Size() int64 {
	return d.size
}

// BlockSize returns the block size of the backing store.
func (d *Device) BlockSize() int64 {
	return d.blockSize
}

// Blocks returns the number of blocks on the device.
func (d *Device) Blocks() int64 {
	return d.size / d.blockSize
}

// MaxRequest returns the largest length a single request may have.
func (d *Device) MaxRequest() int64 {
	return d.maxRequest
}

// CanMultiConn reports whether one client may open multiple
// connections. Always true: no per-connection state is kept here.
func (d *Device) CanMultiConn() bool {
	return true
}

// CanPreloadCache reports whether the cache preload hint is worth
// advertising to the host, i.e. whether a block cache with nonzero
// capacity sits under this device.
func (d *Device) CanPreloadCache() bool {
	return d.canPreload
}

// checkRange rejects requests outside [0, size) or longer than the
// per-request maximum, before any decomposition happens.
func (d *Device) checkRange(off, length int64) error {
	if off < 0 || length < 0 || length > d.maxRequest || off > d.size-length {
		return &RangeError{Off: off, Length: length, Size: d.size}
	}
	return nil
}

// ReadAt reads len(p) bytes starting at byte offset off. It implements
// io.ReaderAt except that short reads do not occur: n is len(p) on
// success and 0 on error.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	if err := d.checkRange(off, int64(len(p))); err != nil {
		return 0, err
	}

	info := boundary.Compute(d.blockSize, off, int64(len(p)), p)
	if info.BegLength > 0 {
		if err := d.s.ReadBlockPart(info.BegBlock, info.BegOffset, info.BegData); err != nil {
			return 0, d.fail("read", info.BegBlock, err)
		}
	}
	for ; info.MidCount > 0; info.MidCount-- {
		if err := d.s.ReadBlock(info.MidBlock, info.MidData[:d.blockSize]); err != nil {
			return 0, d.fail("read", info.MidBlock, err)
		}
		info.MidBlock++
		info.MidData = info.MidData[d.blockSize:]
	}
	if info.EndLength > 0 {
		if err := d.s.ReadBlockPart(info.EndBlock, 0, info.EndData); err != nil {
			return 0, d.fail("read", info.EndBlock, err)
		}
	}

	return len(p), nil
}

// WriteAt writes len(p) bytes starting at byte offset off. Like ReadAt
// it either writes everything or returns an error, in which case the
// segments already dispatched stay applied.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if err := d.checkRange(off, int64(len(p))); err != nil {
		return 0, err
	}

	info := boundary.Compute(d.blockSize, off, int64(len(p)), p)
	if info.BegLength > 0 {
		if err := d.s.WriteBlockPart(info.BegBlock, info.BegOffset, info.BegData); err != nil {
			return 0, d.fail("write", info.BegBlock, err)
		}
	}
	for ; info.MidCount > 0; info.MidCount-- {
		if err := d.s.WriteBlock(info.MidBlock, info.MidData[:d.blockSize]); err != nil {
			return 0, d.fail("write", info.MidBlock, err)
		}
		info.MidBlock++
		info.MidData = info.MidData[d.blockSize:]
	}
	if info.EndLength > 0 {
		if err := d.s.WriteBlockPart(info.EndBlock, 0, info.EndData); err != nil {
			return 0, d.fail("write", info.EndBlock, err)
		}
	}

	return len(p), nil
}

// Trim zero-fills [off, off+length). Partial blocks at either end are
// written from the shared zero block; the whole-block run in the middle
// goes down as a single batched BulkZero call, so the store can drop
// those blocks instead of materializing zeroes.
func (d *Device) Trim(off, length int64) error {
	if err := d.checkRange(off, length); err != nil {
		return err
	}

	info := boundary.Compute(d.blockSize, off, length, nil)
	if info.BegLength > 0 {
		if err := d.s.WriteBlockPart(info.BegBlock, info.BegOffset, d.zero[:info.BegLength]); err != nil {
			return d.fail("zero", info.BegBlock, err)
		}
	}
	if info.MidCount > 0 {
		blocks := make([]int64, info.MidCount)
		for i := range blocks {
			blocks[i] = info.MidBlock + int64(i)
		}
		if err := d.s.BulkZero(blocks); err != nil {
			// The batched call cannot tell us which block failed.
			return d.fail("bulk zero", -1, err)
		}
	}
	if info.EndLength > 0 {
		if err := d.s.WriteBlockPart(info.EndBlock, 0, d.zero[:info.EndLength]); err != nil {
			return d.fail("zero", info.EndBlock, err)
		}
	}

	return nil
}

// Zero is identical to Trim: both reduce to the same decomposition and
// the same dispatch sequence.
func (d *Device) Zero(off, length int64) error {
	return d.Trim(off, length)
}

// Sync asks the store to flush buffered data, when it can.
func (d *Device) Sync() error {
	if f, ok := d.s.(store.Flusher); ok {
		return f.Flush()
	}
	return nil
}

// Preload warms the cache under the device for the given byte range.
// A no-op when no preloading store is configured.
func (d *Device) Preload(off, length int64) error {
	p, ok := d.s.(store.Preloader)
	if !ok || !d.canPreload {
		return nil
	}
	if err := d.checkRange(off, length); err != nil {
		return err
	}

	// Round outward to whole blocks; preloading is advisory, so
	// covering a few extra bytes at the edges is fine.
	first := off / d.blockSize
	last := (off + length + d.blockSize - 1) / d.blockSize
	blocks := make([]int64, 0, last-first)
	for b := first; b < last; b++ {
		blocks = append(blocks, b)
	}
	return p.Preload(blocks)
}

func (d *Device) fail(op string, block int64, err error) error {
	e := &BlockError{Op: op, Block: block, Err: err}
	log.Error().Err(err).Str("op", op).Int64("block", block).Msg("backing store error")
	return e
}
