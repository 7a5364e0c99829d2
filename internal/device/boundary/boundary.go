// Copyright (C) 2024 The s3nbd authors

// Package boundary splits an arbitrary byte range of the device into
// block-aligned pieces. A range decomposes into at most three segments:
// a leading partial block, a run of whole blocks and a trailing partial
// block. The backing store only understands whole blocks plus a limited
// partial-block primitive, so every request has to go through this
// decomposition before it can be dispatched.
package boundary

// Info describes the decomposition of one request range. It is built
// fresh for every request by Compute, consumed by exactly one dispatch
// and then discarded. The data slices are views into the request buffer
// and are nil when the request carries no buffer (trim and zero).
type Info struct {
	// Leading partial block. BegLength is 0 when the range starts on
	// a block boundary and extends at least to the next one.
	BegBlock  int64
	BegOffset int64
	BegLength int64
	BegData   []byte

	// Run of whole blocks. MidCount is the number of blocks, MidData
	// holds MidCount*blockSize bytes.
	MidBlock int64
	MidCount int64
	MidData  []byte

	// Trailing partial block, always starting at offset 0 within
	// EndBlock. EndLength is 0 when the range ends on a block
	// boundary.
	EndBlock  int64
	EndLength int64
	EndData   []byte
}

// Compute decomposes the range [off, off+length) into segments aligned
// to blockSize, which must be a power of two. buf, when non-nil, is the
// request buffer of at least length bytes; the returned data slices are
// successive views into it. A zero length yields an Info with no
// segments at all.
//
// Compute does not bound the range against the device size; callers
// validate off+length before invoking it.
func Compute(blockSize, off, length int64, buf []byte) Info {
	var info Info
	if length == 0 {
		return info
	}

	block := off / blockSize
	offInBlock := off % blockSize

	// Leading partial block, unless the range starts block-aligned.
	if offInBlock != 0 {
		n := blockSize - offInBlock
		if n > length {
			n = length
		}
		info.BegBlock = block
		info.BegOffset = offInBlock
		info.BegLength = n
		if buf != nil {
			info.BegData = buf[:n]
			buf = buf[n:]
		}
		length -= n
		block++
	}

	// Whole-block run.
	info.MidBlock = block
	info.MidCount = length / blockSize
	if n := info.MidCount * blockSize; n > 0 {
		if buf != nil {
			info.MidData = buf[:n]
			buf = buf[n:]
		}
		length -= n
		block += info.MidCount
	}

	// Trailing partial block, starting at offset 0.
	info.EndBlock = block
	if length > 0 {
		info.EndLength = length
		if buf != nil {
			info.EndData = buf[:length]
		}
	}

	return info
}
