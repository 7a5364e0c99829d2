// Copyright (C) 2024 The s3nbd authors

package device

import (
	"fmt"
	"syscall"
)

// BlockError wraps a backing store failure with the operation and the
// block index it failed on. Block is -1 for the batched zero path,
// which cannot attribute a failure to a single block.
type BlockError struct {
	Op    string
	Block int64
	Err   error
}

func (e *BlockError) Error() string {
	if e.Block < 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s block %08x: %v", e.Op, e.Block, e.Err)
}

func (e *BlockError) Unwrap() error {
	return e.Err
}

// RangeError reports a request extending past the addressable range or
// exceeding the per-request maximum. It unwraps to EINVAL.
type RangeError struct {
	Off    int64
	Length int64
	Size   int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("request [%d, %d) outside device of size %d", e.Off, e.Off+e.Length, e.Size)
}

func (e *RangeError) Unwrap() error {
	return syscall.EINVAL
}
