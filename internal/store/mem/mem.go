// Copyright (C) 2024 The s3nbd authors

// Package mem provides an in-memory BlockStore. It keeps the faithful
// semantics the real stores have, including sparse blocks that read as
// zeros, which makes it the reference store for tests and for trying
// the daemon without an object backend.
package mem

import (
	"sync"
	"syscall"

	"github.com/bits-and-blooms/bitset"
)

// Store is an in-memory block store backed by one flat slice. A bitset
// tracks which blocks hold data; absent blocks read as zeros and
// BulkZero simply clears the bits again.
type Store struct {
	blockSize int64
	blocks    int64

	mu      sync.RWMutex
	data    []byte
	present *bitset.BitSet
}

func New(blockSize, blocks int64) *Store {
	return &Store{
		blockSize: blockSize,
		blocks:    blocks,
		data:      make([]byte, blockSize*blocks),
		present:   bitset.New(uint(blocks)),
	}
}

func (s *Store) check(block, off, length int64) error {
	if block < 0 || block >= s.blocks || off < 0 || off+length > s.blockSize {
		return syscall.EINVAL
	}
	return nil
}

func (s *Store) ReadBlock(block int64, buf []byte) error {
	return s.ReadBlockPart(block, 0, buf)
}

func (s *Store) ReadBlockPart(block, off int64, buf []byte) error {
	if err := s.check(block, off, int64(len(buf))); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.present.Test(uint(block)) {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	base := block*s.blockSize + off
	copy(buf, s.data[base:base+int64(len(buf))])
	return nil
}

func (s *Store) WriteBlock(block int64, buf []byte) error {
	return s.WriteBlockPart(block, 0, buf)
}

func (s *Store) WriteBlockPart(block, off int64, buf []byte) error {
	if err := s.check(block, off, int64(len(buf))); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	base := block * s.blockSize
	if !s.present.Test(uint(block)) {
		// Partial write into an absent block materializes it as
		// zeros first.
		zero := s.data[base : base+s.blockSize]
		for i := range zero {
			zero[i] = 0
		}
		s.present.Set(uint(block))
	}
	copy(s.data[base+off:], buf)
	return nil
}

func (s *Store) BulkZero(blocks []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range blocks {
		if b < 0 || b >= s.blocks {
			return syscall.EINVAL
		}
		s.present.Clear(uint(b))
	}
	return nil
}

// Present reports whether a block currently holds data. Blocks never
// written, and blocks dropped by BulkZero, are absent.
func (s *Store) Present(block int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.present.Test(uint(block))
}
