// Copyright (C) 2024 The s3nbd authors

package cache

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// arena is the flat byte area holding the cached blocks, either an
// mmapped file (survives a crash of the backend connection, can exceed
// RAM) or an anonymous heap slice when no cache file is configured.
type arena struct {
	buf  []byte
	mm   mmap.MMap
	file *os.File
}

func newArena(size int64, path string) (*arena, error) {
	if path == "" {
		return &arena{buf: make([]byte, size)}, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening cache file: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("allocating cache file: %w", err)
	}
	mm, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapping cache file: %w", err)
	}

	return &arena{buf: mm, mm: mm, file: f}, nil
}

func (a *arena) flush() error {
	if a.mm == nil {
		return nil
	}
	return a.mm.Flush()
}

func (a *arena) close() error {
	if a.mm == nil {
		return nil
	}
	flushErr := a.mm.Flush()
	unmapErr := a.mm.Unmap()
	closeErr := a.file.Close()

	if flushErr != nil {
		return flushErr
	}
	if unmapErr != nil {
		return unmapErr
	}
	return closeErr
}
