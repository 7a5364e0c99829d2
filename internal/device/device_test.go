// Copyright (C) 2024 The s3nbd authors

package device

import (
	"bytes"
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3nbd/s3nbd/internal/store"
	"github.com/s3nbd/s3nbd/internal/store/mem"
)

const (
	testBlockSize = 512
	testBlocks    = 32
)

// recordingStore wraps the mem store, counts calls and can fail one
// chosen block.
type recordingStore struct {
	*mem.Store

	writes    []int64
	bulkZeros [][]int64
	failBlock int64
	failErr   error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		Store:     mem.New(testBlockSize, testBlocks),
		failBlock: -1,
	}
}

func (r *recordingStore) WriteBlock(block int64, buf []byte) error {
	if block == r.failBlock {
		return r.failErr
	}
	r.writes = append(r.writes, block)
	return r.Store.WriteBlock(block, buf)
}

func (r *recordingStore) BulkZero(blocks []int64) error {
	r.bulkZeros = append(r.bulkZeros, append([]int64(nil), blocks...))
	return r.Store.BulkZero(blocks)
}

func newTestDevice(s store.BlockStore) *Device {
	return New(s, Options{
		BlockSize: testBlockSize,
		Size:      testBlockSize * testBlocks,
	})
}

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + 3)
	}
	return p
}

func TestReadWriteRoundTrip(t *testing.T) {
	dev := newTestDevice(mem.New(testBlockSize, testBlocks))

	// Unaligned range spanning a leading segment, two whole blocks
	// and a trailing segment.
	p := pattern(1500)
	n, err := dev.WriteAt(p, 600)
	require.NoError(t, err)
	assert.Equal(t, 1500, n)

	got := make([]byte, 1500)
	n, err = dev.ReadAt(got, 600)
	require.NoError(t, err)
	assert.Equal(t, 1500, n)
	assert.True(t, bytes.Equal(p, got))

	// The neighbouring bytes stay zero.
	edge := make([]byte, 4)
	_, err = dev.ReadAt(edge, 596)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, edge)
}

func TestReadWriteAligned(t *testing.T) {
	dev := newTestDevice(mem.New(testBlockSize, testBlocks))

	p := pattern(3 * testBlockSize)
	_, err := dev.WriteAt(p, 2*testBlockSize)
	require.NoError(t, err)

	got := make([]byte, len(p))
	_, err = dev.ReadAt(got, 2*testBlockSize)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(p, got))
}

func TestZeroLengthRequest(t *testing.T) {
	dev := newTestDevice(mem.New(testBlockSize, testBlocks))

	n, err := dev.ReadAt(nil, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = dev.WriteAt(nil, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, dev.Trim(100, 0))
}

func TestTrimZeroesRange(t *testing.T) {
	dev := newTestDevice(mem.New(testBlockSize, testBlocks))

	p := pattern(4 * testBlockSize)
	_, err := dev.WriteAt(p, 0)
	require.NoError(t, err)

	require.NoError(t, dev.Trim(600, 1500))

	got := make([]byte, 4*testBlockSize)
	_, err = dev.ReadAt(got, 0)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(p[:600], got[:600]))
	assert.Equal(t, make([]byte, 1500), got[600:2100])
	assert.True(t, bytes.Equal(p[2100:], got[2100:]))
}

func TestTrimBatchesWholeBlocks(t *testing.T) {
	rs := newRecordingStore()
	dev := New(rs, Options{BlockSize: 4096, Size: 4096 * 16})

	// A fully aligned trim must issue exactly one batched zero-fill
	// with the whole run, not one write per block.
	require.NoError(t, dev.Trim(0, 12288))

	require.Len(t, rs.bulkZeros, 1)
	assert.Equal(t, []int64{0, 1, 2}, rs.bulkZeros[0])
	assert.Empty(t, rs.writes)
}

func TestTrimIdempotent(t *testing.T) {
	ms := mem.New(testBlockSize, testBlocks)
	dev := newTestDevice(ms)

	p := pattern(4 * testBlockSize)
	_, err := dev.WriteAt(p, 0)
	require.NoError(t, err)

	require.NoError(t, dev.Trim(600, 1500))
	once := make([]byte, 4*testBlockSize)
	_, err = dev.ReadAt(once, 0)
	require.NoError(t, err)

	require.NoError(t, dev.Trim(600, 1500))
	twice := make([]byte, 4*testBlockSize)
	_, err = dev.ReadAt(twice, 0)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(once, twice))
	assert.False(t, ms.Present(2))
}

func TestZeroIsTrim(t *testing.T) {
	rs := newRecordingStore()
	dev := New(rs, Options{BlockSize: 4096, Size: 4096 * 16})

	require.NoError(t, dev.Zero(0, 8192))
	require.Len(t, rs.bulkZeros, 1)
	assert.Equal(t, []int64{0, 1}, rs.bulkZeros[0])
}

func TestWriteAbortsOnFirstError(t *testing.T) {
	rs := newRecordingStore()
	rs.failBlock = 1
	rs.failErr = syscall.EIO
	dev := newTestDevice(rs)

	// Three-block aligned write; the second block fails.
	_, err := dev.WriteAt(pattern(3*testBlockSize), 0)
	require.Error(t, err)

	var blockErr *BlockError
	require.True(t, errors.As(err, &blockErr))
	assert.Equal(t, int64(1), blockErr.Block)
	assert.Equal(t, syscall.EIO, store.Errno(err))

	// The first block was applied and stays applied; the third was
	// never attempted.
	assert.Equal(t, []int64{0}, rs.writes)
	assert.True(t, rs.Present(0))
	assert.False(t, rs.Present(2))
}

func TestRangeViolations(t *testing.T) {
	dev := newTestDevice(mem.New(testBlockSize, testBlocks))
	size := dev.Size()

	cases := []struct {
		name string
		off  int64
		len  int64
	}{
		{"past end", size - 100, 200},
		{"negative offset", -1, 10},
		{"beyond max request", 0, DefaultMaxRequest + 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := dev.Trim(c.off, c.len)
			require.Error(t, err)

			var rangeErr *RangeError
			assert.True(t, errors.As(err, &rangeErr))
			assert.Equal(t, syscall.EINVAL, store.Errno(err))
		})
	}

	// The full range is still fine.
	require.NoError(t, dev.Trim(0, size))
}

// preloadStore additionally records which blocks were asked for by
// Preload.
type preloadStore struct {
	*mem.Store

	preloads [][]int64
}

func (p *preloadStore) Preload(blocks []int64) error {
	p.preloads = append(p.preloads, append([]int64(nil), blocks...))
	return nil
}

func TestPreloadRoundsToBlocks(t *testing.T) {
	ps := &preloadStore{Store: mem.New(testBlockSize, testBlocks)}
	dev := New(ps, Options{
		BlockSize:   testBlockSize,
		Size:        testBlockSize * testBlocks,
		CacheBlocks: 8,
	})

	// An unaligned range covers every block it touches.
	require.NoError(t, dev.Preload(600, 1500))
	require.Len(t, ps.preloads, 1)
	assert.Equal(t, []int64{1, 2, 3, 4}, ps.preloads[0])

	// Aligned ranges stay as they are.
	require.NoError(t, dev.Preload(0, 2*testBlockSize))
	assert.Equal(t, []int64{0, 1}, ps.preloads[1])

	// Range checks still apply.
	err := dev.Preload(dev.Size()-100, 200)
	var re *RangeError
	assert.ErrorAs(t, err, &re)
	assert.Len(t, ps.preloads, 2)
}

func TestPreloadWithoutCacheIsNoop(t *testing.T) {
	dev := newTestDevice(mem.New(testBlockSize, testBlocks))
	require.NoError(t, dev.Preload(600, 1500))
}

func TestCapabilities(t *testing.T) {
	plain := newTestDevice(mem.New(testBlockSize, testBlocks))
	assert.True(t, plain.CanMultiConn())
	assert.False(t, plain.CanPreloadCache())

	cached := New(mem.New(testBlockSize, testBlocks), Options{
		BlockSize:   testBlockSize,
		Size:        testBlockSize * testBlocks,
		CacheBlocks: 8,
	})
	assert.True(t, cached.CanMultiConn())
	assert.True(t, cached.CanPreloadCache())
}
