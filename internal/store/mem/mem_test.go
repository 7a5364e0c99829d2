// Copyright (C) 2024 The s3nbd authors

package mem

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSparseReadsAsZero(t *testing.T) {
	s := New(512, 8)

	buf := []byte{1, 2, 3, 4}
	require.NoError(t, s.ReadBlockPart(3, 100, buf))
	assert.Equal(t, []byte{0, 0, 0, 0}, buf)
	assert.False(t, s.Present(3))
}

func TestPartialWriteMaterializesBlock(t *testing.T) {
	s := New(512, 8)

	require.NoError(t, s.WriteBlockPart(2, 10, []byte{0xaa, 0xbb}))
	assert.True(t, s.Present(2))

	block := make([]byte, 512)
	require.NoError(t, s.ReadBlock(2, block))
	assert.Equal(t, byte(0), block[9])
	assert.Equal(t, byte(0xaa), block[10])
	assert.Equal(t, byte(0xbb), block[11])
	assert.Equal(t, byte(0), block[12])
}

func TestBulkZeroDropsBlocks(t *testing.T) {
	s := New(512, 8)

	block := make([]byte, 512)
	for i := range block {
		block[i] = 0xff
	}
	for b := int64(0); b < 4; b++ {
		require.NoError(t, s.WriteBlock(b, block))
	}

	require.NoError(t, s.BulkZero([]int64{1, 2}))
	assert.True(t, s.Present(0))
	assert.False(t, s.Present(1))
	assert.False(t, s.Present(2))
	assert.True(t, s.Present(3))

	require.NoError(t, s.ReadBlock(1, block))
	assert.Equal(t, make([]byte, 512), block)
}

func TestBounds(t *testing.T) {
	s := New(512, 8)

	buf := make([]byte, 16)
	assert.ErrorIs(t, s.ReadBlockPart(8, 0, buf), syscall.EINVAL)
	assert.ErrorIs(t, s.ReadBlockPart(0, 500, buf), syscall.EINVAL)
	assert.ErrorIs(t, s.WriteBlockPart(-1, 0, buf), syscall.EINVAL)
	assert.ErrorIs(t, s.BulkZero([]int64{9}), syscall.EINVAL)
}
