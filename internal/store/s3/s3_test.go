// Copyright (C) 2024 The s3nbd authors

package s3

import (
	"errors"
	"syscall"
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"
	awss3 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/assert"
)

func TestKeyEncoding(t *testing.T) {
	assert.Equal(t, "00000000/00000000", encode(0))
	assert.Equal(t, "00000001/00000000", encode(1))
	assert.Equal(t, "00003039/00000100", encode((1<<40)+12345))
}

func TestKeySpreadsPrefixes(t *testing.T) {
	// Consecutive blocks land under different prefixes.
	assert.NotEqual(t, encode(1)[:8], encode(2)[:8])
}

func TestIsAbsent(t *testing.T) {
	assert.True(t, isAbsent(awserr.New(awss3.ErrCodeNoSuchKey, "no such key", nil)))
	assert.True(t, isAbsent(awserr.New("NotFound", "not found", nil)))
	assert.False(t, isAbsent(awserr.New("AccessDenied", "denied", nil)))
	assert.False(t, isAbsent(errors.New("plain")))
}

func TestAsErrno(t *testing.T) {
	cases := []struct {
		err  error
		want syscall.Errno
	}{
		{awserr.New(awss3.ErrCodeNoSuchBucket, "gone", nil), syscall.ENOENT},
		{awserr.New("AccessDenied", "denied", nil), syscall.EACCES},
		{awserr.New("SlowDown", "throttled", nil), syscall.EAGAIN},
		{awserr.New("SomethingElse", "boom", nil), syscall.EIO},
		{errors.New("plain"), syscall.EIO},
	}
	for _, c := range cases {
		assert.ErrorIs(t, asErrno(c.err), c.want)
	}
}
