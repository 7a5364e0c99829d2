// Copyright (C) 2024 The s3nbd authors

package s3

import (
	"bytes"
	"errors"
	"fmt"
	"syscall"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	awss3 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// BlockStore implementation. All entry points funnel through the
// iopool, which bounds the number of concurrent transfers.

func (s *Store) ReadBlock(block int64, buf []byte) error {
	return s.pool.download(func() error {
		return s.getRange(block, 0, buf)
	})
}

func (s *Store) ReadBlockPart(block, off int64, buf []byte) error {
	return s.pool.download(func() error {
		return s.getRange(block, off, buf)
	})
}

// ReadBlockIdle is ReadBlock on the idle download lane. The cache uses
// it for warm-up so preloading never delays a real request.
func (s *Store) ReadBlockIdle(block int64, buf []byte) error {
	return s.pool.downloadIdle(func() error {
		return s.getRange(block, 0, buf)
	})
}

func (s *Store) WriteBlock(block int64, buf []byte) error {
	return s.pool.upload(func() error {
		return s.putBlock(block, buf)
	})
}

// WriteBlockPart has read-modify-write semantics: the whole block is
// fetched (zeros when absent), patched and uploaded again.
func (s *Store) WriteBlockPart(block, off int64, buf []byte) error {
	whole := make([]byte, s.blockSize)
	err := s.pool.download(func() error {
		return s.getRange(block, 0, whole)
	})
	if err != nil {
		return err
	}

	copy(whole[off:], buf)

	return s.pool.upload(func() error {
		return s.putBlock(block, whole)
	})
}

// BulkZero deletes the objects behind the given blocks, in batches of
// at most 1000 keys. Deleting an already absent object succeeds, so
// zeroing is idempotent for free.
func (s *Store) BulkZero(blocks []int64) error {
	return s.pool.upload(func() error {
		for len(blocks) > 0 {
			n := len(blocks)
			if n > deleteBatchSize {
				n = deleteBatchSize
			}

			ids := make([]*awss3.ObjectIdentifier, n)
			for i, b := range blocks[:n] {
				ids[i] = &awss3.ObjectIdentifier{Key: aws.String(encode(b))}
			}
			_, err := s.client.DeleteObjects(&awss3.DeleteObjectsInput{
				Bucket: aws.String(s.bucket),
				Delete: &awss3.Delete{Objects: ids, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return asErrno(err)
			}

			blocks = blocks[n:]
		}
		return nil
	})
}

// getRange downloads len(buf) bytes starting at off within the block's
// object. An absent object reads as zeros.
func (s *Store) getRange(block, off int64, buf []byte) error {
	rng := fmt.Sprintf("bytes=%d-%d", off, off+int64(len(buf))-1)

	n, err := s.downloader.Download(aws.NewWriteAtBuffer(buf), &awss3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(block)),
		Range:  &rng,
	})
	if err != nil {
		if isAbsent(err) {
			for i := range buf {
				buf[i] = 0
			}
			return nil
		}
		return asErrno(err)
	}
	if n != int64(len(buf)) {
		return syscall.EIO
	}
	return nil
}

func (s *Store) putBlock(block int64, buf []byte) error {
	_, err := s.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(block)),
		Body:   bytes.NewReader(buf),
	})
	if err != nil {
		return asErrno(err)
	}
	return nil
}

// isAbsent reports whether err means the object does not exist, which
// for us is a perfectly healthy zero block.
func isAbsent(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case awss3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}

// asErrno maps backend failures to the POSIX codes the device layer
// forwards to the host.
func asErrno(err error) error {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return syscall.EIO
	}
	switch aerr.Code() {
	case awss3.ErrCodeNoSuchKey, awss3.ErrCodeNoSuchBucket, "NotFound":
		return syscall.ENOENT
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return syscall.EACCES
	case "SlowDown", "RequestTimeout", "RequestTimeTooSkewed":
		return syscall.EAGAIN
	default:
		return syscall.EIO
	}
}
