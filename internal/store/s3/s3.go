// Copyright (C) 2024 The s3nbd authors

// Package s3 implements BlockStore on top of object storage speaking
// the s3 protocol. Every device block maps to one object; blocks that
// were never written, or were dropped by BulkZero, have no object and
// read as zeros. That absent-object representation is what makes the
// batched zero path cheap: zeroing a run of blocks is a bulk delete.
package s3

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	awss3 "github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"golang.org/x/net/http2"
)

const (
	// Format string for the object key. We split the block number
	// into halves and use the lower half as prefix and the upper
	// half for the object name. This is to prevent s3 rate limiting
	// which is applied to objects with the same prefix.
	keyFmt = "%08x/%08x"

	// Upper bound per DeleteObjects call, fixed by the s3 api.
	deleteBatchSize = 1000
)

// Store talks to one bucket. Parameters of the http connection are
// tuned for object backends in the AWS environment.
type Store struct {
	client     *awss3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	bucket     string
	blockSize  int64
	pool       *iopool
}

// Options to use in New() due to the high number of parameters. There
// is lower chance of an ordering mistake with named parameters.
type Options struct {
	Remote      string
	Region      string
	Bucket      string
	AccessKey   string
	SecretKey   string
	BlockSize   int64
	Uploaders   int
	Downloaders int
}

func New(o Options) (*Store, error) {
	httpClient := newTunedHTTPClient()

	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	})
	if err != nil {
		return nil, err
	}

	s := &Store{
		client:     awss3.New(sess),
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
		bucket:     o.Bucket,
		blockSize:  o.BlockSize,
		pool:       newIOPool(o.Uploaders, o.Downloaders),
	}

	// Blocks are small, multipart transfer buys nothing.
	s.uploader.Concurrency = 1
	s.downloader.Concurrency = 1

	if err := s.makeBucketExist(); err != nil {
		return nil, err
	}
	return s, nil
}

// Check whether the bucket exists and if not, create it and wait until
// it appears.
func (s *Store) makeBucketExist() error {
	_, err := s.client.HeadBucket(&awss3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}

	_, err = s.client.CreateBucket(&awss3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return err
	}
	return s.client.WaitUntilBucketExists(&awss3.HeadBucketInput{Bucket: aws.String(s.bucket)})
}

// Returns an http client with tuned parameters and http2 support.
// Settings follow the AWS recommendations for their network.
func newTunedHTTPClient() *http.Client {
	tr := &http.Transport{
		ResponseHeaderTimeout: 5 * time.Second,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: 30 * time.Second,
			Timeout:   5 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		MaxIdleConnsPerHost:   10,
		ExpectContinueTimeout: 1 * time.Second,
	}

	http2.ConfigureTransport(tr)

	return &http.Client{
		Transport: tr,
	}
}

// We split the block number into halves and use the lower half of bits
// as s3 prefix and the upper half for the object name, to spread the
// keys over prefixes.
func encode(block int64) string {
	left := (block >> 32) & 0xffffffff
	right := block & 0xffffffff

	return fmt.Sprintf(keyFmt, right, left)
}
