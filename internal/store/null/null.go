// Copyright (C) 2024 The s3nbd authors

// Null package does nothing but correctly.
package null

// Null implementation of BlockStore. Useful for measuring the raw
// performance of the NBD path and the dispatch engine without a real
// backend. Reads return whatever is in the buffer already, writes and
// zeroes are acknowledged immediately.
type Store struct {
}

func New() *Store {
	return &Store{}
}

func (n *Store) ReadBlock(block int64, buf []byte) error {
	return nil
}

func (n *Store) WriteBlock(block int64, buf []byte) error {
	return nil
}

func (n *Store) ReadBlockPart(block, off int64, buf []byte) error {
	return nil
}

func (n *Store) WriteBlockPart(block, off int64, buf []byte) error {
	return nil
}

func (n *Store) BulkZero(blocks []int64) error {
	return nil
}
