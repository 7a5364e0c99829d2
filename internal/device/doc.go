// Copyright (C) 2024 The s3nbd authors

// Package device implements the request decomposition and dispatch
// engine: it exposes a block-addressable backing store as a
// byte-addressable random access device. Requests with arbitrary byte
// offset and length are split by the boundary subpackage into a leading
// partial block, a run of whole blocks and a trailing partial block,
// and each segment is dispatched to the store with the matching
// primitive. Trim and zero share one path built around the store's
// batched zero-fill.
//
// The engine is a pure synchronous pass-through. It keeps no
// per-request state, takes no locks and never retries; anything that
// blocks does so inside the backing store.
package device
