// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package rardec

import "io"

type options struct {
	nextVolume   func(n int) (io.ReaderAt, error)
	key          KeyFunc
	maxFilterOps int
}

// KeyFunc supplies derived key material for encrypted entries: it is called
// with an entry's key derivation parameters and returns the 32 byte cipher
// key. Key derivation itself happens outside this package; cmd/rardec
// derives keys from a password with PBKDF2.
type KeyFunc func(salt []byte, iterations int) ([]byte, error)

// Option represents an option to New.
type Option func(o *options)

// WithNextVolume supplies the source for continuation volumes of a
// multi-volume archive. It is called with the volume's position in the
// chain, starting at 1 for the first continuation. Without this option a
// multi-volume archive fails with ErrTruncatedStream when an entry crosses
// the first volume's end.
func WithNextVolume(fn func(n int) (io.ReaderAt, error)) Option {
	return func(o *options) {
		o.nextVolume = fn
	}
}

// WithKey supplies the key material source for encrypted entries.
// Extracting an encrypted entry without it fails with
// ErrEncryptionKeyMissing.
func WithKey(fn KeyFunc) Option {
	return func(o *options) {
		o.key = fn
	}
}

// WithMaxFilterOps caps the instruction count of a single embedded filter
// program execution. Zero selects the package default.
func WithMaxFilterOps(n int) Option {
	return func(o *options) {
		o.maxFilterOps = n
	}
}
