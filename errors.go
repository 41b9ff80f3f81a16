// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package rardec

import (
	"errors"

	"github.com/cosnicolaou/rardec/internal/bitstream"
	"github.com/cosnicolaou/rardec/internal/huffman"
	"github.com/cosnicolaou/rardec/internal/unpack"
	"github.com/cosnicolaou/rardec/internal/vm"
)

// The error taxonomy of the package. Errors from the internal codec
// machinery surface through these sentinels; use errors.Is to classify
// wrapped values.
var (
	// ErrMalformedHeader is returned when a block header fails its CRC or
	// describes an impossible layout. On a main or end-of-archive block
	// this is fatal to the whole session.
	ErrMalformedHeader = errors.New("rardec: malformed block header")

	// ErrUnsupportedVersion is returned for compression algorithm tags no
	// engine implements.
	ErrUnsupportedVersion = unpack.ErrUnsupportedVersion

	// ErrTruncatedStream is returned when input ends mid-structure. Fatal
	// to the current entry only.
	ErrTruncatedStream = bitstream.ErrTruncated

	// ErrInvalidHuffmanTable is returned for code length tables violating
	// the Kraft inequality.
	ErrInvalidHuffmanTable = huffman.ErrInvalidTable

	// ErrInvalidSymbol is returned for symbols outside the alphabet of
	// the entry's compression generation.
	ErrInvalidSymbol = unpack.ErrInvalidSymbol

	// ErrInvalidBackReference is returned for match distances referencing
	// bytes before the start of the dictionary.
	ErrInvalidBackReference = unpack.ErrInvalidBackReference

	// ErrModelMemoryLimit is returned for statistical model parameters
	// that are internally inconsistent.
	ErrModelMemoryLimit = unpack.ErrModelMemoryLimit

	// ErrFilterExecutionLimit is returned when an embedded filter program
	// exceeds its instruction ceiling.
	ErrFilterExecutionLimit = vm.ErrExecutionLimit

	// ErrFilterMemoryOutOfBounds is returned when an embedded filter
	// program addresses memory outside its window.
	ErrFilterMemoryOutOfBounds = vm.ErrMemoryOutOfBounds

	// ErrIntegrityFailed is returned when an entry decodes fully but its
	// content checksum does not match the header. The decoded bytes have
	// already been delivered and must be treated as untrusted.
	ErrIntegrityFailed = errors.New("rardec: content checksum mismatch")

	// ErrDependentDecodeFailed is returned for solid entries whose
	// dictionary state depends on an earlier entry that failed to decode.
	ErrDependentDecodeFailed = errors.New("rardec: earlier entry in solid chain failed")

	// ErrEncryptionKeyMissing is returned when an entry or header is
	// encrypted and no key material was provided.
	ErrEncryptionKeyMissing = errors.New("rardec: no key material for encrypted data")
)
