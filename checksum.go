// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package rardec

import (
	"hash"
	"hash/crc32"

	"golang.org/x/crypto/blake2s"
)

// verifier accumulates the checksums an entry's metadata declares while the
// decoded stream passes through it. Entries may carry a CRC32, a 256 bit
// wide hash, both, or neither.
type verifier struct {
	crc     hash.Hash32
	wantCRC uint32

	wide     hash.Hash
	wantWide [32]byte
}

func newVerifier(e *Entry) *verifier {
	v := &verifier{}
	if e.HasCRC32 {
		v.crc = crc32.NewIEEE()
		v.wantCRC = e.CRC32
	}
	if e.HasWideHash {
		// blake2s.New256 only fails for oversized keys.
		v.wide, _ = blake2s.New256(nil)
		v.wantWide = e.WideHash
	}
	return v
}

func (v *verifier) Write(p []byte) (int, error) {
	if v.crc != nil {
		v.crc.Write(p)
	}
	if v.wide != nil {
		v.wide.Write(p)
	}
	return len(p), nil
}

func (v *verifier) verdict() Verification {
	supported := false
	if v.crc != nil {
		supported = true
		if v.crc.Sum32() != v.wantCRC {
			return Mismatched
		}
	}
	if v.wide != nil {
		supported = true
		var sum [32]byte
		v.wide.Sum(sum[:0])
		if sum != v.wantWide {
			return Mismatched
		}
	}
	if !supported {
		return VerificationUnsupported
	}
	return Verified
}
