// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package rardec

import "io"

// scanner iterates the block headers of one volume, dispatching on the wire
// generation. It yields normalized blocks in file order and io.EOF at the
// end of the volume; explicit end-of-archive blocks are yielded to the
// caller, which decides whether the chain continues.
type scanner struct {
	v       *volume
	sawMain bool
}

func newScanner(v *volume) *scanner {
	return &scanner{v: v}
}

// atEOF reports whether the volume has no bytes left at the cursor.
func (s *scanner) atEOF() bool {
	var b [1]byte
	n, _ := s.v.src.ReadAt(b[:], s.v.off)
	return n == 0
}

// next returns the next block of the volume and advances the cursor past
// its data area.
func (s *scanner) next() (*block, error) {
	if s.atEOF() {
		return nil, io.EOF
	}
	var (
		b   *block
		err error
	)
	switch s.v.format {
	case Format14:
		// The oldest generation has no block type field: a main header
		// directly follows the signature, then file headers to the end.
		if !s.sawMain {
			b, err = readMain14(s.v)
		} else {
			b, err = readFile14(s.v)
		}
	case Format15:
		b, err = readBlock15(s.v)
	case Format50:
		b, err = readBlock50(s.v)
	default:
		return nil, ErrUnsupportedVersion
	}
	if err != nil {
		return nil, err
	}
	if b.kind == blockMain {
		s.sawMain = true
	}
	s.v.off = b.end()
	return b, nil
}
