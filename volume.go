// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package rardec

import (
	"bytes"
	"fmt"
	"io"
)

// Signatures of the three format generations. The 1.5 signature is a
// prefix of the 5.0 signature, so 5.0 must be checked first.
var (
	sig14 = []byte("RE\x7e\x5e")
	sig15 = []byte("Rar!\x1a\x07\x00")
	sig50 = []byte("Rar!\x1a\x07\x01\x00")
)

// maxSFXSize is how far into a file the signature may start: self
// extracting archives embed an extraction binary before the archive
// proper.
const maxSFXSize = 0x200000

// sigChunkSize is the read granularity of the signature search.
const sigChunkSize = 0x10000

// findSignature locates the archive signature within the first maxSFXSize
// bytes of src and returns the format and the offset of the first block.
func findSignature(src io.ReaderAt) (Format, int64, error) {
	overlap := len(sig50) - 1
	buf := make([]byte, sigChunkSize+overlap)
	for base := int64(0); base < maxSFXSize; base += sigChunkSize {
		n, err := src.ReadAt(buf, base)
		if n <= 0 {
			if err == io.EOF || err == nil {
				break
			}
			return FormatUnknown, 0, err
		}
		window := buf[:n]
		for off := 0; off < len(window); {
			i := bytes.IndexByte(window[off:], 'R')
			if i < 0 {
				break
			}
			off += i
			rest := window[off:]
			switch {
			case bytes.HasPrefix(rest, sig50):
				return Format50, base + int64(off) + int64(len(sig50)), nil
			case bytes.HasPrefix(rest, sig15):
				return Format15, base + int64(off) + int64(len(sig15)), nil
			case bytes.HasPrefix(rest, sig14):
				return Format14, base + int64(off) + int64(len(sig14)), nil
			}
			if len(rest) < len(sig50) && err == nil {
				// Possible signature prefix at the chunk boundary; the
				// overlap region of the next read covers it.
				break
			}
			off++
		}
		if err == io.EOF {
			break
		}
	}
	return FormatUnknown, 0, fmt.Errorf("%w: no archive signature within the first %d bytes", ErrMalformedHeader, maxSFXSize)
}

// volume is one member of an archive's volume chain, with a parse cursor
// advancing block by block.
type volume struct {
	src    io.ReaderAt
	off    int64 // offset of the next block header
	format Format
}

// readAt fills p from the volume, mapping short reads to the truncation
// sentinel: headers and packed data are never legitimately cut short.
func (v *volume) readAt(p []byte, off int64) error {
	n, err := v.src.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == io.EOF || err == nil {
		return ErrTruncatedStream
	}
	return err
}

// openVolume verifies the signature of a continuation volume and positions
// its cursor at the first block.
func openVolume(src io.ReaderAt, format Format) (*volume, error) {
	f, off, err := findSignature(src)
	if err != nil {
		return nil, err
	}
	if f != format {
		return nil, fmt.Errorf("%w: volume format %v, archive format %v", ErrMalformedHeader, f, format)
	}
	return &volume{src: src, off: off, format: format}, nil
}
