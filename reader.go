// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package rardec

import (
	"context"
	"io"
)

// spanReader concatenates an entry's per-volume packed data spans into one
// byte stream. All referenced volumes were opened while the entry's headers
// were scanned.
type spanReader struct {
	a     *Archive
	spans []dataSpan
	cur   int
	off   int64 // consumed within the current span
}

func (r *spanReader) Read(p []byte) (int, error) {
	for {
		if r.cur >= len(r.spans) {
			return 0, io.EOF
		}
		sp := r.spans[r.cur]
		rem := sp.length - r.off
		if rem == 0 {
			r.cur++
			r.off = 0
			continue
		}
		if int64(len(p)) > rem {
			p = p[:rem]
		}
		if err := r.a.volumes[sp.volume].readAt(p, sp.offset+r.off); err != nil {
			return 0, err
		}
		r.off += int64(len(p))
		return len(p), nil
	}
}

// packedReader returns the entry's packed byte stream with its cipher, if
// any, applied.
func (a *Archive) packedReader(e *Entry) (io.Reader, error) {
	var rd io.Reader = &spanReader{a: a, spans: e.spans}
	if e.Encrypted {
		return a.decryptingReader(e, rd)
	}
	return rd, nil
}

const copyChunk = 1 << 16

// copyContext copies src to dst in chunks, honoring cancellation at chunk
// boundaries.
func copyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyChunk)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			total += int64(n)
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
