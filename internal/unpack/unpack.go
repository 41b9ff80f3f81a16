// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package unpack implements the version-specific decompression engines for
// the four RAR compression generations. Each engine owns a sliding window
// dictionary and a match/literal decode loop driven by per-block canonical
// Huffman tables; the generation 2.9 engine additionally hands literal
// decoding to an adaptive statistical model. Engines are selected strictly
// by the unpack-version tag carried in the entry metadata, never by
// inspecting the data.
//
// The generation 2.9 statistical model and the generation 1 static tables
// are this package's own; they do not reproduce other archivers' coders
// symbol for symbol, and streams those archivers emitted through them may
// not decode. The dictionary coders decode the documented formats exactly.
package unpack

import (
	"errors"
	"fmt"
	"io"

	"github.com/cosnicolaou/rardec/internal/bitstream"
	"github.com/cosnicolaou/rardec/internal/huffman"
	"github.com/cosnicolaou/rardec/internal/vm"
)

var (
	// ErrUnsupportedVersion is returned for an unpack version tag that no
	// engine implements.
	ErrUnsupportedVersion = errors.New("unpack: unsupported compression version")

	// ErrInvalidSymbol is returned for decoded symbols outside the
	// alphabet of the current generation. It is the same sentinel the
	// Huffman decoder reports for codes outside its table.
	ErrInvalidSymbol = huffman.ErrInvalidSymbol

	// ErrCorruptBlockHeader is returned when a compression block header
	// fails its internal consistency checks.
	ErrCorruptBlockHeader = errors.New("unpack: corrupt block header")

	// ErrUnknownFilter is returned for filter declarations naming a
	// transform this package does not implement.
	ErrUnknownFilter = errors.New("unpack: unknown filter type")

	// ErrBadFilterRange is returned for a filter declaration whose target
	// range lies behind the delivered output or beyond the declared
	// unpacked size.
	ErrBadFilterRange = errors.New("unpack: filter range outside the remaining output")
)

// decoder is the per-generation decode engine. init is called at the start
// of every entry; reset is false for solid continuations, in which case the
// engine keeps its table, recent-offset and model state. fill decodes into
// the window until it runs out of space, returning any filters registered
// by the stream and io.EOF once the entry's stream is exhausted.
type decoder interface {
	init(br *bitstream.Reader, reset bool) error
	fill(w *window) ([]*filterBlock, error)
}

// filterBlock describes one pending post-processing transform: fn is run
// over the decoded output range [offset, offset+length) exactly once, after
// the range has been produced and before it is handed to the caller.
type filterBlock struct {
	offset int64
	length int
	fn     func(buf []byte, offset int64) ([]byte, error)
}

// Config bounds the embedded filter virtual machine. The archive is
// untrusted input; programs are capped rather than trusted.
type Config struct {
	// MaxFilterOps caps the instruction count of a single filter program
	// execution. Zero selects vm.DefaultMaxOps.
	MaxFilterOps int
}

// Reader decodes one entry's compressed stream. It is a lazy,
// non-restartable sequence: restarting requires re-establishing dictionary
// state from the correct checkpoint, so the archive session replays solid
// predecessors instead.
type Reader struct {
	win window
	br  *bitstream.Reader
	cfg Config

	dec     decoder
	version int

	limit    int64 // unpacked size, -1 when unknown
	outTotal int64 // bytes handed to the caller
	eof      bool  // decoder reported end of stream
	err      error

	filters []*filterBlock
	fbuf    []byte // output of an applied filter, pending delivery
	gather  []byte // bytes accumulated for the filter at filters[0]
}

// NewReader returns an empty Reader; Reset prepares it for an entry.
func NewReader(cfg Config) *Reader {
	return &Reader{cfg: cfg, br: bitstream.NewReader(nil)}
}

// Reset prepares the reader to decode a single entry.
//
// version is the entry's unpack-version tag, winLog the declared dictionary
// size exponent and size the declared unpacked size (-1 when unknown).
// solid marks the entry as a solid continuation: the dictionary, recent
// offsets and any statistical model state carry over from the previous
// entry instead of resetting. A solid continuation must use the same
// generation as its predecessor.
func (r *Reader) Reset(version int, winLog uint, solid bool, src io.ByteReader, size int64) error {
	eng, err := r.engine(version, solid)
	if err != nil {
		return err
	}
	r.dec = eng
	r.win.reset(winLog, solid)
	r.br.Reset(src)
	r.limit = size
	r.outTotal = 0
	r.eof = false
	r.err = nil
	r.filters = r.filters[:0]
	r.fbuf = nil
	r.gather = r.gather[:0]
	return r.dec.init(r.br, !solid)
}

func (r *Reader) engine(version int, solid bool) (decoder, error) {
	gen := 0
	switch {
	case version <= 15:
		gen = 15
	case version == 20 || version == 26:
		gen = 20
	case version == 29 || version == 36:
		gen = 29
	case version == 50:
		gen = 50
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	if solid && r.dec != nil && r.version == gen {
		return r.dec, nil
	}
	r.version = gen
	switch gen {
	case 15:
		return new(decoder15), nil
	case 20:
		return new(decoder20), nil
	case 29:
		return newDecoder29(r.cfg), nil
	default:
		return new(decoder50), nil
	}
}

// fill runs the decoder for one window cycle and registers any filters it
// produced. A filter range starting behind the bytes already delivered, or
// ending past the declared size, cannot be gathered and fails the entry.
func (r *Reader) fill() error {
	fl, err := r.dec.fill(&r.win)
	for _, f := range fl {
		if f.length <= 0 {
			continue
		}
		end := f.offset + int64(f.length)
		if f.offset < r.outTotal+int64(len(r.gather)) || (r.limit >= 0 && end > r.limit) {
			return fmt.Errorf("%w: [%d, %d)", ErrBadFilterRange, f.offset, end)
		}
		r.filters = append(r.filters, f)
	}
	if err == io.EOF {
		r.eof = true
		return nil
	}
	return err
}

// Read implements io.Reader over the entry's decoded bytes, applying
// registered filters at their recorded offsets.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if len(r.fbuf) > 0 {
			// A program may publish more bytes than its target range; the
			// declared size still bounds what is delivered.
			m := len(r.fbuf)
			if r.limit >= 0 {
				if d := r.limit - r.outTotal; int64(m) > d {
					m = int(d)
				}
			}
			if m <= 0 {
				r.fbuf = nil
				continue
			}
			n := copy(p, r.fbuf[:m])
			r.fbuf = r.fbuf[n:]
			r.outTotal += int64(n)
			return n, nil
		}
		if r.err != nil {
			return 0, r.err
		}
		if r.limit >= 0 && r.outTotal >= r.limit {
			return 0, io.EOF
		}
		if r.win.buffered() == 0 {
			if r.eof {
				if r.limit >= 0 && r.outTotal < r.limit {
					r.err = bitstream.ErrTruncated
					return 0, r.err
				}
				return 0, io.EOF
			}
			if err := r.fill(); err != nil {
				r.err = err
				return 0, err
			}
			continue
		}
		if n, done := r.drain(p); done {
			return n, nil
		}
	}
}

// drain moves buffered window bytes towards the caller, diverting any range
// covered by the next filter through that filter first. It reports done
// when it delivered bytes into p.
func (r *Reader) drain(p []byte) (int, bool) {
	avail := r.win.buffered()
	cur := r.outTotal + int64(len(r.gather))

	if len(r.filters) == 0 || cur < r.filters[0].offset {
		// Plain bytes up to the next filter boundary.
		n := avail
		if len(r.filters) > 0 {
			if d := r.filters[0].offset - cur; int64(n) > d {
				n = int(d)
			}
		}
		if r.limit >= 0 {
			if d := r.limit - cur; int64(n) > d {
				n = int(d)
			}
		}
		if n > len(p) {
			n = len(p)
		}
		if n <= 0 {
			// Decoded bytes beyond the declared size are discarded.
			var sink [256]byte
			m := avail
			if m > len(sink) {
				m = len(sink)
			}
			r.win.read(sink[:m])
			return 0, false
		}
		n = r.win.read(p[:n])
		r.outTotal += int64(n)
		return n, true
	}

	// Accumulate the filter's input range, possibly across several fill
	// cycles, then apply every filter registered for it exactly once.
	f := r.filters[0]
	need := f.length - len(r.gather)
	if need > avail {
		need = avail
	}
	old := len(r.gather)
	r.gather = append(r.gather, make([]byte, need)...)
	r.win.read(r.gather[old:])
	if len(r.gather) < f.length {
		return 0, false
	}

	buf := r.gather
	off := f.offset
	for len(r.filters) > 0 && r.filters[0].offset == off && r.filters[0].length == len(buf) {
		out, err := r.filters[0].fn(buf, off)
		r.filters = r.filters[:copy(r.filters, r.filters[1:])]
		if err != nil {
			r.err = err
			return 0, false
		}
		buf = out
	}
	r.fbuf = buf
	r.gather = nil
	return 0, false
}

// maxOps returns the configured filter instruction ceiling.
func (c Config) maxOps() int {
	if c.MaxFilterOps > 0 {
		return c.MaxFilterOps
	}
	return vm.DefaultMaxOps
}
