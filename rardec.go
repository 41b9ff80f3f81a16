// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package rardec implements read-only decoding of RAR family archives: the
// three signature generations of the container format, the four
// decompression engine generations, multi-volume chains, solid archives and
// per-entry integrity verification. Archives are untrusted input: headers
// are checksummed before their fields are used, decode state is bounds
// checked, and embedded filter programs run under instruction and memory
// limits.
//
// The adaptive statistical coder of the 2.9 generation and the static code
// tables of the 1.5 generation use this module's own model rather than the
// exact tables and update rules of archivers in the wild, so entries packed
// with those coders by other producers may fail to decode or decode to
// mismatching content, which verification reports. The store, 2.0/2.9
// dictionary and 5.0 paths decode the documented formats exactly.
package rardec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/cosnicolaou/rardec/internal/unpack"
)

// Archive is a lazy decoding session over one archive's volume chain.
// Next and Extract share decoder state and must not be called concurrently;
// ExtractAll provides the concurrent path.
type Archive struct {
	opts   options
	format Format

	volumes []*volume
	sc      *scanner

	info    archiveInfo
	infoSet bool
	pending []*block

	entries []*Entry
	scanErr error

	dec     *unpack.Reader
	decNext int           // entry index the decoder's dictionary is positioned before
	failed  map[int]error // decode failures, by entry index
}

// New opens an archive session over the first volume. Continuation volumes
// are requested through WithNextVolume as entries spanning them are
// encountered.
func New(src io.ReaderAt, opts ...Option) (*Archive, error) {
	a := &Archive{
		decNext: -1,
		failed:  map[int]error{},
	}
	for _, fn := range opts {
		fn(&a.opts)
	}
	format, off, err := findSignature(src)
	if err != nil {
		return nil, err
	}
	a.format = format
	v := &volume{src: src, off: off, format: format}
	a.volumes = []*volume{v}
	a.sc = newScanner(v)
	a.dec = unpack.NewReader(unpack.Config{MaxFilterOps: a.opts.maxFilterOps})
	a.scanInfo()
	return a, nil
}

// scanInfo reads header blocks up to the archive's main block so that the
// archive level flags are available as soon as the session opens. Scanned
// blocks are queued for Next, which also reports any scan failure.
func (a *Archive) scanInfo() {
	for {
		b, err := a.sc.next()
		if err != nil {
			a.scanErr = err
			return
		}
		a.pending = append(a.pending, b)
		switch b.kind {
		case blockMain:
			if b.info != nil {
				a.mergeInfo(b.info)
			}
			return
		case blockCrypt, blockEnd, blockFile:
			// No main block precedes the first entry; whatever was found
			// is Next's to report.
			return
		}
	}
}

// scanBlock returns the next block, draining the blocks queued at open
// before reading further.
func (a *Archive) scanBlock() (*block, error) {
	if len(a.pending) > 0 {
		b := a.pending[0]
		a.pending = a.pending[1:]
		return b, nil
	}
	return a.sc.next()
}

// Format returns the archive's signature generation.
func (a *Archive) Format() Format { return a.format }

// Solid reports whether the archive was created solid.
func (a *Archive) Solid() bool { return a.info.solid }

// MultiVolume reports whether the archive declares itself part of a volume
// chain.
func (a *Archive) MultiVolume() bool { return a.info.multiVolume }

// Locked reports the archive's locked flag.
func (a *Archive) Locked() bool { return a.info.locked }

// NewVolumeNaming reports whether the chain uses the .partNN.rar naming
// style rather than .rar/.r00; callers locating continuation volumes need
// the distinction.
func (a *Archive) NewVolumeNaming() bool { return a.info.newNumbering }

// RecoveryRecord reports the archive's recovery record, if any. Repair is
// not implemented; the record is surfaced for external tooling.
func (a *Archive) RecoveryRecord() RecoveryRecord { return a.info.recovery }

func (a *Archive) mergeInfo(info *archiveInfo) {
	if a.infoSet {
		return
	}
	a.info = *info
	a.infoSet = true
}

// advanceVolume opens the next volume of the chain and positions the
// scanner at its first block.
func (a *Archive) advanceVolume() error {
	if a.opts.nextVolume == nil {
		return fmt.Errorf("%w: volume %d of a multi-volume archive is not available", ErrTruncatedStream, len(a.volumes))
	}
	src, err := a.opts.nextVolume(len(a.volumes))
	if err != nil {
		return err
	}
	v, err := openVolume(src, a.format)
	if err != nil {
		return err
	}
	a.volumes = append(a.volumes, v)
	a.sc = newScanner(v)
	return nil
}

// Next returns the next entry of the archive, or io.EOF after the last one.
// An entry split across volumes is returned once, with its pieces merged;
// Next opens continuation volumes as needed. Scan errors are sticky.
func (a *Archive) Next() (*Entry, error) {
	if a.scanErr != nil {
		return nil, a.scanErr
	}
	e, err := a.next()
	if err != nil && err != io.EOF {
		a.scanErr = err
	}
	return e, err
}

func (a *Archive) next() (*Entry, error) {
	for {
		b, err := a.scanBlock()
		if err == io.EOF {
			// End of volume without an explicit end block.
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		switch b.kind {
		case blockMain:
			if b.info != nil {
				a.mergeInfo(b.info)
			}
		case blockCrypt:
			return nil, fmt.Errorf("%w: block headers are encrypted", ErrEncryptionKeyMissing)
		case blockEnd:
			if b.nextVolume {
				if err := a.advanceVolume(); err != nil {
					return nil, err
				}
				continue
			}
			return nil, io.EOF
		case blockService:
			if b.serviceName == serviceRecoveryRecord {
				a.info.recovery.Present = true
				if b.info != nil && b.info.recovery.Percent != 0 {
					a.info.recovery.Percent = b.info.recovery.Percent
				}
			}
		case blockFile:
			if b.splitBefore {
				// Continuation of an entry whose start precedes this
				// volume; it cannot be decoded from here.
				continue
			}
			return a.mergeEntry(b)
		}
	}
}

// mergeEntry assembles an entry from its first header block and any
// continuation pieces on subsequent volumes.
func (a *Archive) mergeEntry(b *block) (*Entry, error) {
	e := b.entry
	e.spans = append(e.spans, dataSpan{
		volume: len(a.volumes) - 1,
		offset: b.dataOffset(),
		length: b.dataSize,
	})
	for b.splitAfter {
		var err error
		b, err = a.nextPiece()
		if err != nil {
			return nil, err
		}
		e.spans = append(e.spans, dataSpan{
			volume: len(a.volumes) - 1,
			offset: b.dataOffset(),
			length: b.dataSize,
		})
		// The trailing piece's header carries the authoritative content
		// checksum and, when the size was unknown at the start, the size.
		if b.entry != nil && !b.splitAfter {
			if b.entry.HasCRC32 {
				e.HasCRC32, e.CRC32 = true, b.entry.CRC32
			}
			if b.entry.HasWideHash {
				e.HasWideHash, e.WideHash = true, b.entry.WideHash
			}
			if e.UnpackedSize < 0 {
				e.UnpackedSize = b.entry.UnpackedSize
			}
		}
	}
	var total int64
	for _, sp := range e.spans {
		total += sp.length
	}
	e.PackedSize = total
	if a.info.encrypted {
		e.Encrypted = true
	}
	e.index = len(a.entries)
	a.entries = append(a.entries, e)
	return e, nil
}

// nextPiece advances to the continuation piece of a split entry, crossing
// the volume boundary.
func (a *Archive) nextPiece() (*block, error) {
	for {
		b, err := a.scanBlock()
		if err == io.EOF {
			if err := a.advanceVolume(); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		switch b.kind {
		case blockEnd:
			if err := a.advanceVolume(); err != nil {
				return nil, err
			}
		case blockMain:
			if b.info != nil {
				a.mergeInfo(b.info)
			}
		case blockCrypt:
			return nil, fmt.Errorf("%w: block headers are encrypted", ErrEncryptionKeyMissing)
		case blockFile:
			if !b.splitBefore {
				return nil, fmt.Errorf("%w: expected a split continuation block", ErrMalformedHeader)
			}
			return b, nil
		}
	}
}

// Extract decodes entry e into w and returns the integrity verdict. For a
// solid entry the dictionary state of its predecessors is replayed first
// when the decoder is not already positioned at e; a failed predecessor
// poisons the rest of its chain with ErrDependentDecodeFailed.
func (a *Archive) Extract(ctx context.Context, e *Entry, w io.Writer) (Verification, error) {
	if e.IsDirectory {
		return VerificationUnsupported, nil
	}
	if e.Method != MethodStore && e.Solid {
		if err := a.replay(ctx, e); err != nil {
			a.failed[e.index] = err
			return VerificationUnsupported, err
		}
	}
	v, err := a.decodeEntry(ctx, a.dec, e, w)
	if err != nil {
		a.failed[e.index] = err
		a.decNext = -1
		return v, err
	}
	if e.Method != MethodStore {
		a.decNext = e.index + 1
	}
	return v, nil
}

// replay re-establishes the dictionary state e depends on by decoding its
// solid predecessors into discard, resuming from the decoder's current
// position when it lies within the chain.
func (a *Archive) replay(ctx context.Context, e *Entry) error {
	start := e.index
	for start > 0 && a.entries[start].Solid {
		start--
	}
	if a.entries[start].Solid {
		return fmt.Errorf("%w: entry %q continues a chain from a preceding archive", ErrDependentDecodeFailed, e.Name)
	}
	for i := start; i < e.index; i++ {
		if err := a.failed[i]; err != nil {
			return fmt.Errorf("%w: entry %q depends on %q: %v",
				ErrDependentDecodeFailed, e.Name, a.entries[i].Name, err)
		}
	}
	from := start
	if a.decNext >= start && a.decNext <= e.index {
		from = a.decNext
	}
	for i := from; i < e.index; i++ {
		pe := a.entries[i]
		if pe.Method == MethodStore || pe.IsDirectory {
			continue
		}
		if _, err := a.decodeEntry(ctx, a.dec, pe, ioutil.Discard); err != nil {
			a.failed[i] = err
			a.decNext = -1
			return fmt.Errorf("%w: entry %q depends on %q: %v",
				ErrDependentDecodeFailed, e.Name, pe.Name, err)
		}
		a.decNext = i + 1
	}
	return nil
}

// decodeEntry streams one entry's decoded bytes into w through its checksum
// verifier, using dec for compressed entries.
func (a *Archive) decodeEntry(ctx context.Context, dec *unpack.Reader, e *Entry, w io.Writer) (Verification, error) {
	src, err := a.packedReader(e)
	if err != nil {
		return VerificationUnsupported, err
	}
	ver := newVerifier(e)
	out := io.MultiWriter(w, ver)
	if e.Method == MethodStore {
		if e.UnpackedSize >= 0 {
			// Ciphers pad the packed data; the declared size bounds it.
			src = io.LimitReader(src, e.UnpackedSize)
		}
		if _, err := copyContext(ctx, out, src); err != nil {
			return VerificationUnsupported, err
		}
	} else {
		if err := dec.Reset(e.Version, e.WindowLog, e.Solid, bufio.NewReader(src), e.UnpackedSize); err != nil {
			return VerificationUnsupported, err
		}
		if _, err := copyContext(ctx, out, dec); err != nil {
			return VerificationUnsupported, err
		}
	}
	if v := ver.verdict(); v != Verified {
		if v == Mismatched {
			return v, fmt.Errorf("%w: entry %q", ErrIntegrityFailed, e.Name)
		}
		return v, nil
	}
	return Verified, nil
}
