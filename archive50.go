// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package rardec

import (
	"fmt"
	"hash/crc32"
	"time"
)

// Tag-length-value block types.
const (
	block50Main    = 0x01
	block50File    = 0x02
	block50Service = 0x03
	block50Crypt   = 0x04
	block50End     = 0x05
)

// Common block flags.
const (
	flag50ExtraArea   = 0x0001
	flag50DataArea    = 0x0002
	flag50SplitBefore = 0x0008
	flag50SplitAfter  = 0x0010
)

// Main block flags.
const (
	main50Volume       = 0x0001
	main50VolumeNumber = 0x0002
	main50Solid        = 0x0004
	main50Recovery     = 0x0008
	main50Locked       = 0x0010
)

// Main block extra area records.
const (
	record50Locator  = 0x01
	record50Metadata = 0x02
)

// File and service block flags.
const (
	file50Directory   = 0x0001
	file50HasMTime    = 0x0002
	file50HasCRC32    = 0x0004
	file50UnknownSize = 0x0008
)

// File and service block extra area records.
const (
	record50Crypt       = 0x01
	record50Hash        = 0x02
	record50Time        = 0x03
	record50Version     = 0x04
	record50Redirection = 0x05
	record50UnixOwner   = 0x06
	record50ServiceData = 0x07
)

const hash50Blake2sp = 0x00

// Compression info field masks.
const (
	comp50AlgorithmMask = 0x003f
	comp50Solid         = 0x0040
	comp50MethodShift   = 7
	comp50MethodMask    = 0x7
	comp50DictShift     = 10
	comp50DictMask      = 0x1f
)

const maxHeaderSize50 = 0x200000

// readVintAt reads one variable length integer directly from the volume,
// returning its value and encoded size.
func readVintAt(v *volume, off int64) (uint64, int, error) {
	var val uint64
	var b [1]byte
	for n := 0; n < 10; n++ {
		if err := v.readAt(b[:], off+int64(n)); err != nil {
			return 0, 0, err
		}
		val |= uint64(b[0]&0x7f) << uint(7*n)
		if b[0]&0x80 == 0 {
			return val, n + 1, nil
		}
	}
	return 0, 0, ErrMalformedHeader
}

// readBlock50 reads and validates the tag-length-value block header at the
// volume's cursor. The leading CRC32 covers the header size field and the
// header bytes that follow it.
func readBlock50(v *volume) (*block, error) {
	var crcbuf [4]byte
	if err := v.readAt(crcbuf[:], v.off); err != nil {
		return nil, err
	}
	hcrc := uint32(crcbuf[0]) | uint32(crcbuf[1])<<8 | uint32(crcbuf[2])<<16 | uint32(crcbuf[3])<<24

	hsize, vlen, err := readVintAt(v, v.off+4)
	if err != nil {
		return nil, err
	}
	if hsize == 0 || hsize > maxHeaderSize50 {
		return nil, fmt.Errorf("%w: block header size %d", ErrMalformedHeader, hsize)
	}

	covered := make([]byte, vlen+int(hsize))
	if err := v.readAt(covered, v.off+4); err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(covered) != hcrc {
		return nil, fmt.Errorf("%w: block checksum mismatch at offset %d", ErrMalformedHeader, v.off)
	}
	hdr := covered[vlen:]

	b := &block{offset: v.off, headerSize: int64(4 + vlen + len(hdr))}
	c := &cursor{buf: hdr}

	htype := c.vint()
	flags := c.vint()
	b.splitBefore = flags&flag50SplitBefore != 0
	b.splitAfter = flags&flag50SplitAfter != 0

	var extraSize uint64
	if flags&flag50ExtraArea != 0 {
		extraSize = c.vint()
	}
	if flags&flag50DataArea != 0 {
		b.dataSize = int64(c.vint())
	}
	if c.err != nil {
		return nil, c.err
	}
	if extraSize > uint64(c.remaining()) {
		return nil, fmt.Errorf("%w: extra area size %d exceeds header", ErrMalformedHeader, extraSize)
	}
	// The extra area occupies the tail of the header.
	extra := &cursor{buf: hdr[len(hdr)-int(extraSize):]}
	c.buf = hdr[:len(hdr)-int(extraSize)]

	switch htype {
	case block50Main:
		b.kind = blockMain
		b.info = readMain50(c, extra)
	case block50File, block50Service:
		b.kind = blockFile
		if htype == block50Service {
			b.kind = blockService
		}
		readFile50(c, extra, b)
	case block50Crypt:
		b.kind = blockCrypt
	case block50End:
		b.kind = blockEnd
		b.nextVolume = c.vint()&0x0001 != 0
	default:
		b.kind = blockOther
	}
	if c.err != nil {
		return nil, c.err
	}
	if extra.err != nil {
		return nil, extra.err
	}
	return b, nil
}

// nextRecord returns the type and payload of the next extra area record, or
// false when the area is exhausted. A record's size field counts from its
// type field.
func nextRecord(extra *cursor) (uint64, *cursor, bool) {
	if extra.err != nil || extra.remaining() == 0 {
		return 0, nil, false
	}
	size := extra.vint()
	start := extra.pos
	rtype := extra.vint()
	if extra.err != nil {
		return 0, nil, false
	}
	payload := extra.bytes(int(size) - (extra.pos - start))
	if extra.err != nil {
		return 0, nil, false
	}
	return rtype, &cursor{buf: payload}, true
}

func readMain50(c *cursor, extra *cursor) *archiveInfo {
	flags := c.vint()
	info := &archiveInfo{
		multiVolume:  flags&main50Volume != 0,
		newNumbering: true,
		solid:        flags&main50Solid != 0,
		locked:       flags&main50Locked != 0,
		firstVolume:  flags&main50VolumeNumber == 0,
	}
	info.recovery.Present = flags&main50Recovery != 0
	if flags&main50VolumeNumber != 0 {
		info.volumeNumber = c.vint()
	}

	for {
		rtype, rc, ok := nextRecord(extra)
		if !ok {
			break
		}
		if rtype != record50Locator {
			continue
		}
		lflags := rc.vint()
		if lflags&0x01 != 0 {
			rc.vint() // quick open record offset
		}
		if lflags&0x02 != 0 {
			info.recovery.Offset = rc.vint()
		}
	}
	return info
}

func readFile50(c *cursor, extra *cursor, b *block) {
	flags := c.vint()
	unpackedSize := int64(c.vint())
	if flags&file50UnknownSize != 0 {
		unpackedSize = -1
	}
	attributes := c.vint()

	e := &Entry{
		UnpackedSize: unpackedSize,
		PackedSize:   b.dataSize,
		Attributes:   attributes,
		IsDirectory:  flags&file50Directory != 0,
	}
	if flags&file50HasMTime != 0 {
		e.ModificationTime = time.Unix(int64(c.u32()), 0).UTC()
	}
	if flags&file50HasCRC32 != 0 {
		e.HasCRC32 = true
		e.CRC32 = c.u32()
	}

	comp := c.vint()
	switch comp & comp50AlgorithmMask {
	case 0:
		e.Version = 50
	default:
		// Newer algorithm generations are recognized but not decodable;
		// extraction reports ErrUnsupportedVersion.
		e.Version = 50 + int(comp&comp50AlgorithmMask)*10
	}
	e.Solid = comp&comp50Solid != 0
	e.Method = Method((comp >> comp50MethodShift) & comp50MethodMask)
	e.WindowLog = 17 + uint((comp>>comp50DictShift)&comp50DictMask)

	switch c.vint() {
	case 0:
		e.HostOS = HostWindows
	case 1:
		e.HostOS = HostUnix
	default:
		e.HostOS = HostUnknown
	}

	name := string(c.bytes(int(c.vint())))
	if b.kind == blockService {
		b.serviceName = name
	} else {
		e.Name = name
	}

	for {
		rtype, rc, ok := nextRecord(extra)
		if !ok {
			break
		}
		switch rtype {
		case record50Crypt:
			e.Encrypted = true
			cflags := rc.vint()
			ec := &entryCrypt{kdfLog: rc.u8()}
			copy(ec.salt[:], rc.bytes(16))
			copy(ec.iv[:], rc.bytes(16))
			if cflags&0x01 != 0 {
				copy(ec.check[:], rc.bytes(12))
				ec.hasCheck = true
			}
			if rc.err == nil {
				e.crypt = ec
			}
		case record50Hash:
			if rc.vint() == hash50Blake2sp {
				copy(e.WideHash[:], rc.bytes(32))
				e.HasWideHash = rc.err == nil
			}
		case record50Time:
			readTimeRecord50(rc, e)
		case record50Version:
			rc.vint() // flags, unused
			e.FileVersion = rc.vint()
		case record50Redirection:
			r := &Redirection{Type: RedirectionType(rc.vint())}
			rc.vint() // flags
			r.Target = string(rc.bytes(int(rc.vint())))
			if rc.err == nil {
				e.Redirection = r
			}
		case record50UnixOwner:
			readUnixOwnerRecord50(rc, e)
		case record50ServiceData:
			if b.serviceName == serviceRecoveryRecord {
				b.info = &archiveInfo{}
				b.info.recovery.Present = true
				b.info.recovery.Percent = int(rc.u8())
			}
		}
	}

	b.entry = e
}

// readTimeRecord50 decodes the extended time record: a flags vint selecting
// unix or windows encoding and which of the three timestamps follow.
func readTimeRecord50(rc *cursor, e *Entry) {
	const (
		unixTime = 0x01
		hasMTime = 0x02
		hasCTime = 0x04
		hasATime = 0x08
		hasNanos = 0x10
	)
	flags := rc.vint()
	read := func() time.Time {
		if flags&unixTime != 0 {
			return time.Unix(int64(rc.u32()), 0).UTC()
		}
		return parseWindowsTime(rc.u64())
	}
	var m, ct, a time.Time
	if flags&hasMTime != 0 {
		m = read()
	}
	if flags&hasCTime != 0 {
		ct = read()
	}
	if flags&hasATime != 0 {
		a = read()
	}
	if flags&unixTime != 0 && flags&hasNanos != 0 {
		if flags&hasMTime != 0 {
			m = m.Add(time.Duration(rc.u32()))
		}
		if flags&hasCTime != 0 {
			ct = ct.Add(time.Duration(rc.u32()))
		}
		if flags&hasATime != 0 {
			a = a.Add(time.Duration(rc.u32()))
		}
	}
	if rc.err != nil {
		return
	}
	if flags&hasMTime != 0 {
		e.ModificationTime = m
	}
	if flags&hasCTime != 0 {
		e.CreationTime = ct
	}
	if flags&hasATime != 0 {
		e.AccessTime = a
	}
}

func readUnixOwnerRecord50(rc *cursor, e *Entry) {
	const (
		hasUserName  = 0x01
		hasGroupName = 0x02
		hasUserID    = 0x04
		hasGroupID   = 0x08
	)
	flags := rc.vint()
	if flags&hasUserName != 0 {
		e.UnixUser = string(rc.bytes(int(rc.vint())))
	}
	if flags&hasGroupName != 0 {
		e.UnixGroup = string(rc.bytes(int(rc.vint())))
	}
	if flags&hasUserID != 0 {
		rc.vint()
	}
	if flags&hasGroupID != 0 {
		rc.vint()
	}
}
