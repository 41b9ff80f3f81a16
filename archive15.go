// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package rardec

import (
	"fmt"
	"hash/crc32"
)

// Legacy fixed-layout block types.
const (
	block15Main    = 0x73
	block15File    = 0x74
	block15Comment = 0x75
	block15AV      = 0x76
	block15Sub     = 0x77
	block15Protect = 0x78
	block15Sign    = 0x79
	block15Service = 0x7a
	block15End     = 0x7b
)

// Common legacy block flags.
const (
	flag15SkipIfUnknown = 0x4000
	flag15HasData       = 0x8000
)

// Main block flags.
const (
	main15Volume        = 0x0001
	main15Solid         = 0x0008
	main15NewNumbering  = 0x0010
	main15Recovery      = 0x0040
	main15Password      = 0x0080
	main15FirstVolume   = 0x0100
	main15EncryptVer    = 0x0200
)

// File block flags.
const (
	file15SplitBefore = 0x0001
	file15SplitAfter  = 0x0002
	file15Password    = 0x0004
	file15Solid       = 0x0010
	file15WindowMask  = 0x00e0
	file15LargeSize   = 0x0100
	file15UnicodeName = 0x0200
	file15Salt        = 0x0400
	file15ExtTime     = 0x1000
)

// readBlock15 reads and validates the legacy block header at the volume's
// cursor. The 16 bit header checksum is the low half of a CRC32 over the
// header bytes following the checksum field.
func readBlock15(v *volume) (*block, error) {
	var fixed [7]byte
	if err := v.readAt(fixed[:], v.off); err != nil {
		return nil, err
	}
	hcrc := uint16(fixed[0]) | uint16(fixed[1])<<8
	htype := fixed[2]
	flags := uint16(fixed[3]) | uint16(fixed[4])<<8
	hsize := int(fixed[5]) | int(fixed[6])<<8
	if hsize < len(fixed) {
		return nil, fmt.Errorf("%w: block header size %d", ErrMalformedHeader, hsize)
	}

	hdr := make([]byte, hsize)
	copy(hdr, fixed[:])
	if err := v.readAt(hdr[len(fixed):], v.off+int64(len(fixed))); err != nil {
		return nil, err
	}
	if uint16(crc32.ChecksumIEEE(hdr[2:])) != hcrc {
		return nil, fmt.Errorf("%w: block checksum mismatch at offset %d", ErrMalformedHeader, v.off)
	}

	b := &block{offset: v.off, headerSize: int64(hsize)}
	c := &cursor{buf: hdr, pos: len(fixed)}

	switch htype {
	case block15Main:
		b.kind = blockMain
		b.info = readMain15(c, flags)
	case block15File, block15Service:
		b.kind = blockFile
		if htype == block15Service {
			b.kind = blockService
		}
		readFile15(c, flags, b)
	case block15End:
		b.kind = blockEnd
		b.nextVolume = flags&0x0001 != 0
	case block15Protect:
		// Legacy recovery record; only its presence is surfaced.
		b.kind = blockService
		b.serviceName = serviceRecoveryRecord
		b.dataSize = int64(c.u32())
	default:
		if flags&flag15HasData != 0 {
			b.dataSize = int64(c.u32())
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return b, nil
}

func readMain15(c *cursor, flags uint16) *archiveInfo {
	info := &archiveInfo{
		multiVolume:  flags&main15Volume != 0,
		solid:        flags&main15Solid != 0,
		newNumbering: flags&main15NewNumbering != 0,
		firstVolume:  flags&main15FirstVolume != 0,
		encrypted:    flags&main15Password != 0,
	}
	info.recovery.Present = flags&main15Recovery != 0
	c.u16() // authenticity block offset, high half
	c.u32() // authenticity block offset, low half
	if flags&main15EncryptVer != 0 {
		c.u8()
	}
	return info
}

func readFile15(c *cursor, flags uint16, b *block) {
	b.splitBefore = flags&file15SplitBefore != 0
	b.splitAfter = flags&file15SplitAfter != 0

	packedSize := int64(c.u32())
	unpackedSize := int64(c.u32())
	hostOS := c.u8()
	fileCRC := c.u32()
	mtime := parseDOSTime(c.u32())
	version := c.u8()
	method := c.u8()
	nameSize := int(c.u16())
	attributes := c.u32()

	if flags&file15LargeSize != 0 {
		packedSize |= int64(c.u32()) << 32
		unpackedSize |= int64(c.u32()) << 32
	}

	e := &Entry{
		PackedSize:   packedSize,
		UnpackedSize: unpackedSize,
		HostOS:       HostOS(hostOS),
		HasCRC32:     true,
		CRC32:        fileCRC,
		Version:      int(version),
		Attributes:   uint64(attributes),
		Solid:        flags&file15Solid != 0,
		Encrypted:    flags&(file15Password|file15Salt) != 0,
	}
	e.ModificationTime = mtime

	if m := method - '0'; m <= 5 {
		e.Method = Method(m)
	}

	win := (flags & file15WindowMask) >> 5
	if win == 7 {
		e.IsDirectory = true
	} else {
		e.WindowLog = 16 + uint(win)
	}

	name := c.bytes(nameSize)
	if b.kind == blockService {
		b.serviceName = string(name)
	} else if flags&file15UnicodeName != 0 {
		e.Name = decodeLegacyName(name)
	} else {
		e.Name = string(name)
	}

	if flags&file15Salt != 0 {
		c.bytes(8)
	}
	if flags&file15ExtTime != 0 {
		et := readExtendedTimes(c, mtime)
		e.ModificationTime = et.Modification
		e.CreationTime = et.Creation
		e.AccessTime = et.Access
	}

	b.entry = e
	b.dataSize = packedSize
}

// The oldest format has no block type or checksum fields: a short main
// header follows the signature, then a sequence of file headers.
const (
	main14Volume = 0x01
	main14Solid  = 0x08

	file14SplitBefore = 0x01
	file14SplitAfter  = 0x02
	file14Encrypted   = 0x04
)

// readMain14 reads the oldest format's main header, which directly
// follows the signature.
func readMain14(v *volume) (*block, error) {
	var hdr [3]byte
	if err := v.readAt(hdr[:], v.off); err != nil {
		return nil, err
	}
	hsize := int(hdr[0]) | int(hdr[1])<<8 - len(sig14)
	if hsize < len(hdr) {
		return nil, fmt.Errorf("%w: main header size %d", ErrMalformedHeader, hsize)
	}
	flags := hdr[2]
	info := &archiveInfo{
		multiVolume: flags&main14Volume != 0,
		solid:       flags&main14Solid != 0,
	}
	return &block{
		offset:     v.off,
		headerSize: int64(hsize),
		kind:       blockMain,
		info:       info,
	}, nil
}

// readFile14 reads one file header of the oldest format.
func readFile14(v *volume) (*block, error) {
	var fixed [12]byte
	if err := v.readAt(fixed[:], v.off); err != nil {
		return nil, err
	}
	c := &cursor{buf: fixed[:]}
	packedSize := int64(c.u32())
	unpackedSize := int64(c.u32())
	crc16 := c.u16()
	hsize := int(c.u16())
	if hsize < 21 {
		return nil, fmt.Errorf("%w: file header size %d", ErrMalformedHeader, hsize)
	}

	hdr := make([]byte, hsize)
	if err := v.readAt(hdr, v.off); err != nil {
		return nil, err
	}
	c = &cursor{buf: hdr, pos: len(fixed)}

	mtime := parseDOSTime(c.u32())
	attributes := c.u8()
	flags := c.u8()
	versionByte := c.u8()
	nameSize := int(c.u8())
	method := c.u8()
	name := c.bytes(nameSize)
	if c.err != nil {
		return nil, c.err
	}

	version := 10
	if versionByte == 2 {
		version = 13
	}
	e := &Entry{
		Name:         string(name),
		PackedSize:   packedSize,
		UnpackedSize: unpackedSize,
		HostOS:       HostMSDOS,
		Attributes:   uint64(attributes),
		Version:      version,
		WindowLog:    16,
		Encrypted:    flags&file14Encrypted != 0,
	}
	e.ModificationTime = mtime
	if method != 0 {
		e.Method = MethodNormal
	}
	// The 16 bit content checksum of this generation is not evaluated;
	// extraction reports VerificationUnsupported.
	_ = crc16

	return &block{
		offset:      v.off,
		headerSize:  int64(hsize),
		dataSize:    packedSize,
		kind:        blockFile,
		splitBefore: flags&file14SplitBefore != 0,
		splitAfter:  flags&file14SplitAfter != 0,
		entry:       e,
	}, nil
}
