// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package rardec

// serviceRecoveryRecord is the service stream name carrying the recovery
// record.
const serviceRecoveryRecord = "RR"

// blockKind classifies a parsed block independently of the wire
// generation that carried it.
type blockKind int

const (
	blockOther blockKind = iota
	blockMain
	blockFile
	blockService
	blockCrypt
	blockEnd
)

// archiveInfo is the archive-wide metadata carried by the main block.
type archiveInfo struct {
	multiVolume  bool
	newNumbering bool
	solid        bool
	locked       bool
	firstVolume  bool
	encrypted    bool // headers encrypted (legacy flag or crypt block)
	volumeNumber uint64

	recovery RecoveryRecord
}

// RecoveryRecord reports the presence and declared coverage of a recovery
// record. Repair is out of scope; the record is surfaced so callers can
// direct users to tooling that uses it.
type RecoveryRecord struct {
	Present bool
	// Percent is the declared size of the record relative to the
	// archive, when the archive records it.
	Percent int
	// Offset of the record, when the main block's locator carries it.
	Offset uint64
}

// block is one parsed block header, normalized across wire generations.
type block struct {
	offset     int64 // of the header, from the start of the volume
	headerSize int64
	dataSize   int64
	kind       blockKind

	splitBefore bool
	splitAfter  bool

	// main block payload
	info *archiveInfo

	// file and service block payload
	entry       *Entry
	serviceName string

	// end of archive payload
	nextVolume bool
}

// dataOffset returns the offset of the block's data area.
func (b *block) dataOffset() int64 { return b.offset + b.headerSize }

// end returns the offset of the next block header.
func (b *block) end() int64 { return b.offset + b.headerSize + b.dataSize }
