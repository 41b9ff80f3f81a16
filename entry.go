// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package rardec

import "time"

// Format identifies a signature generation of the container format.
type Format int

const (
	FormatUnknown Format = iota
	// Format14 is the oldest format generation (1.4x).
	Format14
	// Format15 is the legacy fixed-layout format (1.5 through 4.x).
	Format15
	// Format50 is the tag-length-value format (5.0 and later).
	Format50
)

func (f Format) String() string {
	switch f {
	case Format14:
		return "rar1.4"
	case Format15:
		return "rar1.5"
	case Format50:
		return "rar5.0"
	}
	return "unknown"
}

// HostOS is the operating system an entry was archived on.
type HostOS byte

const (
	HostMSDOS HostOS = iota
	HostOS2
	HostWindows
	HostUnix
	HostMacOS
	HostBeOS
	HostUnknown HostOS = 0xff
)

func (h HostOS) String() string {
	switch h {
	case HostMSDOS:
		return "msdos"
	case HostOS2:
		return "os/2"
	case HostWindows:
		return "windows"
	case HostUnix:
		return "unix"
	case HostMacOS:
		return "macos"
	case HostBeOS:
		return "beos"
	}
	return "unknown"
}

// Method is an entry's compression method.
type Method byte

const (
	MethodStore Method = iota
	MethodFastest
	MethodFast
	MethodNormal
	MethodGood
	MethodBest
)

func (m Method) String() string {
	switch m {
	case MethodStore:
		return "store"
	case MethodFastest:
		return "fastest"
	case MethodFast:
		return "fast"
	case MethodNormal:
		return "normal"
	case MethodGood:
		return "good"
	case MethodBest:
		return "best"
	}
	return "unknown"
}

// RedirectionType classifies a filesystem redirection entry.
type RedirectionType int

const (
	RedirectNone RedirectionType = iota
	RedirectUnixSymlink
	RedirectWindowsSymlink
	RedirectWindowsJunction
	RedirectHardLink
	RedirectFileCopy
)

// Redirection describes a symlink, junction, hard link or file copy entry.
type Redirection struct {
	Type   RedirectionType
	Target string
}

// dataSpan is one contiguous run of an entry's packed data within a single
// volume. Entries spanning volumes carry one span per volume.
type dataSpan struct {
	volume int
	offset int64
	length int64
}

// Entry is one archived file, directory or service stream.
type Entry struct {
	// Name uses forward slashes as the path separator regardless of the
	// archiving OS.
	Name string

	// UnpackedSize is -1 when the header declares it unknown.
	UnpackedSize int64
	PackedSize   int64

	ModificationTime time.Time
	CreationTime     time.Time
	AccessTime       time.Time

	Attributes uint64
	HostOS     HostOS
	Method     Method

	// Version is the unpack algorithm tag recorded by the archiver; it
	// selects the decode engine.
	Version int

	// WindowLog is the dictionary size exponent declared for the entry.
	WindowLog uint

	IsDirectory bool
	Encrypted   bool

	// Solid marks the entry as a solid continuation: its dictionary
	// carries over from the previous entry.
	Solid bool

	// CRC32 of the decoded content; valid when HasCRC32.
	HasCRC32 bool
	CRC32    uint32

	// WideHash is the 5.0 format's 256 bit content hash; valid when
	// HasWideHash.
	HasWideHash bool
	WideHash    [32]byte

	// FileVersion is nonzero for versioned entries.
	FileVersion uint64

	Redirection *Redirection

	UnixUser  string
	UnixGroup string

	// index is the entry's position in header order; solid replay and
	// poisoning are defined over it.
	index int

	spans []dataSpan
	crypt *entryCrypt
}

// Verification is the integrity outcome of an extraction.
type Verification int

const (
	// VerificationUnsupported means the entry carries no checksum this
	// package can evaluate.
	VerificationUnsupported Verification = iota
	// Verified means the decoded content matched its checksum.
	Verified
	// Mismatched means the content decoded but its checksum differs; the
	// delivered bytes are untrusted.
	Mismatched
)

func (v Verification) String() string {
	switch v {
	case Verified:
		return "verified"
	case Mismatched:
		return "mismatched"
	}
	return "unsupported"
}
