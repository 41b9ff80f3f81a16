// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package rardec

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/pbkdf2"
)

// Synthetic archive builders. Every header is assembled the way the wire
// format defines it, checksums included, so the parsers under test see
// byte-exact input.

func vintBytes(v uint64) []byte {
	var b []byte
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func put16(b []byte, v uint16) []byte {
	var s [2]byte
	binary.LittleEndian.PutUint16(s[:], v)
	return append(b, s[:]...)
}

func put32(b []byte, v uint32) []byte {
	var s [4]byte
	binary.LittleEndian.PutUint32(s[:], v)
	return append(b, s[:]...)
}

// buildBlock50 assembles one tag-length-value block: CRC32, header size
// vint, type, flags, the optional area sizes, the type specific fields, the
// extra area and the data area.
func buildBlock50(htype, flags uint64, fields, extra, data []byte) []byte {
	hdr := append(vintBytes(htype), vintBytes(flags)...)
	if flags&flag50ExtraArea != 0 {
		hdr = append(hdr, vintBytes(uint64(len(extra)))...)
	}
	if flags&flag50DataArea != 0 {
		hdr = append(hdr, vintBytes(uint64(len(data)))...)
	}
	hdr = append(hdr, fields...)
	hdr = append(hdr, extra...)

	covered := append(vintBytes(uint64(len(hdr))), hdr...)
	out := put32(nil, crc32.ChecksumIEEE(covered))
	out = append(out, covered...)
	return append(out, data...)
}

// buildRecord50 assembles one extra area record; the size field counts from
// the type field.
func buildRecord50(rtype uint64, payload []byte) []byte {
	body := append(vintBytes(rtype), payload...)
	return append(vintBytes(uint64(len(body))), body...)
}

// file50Fields assembles the type specific fields of a file or service
// block.
func file50Fields(name string, fflags uint64, unpacked int64, crc uint32, comp uint64) []byte {
	b := append(vintBytes(fflags), vintBytes(uint64(unpacked))...)
	b = append(b, vintBytes(0)...) // attributes
	if fflags&file50HasMTime != 0 {
		b = put32(b, uint32(time.Date(2020, time.June, 15, 10, 30, 20, 0, time.UTC).Unix()))
	}
	if fflags&file50HasCRC32 != 0 {
		b = put32(b, crc)
	}
	b = append(b, vintBytes(comp)...)
	b = append(b, vintBytes(1)...) // unix
	b = append(b, vintBytes(uint64(len(name)))...)
	return append(b, name...)
}

// storeEntry50 assembles a store method file block holding content.
func storeEntry50(name string, content []byte) []byte {
	fields := file50Fields(name, file50HasMTime|file50HasCRC32, int64(len(content)),
		crc32.ChecksumIEEE(content), 0)
	return buildBlock50(block50File, flag50DataArea, fields, nil, content)
}

// archive50 concatenates the signature, a main block with mflags and the
// given blocks, terminated by an end block.
func archive50(mflags uint64, blocks ...[]byte) []byte {
	out := append([]byte{}, sig50...)
	out = append(out, buildBlock50(block50Main, 0, vintBytes(mflags), nil, nil)...)
	for _, b := range blocks {
		out = append(out, b...)
	}
	return append(out, buildBlock50(block50End, 0, vintBytes(0), nil, nil)...)
}

// buildBlock15 assembles one legacy fixed-layout block; the 16 bit checksum
// is the low half of a CRC32 over the bytes following it.
func buildBlock15(htype byte, flags uint16, body, data []byte) []byte {
	hdr := make([]byte, 7+len(body))
	hdr[2] = htype
	binary.LittleEndian.PutUint16(hdr[3:], flags)
	binary.LittleEndian.PutUint16(hdr[5:], uint16(len(hdr)))
	copy(hdr[7:], body)
	binary.LittleEndian.PutUint16(hdr[0:], uint16(crc32.ChecksumIEEE(hdr[2:])))
	return append(hdr, data...)
}

// testDOSTime is 2020-06-15 10:30:20 in the packed two second encoding.
const testDOSTime = uint32(40)<<25 | 6<<21 | 15<<16 | 10<<11 | 30<<5 | 10

// file15Body assembles the file block body of the legacy format.
func file15Body(name string, content []byte, crc uint32) []byte {
	b := put32(nil, uint32(len(content)))         // packed
	b = put32(b, uint32(len(content)))            // unpacked
	b = append(b, 3)                              // unix
	b = put32(b, crc)
	b = put32(b, testDOSTime)
	b = append(b, 29)                             // unpack version
	b = append(b, '0')                            // store
	b = put16(b, uint16(len(name)))
	b = put32(b, 0) // attributes
	return append(b, name...)
}

func archive15(entries ...[]byte) []byte {
	out := append([]byte{}, sig15...)
	out = append(out, buildBlock15(block15Main, 0, make([]byte, 6), nil)...)
	for _, e := range entries {
		out = append(out, e...)
	}
	return append(out, buildBlock15(block15End, 0, nil, nil)...)
}

// archive14 assembles an oldest-generation archive: a bare main header
// follows the signature, then unchecksummed file headers to the end.
func archive14(name string, content []byte) []byte {
	out := append([]byte{}, sig14...)
	out = put16(out, uint16(len(sig14)+7)) // main header size, signature included
	out = append(out, 0)                   // flags
	out = append(out, 0, 0, 0, 0)          // reserved padding

	hdr := put32(nil, uint32(len(content))) // packed
	hdr = put32(hdr, uint32(len(content)))  // unpacked
	hdr = put16(hdr, 0)                     // 16 bit content checksum
	hdr = put16(hdr, uint16(21+len(name)))
	hdr = put32(hdr, testDOSTime)
	hdr = append(hdr, 0x20)           // attributes
	hdr = append(hdr, 0)              // flags
	hdr = append(hdr, 2)              // header version tag
	hdr = append(hdr, byte(len(name)))
	hdr = append(hdr, 0) // store
	hdr = append(hdr, name...)
	out = append(out, hdr...)
	return append(out, content...)
}

func extractNamed(t *testing.T, a *Archive, e *Entry) (Verification, []byte, error) {
	t.Helper()
	var buf bytes.Buffer
	v, err := a.Extract(context.Background(), e, &buf)
	return v, buf.Bytes(), err
}

func TestArchive50Store(t *testing.T) {
	contentA := []byte("hello world\n")
	contentB := []byte("second entry")
	data := archive50(0, storeEntry50("a.txt", contentA), storeEntry50("dir/b.txt", contentB))

	a, err := New(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if a.Format() != Format50 {
		t.Errorf("got %v, want %v", a.Format(), Format50)
	}

	e, err := a.Next()
	if err != nil {
		t.Fatal(err)
	}
	if e.Name != "a.txt" {
		t.Errorf("got %q, want %q", e.Name, "a.txt")
	}
	if e.UnpackedSize != int64(len(contentA)) || e.PackedSize != int64(len(contentA)) {
		t.Errorf("got sizes %v/%v, want %v", e.UnpackedSize, e.PackedSize, len(contentA))
	}
	if e.Method != MethodStore || e.HostOS != HostUnix {
		t.Errorf("got %v/%v, want store/unix", e.Method, e.HostOS)
	}
	if want := time.Date(2020, time.June, 15, 10, 30, 20, 0, time.UTC); !e.ModificationTime.Equal(want) {
		t.Errorf("got %v, want %v", e.ModificationTime, want)
	}
	v, got, err := extractNamed(t, a, e)
	if err != nil || v != Verified {
		t.Fatalf("got %v/%v, want verified/nil", v, err)
	}
	if !bytes.Equal(got, contentA) {
		t.Errorf("got %q, want %q", got, contentA)
	}

	e, err = a.Next()
	if err != nil {
		t.Fatal(err)
	}
	if e.Name != "dir/b.txt" {
		t.Errorf("got %q, want %q", e.Name, "dir/b.txt")
	}
	v, got, err = extractNamed(t, a, e)
	if err != nil || v != Verified || !bytes.Equal(got, contentB) {
		t.Errorf("got %v/%q/%v", v, got, err)
	}

	if _, err := a.Next(); err != io.EOF {
		t.Errorf("got %v, want %v", err, io.EOF)
	}
}

func TestArchive50InfoAfterOpen(t *testing.T) {
	data := archive50(main50Solid|main50Volume|main50Locked,
		storeEntry50("a.txt", []byte("x")))
	a, err := New(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	// The archive level flags are readable before the first entry is.
	if !a.Solid() || !a.MultiVolume() || !a.Locked() {
		t.Errorf("got solid %v volume %v locked %v, want all set",
			a.Solid(), a.MultiVolume(), a.Locked())
	}
	e, err := a.Next()
	if err != nil {
		t.Fatal(err)
	}
	if e.Name != "a.txt" {
		t.Errorf("got %q, want %q", e.Name, "a.txt")
	}
	if _, err := a.Next(); err != io.EOF {
		t.Errorf("got %v, want %v", err, io.EOF)
	}
}

func TestArchive50WideHash(t *testing.T) {
	content := []byte("wide hash verified content")
	sum := blake2s.Sum256(content)
	rec := buildRecord50(record50Hash, append(vintBytes(0), sum[:]...))
	fields := file50Fields("w.bin", 0, int64(len(content)), 0, 0)
	blk := buildBlock50(block50File, flag50ExtraArea|flag50DataArea, fields, rec, content)

	a, err := New(bytes.NewReader(archive50(0, blk)))
	if err != nil {
		t.Fatal(err)
	}
	e, err := a.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !e.HasWideHash || e.HasCRC32 {
		t.Fatalf("got hash %v crc %v, want wide hash only", e.HasWideHash, e.HasCRC32)
	}
	v, got, err := extractNamed(t, a, e)
	if err != nil || v != Verified || !bytes.Equal(got, content) {
		t.Errorf("got %v/%q/%v", v, got, err)
	}
}

func TestArchive50CRCMismatch(t *testing.T) {
	content := []byte("damaged content")
	fields := file50Fields("bad.bin", file50HasCRC32, int64(len(content)), 0xdeadbeef, 0)
	blk := buildBlock50(block50File, flag50DataArea, fields, nil, content)

	a, err := New(bytes.NewReader(archive50(0, blk)))
	if err != nil {
		t.Fatal(err)
	}
	e, err := a.Next()
	if err != nil {
		t.Fatal(err)
	}
	v, got, err := extractNamed(t, a, e)
	if !errors.Is(err, ErrIntegrityFailed) {
		t.Errorf("got %v, want %v", err, ErrIntegrityFailed)
	}
	if v != Mismatched {
		t.Errorf("got %v, want %v", v, Mismatched)
	}
	// The bytes were delivered before the verdict.
	if !bytes.Equal(got, content) {
		t.Errorf("got %q, want %q", got, content)
	}
}

func TestArchiveSFX(t *testing.T) {
	content := []byte("behind a stub")
	data := archive50(0, storeEntry50("s.txt", content))
	prefix := append([]byte("MZ"), bytes.Repeat([]byte("R!ar\x1a"), 100)...)

	a, err := New(bytes.NewReader(append(prefix, data...)))
	if err != nil {
		t.Fatal(err)
	}
	e, err := a.Next()
	if err != nil {
		t.Fatal(err)
	}
	v, got, err := extractNamed(t, a, e)
	if err != nil || v != Verified || !bytes.Equal(got, content) {
		t.Errorf("got %v/%q/%v", v, got, err)
	}
}

func TestArchive50Recovery(t *testing.T) {
	rrData := []byte{1, 2, 3, 4}
	rec := buildRecord50(record50ServiceData, []byte{5})
	fields := file50Fields(serviceRecoveryRecord, 0, int64(len(rrData)), 0, 0)
	blk := buildBlock50(block50Service, flag50ExtraArea|flag50DataArea, fields, rec, rrData)

	a, err := New(bytes.NewReader(archive50(main50Recovery, blk)))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Next(); err != io.EOF {
		t.Fatalf("got %v, want %v", err, io.EOF)
	}
	rr := a.RecoveryRecord()
	if !rr.Present || rr.Percent != 5 {
		t.Errorf("got %+v, want present at 5%%", rr)
	}
}

func TestArchive50EncryptedHeaders(t *testing.T) {
	data := append([]byte{}, sig50...)
	data = append(data, buildBlock50(block50Crypt, 0, vintBytes(0), nil, nil)...)

	a, err := New(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Next(); !errors.Is(err, ErrEncryptionKeyMissing) {
		t.Errorf("got %v, want %v", err, ErrEncryptionKeyMissing)
	}
}

// testKey mirrors the PBKDF2 derivation cmd/rardec performs from a
// password.
func testKey(password string) KeyFunc {
	return func(salt []byte, iterations int) ([]byte, error) {
		return pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New), nil
	}
}

// encryptedEntry50 assembles a store entry whose data area is AES-256-CBC
// under a PBKDF2 derivation of password.
func encryptedEntry50(name, password string, content []byte, kdfLog byte) []byte {
	salt := bytes.Repeat([]byte{0x5a}, 16)
	iv := bytes.Repeat([]byte{0xa5}, 16)

	padded := append([]byte{}, content...)
	for len(padded)%aes.BlockSize != 0 {
		padded = append(padded, 0)
	}
	key := pbkdf2.Key([]byte(password), salt, 1<<uint(kdfLog), 32, sha256.New)
	block, _ := aes.NewCipher(key)
	enc := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(enc, padded)

	payload := append(vintBytes(0), kdfLog)
	payload = append(payload, salt...)
	payload = append(payload, iv...)
	rec := buildRecord50(record50Crypt, payload)
	fields := file50Fields(name, file50HasCRC32, int64(len(content)),
		crc32.ChecksumIEEE(content), 0)
	return buildBlock50(block50File, flag50ExtraArea|flag50DataArea, fields, rec, enc)
}

func TestArchive50Encrypted(t *testing.T) {
	content := []byte("the secret payload, longer than one cipher block")
	data := archive50(0, encryptedEntry50("e.bin", "hunter2", content, 4))

	// Without a key source the key material is missing.
	a, err := New(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	e, err := a.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !e.Encrypted {
		t.Fatal("entry not marked encrypted")
	}
	if _, _, err := extractNamed(t, a, e); !errors.Is(err, ErrEncryptionKeyMissing) {
		t.Errorf("got %v, want %v", err, ErrEncryptionKeyMissing)
	}

	// With the right key material the entry decrypts and verifies.
	a, err = New(bytes.NewReader(data), WithKey(testKey("hunter2")))
	if err != nil {
		t.Fatal(err)
	}
	if e, err = a.Next(); err != nil {
		t.Fatal(err)
	}
	v, got, err := extractNamed(t, a, e)
	if err != nil || v != Verified || !bytes.Equal(got, content) {
		t.Errorf("got %v/%q/%v", v, got, err)
	}

	// With the wrong password's key the content decodes to noise and
	// mismatches.
	a, err = New(bytes.NewReader(data), WithKey(testKey("wrong")))
	if err != nil {
		t.Fatal(err)
	}
	if e, err = a.Next(); err != nil {
		t.Fatal(err)
	}
	if v, _, err := extractNamed(t, a, e); v != Mismatched || !errors.Is(err, ErrIntegrityFailed) {
		t.Errorf("got %v/%v, want mismatched", v, err)
	}
}

func TestArchive50KDFBound(t *testing.T) {
	// An absurd iteration count is rejected before any key derivation, so
	// the data area can be arbitrary.
	payload := append(vintBytes(0), 25)
	payload = append(payload, make([]byte, 32)...)
	rec := buildRecord50(record50Crypt, payload)
	fields := file50Fields("e.bin", 0, 16, 0, 0)
	blk := buildBlock50(block50File, flag50ExtraArea|flag50DataArea, fields, rec, make([]byte, 16))

	a, err := New(bytes.NewReader(archive50(0, blk)), WithKey(testKey("p")))
	if err != nil {
		t.Fatal(err)
	}
	e, err := a.Next()
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := extractNamed(t, a, e); !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("got %v, want %v", err, ErrMalformedHeader)
	}
}

func TestArchive50MultiVolume(t *testing.T) {
	content := []byte("spans two volumes of the chain")
	piece1, piece2 := content[:11], content[11:]

	vol1 := append([]byte{}, sig50...)
	vol1 = append(vol1, buildBlock50(block50Main, 0, vintBytes(main50Volume), nil, nil)...)
	f1 := file50Fields("big.bin", 0, int64(len(content)), 0, 0)
	vol1 = append(vol1, buildBlock50(block50File, flag50DataArea|flag50SplitAfter, f1, nil, piece1)...)
	vol1 = append(vol1, buildBlock50(block50End, 0, vintBytes(0x01), nil, nil)...)

	vol2 := append([]byte{}, sig50...)
	vol2 = append(vol2, buildBlock50(block50Main, 0,
		append(vintBytes(main50Volume|main50VolumeNumber), vintBytes(1)...), nil, nil)...)
	f2 := file50Fields("big.bin", file50HasCRC32, int64(len(content)),
		crc32.ChecksumIEEE(content), 0)
	vol2 = append(vol2, buildBlock50(block50File, flag50DataArea|flag50SplitBefore, f2, nil, piece2)...)
	vol2 = append(vol2, buildBlock50(block50End, 0, vintBytes(0), nil, nil)...)

	requested := 0
	a, err := New(bytes.NewReader(vol1), WithNextVolume(func(n int) (io.ReaderAt, error) {
		requested = n
		return bytes.NewReader(vol2), nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	e, err := a.Next()
	if err != nil {
		t.Fatal(err)
	}
	if requested != 1 {
		t.Errorf("got volume request %v, want 1", requested)
	}
	if !a.MultiVolume() {
		t.Error("archive not marked multi-volume")
	}
	if e.PackedSize != int64(len(content)) || !e.HasCRC32 {
		t.Errorf("got packed %v crc %v, want merged sizes", e.PackedSize, e.HasCRC32)
	}
	v, got, err := extractNamed(t, a, e)
	if err != nil || v != Verified || !bytes.Equal(got, content) {
		t.Errorf("got %v/%q/%v", v, got, err)
	}
	if _, err := a.Next(); err != io.EOF {
		t.Errorf("got %v, want %v", err, io.EOF)
	}
}

func TestArchive50MultiVolumeMissing(t *testing.T) {
	vol1 := append([]byte{}, sig50...)
	vol1 = append(vol1, buildBlock50(block50Main, 0, vintBytes(main50Volume), nil, nil)...)
	f1 := file50Fields("big.bin", 0, 10, 0, 0)
	vol1 = append(vol1, buildBlock50(block50File, flag50DataArea|flag50SplitAfter, f1, nil, []byte("12345"))...)
	vol1 = append(vol1, buildBlock50(block50End, 0, vintBytes(0x01), nil, nil)...)

	a, err := New(bytes.NewReader(vol1))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Next(); !errors.Is(err, ErrTruncatedStream) {
		t.Errorf("got %v, want %v", err, ErrTruncatedStream)
	}
}

func TestArchive15Store(t *testing.T) {
	content := []byte("legacy format content")
	blk := buildBlock15(block15File, flag15HasData,
		file15Body("old.txt", content, crc32.ChecksumIEEE(content)), content)

	a, err := New(bytes.NewReader(archive15(blk)))
	if err != nil {
		t.Fatal(err)
	}
	if a.Format() != Format15 {
		t.Errorf("got %v, want %v", a.Format(), Format15)
	}
	e, err := a.Next()
	if err != nil {
		t.Fatal(err)
	}
	if e.Name != "old.txt" || e.Method != MethodStore || e.HostOS != HostUnix {
		t.Errorf("got %q/%v/%v", e.Name, e.Method, e.HostOS)
	}
	if e.WindowLog != 16 {
		t.Errorf("got window log %v, want 16", e.WindowLog)
	}
	if want := time.Date(2020, time.June, 15, 10, 30, 20, 0, time.UTC); !e.ModificationTime.Equal(want) {
		t.Errorf("got %v, want %v", e.ModificationTime, want)
	}
	v, got, err := extractNamed(t, a, e)
	if err != nil || v != Verified || !bytes.Equal(got, content) {
		t.Errorf("got %v/%q/%v", v, got, err)
	}
	if _, err := a.Next(); err != io.EOF {
		t.Errorf("got %v, want %v", err, io.EOF)
	}
}

func TestArchive15CorruptHeader(t *testing.T) {
	data := archive15()
	// Flip a bit inside the main block header, behind its checksum.
	data[len(sig15)+3] ^= 0x01
	a, err := New(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Next(); !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("got %v, want %v", err, ErrMalformedHeader)
	}
}

func TestArchive15LegacyEncrypted(t *testing.T) {
	content := []byte("ciphertext stand-in")
	body := file15Body("sec.txt", content, crc32.ChecksumIEEE(content))
	blk := buildBlock15(block15File, flag15HasData|file15Password, body, content)

	a, err := New(bytes.NewReader(archive15(blk)), WithKey(testKey("pw")))
	if err != nil {
		t.Fatal(err)
	}
	e, err := a.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !e.Encrypted {
		t.Fatal("entry not marked encrypted")
	}
	// The legacy cipher is not implemented; key material does not help.
	if _, _, err := extractNamed(t, a, e); !errors.Is(err, ErrEncryptionKeyMissing) {
		t.Errorf("got %v, want %v", err, ErrEncryptionKeyMissing)
	}
}

func TestArchive14Store(t *testing.T) {
	content := []byte("oldest format")
	a, err := New(bytes.NewReader(archive14("OLD.TXT", content)))
	if err != nil {
		t.Fatal(err)
	}
	if a.Format() != Format14 {
		t.Errorf("got %v, want %v", a.Format(), Format14)
	}
	e, err := a.Next()
	if err != nil {
		t.Fatal(err)
	}
	if e.Name != "OLD.TXT" || e.HostOS != HostMSDOS || e.Version != 13 {
		t.Errorf("got %q/%v/%v", e.Name, e.HostOS, e.Version)
	}
	if e.Method != MethodStore {
		t.Errorf("got %v, want %v", e.Method, MethodStore)
	}
	// This generation's 16 bit checksum is not evaluated.
	v, got, err := extractNamed(t, a, e)
	if err != nil || v != VerificationUnsupported || !bytes.Equal(got, content) {
		t.Errorf("got %v/%q/%v", v, got, err)
	}
	if _, err := a.Next(); err != io.EOF {
		t.Errorf("got %v, want %v", err, io.EOF)
	}
}

func TestDumpBlocks(t *testing.T) {
	data := archive50(0, storeEntry50("a.txt", []byte("x")))
	var out strings.Builder
	if err := DumpBlocks(bytes.NewReader(data), &out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"rar5.0 signature", "main", "file", "a.txt", "end"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestNoSignature(t *testing.T) {
	if _, err := New(bytes.NewReader(bytes.Repeat([]byte("no archive here "), 4))); !errors.Is(err, ErrMalformedHeader) {
		t.Errorf("got %v, want %v", err, ErrMalformedHeader)
	}
}
