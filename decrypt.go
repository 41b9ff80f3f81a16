// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package rardec

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"
)

// entryCrypt holds the encryption parameters of one 5.0 format entry: the
// packed data is AES-256-CBC, keyed per entry through the session's KeyFunc
// with the header's salt and iteration count.
type entryCrypt struct {
	kdfLog   byte
	salt     [16]byte
	iv       [16]byte
	check    [12]byte
	hasCheck bool
}

const maxKDFLog = 24

// decryptingReader wraps an entry's packed data stream in its cipher. The
// legacy format's proprietary cipher is not implemented; its entries always
// report a missing key.
func (a *Archive) decryptingReader(e *Entry, src io.Reader) (io.Reader, error) {
	if a.opts.key == nil {
		return nil, fmt.Errorf("%w: entry %q is encrypted", ErrEncryptionKeyMissing, e.Name)
	}
	if e.crypt == nil {
		return nil, fmt.Errorf("%w: no key derivation parameters for legacy encrypted entry %q", ErrEncryptionKeyMissing, e.Name)
	}
	if e.crypt.kdfLog > maxKDFLog {
		return nil, fmt.Errorf("%w: key derivation count 2^%d", ErrMalformedHeader, e.crypt.kdfLog)
	}
	key, err := a.opts.key(e.crypt.salt[:], 1<<e.crypt.kdfLog)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: derived key is %d bytes, want 32", ErrEncryptionKeyMissing, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &cbcReader{
		src:  src,
		mode: cipher.NewCBCDecrypter(block, e.crypt.iv[:]),
	}, nil
}

// cbcReader decrypts whole cipher blocks as they stream past. A trailing
// partial block is a truncated stream: packed sizes of encrypted entries are
// always block aligned.
type cbcReader struct {
	src  io.Reader
	mode cipher.BlockMode
	buf  [4096]byte
	out  []byte
	err  error
}

func (r *cbcReader) Read(p []byte) (int, error) {
	for len(r.out) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		n, err := io.ReadFull(r.src, r.buf[:])
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		if n%aes.BlockSize != 0 {
			n -= n % aes.BlockSize
			err = ErrTruncatedStream
		}
		if err != nil {
			r.err = err
		}
		if n == 0 {
			return 0, r.err
		}
		r.mode.CryptBlocks(r.buf[:n], r.buf[:n])
		r.out = r.buf[:n]
	}
	n := copy(p, r.out)
	r.out = r.out[n:]
	return n, nil
}
