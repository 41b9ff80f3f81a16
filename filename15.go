// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package rardec

// decodeLegacyName decodes the legacy unicode filename field. The field
// holds the code page name, a zero byte, then an opcode stream: a high
// byte prefix followed by two-bit opcodes (four per flag byte) selecting
// how each output character is built — a raw byte, a byte under the high
// prefix, a full 16 bit code unit, or a copy run from the code page name
// with an optional byte correction.
func decodeLegacyName(b []byte) string {
	zero := -1
	for i, c := range b {
		if c == 0 {
			zero = i
			break
		}
	}
	if zero < 0 {
		return string(b)
	}
	if zero == len(b)-1 {
		return string(b[:zero])
	}

	name := b[:zero]
	enc := b[zero+1:]
	if len(enc) == 0 {
		return string(name)
	}

	var out []rune
	pos := 0
	highByte := rune(enc[pos]) << 8
	pos++

	var flags byte
	for counter := 0; pos < len(enc); counter++ {
		if counter%4 == 0 {
			flags = enc[pos]
			pos++
			if pos >= len(enc) {
				break
			}
		}
		switch (flags >> uint((3-counter%4)*2)) & 0x3 {
		case 0:
			out = append(out, rune(enc[pos]))
			pos++
		case 1:
			out = append(out, rune(enc[pos])|highByte)
			pos++
		case 2:
			if pos+1 < len(enc) {
				out = append(out, rune(enc[pos])|rune(enc[pos+1])<<8)
			}
			pos += 2
		case 3:
			length := enc[pos]
			pos++
			if length&0x80 != 0 {
				if pos >= len(enc) {
					break
				}
				correction := rune(enc[pos])
				pos++
				for n := int(length&0x7f) + 2; n > 0 && len(out) < len(name); n-- {
					out = append(out, (rune(name[len(out)])+correction)&0xff|highByte)
				}
			} else {
				for n := int(length) + 2; n > 0 && len(out) < len(name); n-- {
					out = append(out, rune(name[len(out)]))
				}
			}
		}
	}
	return string(out)
}
