// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package rardec

import "time"

// parseDOSTime decodes the two-second-precision packed timestamp used by
// the legacy header format. Out of range fields yield the zero time.
func parseDOSTime(v uint32) time.Time {
	sec := int(v&0x1f) * 2
	min := int(v>>5) & 0x3f
	hour := int(v>>11) & 0x1f
	day := int(v>>16) & 0x1f
	month := time.Month(int(v>>21) & 0x0f)
	year := int(v>>25) + 1980
	if month < time.January || month > time.December || day == 0 {
		return time.Time{}
	}
	return time.Date(year, month, day, hour, min, sec, 0, time.UTC)
}

// parseWindowsTime decodes a 64 bit count of 100ns intervals since
// 1601-01-01.
func parseWindowsTime(v uint64) time.Time {
	const epochDelta = 116444736000000000 // 1601 to 1970 in 100ns units
	t := int64(v) - epochDelta
	return time.Unix(t/10000000, t%10000000*100).UTC()
}

// extendedTimes decodes the legacy extended-time field trailing a file
// header: a 16 bit flags word holding one nibble per timestamp
// (modification, creation, access, archive), each nibble carrying a
// presence bit, an add-a-second bit and the byte width of a 100ns
// increment.
type extendedTimes struct {
	Modification time.Time
	Creation     time.Time
	Access       time.Time
}

func readExtendedTimes(c *cursor, mtime time.Time) extendedTimes {
	flags := c.u16()
	et := extendedTimes{Modification: mtime}

	read := func(shift uint, base time.Time, haveBase bool) time.Time {
		f := byte(flags>>(shift*4)) & 0xf
		if f&0x8 == 0 {
			return base
		}
		if !haveBase {
			base = parseDOSTime(c.u32())
		}
		if f&0x4 != 0 {
			base = base.Add(time.Second)
		}
		prec := int(f & 0x3)
		var inc uint32
		for i := 0; i < prec; i++ {
			inc |= uint32(c.u8()) << uint(8*i)
		}
		inc <<= uint((3 - prec) * 8)
		return base.Add(time.Duration(inc) * 100 * time.Nanosecond)
	}

	et.Modification = read(3, mtime, true)
	et.Creation = read(2, time.Time{}, false)
	et.Access = read(1, time.Time{}, false)
	read(0, time.Time{}, false) // archive time, unused
	return et
}
