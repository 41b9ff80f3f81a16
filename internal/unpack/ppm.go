// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package unpack

import (
	"errors"

	"github.com/cosnicolaou/rardec/internal/bitstream"
)

// ErrModelMemoryLimit is returned when a statistical block declares model
// parameters that are internally inconsistent: a continuation block with no
// model to continue, or an order bound no encoder could have produced. This
// signals structural corruption, not a runtime resource condition.
var ErrModelMemoryLimit = errors.New("unpack: invalid statistical model parameters")

// Frequency handling bounds. A context's total presented frequency,
// including the escape slot, must stay below rangeBot; rescaling halves the
// counts whenever the total crosses maxContextTotal.
const (
	maxContextTotal = 8192
	freqIncrement   = 4
)

// ppmState is one (symbol, frequency) pair within a context.
type ppmState struct {
	sym  byte
	freq uint16
}

// ppmContext is the frequency table observed under one suffix of the
// decoded history. The escape frequency is implicit: one count per distinct
// symbol present, so sparse young contexts escape cheaply.
type ppmContext struct {
	states []ppmState
	total  uint32
}

// ppmModel is the adaptive variable-order context model. Contexts are keyed
// by history suffix; decoding starts at the longest available order and
// falls through on escape events, excluding symbols already rejected by
// longer contexts. Every decoded symbol updates the matched context and
// seeds the symbol into each context that escaped.
type ppmModel struct {
	maxOrder int
	limit    int // approximate heap budget in bytes
	used     int

	ctx  map[string]*ppmContext
	hist []byte

	// scratch reused across decode calls
	excl    [256]bool
	pending []*ppmContext
}

func newPPMModel(maxOrder, limitBytes int) *ppmModel {
	m := &ppmModel{maxOrder: maxOrder, limit: limitBytes}
	m.restart()
	return m
}

// restart discards all learned statistics, as the originating compressor
// does when its allocator fills mid-stream. Both sides hit the budget at
// the same symbol, so the restart is deterministic.
func (m *ppmModel) restart() {
	m.ctx = map[string]*ppmContext{"": {}}
	m.hist = m.hist[:0]
	m.used = 64
}

// contextTotal sums the non-excluded frequencies and distinct symbol count.
func (m *ppmModel) contextTotal(c *ppmContext) (total uint32, n uint32) {
	for _, s := range c.states {
		if !m.excl[s.sym] {
			total += uint32(s.freq)
			n++
		}
	}
	return
}

// decodeByte decodes one symbol against rc and updates the model.
func (m *ppmModel) decodeByte(rc *rangeDecoder) (byte, error) {
	for i := range m.excl {
		m.excl[i] = false
	}
	m.pending = m.pending[:0]
	exclCount := 0

	order := len(m.hist)
	var matched *ppmContext
	var sym byte

	for ; order >= 0; order-- {
		c := m.ctx[string(m.hist[len(m.hist)-order:])]
		if c == nil {
			continue
		}
		total, n := m.contextTotal(c)
		if n == 0 {
			// Nothing predictable here: an escape with probability one
			// costs no bits, but the context still learns the symbol.
			m.pending = append(m.pending, c)
			continue
		}
		count := rc.currentCount(total + n)
		if count >= total {
			// Escape to the next shorter context.
			if err := rc.decode(total, n); err != nil {
				return 0, err
			}
			for _, s := range c.states {
				if !m.excl[s.sym] {
					m.excl[s.sym] = true
					exclCount++
				}
			}
			m.pending = append(m.pending, c)
			continue
		}
		var cum uint32
		for i := range c.states {
			s := &c.states[i]
			if m.excl[s.sym] {
				continue
			}
			if cum+uint32(s.freq) > count {
				if err := rc.decode(cum, uint32(s.freq)); err != nil {
					return 0, err
				}
				sym = s.sym
				matched = c
				s.freq += freqIncrement
				c.total += freqIncrement
				if c.total+uint32(len(c.states)) >= maxContextTotal {
					m.rescale(c)
				}
				break
			}
			cum += uint32(s.freq)
		}
		if matched == nil {
			return 0, ErrInvalidSymbol
		}
		break
	}

	if matched == nil {
		// Bottom context: uniform over the symbols no context predicted.
		total := uint32(256 - exclCount)
		if total == 0 {
			return 0, ErrInvalidSymbol
		}
		count := rc.currentCount(total)
		if count >= total {
			return 0, ErrInvalidSymbol
		}
		var cum uint32
		for i := 0; i < 256; i++ {
			if m.excl[i] {
				continue
			}
			if cum == count {
				sym = byte(i)
				break
			}
			cum++
		}
		if err := rc.decode(count, 1); err != nil {
			return 0, err
		}
	}

	// Seed the symbol into every context that escaped past it.
	for _, c := range m.pending {
		c.states = append(c.states, ppmState{sym: sym, freq: 1})
		c.total++
		m.used += 4
	}
	m.update(sym)
	return sym, nil
}

// update extends the history with sym and creates the contexts the next
// symbol will be predicted under.
func (m *ppmModel) update(sym byte) {
	m.hist = append(m.hist, sym)
	if len(m.hist) > m.maxOrder {
		m.hist = m.hist[1:]
	}
	for order := 1; order <= len(m.hist); order++ {
		key := string(m.hist[len(m.hist)-order:])
		if m.ctx[key] == nil {
			m.ctx[key] = &ppmContext{}
			m.used += 48 + order
		}
	}
	if m.used > m.limit {
		m.restart()
	}
}

// rescale halves the frequencies of c, dropping none below one.
func (m *ppmModel) rescale(c *ppmContext) {
	c.total = 0
	for i := range c.states {
		c.states[i].freq = (c.states[i].freq + 1) >> 1
		c.total += uint32(c.states[i].freq)
	}
}

// ppm29Decoder decodes the statistical blocks of a generation 2.9 stream.
// A reserved escape byte introduces control sequences: end of block, end of
// file, an embedded filter declaration, and two match forms that copy from
// the window without touching the model.
type ppm29Decoder struct {
	m   *ppmModel
	rc  rangeDecoder
	esc byte
}

func (d *ppm29Decoder) reset() {
	d.m = nil
}

// init reads the model parameter header: a 7 bit flags field, optionally a
// memory budget byte and an escape byte, then primes the range coder.
func (d *ppm29Decoder) init(br *bitstream.Reader) error {
	n, err := br.ReadBits(7)
	if err != nil {
		return err
	}
	if n&0x20 != 0 {
		mb, err := br.ReadByte()
		if err != nil {
			return err
		}
		maxOrder := n&0x1f + 1
		if maxOrder > 16 {
			maxOrder = 16 + (maxOrder-16)*3
		}
		if maxOrder == 1 {
			return ErrModelMemoryLimit
		}
		d.m = newPPMModel(maxOrder, (int(mb)+1)<<20)
	} else if d.m == nil {
		// A continuation block with no model to continue.
		return ErrModelMemoryLimit
	}
	if n&0x40 != 0 {
		c, err := br.ReadByte()
		if err != nil {
			return err
		}
		d.esc = c
	}
	return d.rc.init(br)
}

func (d *ppm29Decoder) readByte() (byte, error) {
	return d.m.decodeByte(&d.rc)
}

// readFilterData reads an embedded filter declaration; its bytes are model
// coded like any other symbol.
func (d *ppm29Decoder) readFilterData() ([]byte, error) {
	flags, err := d.readByte()
	if err != nil {
		return nil, err
	}
	n := int(flags&7) + 1
	switch n {
	case 7:
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		n = int(b) + 7
	case 8:
		b1, err := d.readByte()
		if err != nil {
			return nil, err
		}
		b2, err := d.readByte()
		if err != nil {
			return nil, err
		}
		n = int(b1)<<8 | int(b2)
	}
	buf := make([]byte, n+1)
	buf[0] = flags
	for i := 1; i < len(buf); i++ {
		if buf[i], err = d.readByte(); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// decode performs one decode operation against the window, mirroring the
// lz decoder's contract: a literal or control sequence per call, raw filter
// declarations returned to the caller.
func (d *ppm29Decoder) decode(win *window) ([]byte, error) {
	c, err := d.readByte()
	if err != nil {
		return nil, err
	}
	if c != d.esc {
		win.writeByte(c)
		return nil, nil
	}

	n, err := d.readByte()
	if err != nil {
		return nil, err
	}
	switch n {
	case 0:
		return nil, endOfBlock
	case 2:
		return nil, endOfBlockAndFile
	case 3:
		return d.readFilterData()
	case 4:
		// A match coded inside the statistical stream.
		offset := 0
		for i := 0; i < 3; i++ {
			b, err := d.readByte()
			if err != nil {
				return nil, err
			}
			offset = offset<<8 | int(b)
		}
		length, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return nil, win.copyBytes(int(length)+32, offset+2)
	case 5:
		// A short run copying the immediately preceding byte.
		length, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return nil, win.copyBytes(int(length)+4, 1)
	}
	// The escape byte occurred as a literal.
	win.writeByte(d.esc)
	return nil, nil
}
