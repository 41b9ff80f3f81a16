// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package rardec

import (
	"fmt"
	"io"
)

func (k blockKind) String() string {
	switch k {
	case blockMain:
		return "main"
	case blockFile:
		return "file"
	case blockService:
		return "service"
	case blockCrypt:
		return "crypt"
	case blockEnd:
		return "end"
	}
	return "other"
}

// DumpBlocks writes a one line summary of every block header in a single
// volume to w. It is a debugging aid: entries split across volumes are not
// merged and block data is not decoded.
func DumpBlocks(src io.ReaderAt, w io.Writer) error {
	format, off, err := findSignature(src)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%v signature, first block at %#x\n", format, off)
	sc := newScanner(&volume{src: src, off: off, format: format})
	for {
		b, err := sc.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%08x %-8s header %4d data %8d", b.offset, b.kind, b.headerSize, b.dataSize)
		if b.entry != nil && b.entry.Name != "" {
			fmt.Fprintf(w, " %s", b.entry.Name)
		}
		if b.serviceName != "" {
			fmt.Fprintf(w, " [%s]", b.serviceName)
		}
		if b.splitBefore || b.splitAfter {
			fmt.Fprintf(w, " split(%v,%v)", b.splitBefore, b.splitAfter)
		}
		fmt.Fprintln(w)
		if b.kind == blockEnd {
			return nil
		}
	}
}
