// Package testbin synthesizes small but well-formed executables for tests.
// The images are never run; they only have to satisfy the parsers in this
// module and in the debug/* packages.
package testbin

import (
	"bytes"
	"encoding/binary"
)

func put(buf []byte, off uint64, order binary.ByteOrder, v interface{}) {
	b := new(bytes.Buffer)
	if err := binary.Write(b, order, v); err != nil {
		panic(err)
	}
	copy(buf[off:], b.Bytes())
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}
