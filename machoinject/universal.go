package machoinject

import (
	"bytes"
	"debug/macho"
	"encoding/binary"

	"github.com/sad0p/postject/internal/outcome"
)

const (
	fatHeaderSize = 8
	fatArchSize   = 20
	maxFatAlign   = 31
)

// readFatArchs returns the slice records of a universal file. Every slice
// has to start after the records and end inside data.
func readFatArchs(data []byte) ([]macho.FatArchHeader, error) {
	if !IsUniversal(data) {
		return nil, outcome.Malformedf("not a universal Mach-O file")
	}
	n := int(binary.BigEndian.Uint32(data[4:]))
	end := fatHeaderSize + n*fatArchSize
	if end > len(data) {
		return nil, outcome.Malformedf("universal header truncated")
	}

	archs := make([]macho.FatArchHeader, n)
	if err := binary.Read(bytes.NewReader(data[fatHeaderSize:end]), binary.BigEndian, archs); err != nil {
		return nil, outcome.Malformedf("universal header: %v", err)
	}
	for i, a := range archs {
		if a.Align > maxFatAlign {
			return nil, outcome.Malformedf("slice %d alignment 2^%d too large", i, a.Align)
		}
		if a.Offset < uint32(end) || uint64(a.Offset)+uint64(a.Size) > uint64(len(data)) {
			return nil, outcome.Malformedf("universal slice %d out of bounds", i)
		}
	}
	return archs, nil
}

// writeFat lays slices out after a fresh universal header, each at its
// record's alignment. Offsets and sizes in archs are rewritten.
func writeFat(archs []macho.FatArchHeader, slices [][]byte) ([]byte, error) {
	off := uint64(fatHeaderSize + len(archs)*fatArchSize)
	for i := range archs {
		off = alignUp(off, uint64(1)<<archs[i].Align)
		if off+uint64(len(slices[i])) > 1<<32-1 {
			return nil, outcome.Malformedf("universal file exceeds 4GiB")
		}
		archs[i].Offset = uint32(off)
		archs[i].Size = uint32(len(slices[i]))
		off += uint64(len(slices[i]))
	}

	hdr := new(bytes.Buffer)
	binary.Write(hdr, binary.BigEndian, [2]uint32{macho.MagicFat, uint32(len(archs))})
	binary.Write(hdr, binary.BigEndian, archs)

	out := make([]byte, off)
	copy(out, hdr.Bytes())
	for i, a := range archs {
		copy(out[a.Offset:], slices[i])
	}
	return out, nil
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}
