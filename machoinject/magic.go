package machoinject

import (
	"debug/macho"
	"encoding/binary"
)

// fatMaxArch bounds the slice count of a universal header. Java class files
// also start with 0xcafebabe and keep their version where the count sits.
const fatMaxArch = 30

// thinMagic decodes the first word of a thin Mach-O image.
func thinMagic(head []byte) (binary.ByteOrder, bool, bool) {
	if len(head) < 4 {
		return nil, false, false
	}
	for _, order := range []binary.ByteOrder{binary.BigEndian, binary.LittleEndian} {
		switch order.Uint32(head) {
		case macho.Magic32:
			return order, false, true
		case macho.Magic64:
			return order, true, true
		}
	}
	return nil, false, false
}

// IsSingleArchitecture reports whether head starts a thin Mach-O image of
// either byte order.
func IsSingleArchitecture(head []byte) bool {
	_, _, ok := thinMagic(head)
	return ok
}

// IsUniversal reports whether head starts a fat header with a plausible
// slice count.
func IsUniversal(head []byte) bool {
	if len(head) < fatHeaderSize || binary.BigEndian.Uint32(head) != macho.MagicFat {
		return false
	}
	n := binary.BigEndian.Uint32(head[4:])
	return n > 0 && n <= fatMaxArch
}
