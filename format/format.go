// Package format classifies executables by their leading bytes.
package format

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/sad0p/postject/machoinject"
)

type Format int

const (
	Unsupported Format = iota
	ELF
	MachO
	PE
)

func (f Format) String() string {
	switch f {
	case ELF:
		return "ELF"
	case MachO:
		return "Mach-O"
	case PE:
		return "PE"
	}
	return "unsupported"
}

const (
	headSize     = 64
	peOffsetAt   = 0x3c
	maxPEOffset  = 1 << 20
	elfMagic     = "\x7fELF"
	peSignature  = "PE\x00\x00"
	dosSignature = "MZ"
)

// Detect opens path and classifies it. A file that is none of the supported
// formats is Unsupported with a nil error; only I/O failures are errors.
func Detect(path string) (Format, error) {
	fh, err := os.Open(path)
	if err != nil {
		return Unsupported, errors.Wrapf(err, "open %s", path)
	}
	defer fh.Close()

	return DetectReader(fh)
}

// DetectReader classifies the image behind r.
func DetectReader(r io.ReaderAt) (Format, error) {
	head := make([]byte, headSize)
	n, err := r.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return Unsupported, errors.Wrap(err, "read header")
	}
	head = head[:n]

	f := DetectBytes(head)
	if f != PE {
		return f, nil
	}

	// the PE signature lives wherever e_lfanew says
	lfanew := int64(binary.LittleEndian.Uint32(head[peOffsetAt:]))
	sig := make([]byte, len(peSignature))
	if _, err := r.ReadAt(sig, lfanew); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Unsupported, nil
		}
		return Unsupported, errors.Wrap(err, "read PE signature")
	}
	if string(sig) != peSignature {
		return Unsupported, nil
	}
	return PE, nil
}

// DetectBytes classifies head. For PE it only checks the DOS header and a
// sane e_lfanew; when head reaches past e_lfanew the PE signature is checked
// too.
func DetectBytes(head []byte) Format {
	switch {
	case isELF(head):
		return ELF
	case machoinject.IsSingleArchitecture(head) || machoinject.IsUniversal(head):
		return MachO
	case bytes.HasPrefix(head, []byte(dosSignature)) && len(head) >= peOffsetAt+4:
		lfanew := binary.LittleEndian.Uint32(head[peOffsetAt:])
		if lfanew < peOffsetAt+4 || lfanew > maxPEOffset {
			return Unsupported
		}
		if end := int(lfanew) + len(peSignature); end <= len(head) && string(head[lfanew:end]) != peSignature {
			return Unsupported
		}
		return PE
	}
	return Unsupported
}

func isELF(head []byte) bool {
	if len(head) < 6 || !bytes.HasPrefix(head, []byte(elfMagic)) {
		return false
	}
	class, data := head[4], head[5]
	return (class == 1 || class == 2) && (data == 1 || data == 2)
}

// NormalizeName applies the naming convention each format uses for injected
// resources. Mach-O section names carry a "__" prefix, PE resource names are
// upper case and ELF names are used as given.
func NormalizeName(f Format, name string) string {
	switch f {
	case MachO:
		if !strings.HasPrefix(name, "__") {
			return "__" + name
		}
	case PE:
		return strings.ToUpper(name)
	}
	return name
}
