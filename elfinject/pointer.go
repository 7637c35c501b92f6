package elfinject

import (
	"bytes"
	"debug/elf"
	"math"

	"github.com/pkg/errors"

	"github.com/sad0p/postject/internal/outcome"
	"github.com/sad0p/postject/log"
)

// lookupSymbol finds a defined symbol in .symtab, then .dynsym.
func (t *TargetBin) lookupSymbol(name string) (elf.Symbol, error) {
	f, err := elf.NewFile(bytes.NewReader(t.Contents))
	if err != nil {
		return elf.Symbol{}, outcome.Malformedf("symbol tables: %v", err)
	}

	for _, load := range []func() ([]elf.Symbol, error){f.Symbols, f.DynamicSymbols} {
		syms, err := load()
		if err != nil {
			continue
		}
		for _, s := range syms {
			if s.Name != name || s.Section == elf.SHN_UNDEF {
				continue
			}
			if int(s.Section) < len(f.Sections) && f.Sections[s.Section].Type == elf.SHT_NOBITS {
				return elf.Symbol{}, outcome.Inconsistentf(
					"%s is stored in %s (SHT_NOBITS); initialise it with POSTJECT_SHT_PTR_SENTINEL",
					name, f.Sections[s.Section].Name)
			}
			return s, nil
		}
	}
	return elf.Symbol{}, outcome.Inconsistentf("symbol %s not found", name)
}

// readPointer returns the pointer currently stored in symbol.
func (t *TargetBin) readPointer(symbol string) (uint64, error) {
	off, err := t.pointerOffset(symbol)
	if err != nil {
		return 0, err
	}
	if t.is64() {
		return t.EIdent.Endianness.Uint64(t.Contents[off:]), nil
	}
	return uint64(t.EIdent.Endianness.Uint32(t.Contents[off:])), nil
}

func (t *TargetBin) pointerOffset(symbol string) (uint64, error) {
	sym, err := t.lookupSymbol(symbol)
	if err != nil {
		return 0, err
	}
	off, err := t.getFileOffset(sym.Value)
	if err != nil {
		return 0, outcome.Inconsistentf("%s: %v", symbol, err)
	}
	if off+uint64(t.ptrSize()) > t.base {
		return 0, outcome.Inconsistentf("%s storage at 0x%x out of bounds", symbol, off)
	}
	return off, nil
}

// PatchPointer overwrites the pointer stored in symbol with value, using the
// target's word size and byte order. No relocation is added, so a
// position-independent reader has to apply its load bias itself.
func (t *TargetBin) PatchPointer(symbol string, value uint64) error {
	off, err := t.pointerOffset(symbol)
	if err != nil {
		return err
	}

	if t.is64() {
		t.EIdent.Endianness.PutUint64(t.Contents[off:], value)
	} else {
		if value > math.MaxUint32 {
			return errors.Errorf("address 0x%x does not fit a 32-bit pointer", value)
		}
		t.EIdent.Endianness.PutUint32(t.Contents[off:], uint32(value))
	}
	log.Debugf("[+] %s (file offset 0x%x) now points to 0x%x", symbol, off, value)
	return nil
}
