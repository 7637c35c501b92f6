package elfinject

import (
	"debug/elf"

	"github.com/pkg/errors"

	"github.com/sad0p/postject/log"
)

var ErrNoNoteSegment = errors.New("no PT_NOTE segment to convert into the injected segment")

// ptNoteToPtLoad creates the injected segment. The last PT_NOTE header is
// turned into a read-only PT_LOAD placed after the end of the file and after
// every other loadable segment in memory, then moved behind the last PT_LOAD
// so loadable headers stay sorted by address.
func (t *TargetBin) ptNoteToPtLoad() error {
	noteNdx := -1
	for i, p := range t.Phdrs {
		if elf.ProgType(p.Type) == elf.PT_NOTE {
			noteNdx = i
		}
	}
	if noteNdx < 0 {
		return ErrNoNoteSegment
	}
	log.Debugf("[+] PT_NOTE segment pHeader index @ %d", noteNdx)

	var maxEnd uint64
	align := uint64(PageSize)
	for _, p := range t.Phdrs {
		if elf.ProgType(p.Type) != elf.PT_LOAD {
			continue
		}
		if end := p.Vaddr + p.Memsz; end > maxEnd {
			maxEnd = end
		}
		if p.Align > align {
			align = p.Align
		}
	}

	off := alignUp(uint64(len(t.Contents)), PageSize)
	vaddr := alignUp(maxEnd, align) + off%align

	load := t.Phdrs[noteNdx]
	load.Type = uint32(elf.PT_LOAD)
	load.Flags = uint32(elf.PF_R)
	load.Off = off
	load.Vaddr = vaddr
	load.Paddr = vaddr
	load.Filesz = 0
	load.Memsz = 0
	load.Align = align
	log.Debugf("[+] Converting PT_NOTE to PT_LOAD and setting PERM R--")
	log.Debugf("[+] Newly created PT_LOAD virtual address starts at 0x%x (file offset 0x%x)", vaddr, off)

	phdrs := make([]elf.Prog64, 0, len(t.Phdrs))
	phdrs = append(phdrs, t.Phdrs[:noteNdx]...)
	phdrs = append(phdrs, t.Phdrs[noteNdx+1:]...)

	at := 0
	for i, p := range phdrs {
		if elf.ProgType(p.Type) == elf.PT_LOAD {
			at = i + 1
		}
	}
	phdrs = append(phdrs[:at], append([]elf.Prog64{load}, phdrs[at:]...)...)
	t.Phdrs = phdrs

	t.seg = &injectedSeg{
		phdrNdx: at,
		off:     off,
		vaddr:   vaddr,
		align:   align,
	}
	return nil
}
