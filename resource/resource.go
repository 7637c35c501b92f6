// Package resource reads injected resources back out of an executable on
// disk, resolving them the same way the embedded program does at runtime.
package resource

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"fmt"

	"github.com/pkg/errors"

	"github.com/sad0p/postject/config"
	"github.com/sad0p/postject/elfinject"
	"github.com/sad0p/postject/format"
	"github.com/sad0p/postject/internal/binfile"
	"github.com/sad0p/postject/machoinject"
	"github.com/sad0p/postject/peinject"
)

var (
	ErrNotFound    = errors.New("resource not found")
	ErrUnsupported = errors.New("unsupported executable format")
)

type Options struct {
	// MachoSegmentName defaults to config.DefaultMachoSegmentName.
	MachoSegmentName string
}

func (o Options) segment() string {
	if o.MachoSegmentName == "" {
		return config.DefaultMachoSegmentName
	}
	return o.MachoSegmentName
}

// Entry describes one injected resource. Addr is a virtual address for ELF
// and Mach-O and an RVA for PE. Arch names the Mach-O slice or the machine.
type Entry struct {
	Name string
	Addr uint64
	Size uint32
	Arch string
	data []byte
}

// Find returns the bytes of the resource called name. The name goes through
// the same normalization as at injection time. In a fat Mach-O file the first
// slice that has the resource wins.
func Find(path, name string, opts Options) ([]byte, error) {
	f, entries, err := load(path, opts)
	if err != nil {
		return nil, err
	}
	want := format.NormalizeName(f, name)
	for _, e := range entries {
		if e.Name == want {
			return e.data, nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "%s in %s", want, path)
}

// List returns every injected resource in path. A file without any is an
// empty list, not an error.
func List(path string, opts Options) ([]Entry, error) {
	_, entries, err := load(path, opts)
	return entries, err
}

func load(path string, opts Options) (format.Format, []Entry, error) {
	contents, err := binfile.Read(path)
	if err != nil {
		return format.Unsupported, nil, err
	}

	f := format.DetectBytes(contents)
	var entries []Entry
	switch f {
	case format.ELF:
		entries, err = listELF(contents)
	case format.MachO:
		entries, err = listMachO(contents, opts.segment())
	case format.PE:
		entries, err = listPE(contents)
	default:
		return f, nil, errors.Wrap(ErrUnsupported, path)
	}
	if err != nil {
		return f, nil, errors.Wrapf(err, "read resources of %s", path)
	}
	return f, entries, nil
}

func listELF(contents []byte) ([]Entry, error) {
	t, err := elfinject.Parse(contents)
	if err != nil {
		return nil, err
	}
	dir, err := t.Directory()
	if errors.Is(err, elfinject.ErrNoDirectory) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	arch := elfArch(elf.Machine(t.Hdr.Machine))
	entries := make([]Entry, 0, len(dir))
	for _, d := range dir {
		data, err := t.ReadAt(d.Addr, d.Size)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Name: d.Name, Addr: d.Addr, Size: d.Size, Arch: arch, data: data})
	}
	return entries, nil
}

func listMachO(contents []byte, segment string) ([]Entry, error) {
	if !machoinject.IsUniversal(contents) {
		f, err := macho.NewFile(bytes.NewReader(contents))
		if err != nil {
			return nil, err
		}
		return machoSections(f, segment)
	}

	ff, err := macho.NewFatFile(bytes.NewReader(contents))
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, arch := range ff.Arches {
		got, err := machoSections(arch.File, segment)
		if err != nil {
			return nil, err
		}
		entries = append(entries, got...)
	}
	return entries, nil
}

func machoSections(f *macho.File, segment string) ([]Entry, error) {
	var entries []Entry
	for _, s := range f.Sections {
		if s.Seg != segment {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Name: s.Name, Addr: s.Addr, Size: uint32(s.Size), Arch: machoArch(f.Cpu), data: data})
	}
	return entries, nil
}

func elfArch(m elf.Machine) string {
	switch m {
	case elf.EM_386:
		return "386"
	case elf.EM_X86_64:
		return "amd64"
	case elf.EM_ARM:
		return "arm"
	case elf.EM_AARCH64:
		return "arm64"
	case elf.EM_PPC64:
		return "ppc64"
	case elf.EM_RISCV:
		return "riscv64"
	default:
		return m.String()
	}
}

func machoArch(cpu macho.Cpu) string {
	switch cpu {
	case macho.Cpu386:
		return "386"
	case macho.CpuAmd64:
		return "amd64"
	case macho.CpuArm:
		return "arm"
	case macho.CpuArm64:
		return "arm64"
	case macho.CpuPpc:
		return "ppc"
	case macho.CpuPpc64:
		return "ppc64"
	default:
		return cpu.String()
	}
}

var peMachines = map[uint16]string{
	pe.IMAGE_FILE_MACHINE_I386:  "386",
	pe.IMAGE_FILE_MACHINE_AMD64: "amd64",
	pe.IMAGE_FILE_MACHINE_ARMNT: "arm",
	pe.IMAGE_FILE_MACHINE_ARM64: "arm64",
}

func listPE(contents []byte) ([]Entry, error) {
	f, err := pe.NewFile(bytes.NewReader(contents))
	if err != nil {
		return nil, err
	}
	arch, ok := peMachines[f.FileHeader.Machine]
	if !ok {
		arch = fmt.Sprintf("0x%x", f.FileHeader.Machine)
	}

	tree, err := peinject.ReadResources(contents)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, tn := range tree.Types {
		if tn.Key != peinject.IDKey(peinject.RTRCData) {
			continue
		}
		for _, nn := range tn.Names {
			if !nn.Key.Named || len(nn.Langs) == 0 {
				continue
			}
			leaf := nn.Langs[0]
			entries = append(entries, Entry{Name: nn.Key.Name, Addr: uint64(leaf.RVA), Size: uint32(len(leaf.Data)), Arch: arch, data: leaf.Data})
		}
	}
	return entries, nil
}
