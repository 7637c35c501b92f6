package elfinject

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sad0p/postject/internal/outcome"
	"github.com/sad0p/postject/internal/testbin"
)

func writeTarget(t *testing.T, contents []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target")
	require.NoError(t, os.WriteFile(path, contents, 0755))
	return path
}

// resolve follows the pointer symbol like the runtime API does and returns the
// directory plus each resource's bytes.
func resolve(t *testing.T, contents []byte) ([]Entry, map[string][]byte) {
	t.Helper()
	tb, err := Parse(contents)
	require.NoError(t, err)
	entries, err := tb.Directory()
	require.NoError(t, err)

	blobs := make(map[string][]byte)
	for _, e := range entries {
		b, err := tb.ReadAt(e.Addr, e.Size)
		require.NoError(t, err)
		blobs[e.Name] = b
	}
	return entries, blobs
}

func TestDirectoryEncoding(t *testing.T) {
	entries := []Entry{{Name: "NODE_JS", Addr: 0x1122334455667788, Size: 3}, {Name: "b", Addr: 0x10, Size: 0}}

	raw, err := MarshalDirectory(entries, binary.BigEndian)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 2}, raw[:4])
	assert.Equal(t, []byte("NODE_JS\x00"), raw[4:12])
	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88}, raw[12:20])
	assert.Equal(t, []byte{0, 0, 0, 3}, raw[20:24])
	assert.Len(t, raw, 4+(8+12)+(2+12))

	got, err := ParseDirectory(raw, binary.BigEndian)
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	_, err = ParseDirectory(raw[:len(raw)-1], binary.BigEndian)
	assert.ErrorIs(t, err, outcome.ErrInconsistent)

	_, err = MarshalDirectory([]Entry{{Name: "a\x00b"}}, binary.LittleEndian)
	assert.Error(t, err)
}

func TestInjectFresh(t *testing.T) {
	orig := testbin.ELF(testbin.ELFOptions{})
	out, res, err := inject(append([]byte(nil), orig...), "NODE_JS", []byte("hi"), false)
	require.NoError(t, err)
	assert.Equal(t, outcome.Inserted, res)

	f, err := elf.NewFile(bytes.NewReader(out))
	require.NoError(t, err)

	sht := f.Section(ShtSectionName)
	require.NotNil(t, sht)
	assert.Equal(t, elf.SHF_ALLOC, sht.Flags&elf.SHF_ALLOC)
	sec := f.Section("NODE_JS")
	require.NotNil(t, sec)
	data, err := sec.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), data)

	// the directory address is stored in the pointer symbol
	ptr := binary.LittleEndian.Uint64(out[0x1000:])
	assert.Equal(t, sht.Addr, ptr)

	// both sections are mapped by a read-only PT_LOAD after every other one
	var last *elf.Prog
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			assert.True(t, last == nil || p.Vaddr > last.Vaddr, "PT_LOAD headers out of order")
			last = p
		}
	}
	require.NotNil(t, last)
	assert.Equal(t, elf.PF_R, last.Flags)
	assert.True(t, sht.Addr >= last.Vaddr && sht.Addr+sht.Size <= last.Vaddr+last.Filesz)
	assert.True(t, sec.Addr >= last.Vaddr && sec.Addr+sec.Size <= last.Vaddr+last.Filesz)
	assert.Equal(t, last.Off%last.Align, last.Vaddr%last.Align)

	entries, blobs := resolve(t, out)
	require.Len(t, entries, 1)
	assert.Equal(t, Entry{Name: "NODE_JS", Addr: sec.Addr, Size: 2}, entries[0])
	assert.Equal(t, []byte("hi"), blobs["NODE_JS"])

	// untouched sections survive
	text := f.Section(".text")
	require.NotNil(t, text)
	assert.Equal(t, uint64(testbin.ELFTextAddr+0x180), text.Addr)
}

func TestInjectAlreadyExistsAndOverwrite(t *testing.T) {
	path := writeTarget(t, testbin.ELF(testbin.ELFOptions{}))

	res, err := Inject(path, "NODE_JS", []byte("hi"), false)
	require.NoError(t, err)
	assert.Equal(t, outcome.Inserted, res)

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	res, err = Inject(path, "NODE_JS", []byte("bye!"), false)
	require.NoError(t, err)
	assert.Equal(t, outcome.AlreadyExists, res)
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after, "file modified on AlreadyExists")

	res, err = Inject(path, "NODE_JS", []byte("bye!"), true)
	require.NoError(t, err)
	assert.Equal(t, outcome.Inserted, res)

	after, err = os.ReadFile(path)
	require.NoError(t, err)
	entries, blobs := resolve(t, after)
	require.Len(t, entries, 1)
	assert.Equal(t, "NODE_JS", entries[0].Name)
	assert.Equal(t, uint32(4), entries[0].Size)
	assert.Equal(t, []byte("bye!"), blobs["NODE_JS"])

	f, err := elf.NewFile(bytes.NewReader(after))
	require.NoError(t, err)
	count := 0
	for _, s := range f.Sections {
		if s.Name == ShtSectionName {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestInjectManyKeepsEveryEntry(t *testing.T) {
	contents := testbin.ELF(testbin.ELFOptions{})
	names := []string{"one", "two", "three", "four"}

	var err error
	var res outcome.Outcome
	for i, name := range names {
		contents, res, err = inject(contents, name, bytes.Repeat([]byte{byte('a' + i)}, 10*(i+1)), false)
		require.NoError(t, err)
		require.Equal(t, outcome.Inserted, res)
	}

	entries, blobs := resolve(t, contents)
	require.Len(t, entries, len(names))
	// newest entry first, the rest in their previous order
	assert.Equal(t, "four", entries[0].Name)
	assert.Equal(t, []string{"three", "two", "one"}, []string{entries[1].Name, entries[2].Name, entries[3].Name})

	f, err := elf.NewFile(bytes.NewReader(contents))
	require.NoError(t, err)
	for i, name := range names {
		sec := f.Section(name)
		require.NotNil(t, sec, name)
		assert.Equal(t, bytes.Repeat([]byte{byte('a' + i)}, 10*(i+1)), blobs[name])
		for _, e := range entries {
			if e.Name == name {
				assert.Equal(t, sec.Addr, e.Addr)
				assert.Equal(t, uint32(sec.Size), e.Size)
			}
		}
	}
}

func TestInject32Bit(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		t.Run(order.String(), func(t *testing.T) {
			contents := testbin.ELF(testbin.ELFOptions{Class: elf.ELFCLASS32, Order: order})
			var err error
			var res outcome.Outcome
			contents, res, err = inject(contents, "first", []byte("aaaa"), false)
			require.NoError(t, err)
			require.Equal(t, outcome.Inserted, res)
			contents, res, err = inject(contents, "second", []byte("bb"), false)
			require.NoError(t, err)
			require.Equal(t, outcome.Inserted, res)

			f, err := elf.NewFile(bytes.NewReader(contents))
			require.NoError(t, err)
			assert.Equal(t, elf.ELFCLASS32, f.Class)
			sht := f.Section(ShtSectionName)
			require.NotNil(t, sht)

			// the placeholder is a 4-byte word; the bytes after it stay untouched
			assert.Equal(t, uint32(sht.Addr), order.Uint32(contents[0x1000:]))
			assert.Equal(t, make([]byte, 4), contents[0x1004:0x1008])

			entries, blobs := resolve(t, contents)
			require.Len(t, entries, 2)
			assert.Equal(t, "second", entries[0].Name)
			assert.Equal(t, []byte("aaaa"), blobs["first"])
			assert.Equal(t, []byte("bb"), blobs["second"])
			for _, e := range entries {
				sec := f.Section(e.Name)
				require.NotNil(t, sec, e.Name)
				assert.Equal(t, sec.Addr, e.Addr)
			}

			var last *elf.Prog
			for _, p := range f.Progs {
				if p.Type == elf.PT_LOAD {
					last = p
				}
			}
			require.NotNil(t, last)
			assert.Equal(t, elf.PF_R, last.Flags)
			assert.True(t, sht.Addr >= last.Vaddr && sht.Addr+sht.Size <= last.Vaddr+last.Filesz)

			_, res, err = inject(contents, "first", []byte("x"), false)
			require.NoError(t, err)
			assert.Equal(t, outcome.AlreadyExists, res)
		})
	}
}

func TestOverwriteKeepsOtherAddresses(t *testing.T) {
	contents := testbin.ELF(testbin.ELFOptions{})
	var err error
	contents, _, err = inject(contents, "first", []byte("aaaa"), false)
	require.NoError(t, err)
	contents, _, err = inject(contents, "second", []byte("bbbb"), false)
	require.NoError(t, err)

	before, _ := resolve(t, contents)
	addrOf := func(entries []Entry, name string) uint64 {
		for _, e := range entries {
			if e.Name == name {
				return e.Addr
			}
		}
		t.Fatalf("%s missing", name)
		return 0
	}

	contents, _, err = inject(contents, "first", bytes.Repeat([]byte("x"), 64), true)
	require.NoError(t, err)
	after, blobs := resolve(t, contents)
	require.Len(t, after, 2)
	assert.Equal(t, addrOf(before, "second"), addrOf(after, "second"))
	assert.Equal(t, []byte("bbbb"), blobs["second"])
	assert.Equal(t, bytes.Repeat([]byte("x"), 64), blobs["first"])
}

func TestInjectBigEndian(t *testing.T) {
	out, res, err := inject(testbin.ELF(testbin.ELFOptions{Order: binary.BigEndian}), "NODE_JS", []byte("hi"), false)
	require.NoError(t, err)
	assert.Equal(t, outcome.Inserted, res)

	f, err := elf.NewFile(bytes.NewReader(out))
	require.NoError(t, err)
	sht := f.Section(ShtSectionName)
	require.NotNil(t, sht)
	assert.Equal(t, sht.Addr, binary.BigEndian.Uint64(out[0x1000:]))

	raw, err := sht.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 1}, raw[:4])

	entries, blobs := resolve(t, out)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("hi"), blobs["NODE_JS"])
}

func TestInjectFaults(t *testing.T) {
	_, _, err := inject(testbin.ELF(testbin.ELFOptions{NoSymbol: true}), "NODE_JS", []byte("hi"), false)
	assert.ErrorIs(t, err, outcome.ErrInconsistent)

	_, _, err = inject(testbin.ELF(testbin.ELFOptions{SymbolInBSS: true}), "NODE_JS", []byte("hi"), false)
	assert.ErrorIs(t, err, outcome.ErrInconsistent)

	_, _, err = inject(testbin.ELF(testbin.ELFOptions{NoNote: true}), "NODE_JS", []byte("hi"), false)
	assert.ErrorIs(t, err, ErrNoNoteSegment)

	_, _, err = inject([]byte("not an elf at all, just text"), "NODE_JS", []byte("hi"), false)
	assert.ErrorIs(t, err, outcome.ErrMalformed)

	_, _, err = inject(testbin.ELF(testbin.ELFOptions{}), ShtSectionName, []byte("hi"), false)
	assert.Error(t, err)
}

func TestDirectoryMissingSection(t *testing.T) {
	contents, _, err := inject(testbin.ELF(testbin.ELFOptions{}), "first", []byte("aaaa"), false)
	require.NoError(t, err)

	// rename the injected section so the directory entry dangles
	tb, err := Parse(contents)
	require.NoError(t, err)
	tb.SectionByName("first").Name = "renamed"
	contents, err = tb.Bytes()
	require.NoError(t, err)

	_, _, err = inject(contents, "second", []byte("bbbb"), false)
	assert.ErrorIs(t, err, outcome.ErrInconsistent)
}

func TestRemoveForeignSection(t *testing.T) {
	tb, err := Parse(testbin.ELF(testbin.ELFOptions{}))
	require.NoError(t, err)
	assert.ErrorIs(t, tb.RemoveSection(".data"), ErrForeignSection)
}
