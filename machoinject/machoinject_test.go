package machoinject

import (
	"bytes"
	"debug/macho"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sad0p/postject/internal/outcome"
	"github.com/sad0p/postject/internal/testbin"
)

const lcCodeSignature = 0x1d

func findSection(f *macho.File, seg, sect string) *macho.Section {
	for _, s := range f.Sections {
		if s.Seg == seg && s.Name == sect {
			return s
		}
	}
	return nil
}

func hasSignature(f *macho.File) bool {
	for _, l := range f.Loads {
		raw := l.Raw()
		if len(raw) >= 4 && f.ByteOrder.Uint32(raw) == lcCodeSignature {
			return true
		}
	}
	return false
}

func checkSlice(t *testing.T, f *macho.File, want []byte) {
	t.Helper()
	seg := f.Segment("__POSTJECT")
	require.NotNil(t, seg)
	assert.Equal(t, uint32(1), seg.Maxprot)
	assert.Equal(t, uint32(1), seg.Prot)

	sect := findSection(f, "__POSTJECT", "__NODE_JS")
	require.NotNil(t, sect)
	data, err := sect.Data()
	require.NoError(t, err)
	assert.Equal(t, want, data)

	le := f.Segment("__LINKEDIT")
	require.NotNil(t, le)
	assert.Equal(t, seg.Offset+seg.Filesz, le.Offset)
	assert.Equal(t, seg.Addr+seg.Memsz, le.Addr)
	assert.False(t, hasSignature(f), "code signature still present")

	// the symbol table moved along with __LINKEDIT
	require.NotNil(t, f.Symtab)
	require.Len(t, f.Symtab.Syms, 1)
	assert.Equal(t, "_main", f.Symtab.Syms[0].Name)

	text := findSection(f, "__TEXT", "__text")
	require.NotNil(t, text)
	code, err := text.Data()
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xc3}, 16), code)
}

func TestInjectThin(t *testing.T) {
	out, res, err := inject(testbin.MachO(testbin.MachOOptions{}), "__POSTJECT", "__NODE_JS", []byte("hello"), false)
	require.NoError(t, err)
	assert.Equal(t, outcome.Inserted, res)

	f, err := macho.NewFile(bytes.NewReader(out))
	require.NoError(t, err)
	checkSlice(t, f, []byte("hello"))
}

func TestInjectThin32(t *testing.T) {
	orig := testbin.MachO(testbin.MachOOptions{Is32: true})
	out, res, err := inject(orig, "__POSTJECT", "__NODE_JS", []byte("hello"), false)
	require.NoError(t, err)
	assert.Equal(t, outcome.Inserted, res)

	f, err := macho.NewFile(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, macho.Magic32, f.Magic)
	for _, l := range f.Loads {
		raw := l.Raw()
		assert.NotEqual(t, uint32(macho.LoadCmdSegment64), f.ByteOrder.Uint32(raw))
	}
	checkSlice(t, f, []byte("hello"))
	seg := f.Segment("__POSTJECT")
	assert.Equal(t, uint64(testbin.MachOTextAddr32+0x1000), seg.Addr)

	out, res, err = inject(out, "__POSTJECT", "__OTHER", []byte("xy"), false)
	require.NoError(t, err)
	assert.Equal(t, outcome.Inserted, res)
	f, err = macho.NewFile(bytes.NewReader(out))
	require.NoError(t, err)
	checkSlice(t, f, []byte("hello"))
	other := findSection(f, "__POSTJECT", "__OTHER")
	require.NotNil(t, other)
	data, err := other.Data()
	require.NoError(t, err)
	assert.Equal(t, []byte("xy"), data)
}

func TestInjectFat(t *testing.T) {
	fat := testbin.Fat(
		testbin.FatSlice{CPU: testbin.CPUAmd64, SubCPU: 3, Align: 12, Data: testbin.MachO(testbin.MachOOptions{})},
		testbin.FatSlice{CPU: testbin.CPUArm64, SubCPU: 0, Align: 14,
			Data: testbin.MachO(testbin.MachOOptions{CPU: testbin.CPUArm64})},
	)
	out, res, err := inject(fat, "__POSTJECT", "__NODE_JS", []byte("hello"), false)
	require.NoError(t, err)
	assert.Equal(t, outcome.Inserted, res)

	ff, err := macho.NewFatFile(bytes.NewReader(out))
	require.NoError(t, err)
	require.Len(t, ff.Arches, 2)
	for _, arch := range ff.Arches {
		assert.Zero(t, arch.Offset%(1<<arch.Align))
		checkSlice(t, arch.File, []byte("hello"))
	}

	_, res, err = inject(out, "__POSTJECT", "__NODE_JS", []byte("again"), false)
	require.NoError(t, err)
	assert.Equal(t, outcome.AlreadyExists, res)
}

func TestInjectOverwriteAndSecondSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "target")
	require.NoError(t, os.WriteFile(path, testbin.MachO(testbin.MachOOptions{}), 0755))

	res, err := Inject(path, "__POSTJECT", "__NODE_JS", []byte("hello"), false)
	require.NoError(t, err)
	require.Equal(t, outcome.Inserted, res)

	res, err = Inject(path, "__POSTJECT", "__OTHER", bytes.Repeat([]byte("z"), 0x1800), false)
	require.NoError(t, err)
	require.Equal(t, outcome.Inserted, res)

	before, err := os.ReadFile(path)
	require.NoError(t, err)
	res, err = Inject(path, "__POSTJECT", "__NODE_JS", []byte("bye!"), false)
	require.NoError(t, err)
	assert.Equal(t, outcome.AlreadyExists, res)
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	res, err = Inject(path, "__POSTJECT", "__NODE_JS", []byte("bye!"), true)
	require.NoError(t, err)
	assert.Equal(t, outcome.Inserted, res)

	f, err := macho.Open(path)
	require.NoError(t, err)
	defer f.Close()

	checkSlice(t, f, []byte("bye!"))
	other := findSection(f, "__POSTJECT", "__OTHER")
	require.NotNil(t, other)
	data, err := other.Data()
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("z"), 0x1800), data)

	count := 0
	for _, s := range f.Sections {
		if s.Seg == "__POSTJECT" {
			count++
		}
	}
	assert.Equal(t, 2, count)
	assert.Equal(t, uint64(0x2000), f.Segment("__POSTJECT").Filesz)
}

func TestInjectErrors(t *testing.T) {
	thin := testbin.MachO(testbin.MachOOptions{})

	_, _, err := inject(thin, "__POSTJECT", "__A_NAME_THAT_IS_TOO_LONG", []byte("x"), false)
	assert.Error(t, err)

	_, _, err = inject(thin, "__TEXT", "__NODE_JS", []byte("x"), false)
	assert.ErrorIs(t, err, ErrSegmentNotExtendable)

	_, _, err = inject([]byte("nope nope nope nope nope nope nope"), "__POSTJECT", "__NODE_JS", []byte("x"), false)
	assert.ErrorIs(t, err, outcome.ErrMalformed)
}

func TestMagic(t *testing.T) {
	assert.True(t, IsSingleArchitecture([]byte{0xcf, 0xfa, 0xed, 0xfe}))
	assert.True(t, IsSingleArchitecture([]byte{0xfe, 0xed, 0xfa, 0xce}))
	assert.False(t, IsSingleArchitecture([]byte{0xfe, 0xed}))

	assert.True(t, IsUniversal([]byte{0xca, 0xfe, 0xba, 0xbe, 0, 0, 0, 2}))
	// a Java class file: cafebabe, minor 0, major 52
	assert.False(t, IsUniversal([]byte{0xca, 0xfe, 0xba, 0xbe, 0, 0, 0, 52}))
	assert.False(t, IsUniversal([]byte{0xca, 0xfe, 0xba, 0xbe, 0, 0, 0, 0}))
}
