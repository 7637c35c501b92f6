package resource

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sad0p/postject/injector"
	"github.com/sad0p/postject/internal/testbin"
)

func injected(t *testing.T, contents []byte, resources map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "target")
	require.NoError(t, os.WriteFile(path, contents, 0755))
	for name, data := range resources {
		res, err := injector.Inject(injector.Request{Path: path, ResourceName: name, Data: []byte(data)})
		require.NoError(t, err)
		require.Equal(t, injector.Inserted, res.Status)
	}
	return path
}

func names(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestELF(t *testing.T) {
	path := injected(t, testbin.ELF(testbin.ELFOptions{}), map[string]string{"one": "first", "two": "second"})

	data, err := Find(path, "two", Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)

	entries, err := List(path, Options{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"one", "two"}, names(entries))
	for _, e := range entries {
		assert.NotZero(t, e.Addr)
		assert.Equal(t, "amd64", e.Arch)
	}

	_, err = Find(path, "three", Options{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestELFWithoutResources(t *testing.T) {
	path := injected(t, testbin.ELF(testbin.ELFOptions{}), nil)

	entries, err := List(path, Options{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = Find(path, "one", Options{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMachOFat(t *testing.T) {
	fat := testbin.Fat(
		testbin.FatSlice{CPU: testbin.CPUAmd64, SubCPU: 3, Align: 12, Data: testbin.MachO(testbin.MachOOptions{})},
		testbin.FatSlice{CPU: testbin.CPUArm64, Align: 14, Data: testbin.MachO(testbin.MachOOptions{CPU: testbin.CPUArm64})},
	)
	path := injected(t, fat, map[string]string{"blob": "fat data"})

	data, err := Find(path, "blob", Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte("fat data"), data)

	entries, err := List(path, Options{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "__blob", entries[0].Name)
	assert.Equal(t, uint32(8), entries[0].Size)
	assert.Equal(t, "amd64", entries[0].Arch)
	assert.Equal(t, "arm64", entries[1].Arch)

	_, err = Find(path, "blob", Options{MachoSegmentName: "__OTHER"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPE(t *testing.T) {
	path := injected(t, testbin.PE(testbin.PEOptions{WithResources: true}), map[string]string{"blob": "pe data"})

	data, err := Find(path, "Blob", Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte("pe data"), data)

	entries, err := List(path, Options{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "BLOB", entries[0].Name)
	assert.Equal(t, "amd64", entries[0].Arch)
	assert.NotZero(t, entries[0].Addr)
}

func TestUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script")
	require.NoError(t, os.WriteFile(path, []byte("echo hi"), 0644))

	_, err := List(path, Options{})
	assert.ErrorIs(t, err, ErrUnsupported)
}
