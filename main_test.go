package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sad0p/postject/config"
	"github.com/sad0p/postject/internal/testbin"
	"github.com/sad0p/postject/resource"
)

type cli struct {
	dir      string
	target   string
	resource string
}

func newCLI(t *testing.T, target []byte) *cli {
	t.Helper()
	c := &cli{dir: t.TempDir()}
	c.target = filepath.Join(c.dir, "app")
	c.resource = filepath.Join(c.dir, "blob.bin")
	require.NoError(t, os.WriteFile(c.target, target, 0755))
	require.NoError(t, os.WriteFile(c.resource, []byte("resource data"), 0644))
	return c
}

func execute(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestInjectAndOverwrite(t *testing.T) {
	c := newCLI(t, testbin.ELF(testbin.ELFOptions{}))

	code, stdout, _ := execute(c.target, "foo", c.resource)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "Injection done")

	code, _, stderr := execute(c.target, "foo", c.resource)
	assert.Equal(t, exitAlreadyExists, code)
	assert.Contains(t, stderr, "already exists")
	assert.Contains(t, stderr, "Use --overwrite to overwrite the existing content")

	require.NoError(t, os.WriteFile(c.resource, []byte("second"), 0644))
	code, _, _ = execute("--overwrite", c.target, "foo", c.resource)
	assert.Equal(t, exitOK, code)

	data, err := resource.Find(c.target, "foo", resource.Options{})
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)
}

func TestMachOSegmentFromEnv(t *testing.T) {
	t.Setenv(config.EnvMachoSegmentName, "__ENVSEG")
	c := newCLI(t, testbin.MachO(testbin.MachOOptions{}))

	code, _, stderr := execute(c.target, "foo", c.resource)
	require.Equal(t, exitOK, code, stderr)

	data, err := resource.Find(c.target, "foo", resource.Options{MachoSegmentName: "__ENVSEG"})
	require.NoError(t, err)
	assert.Equal(t, []byte("resource data"), data)

	code, stdout, _ := execute("list", "--macho-segment-name", "__ENVSEG", c.target)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "__foo")
}

func TestList(t *testing.T) {
	c := newCLI(t, testbin.PE(testbin.PEOptions{}))

	code, stdout, _ := execute("list", c.target)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "No resources")

	code, _, _ = execute(c.target, "blob", c.resource)
	require.Equal(t, exitOK, code)

	code, stdout, _ = execute("list", c.target)
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "BLOB")
	assert.Contains(t, stdout, "amd64")
	assert.Contains(t, stdout, "13")
}

func TestFailures(t *testing.T) {
	c := newCLI(t, []byte("plain text"))

	code, _, stderr := execute(c.target, "foo", c.resource)
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "supported format")

	code, _, _ = execute(c.target, "foo")
	assert.Equal(t, exitFailure, code)

	code, _, stderr = execute(c.target, "foo", filepath.Join(c.dir, "missing"))
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "resource file")

	broken := newCLI(t, testbin.ELF(testbin.ELFOptions{NoNote: true}))
	code, _, stderr = execute(broken.target, "foo", broken.resource)
	assert.Equal(t, exitInjectFailed, code)
	assert.Contains(t, stderr, "Error when injecting resource")
}

func TestOutputAPIHeader(t *testing.T) {
	code, stdout, _ := execute("--output-api-header")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "POSTJECT_SHT_PTR_SENTINEL")
}
