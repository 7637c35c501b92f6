package apiheader

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sad0p/postject/config"
	"github.com/sad0p/postject/elfinject"
	"github.com/sad0p/postject/internal/outcome"
)

func TestHeaderMatchesProtocol(t *testing.T) {
	assert.Contains(t, Header, elfinject.PointerSymbol)
	assert.Contains(t, Header, fmt.Sprintf("#define POSTJECT_SHT_PTR_SENTINEL 0x%x", elfinject.PointerSentinel))
	assert.Contains(t, Header, fmt.Sprintf("%q", config.DefaultMachoSegmentName))
	assert.Contains(t, Header, "postject_find_resource")
}

const lookupProgram = `#include "postject-api.h"
#include <stdio.h>

int main(void) {
  size_t size = 0;
  const char* data = (const char*)postject_find_resource("NODE_JS", &size, NULL);
  if (data == NULL) {
    puts("missing");
    return 0;
  }
  printf("NODE_JS: %zu [%.*s]\n", size, (int)size, data);
  return 0;
}
`

func findCompiler(t *testing.T) string {
	t.Helper()
	for _, name := range []string{"cc", "gcc", "clang"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	t.Skip("no C compiler found")
	return ""
}

// The header is built as plain C99, not C++, and the program reads back a
// resource injected after linking.
func TestHeaderAsCProgram(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("ELF lookup only")
	}
	cc := findCompiler(t)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "postject-api.h"), []byte(Header), 0644))
	src := filepath.Join(dir, "main.c")
	require.NoError(t, os.WriteFile(src, []byte(lookupProgram), 0644))
	bin := filepath.Join(dir, "app")

	out, err := exec.Command(cc, "-std=c99", "-Wall", "-O0", "-o", bin, src).CombinedOutput()
	require.NoError(t, err, "%s", out)

	out, err = exec.Command(bin).Output()
	require.NoError(t, err)
	assert.Equal(t, "missing\n", string(out))

	res, err := elfinject.Inject(bin, "NODE_JS", []byte("hi"), false)
	require.NoError(t, err)
	assert.Equal(t, outcome.Inserted, res)

	out, err = exec.Command(bin).Output()
	require.NoError(t, err)
	assert.Equal(t, "NODE_JS: 2 [hi]\n", string(out))
}
