package log

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetOutputLevels(t *testing.T) {
	defer SetOutput(os.Stderr, false)

	var buf bytes.Buffer
	SetOutput(&buf, false)
	Debugf("hidden %d", 1)
	Warnf("shown %d", 2)
	Errorf("failed %d", 3)
	assert.NotContains(t, buf.String(), "hidden 1")
	assert.Contains(t, buf.String(), "level=WARN msg=\"shown 2\"")
	assert.Contains(t, buf.String(), "level=ERROR msg=\"failed 3\"")

	buf.Reset()
	SetOutput(&buf, true)
	Debugf("[+] section at 0x%x", 0x1000)
	assert.Contains(t, buf.String(), "section at 0x1000")
	assert.Contains(t, buf.String(), "level=DEBUG")
}
