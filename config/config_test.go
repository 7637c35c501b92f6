package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv(EnvMachoSegmentName, "")
	t.Setenv(EnvDebug, "")

	c := FromEnv()
	assert.Equal(t, DefaultMachoSegmentName, c.MachoSegmentName)
	assert.False(t, c.Debug)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv(EnvMachoSegmentName, "__ASSETS")
	t.Setenv(EnvDebug, "true")

	c := FromEnv()
	assert.Equal(t, "__ASSETS", c.MachoSegmentName)
	assert.True(t, c.Debug)
}
