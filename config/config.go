// Package config resolves defaults that may come from the environment.
package config

import "github.com/xyproto/env/v2"

const (
	DefaultMachoSegmentName = "__POSTJECT"

	EnvMachoSegmentName = "POSTJECT_MACHO_SEGMENT_NAME"
	EnvDebug            = "POSTJECT_DEBUG"
)

type Config struct {
	MachoSegmentName string
	Debug            bool
}

// FromEnv builds a Config from the process environment. Command line flags are
// applied on top of it by the caller.
func FromEnv() Config {
	return Config{
		MachoSegmentName: env.Str(EnvMachoSegmentName, DefaultMachoSegmentName),
		Debug:            env.Bool(EnvDebug),
	}
}
