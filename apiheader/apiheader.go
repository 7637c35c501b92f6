// Package apiheader bundles the C header programs include to find resources
// injected into their own image.
package apiheader

import _ "embed"

// Header is the contents of postject-api.h.
//
//go:embed postject-api.h
var Header string
