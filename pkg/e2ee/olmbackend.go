package e2ee

import (
	"maunium.net/go/mautrix/crypto/goolm"
)

// The olm primitives dispatch through package-level function pointers that
// stay nil until a backend registers itself. This module is specified
// against the pure-Go goolm backend (no cgo), so wire it up on import.
func init() {
	goolm.Register()
}
