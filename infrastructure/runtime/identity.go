// Package runtime provides environment/runtime detection helpers shared across the core.
package runtime

import (
	"os"
	"strings"
	"sync"
)

var (
	strictModeOnce  sync.Once
	strictModeValue bool
)

// ResetStrictModeCache resets the cached strict-mode value. Test-only.
func ResetStrictModeCache() {
	strictModeOnce = sync.Once{}
	strictModeValue = false
}

// StrictMode returns true when the node should fail closed on security
// boundaries (e.g. refuse to start without a JWT secret or header-gate
// shared secret) rather than falling back to an insecure development
// default. Production environment or an explicit AEGIS_STRICT=1 override
// both count, so a misconfigured environment variable cannot silently
// weaken a deployment that was otherwise hardened on purpose.
func StrictMode() bool {
	strictModeOnce.Do(func() {
		env := Env()
		override := strings.TrimSpace(strings.ToLower(os.Getenv("AEGIS_STRICT")))
		strictModeValue = env == Production || override == "1" || override == "true"
	})
	return strictModeValue
}
