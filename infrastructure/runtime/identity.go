// Package runtime provides environment/runtime detection helpers shared across the service layer.
package runtime

import (
	"os"
	"strings"
	"sync"
)

// strictIdentityModeOnce caches the strict identity mode check at startup.
var (
	strictIdentityModeOnce  sync.Once
	strictIdentityModeValue bool
)

// ResetStrictIdentityModeCache resets the cached strict identity mode value.
// This should only be used in tests.
func ResetStrictIdentityModeCache() {
	strictIdentityModeOnce = sync.Once{}
	strictIdentityModeValue = false
}

// StrictIdentityMode returns true when the service should fail closed on identity/security
// boundaries (e.g. reject actor headers over plain http, require TLS for outbound calls).
//
// A service can opt into strict mode explicitly via GRACE_STRICT_IDENTITY even outside
// production, so a mis-set GRACE_ENV cannot silently weaken trust boundaries.
func StrictIdentityMode() bool {
	strictIdentityModeOnce.Do(func() {
		env := Env()
		explicit := strings.TrimSpace(os.Getenv("GRACE_STRICT_IDENTITY"))
		strictIdentityModeValue = env == Production || explicit == "1" || strings.EqualFold(explicit, "true")
	})
	return strictIdentityModeValue
}
