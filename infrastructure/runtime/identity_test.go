package runtime

import "testing"

func TestStrictIdentityMode(t *testing.T) {
	t.Run("production env", func(t *testing.T) {
		ResetStrictIdentityModeCache()
		t.Setenv("GRACE_ENV", "production")
		if !StrictIdentityMode() {
			t.Fatalf("StrictIdentityMode() = false, want true")
		}
	})

	t.Run("explicit strict flag", func(t *testing.T) {
		ResetStrictIdentityModeCache()
		t.Setenv("GRACE_ENV", "development")
		t.Setenv("GRACE_STRICT_IDENTITY", "true")
		if !StrictIdentityMode() {
			t.Fatalf("StrictIdentityMode() = false, want true")
		}
	})

	t.Run("dev without strict flag", func(t *testing.T) {
		ResetStrictIdentityModeCache()
		t.Setenv("GRACE_ENV", "development")
		t.Setenv("GRACE_STRICT_IDENTITY", "")
		if StrictIdentityMode() {
			t.Fatalf("StrictIdentityMode() = true, want false")
		}
	})
}
