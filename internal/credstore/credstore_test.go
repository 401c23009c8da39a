package credstore

import (
	"strings"
	"testing"
)

func key(b byte) []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = b
	}
	return k
}

// TestRoundTripNoFallback covers I6: decrypt_with_migration(encrypt(p)) = p
// with no fallback marker.
func TestRoundTripNoFallback(t *testing.T) {
	primary := NewStaticKeySource("primary", key(1))
	store := New(primary)

	bundle, err := store.Encrypt([]byte(`{"token":"abc"}`))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if strings.Count(bundle, ":") != 2 {
		t.Fatalf("expected iv:tag:ct format, got %q", bundle)
	}

	result, err := store.DecryptWithMigration(bundle)
	if err != nil {
		t.Fatalf("DecryptWithMigration: %v", err)
	}
	if string(result.Plaintext) != `{"token":"abc"}` {
		t.Errorf("Plaintext = %q", result.Plaintext)
	}
	if result.UsedFallback {
		t.Error("expected no fallback marker on a primary-key round trip")
	}
	if result.Reencrypted != "" {
		t.Error("expected no re-encrypted bundle on a primary-key round trip")
	}
}

// TestLegacyMigration covers spec scenario 8: seed the legacy source with a
// known key, encrypt under it, then decrypt_with_migration. Expect
// usedFallback set, reencrypted non-empty, and the new bundle decrypts with
// no fallback marker under the primary alone.
func TestLegacyMigration(t *testing.T) {
	primary := NewStaticKeySource("primary", key(1))
	legacy := NewStaticKeySource("legacy", key(2))

	legacyStore := New(legacy)
	legacyBundle, err := legacyStore.Encrypt([]byte(`{"token":"legacy"}`))
	if err != nil {
		t.Fatalf("legacy Encrypt: %v", err)
	}

	store := New(primary, legacy)
	result, err := store.DecryptWithMigration(legacyBundle)
	if err != nil {
		t.Fatalf("DecryptWithMigration: %v", err)
	}
	if string(result.Plaintext) != `{"token":"legacy"}` {
		t.Errorf("Plaintext = %q", result.Plaintext)
	}
	if !result.UsedFallback {
		t.Fatal("expected usedFallback to be set")
	}
	if result.Reencrypted == "" {
		t.Fatal("expected a re-encrypted bundle")
	}

	// The new bundle must round-trip under the primary key alone.
	primaryOnly := New(primary)
	again, err := primaryOnly.DecryptWithMigration(result.Reencrypted)
	if err != nil {
		t.Fatalf("DecryptWithMigration of migrated bundle: %v", err)
	}
	if again.UsedFallback {
		t.Error("migrated bundle should decrypt under the primary with no fallback marker")
	}
	if string(again.Plaintext) != `{"token":"legacy"}` {
		t.Errorf("Plaintext = %q", again.Plaintext)
	}
}

func TestDecryptFailsUnderNoKnownKey(t *testing.T) {
	primary := NewStaticKeySource("primary", key(1))
	other := New(NewStaticKeySource("other", key(9)))
	bundle, err := other.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	store := New(primary)
	if _, err := store.DecryptWithMigration(bundle); err == nil {
		t.Fatal("expected DATA_MIGRATION_FAILED when no known key decrypts the bundle")
	}
}

func TestEncryptFailsWhenPrimaryUnavailable(t *testing.T) {
	store := New(NewUnavailableKeySource("primary", nil))
	if _, err := store.Encrypt([]byte("x")); err == nil {
		t.Fatal("expected KEYCHAIN_UNAVAILABLE when the primary key source cannot produce a key")
	}
}
