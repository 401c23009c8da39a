// Package credstore implements the Credential Store (spec §4.1): at-rest
// AES-256-GCM encryption of account credential bundles, with migration
// between key sources.
//
// Grounded on the teacher pack's rakunlabs-at/internal/crypto/crypto.go
// (AES-256-GCM, nonce-prepended-to-ciphertext), generalized from that
// file's single "enc:"+base64 blob into the spec's three-field hex wire
// format (iv_hex:tag_hex:ct_hex) and its single-key model into the spec's
// three-tier KeySource priority list with re-encryption-on-migration.
package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/antigravity-bridge/proxy/internal/apierr"
)

const ivLen = 16 // spec §4.1: "a fresh 16-byte IV"

// Store encrypts and decrypts credential bundles, migrating ciphertext to
// the primary key source whenever it was decrypted under a fallback.
type Store struct {
	// sources is ordered primary-first; only sources[0] is used to encrypt.
	sources []KeySource
}

// New builds a Store. primary must be non-nil; fallbacks are tried in
// order during decrypt_with_migration and may be empty.
func New(primary KeySource, fallbacks ...KeySource) *Store {
	return &Store{sources: append([]KeySource{primary}, fallbacks...)}
}

// DecryptResult carries the outcome of decrypt_with_migration (spec §4.1).
type DecryptResult struct {
	Plaintext []byte
	// UsedFallback reports whether a non-primary source was needed.
	UsedFallback bool
	// Reencrypted holds the new bundle under the primary key, set only
	// when UsedFallback is true; the caller should persist it.
	Reencrypted string
}

// Encrypt seals plaintext under the primary key source, returning
// "iv_hex:tag_hex:ct_hex" (spec §4.1).
func (s *Store) Encrypt(plaintext []byte) (string, error) {
	if len(s.sources) == 0 {
		return "", apierr.New(apierr.CodeKeychainUnavailable, apierr.HintDenied, 500, "no primary key source configured")
	}
	key, err := s.sources[0].Key()
	if err != nil {
		return "", primaryUnavailableError(err)
	}
	return seal(key, plaintext)
}

// DecryptWithMigration attempts the primary key first; on an authentication
// failure it retries each fallback in declaration order. On success via a
// fallback, it re-encrypts under the primary and returns the new bundle so
// the caller can rewrite storage (spec §4.1 invariant).
func (s *Store) DecryptWithMigration(bundle string) (DecryptResult, error) {
	if len(s.sources) == 0 {
		return DecryptResult{}, apierr.New(apierr.CodeKeychainUnavailable, apierr.HintDenied, 500, "no primary key source configured")
	}

	primaryKey, primaryErr := s.sources[0].Key()
	if primaryErr == nil {
		if pt, err := open(primaryKey, bundle); err == nil {
			return DecryptResult{Plaintext: pt}, nil
		}
	}

	var lastErr error = errors.New("credstore: no key source available")
	for _, src := range s.sources[1:] {
		key, err := src.Key()
		if err != nil {
			lastErr = err
			continue
		}
		pt, err := open(key, bundle)
		if err != nil {
			lastErr = err
			continue
		}
		// Re-encrypt under the primary so storage can be migrated forward.
		if primaryErr != nil {
			return DecryptResult{}, primaryUnavailableError(primaryErr)
		}
		newBundle, err := seal(primaryKey, pt)
		if err != nil {
			return DecryptResult{}, fmt.Errorf("credstore: re-encrypt after migration from %s: %w", src.Name(), err)
		}
		return DecryptResult{Plaintext: pt, UsedFallback: true, Reencrypted: newBundle}, nil
	}

	if primaryErr != nil {
		return DecryptResult{}, primaryUnavailableError(primaryErr)
	}
	_ = lastErr
	return DecryptResult{}, apierr.New(apierr.CodeDataMigrationFailed, apierr.HintRelogin, 401,
		"bundle does not decrypt under the primary key or any legacy key source")
}

func primaryUnavailableError(cause error) error {
	return apierr.Wrap(apierr.CodeKeychainUnavailable, apierr.HintDenied, 500, cause)
}

func seal(key, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("credstore: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return "", fmt.Errorf("credstore: create gcm: %w", err)
	}
	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("credstore: generate iv: %w", err)
	}

	// Seal appends ciphertext+tag after nonce when dst==nonce; split it back
	// apart so the wire format names iv/tag/ciphertext as three hex fields.
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	tagSize := gcm.Overhead()
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return strings.Join([]string{
		hex.EncodeToString(iv),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	}, ":"), nil
}

func open(key []byte, bundle string) ([]byte, error) {
	parts := strings.SplitN(bundle, ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("credstore: malformed bundle (want iv:tag:ct)")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("credstore: decode iv: %w", err)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("credstore: decode tag: %w", err)
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("credstore: decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credstore: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("credstore: create gcm: %w", err)
	}

	sealed := append(append([]byte(nil), ct...), tag...)
	pt, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("credstore: authentication failed: %w", err)
	}
	return pt, nil
}
