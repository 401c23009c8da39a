package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/antigravity-bridge/proxy/internal/accounts"
	"github.com/antigravity-bridge/proxy/internal/apierr"
)

// tokenBundle is the plaintext shape sealed inside an Account's
// CredentialBundle: the OAuth2 token material C8 needs to authenticate
// upstream (spec §4.1 names the wire format of the ciphertext, not of the
// plaintext it protects).
type tokenBundle struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// refreshSkew mirrors the teacher's ensureAccessToken early-refresh margin:
// a token within this window of expiry is treated as already expired.
const refreshSkew = 30 * time.Second

// resolveAccessToken decrypts acct's credential bundle, migrating it to the
// primary key source if it was sealed under a fallback (spec §4.1), then
// refreshes the access token if it is missing or near expiry and a
// provider Onboarder is configured (grounded on the teacher's
// AntigravityExecutor.ensureAccessToken/refreshToken pair).
func (s *Server) resolveAccessToken(ctx context.Context, acct *accounts.Account) (string, error) {
	result, err := s.deps.Cred.DecryptWithMigration(acct.CredentialBundle)
	if err != nil {
		return "", err
	}

	var bundle tokenBundle
	if err := json.Unmarshal(result.Plaintext, &bundle); err != nil {
		return "", apierr.Wrap(apierr.CodeInvariantViolation, apierr.HintNone, 500, fmt.Errorf("decode credential bundle: %w", err))
	}

	if result.UsedFallback && result.Reencrypted != "" {
		acct.CredentialBundle = result.Reencrypted
		s.persistAccount(acct)
	}

	if bundle.AccessToken != "" && (bundle.Expiry.IsZero() || time.Until(bundle.Expiry) > refreshSkew) {
		return bundle.AccessToken, nil
	}

	onboarder := s.deps.Onboarders[acct.Provider]
	if onboarder == nil || bundle.RefreshToken == "" {
		if bundle.AccessToken != "" {
			return bundle.AccessToken, nil
		}
		return "", apierr.New(apierr.CodeAuthRejected, apierr.HintRelogin, 401, "credential expired and no refresh token available")
	}

	refreshed, err := onboarder.RefreshToken(ctx, bundle.RefreshToken)
	if err != nil {
		return "", apierr.Wrap(apierr.CodeAuthRejected, apierr.HintRelogin, 401, err)
	}

	newBundle := tokenBundle{AccessToken: refreshed.AccessToken, RefreshToken: refreshed.RefreshToken, Expiry: refreshed.Expiry}
	if newBundle.RefreshToken == "" {
		newBundle.RefreshToken = bundle.RefreshToken
	}
	raw, err := json.Marshal(newBundle)
	if err != nil {
		return "", apierr.Wrap(apierr.CodeInvariantViolation, apierr.HintNone, 500, err)
	}
	sealed, err := s.deps.Cred.Encrypt(raw)
	if err != nil {
		return "", err
	}
	acct.CredentialBundle = sealed
	s.persistAccount(acct)

	return newBundle.AccessToken, nil
}

// marshalTokenBundle seals a freshly-exchanged OAuth2 token into the
// plaintext bytes Pool.Add expects to encrypt.
func marshalTokenBundle(tok *oauth2.Token) ([]byte, error) {
	bundle := tokenBundle{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}
	raw, err := json.Marshal(bundle)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInvariantViolation, apierr.HintNone, 500, err)
	}
	return raw, nil
}

func (s *Server) persistAccount(acct *accounts.Account) {
	if s.deps.DataDir == "" {
		return
	}
	if err := accounts.SaveAccount(s.deps.DataDir, acct); err != nil {
		log.WithField("account_id", acct.ID).WithError(err).Warn("failed to persist refreshed credential bundle")
	}
}
