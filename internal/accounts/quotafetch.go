package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/antigravity-bridge/proxy/internal/credstore"
	"github.com/antigravity-bridge/proxy/internal/quota"
)

// credentialBundle mirrors the plaintext shape the proxy front door seals
// into an Account's CredentialBundle (spec §4.1). Duplicated here rather
// than imported to avoid a dependency from this package back onto the API
// layer that owns the canonical definition.
type credentialBundle struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

const quotaRefreshSkew = 30 * time.Second

// NewCredentialQuotaFetcher builds a QuotaFetcher that decrypts an
// account's credential bundle, refreshing it first if it is near expiry,
// and calls the provider's model-listing endpoint to read back per-model
// quota metadata (spec §4.6 "poll the provider's quota/usage endpoint").
// Grounded on the teacher's FetchAntigravityModels (internal/runtime/
// executor/antigravity_executor.go): same POST-with-bearer-token shape
// against the cloud-code API, generalized from a registry listing into a
// quota/usage extraction and from one hardcoded provider to any entry in
// configs.
func NewCredentialQuotaFetcher(cred *credstore.Store, configs map[string]OAuthConfig, dataDir string, httpClient *http.Client) QuotaFetcher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	onboarders := make(map[string]*Onboarder, len(configs))
	for name, cfg := range configs {
		onboarders[name] = NewOnboarder(cfg, httpClient)
	}

	return func(ctx context.Context, acct *Account) (map[string]quota.ModelUsage, error) {
		cfg, ok := configs[acct.Provider]
		if !ok || cfg.ProjectEndpoint == "" {
			return nil, nil
		}

		token, err := resolveQuotaToken(ctx, cred, onboarders[acct.Provider], acct, dataDir)
		if err != nil {
			return nil, err
		}

		endpoint := fmt.Sprintf("%s/%s:fetchAvailableModels", cfg.ProjectEndpoint, cfg.APIVersion)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader("{}"))
		if err != nil {
			return nil, fmt.Errorf("quota: build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		if cfg.UserAgent != "" {
			req.Header.Set("User-Agent", cfg.UserAgent)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("quota: fetch: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("quota: read response: %w", err)
		}
		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			return nil, fmt.Errorf("quota: status %d", resp.StatusCode)
		}

		return parseQuotaModels(raw), nil
	}
}

// parseQuotaModels reads the per-model quota object the provider's model
// listing embeds alongside each model entry (spec §3 "Quota":
// {percentage, reset_time}). Entries without a recognizable quota object
// are skipped rather than defaulted, since a missing field must never be
// treated as "0% used".
func parseQuotaModels(raw []byte) map[string]quota.ModelUsage {
	out := map[string]quota.ModelUsage{}
	models := gjson.GetBytes(raw, "models")
	if !models.Exists() {
		return out
	}
	models.ForEach(func(key, value gjson.Result) bool {
		q := value.Get("quota")
		if !q.Exists() {
			return true
		}
		usage := quota.ModelUsage{Percentage: q.Get("percentageUsed").Float()}
		if resetUnix := q.Get("resetTime").Int(); resetUnix > 0 {
			t := time.Unix(resetUnix, 0).UTC()
			usage.ResetTime = &t
		}
		out[key.String()] = usage
		return true
	})
	return out
}

func resolveQuotaToken(ctx context.Context, cred *credstore.Store, onboarder *Onboarder, acct *Account, dataDir string) (string, error) {
	result, err := cred.DecryptWithMigration(acct.CredentialBundle)
	if err != nil {
		return "", fmt.Errorf("quota: decrypt: %w", err)
	}

	var bundle credentialBundle
	if err := json.Unmarshal(result.Plaintext, &bundle); err != nil {
		return "", fmt.Errorf("quota: decode credential bundle: %w", err)
	}

	if result.UsedFallback && result.Reencrypted != "" {
		acct.CredentialBundle = result.Reencrypted
		if dataDir != "" {
			_ = SaveAccount(dataDir, acct)
		}
	}

	if bundle.AccessToken != "" && (bundle.Expiry.IsZero() || time.Until(bundle.Expiry) > quotaRefreshSkew) {
		return bundle.AccessToken, nil
	}
	if onboarder == nil || bundle.RefreshToken == "" {
		if bundle.AccessToken != "" {
			return bundle.AccessToken, nil
		}
		return "", fmt.Errorf("quota: credential expired and no refresh token available")
	}

	refreshed, err := onboarder.RefreshToken(ctx, bundle.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("quota: refresh token: %w", err)
	}
	newBundle := credentialBundle{AccessToken: refreshed.AccessToken, RefreshToken: refreshed.RefreshToken, Expiry: refreshed.Expiry}
	if newBundle.RefreshToken == "" {
		newBundle.RefreshToken = bundle.RefreshToken
	}
	sealedPlain, err := json.Marshal(newBundle)
	if err != nil {
		return "", fmt.Errorf("quota: encode refreshed bundle: %w", err)
	}
	sealed, err := cred.Encrypt(sealedPlain)
	if err != nil {
		return "", fmt.Errorf("quota: re-encrypt refreshed bundle: %w", err)
	}
	acct.CredentialBundle = sealed
	if dataDir != "" {
		_ = SaveAccount(dataDir, acct)
	}
	return newBundle.AccessToken, nil
}
