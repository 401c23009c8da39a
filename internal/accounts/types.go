// Package accounts implements the Account Pool (spec §4.5) and the Quota
// Poller (spec §4.6): account lifecycle, selection policy, auto-switch, and
// the background quota refresh loop that drives it.
//
// Grounded on the teacher's sdk/cliproxy/auth package: Account mirrors the
// shape of sdk/cliproxy/auth.Auth (status, disabled/unavailable flags,
// LastError, timestamps), generalized from a single-provider credential
// record into the spec's pool-wide, multi-provider Account with an
// explicit single-active invariant the teacher's auth manager does not
// need to enforce (it runs every enabled credential concurrently).
package accounts

import (
	"time"

	"github.com/antigravity-bridge/proxy/internal/provider"
	"github.com/antigravity-bridge/proxy/internal/quota"
)

// Status is an account's lifecycle state (spec §3, §4.5).
type Status string

const (
	StatusIdle        Status = "idle"
	StatusActive      Status = "active"
	StatusRateLimited Status = "rate_limited"
	StatusError       Status = "error"
)

// Account is one authenticated cloud account in the pool (spec §3 "Account").
type Account struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Provider    string `json:"provider"`

	Status   Status `json:"status"`
	IsActive bool   `json:"is_active"`

	// LastUsed is the epoch-seconds timestamp of the most recent dispatch
	// through this account (spec §3).
	LastUsed int64 `json:"last_used"`

	// CredentialBundle is the C1 ciphertext ("iv_hex:tag_hex:ct_hex").
	// Never exposed by the GET /v1/accounts listing (spec §6 "redacted").
	CredentialBundle string `json:"-"`

	// ProjectID is the upstream project binding used by the Request
	// Transformer (spec §4.7 step 7).
	ProjectID string `json:"project_id,omitempty"`

	Quota quota.Snapshot `json:"quota"`

	// StatusMessage carries a short human-readable reason for the current
	// status (e.g. the upstream error that moved the account to "error").
	StatusMessage string `json:"status_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Redacted returns a copy safe for the GET /v1/accounts listing: the
// credential bundle is stripped (spec §6: "list accounts with redacted
// credentials").
func (a *Account) Redacted() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	cp.CredentialBundle = ""
	return &cp
}

// Stats computes this account's AccountStats from its current quota
// snapshot (spec §4.3), honoring the caller-supplied visibility map.
func (a *Account) Stats(isVisible func(model string) bool) provider.AccountStats {
	if a == nil {
		return provider.AccountStats{HealthStatus: provider.HealthCritical}
	}
	quotas := make([]provider.ModelQuota, 0, len(a.Quota.Models))
	resets := make(map[string]provider.ResetTime, len(a.Quota.Models))
	for model, usage := range a.Quota.Models {
		visible := isVisible == nil || isVisible(model)
		quotas = append(quotas, provider.ModelQuota{Model: model, Percentage: usage.Percentage, Visible: visible})
		if usage.ResetTime != nil {
			unix := usage.ResetTime.Unix()
			resets[model] = provider.ResetTime{Model: model, ResetUnix: &unix}
		}
	}
	return provider.GroupModelsByProvider(quotas, resets)
}

// OverallPercentage is the account's mean visible-model percentage (spec §4.3/I2).
func (a *Account) OverallPercentage(isVisible func(model string) bool) float64 {
	return a.Stats(isVisible).OverallPercentage
}
