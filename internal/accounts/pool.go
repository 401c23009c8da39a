package accounts

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antigravity-bridge/proxy/internal/apierr"
	"github.com/antigravity-bridge/proxy/internal/credstore"
)

// AutoSwitchThreshold is the default health bucket below which an active
// account is considered for auto-switch (spec §4.5: "default: limited,
// i.e. <25%").
const AutoSwitchThreshold = 25.0

// Pool is the ordered set of accounts (spec §4.5). All mutation goes
// through a single writer lock so the "exactly one active" invariant (I1)
// holds even under concurrent requests (spec §5).
type Pool struct {
	mu                sync.RWMutex
	byID              map[string]*Account
	order             []string // insertion order, stable across List()
	cred              *credstore.Store
	visible           func(model string) bool
	autoSwitchEnabled bool
	bus               eventBus
}

// NewPool constructs an empty Pool. isVisible governs which models count
// toward OverallPercentage for selection purposes (spec §3 model_visibility).
func NewPool(cred *credstore.Store, isVisible func(model string) bool, autoSwitchEnabled bool) *Pool {
	if isVisible == nil {
		isVisible = func(string) bool { return true }
	}
	return &Pool{
		byID:              make(map[string]*Account),
		cred:              cred,
		visible:           isVisible,
		autoSwitchEnabled: autoSwitchEnabled,
	}
}

// SetAutoSwitchEnabled toggles auto-switch behavior at runtime (Config may
// change via PUT /v1/settings).
func (p *Pool) SetAutoSwitchEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoSwitchEnabled = enabled
}

// Subscribe returns a channel of pool/poller events (spec §9 pub/sub note).
func (p *Pool) Subscribe() <-chan Event {
	return p.bus.subscribe(16)
}

func (p *Pool) publish(ev Event) {
	p.bus.publish(ev)
}

// Restore seeds the pool from previously persisted accounts (used at
// startup by internal/store-backed loaders), without assigning new IDs or
// mutating is_active.
func (p *Pool) Restore(accts []*Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range accts {
		if a == nil || a.ID == "" {
			continue
		}
		if _, exists := p.byID[a.ID]; !exists {
			p.order = append(p.order, a.ID)
		}
		p.byID[a.ID] = a
	}
}

// Add registers a new account. email must be unique unless replace is true,
// in which case the existing account with that email is overwritten in
// place (spec §4.5: "duplicate emails are rejected unless the caller opts
// into replacement"). plaintextCredential is encrypted via C1 before
// storage.
func (p *Pool) Add(providerName, email, displayName, avatarURL, projectID string, plaintextCredential []byte, replace bool) (*Account, error) {
	bundle, err := p.cred.Encrypt(plaintextCredential)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if email != "" {
		for _, id := range p.order {
			existing := p.byID[id]
			if existing != nil && existing.Email == email {
				if !replace {
					return nil, apierr.New(apierr.CodeInvalidRequest, apierr.HintNone, 409,
						fmt.Sprintf("account with email %q already exists", email))
				}
				existing.DisplayName = displayName
				existing.AvatarURL = avatarURL
				existing.ProjectID = projectID
				existing.CredentialBundle = bundle
				existing.Status = StatusIdle
				existing.UpdatedAt = time.Now().UTC()
				return existing, nil
			}
		}
	}

	now := time.Now().UTC()
	acct := &Account{
		ID:               uuid.NewString(),
		Provider:         providerName,
		Email:            email,
		DisplayName:      displayName,
		AvatarURL:        avatarURL,
		ProjectID:        projectID,
		CredentialBundle: bundle,
		Status:           StatusIdle,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	p.byID[acct.ID] = acct
	p.order = append(p.order, acct.ID)

	// First account in an empty pool becomes active automatically.
	if len(p.order) == 1 {
		acct.IsActive = true
		acct.Status = StatusActive
	}

	return acct, nil
}

// Delete removes id from the pool and purges its credential bundle.
func (p *Pool) Delete(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	acct, ok := p.byID[id]
	if !ok {
		return apierr.New(apierr.CodeInvalidRequest, apierr.HintNone, 404, "account not found: "+id)
	}
	wasActive := acct.IsActive

	delete(p.byID, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	acct.CredentialBundle = "" // purge in-memory copy (C1 storage purge is the caller's responsibility for on-disk copies)

	if wasActive && len(p.order) > 0 {
		next := p.byID[p.order[0]]
		next.IsActive = true
		next.Status = StatusActive
	}
	return nil
}

// List returns accounts in stable (insertion) order.
func (p *Pool) List() []*Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Account, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.byID[id])
	}
	return out
}

// Get returns the account with id, or nil.
func (p *Pool) Get(id string) *Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byID[id]
}

// GetActive returns the single active account, or nil if none (spec §4.5 "get_active").
func (p *Pool) GetActive() *Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, id := range p.order {
		if a := p.byID[id]; a.IsActive {
			return a
		}
	}
	return nil
}

// SwitchTo makes id the sole active account, transactionally (spec §4.5,
// I1): sets target's is_active=true and every other account's is_active=false
// under a single write-lock hold.
func (p *Pool) SwitchTo(id string) error {
	p.mu.Lock()
	target, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return apierr.New(apierr.CodeInvalidRequest, apierr.HintNone, 404, "account not found: "+id)
	}
	for _, a := range p.byID {
		a.IsActive = false
		if a.Status == StatusActive {
			a.Status = StatusIdle
		}
	}
	target.IsActive = true
	target.Status = StatusActive
	target.UpdatedAt = time.Now().UTC()
	p.mu.Unlock()

	p.publish(Event{Kind: EventAccountSwitched, AccountID: id})
	return nil
}

// Touch updates last_used for id (spec §4.5).
func (p *Pool) Touch(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.byID[id]; ok {
		a.LastUsed = time.Now().UTC().Unix()
	}
}

// MarkRateLimited transitions id to rate_limited (spec §4.5 states:
// "active -> rate_limited (upstream 429 or percentage=0)"), then, if
// auto-switch is enabled, attempts to select a replacement.
func (p *Pool) MarkRateLimited(id string) {
	p.mu.Lock()
	acct, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	from := acct.Status
	acct.Status = StatusRateLimited
	acct.IsActive = false
	acct.UpdatedAt = time.Now().UTC()
	autoSwitch := p.autoSwitchEnabled
	p.mu.Unlock()

	p.publish(Event{Kind: EventStatusChanged, AccountID: id, From: from, To: StatusRateLimited})

	if autoSwitch {
		p.autoSwitchFrom(id)
	}
}

// MarkError transitions id to error (spec §4.5: "any -> error (authentication failure)").
func (p *Pool) MarkError(id, reason string) {
	p.mu.Lock()
	acct, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	from := acct.Status
	acct.Status = StatusError
	acct.IsActive = false
	acct.StatusMessage = reason
	acct.UpdatedAt = time.Now().UTC()
	p.mu.Unlock()

	p.publish(Event{Kind: EventStatusChanged, AccountID: id, From: from, To: StatusError})
}

// MarkIdle transitions id from rate_limited back to idle once its reset
// time has elapsed (spec §4.5 states, observed by C6).
func (p *Pool) MarkIdle(id string) {
	p.mu.Lock()
	acct, ok := p.byID[id]
	if !ok || acct.Status != StatusRateLimited {
		p.mu.Unlock()
		return
	}
	acct.Status = StatusIdle
	acct.UpdatedAt = time.Now().UTC()
	p.mu.Unlock()

	p.publish(Event{Kind: EventStatusChanged, AccountID: id, From: StatusRateLimited, To: StatusIdle})
}

// CheckAutoSwitch evaluates whether excludeID (typically the current
// active account) has degraded below AutoSwitchThreshold and, if so and
// auto-switch is enabled, switches away from it (spec §4.5 auto-switch,
// triggered by C6's auto_switch_candidate event).
func (p *Pool) CheckAutoSwitch(id string, overallPercentage float64) {
	p.mu.RLock()
	enabled := p.autoSwitchEnabled
	p.mu.RUnlock()
	if !enabled || overallPercentage >= AutoSwitchThreshold {
		return
	}
	p.publish(Event{Kind: EventAutoSwitchCandidate, AccountID: id})
	p.autoSwitchFrom(id)
}

// autoSwitchFrom selects the best non-rate-limited, non-error candidate
// other than excludeID: highest OverallPercentage, ties broken by most
// recent LastUsed (spec §4.5). If none qualifies, the active account is
// left as-is and a no_capacity event fires.
func (p *Pool) autoSwitchFrom(excludeID string) {
	p.mu.RLock()
	var candidates []*Account
	for _, id := range p.order {
		a := p.byID[id]
		if a == nil || a.ID == excludeID {
			continue
		}
		if a.Status == StatusRateLimited || a.Status == StatusError {
			continue
		}
		candidates = append(candidates, a)
	}
	isVisible := p.visible
	p.mu.RUnlock()

	if len(candidates) == 0 {
		p.publish(Event{Kind: EventNoCapacity, AccountID: excludeID})
		return
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi := candidates[i].OverallPercentage(isVisible)
		pj := candidates[j].OverallPercentage(isVisible)
		if pi != pj {
			return pi > pj
		}
		return candidates[i].LastUsed > candidates[j].LastUsed
	})

	_ = p.SwitchTo(candidates[0].ID)
}
