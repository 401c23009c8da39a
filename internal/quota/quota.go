// Package quota implements the Quota Model (spec §4.4): the last-polled
// per-account, per-model usage snapshot, plus the pool-wide aggregate.
//
// Grounded on the teacher's sdk/cliproxy/auth.QuotaState (Exceeded,
// NextRecoverAt, Reason) generalized from a single exceeded/not-exceeded
// flag into the spec's per-model {percentage, reset_time} map and the
// pool-wide mean the teacher does not compute.
package quota

import "time"

// ModelUsage is a single model's usage snapshot (spec §3 "Quota").
// A zero Percentage denotes a hard rate-limit. A nil ResetTime means
// "unknown, never assume now" per spec.
type ModelUsage struct {
	Percentage float64    `json:"percentage"`
	ResetTime  *time.Time `json:"reset_time,omitempty"`
}

// Snapshot is one account's full per-model quota picture at a point in time.
type Snapshot struct {
	Models    map[string]ModelUsage `json:"models"`
	PolledAt  time.Time             `json:"polled_at"`
}

// NewSnapshot returns an empty snapshot stamped with polledAt.
func NewSnapshot(polledAt time.Time) Snapshot {
	return Snapshot{Models: map[string]ModelUsage{}, PolledAt: polledAt}
}

// Clone deep-copies the snapshot so callers never share the Models map.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Models: make(map[string]ModelUsage, len(s.Models)), PolledAt: s.PolledAt}
	for k, v := range s.Models {
		out.Models[k] = v
	}
	return out
}

// Monotonic reports whether next is a legitimate successor to s for model m:
// the spec invariant is that percentage decreases monotonically between
// polls unless a reset boundary was crossed. polledAt is the timestamp of
// next's poll.
func (s Snapshot) Monotonic(model string, next ModelUsage, polledAt time.Time) bool {
	prev, ok := s.Models[model]
	if !ok {
		return true
	}
	if next.Percentage <= prev.Percentage {
		return true
	}
	// Percentage rose: only legitimate if a reset boundary was crossed,
	// or the prior reset time was unknown (can't disprove a crossing).
	return prev.ResetTime == nil || ResetCrossed(prev, polledAt)
}

// ResetCrossed reports whether the account's reset_time for model passed
// between two poll timestamps, which licenses a percentage increase.
func ResetCrossed(prev ModelUsage, polledAt time.Time) bool {
	return prev.ResetTime != nil && !prev.ResetTime.After(polledAt)
}

// GlobalQuota computes the pool-wide mean of per-model percentages across
// all visible models of all accounts (spec §4.4: "mean of per-model
// percentage across all visible models of all accounts (not a mean of
// means)"), rounded to one decimal. isVisible receives a model name.
func GlobalQuota(snapshots []Snapshot, isVisible func(model string) bool) float64 {
	var sum float64
	var count int
	for _, snap := range snapshots {
		for model, usage := range snap.Models {
			if isVisible != nil && !isVisible(model) {
				continue
			}
			sum += usage.Percentage
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return round1(sum / float64(count))
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
