// Package provider implements the Provider Registry (spec §4.3): a total,
// prefix-matched classification of model identifiers into a small set of
// known providers, plus the AccountStats aggregation that groups quota by
// provider for display.
//
// Classification is grounded on the teacher's cache.GetModelGroup
// (internal/cache/signature_cache.go in the grounding pack), generalized
// from a flat string switch into an ordered registry of {prefix -> ProviderInfo}
// so new providers can be added by extending a declaration-order list
// (registry.GetStaticModelDefinitionsByChannel's idiom), never by editing
// call sites.
package provider

import "strings"

// ProviderInfo describes a logical provider for UI grouping (spec §3).
type ProviderInfo struct {
	Name    string `json:"name"`
	Company string `json:"company"`
	Color   string `json:"color"`
}

type entry struct {
	prefix string
	info   ProviderInfo
}

// OthersKey is the bucket unmatched models collapse into.
const OthersKey = "others"

// registry is the build-time constant known-prefix list (spec §4.3: "Known
// set is a build-time constant"). Order is significant: first match wins,
// and groups are displayed in this order with "others" last. The spec names
// exactly two known providers (§3); everything else, including other
// vendors' model families, collapses into OthersKey.
var registry = []entry{
	{prefix: "claude-", info: ProviderInfo{Name: "Claude", Company: "Anthropic", Color: "#D97757"}},
	{prefix: "gemini-", info: ProviderInfo{Name: "Gemini", Company: "Google", Color: "#4285F4"}},
}

var othersInfo = ProviderInfo{Name: "Others", Company: "Others", Color: "#6B7280"}

// DetectProvider returns the registry prefix matching model (first match in
// declaration order wins), or OthersKey when nothing matches. Total per I3.
func DetectProvider(model string) string {
	for _, e := range registry {
		if strings.HasPrefix(model, e.prefix) {
			return e.prefix
		}
	}
	return OthersKey
}

// GetProviderInfo returns the ProviderInfo for model's detected provider.
func GetProviderInfo(model string) ProviderInfo {
	key := DetectProvider(model)
	if key == OthersKey {
		return othersInfo
	}
	for _, e := range registry {
		if e.prefix == key {
			return e.info
		}
	}
	return othersInfo
}

// ModelQuota is the minimal per-model input AccountStats needs: a usage
// percentage and whether the model is visible per config (spec §3).
type ModelQuota struct {
	Model      string
	Percentage float64
	Visible    bool
}

// HealthStatus thresholds overallPercentage per spec §4.3.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthLimited  HealthStatus = "limited"
	HealthCritical HealthStatus = "critical"
)

// ClassifyHealth maps a percentage to its HealthStatus bucket:
// >=50 healthy, [25,50) degraded, [10,25) limited, <10 critical.
func ClassifyHealth(pct float64) HealthStatus {
	switch {
	case pct >= 50:
		return HealthHealthy
	case pct >= 25:
		return HealthDegraded
	case pct >= 10:
		return HealthLimited
	default:
		return HealthCritical
	}
}

// ProviderGroup is one registry bucket's aggregated view (spec §3 "ProviderGroup").
type ProviderGroup struct {
	Key            string       `json:"key"`
	Info           ProviderInfo `json:"info"`
	AvgPercentage  float64      `json:"avg_percentage"`
	EarliestReset  *int64       `json:"earliest_reset,omitempty"` // unix seconds UTC
	ModelCount     int          `json:"model_count"`
}

// AccountStats is the derived, read-time aggregation of an account's quota
// across providers (spec §3 "AccountStats").
type AccountStats struct {
	Groups            []ProviderGroup `json:"groups"`
	OverallPercentage float64         `json:"overall_percentage"`
	HealthStatus      HealthStatus    `json:"health_status"`
}

// ResetTime pairs a model with its optional reset instant (unix seconds UTC).
type ResetTime struct {
	Model     string
	ResetUnix *int64
}

// GroupModelsByProvider builds an AccountStats from per-model quota
// snapshots and their reset times. Only visible models count toward
// averages (spec §3: "Visibility is governed by a caller-supplied mapping").
// Groups are emitted in registry declaration order, "others" last, and a
// group with zero visible models is omitted entirely.
func GroupModelsByProvider(quotas []ModelQuota, resets map[string]ResetTime) AccountStats {
	type bucket struct {
		sum   float64
		count int
		reset *int64
	}
	buckets := make(map[string]*bucket)

	order := make([]string, 0, len(registry)+1)
	for _, e := range registry {
		order = append(order, e.prefix)
	}
	order = append(order, OthersKey)

	var overallSum float64
	var overallCount int

	for _, mq := range quotas {
		if !mq.Visible {
			continue
		}
		key := DetectProvider(mq.Model)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{}
			buckets[key] = b
		}
		b.sum += mq.Percentage
		b.count++

		overallSum += mq.Percentage
		overallCount++

		if rt, ok := resets[mq.Model]; ok && rt.ResetUnix != nil {
			if b.reset == nil || *rt.ResetUnix < *b.reset {
				val := *rt.ResetUnix
				b.reset = &val
			}
		}
	}

	var groups []ProviderGroup
	for _, key := range order {
		b, ok := buckets[key]
		if !ok || b.count == 0 {
			continue
		}
		avg := round1(b.sum / float64(b.count))
		info := othersInfo
		if key != OthersKey {
			for _, e := range registry {
				if e.prefix == key {
					info = e.info
					break
				}
			}
		}
		groups = append(groups, ProviderGroup{
			Key:           key,
			Info:          info,
			AvgPercentage: avg,
			EarliestReset: b.reset,
			ModelCount:    b.count,
		})
	}

	overall := 0.0
	if overallCount > 0 {
		overall = round1(overallSum / float64(overallCount))
	}

	return AccountStats{
		Groups:            groups,
		OverallPercentage: overall,
		HealthStatus:      ClassifyHealth(overall),
	}
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
