// Package domain holds the entitlement value objects shared by the resolver,
// the cache and the service.
package domain

import (
	"sort"
	"time"
)

type Effect string

const (
	EffectGrant Effect = "grant"
	EffectDeny  Effect = "deny"
)

func (e Effect) Valid() bool {
	switch e {
	case EffectGrant, EffectDeny:
		return true
	default:
		return false
	}
}

type Source string

const (
	SourceOverride Source = "override"
	SourcePlan     Source = "plan"
	SourceDeny     Source = "deny"
)

// Override is a time-bounded exception to plan membership for one feature.
type Override struct {
	TenantID   string
	FeatureKey string
	Effect     Effect
	ExpiresAt  time.Time
}

// ActiveAt reports whether the override still applies at now.
func (o Override) ActiveAt(now time.Time) bool {
	return o.ExpiresAt.After(now)
}

type FeatureEntitlement struct {
	FeatureKey string `json:"feature_key"`
	Granted    bool   `json:"granted"`
	Source     Source `json:"source"`
}

// Snapshot is the resolved entitlement set for one tenant. A snapshot is
// replaced wholesale and never edited in place.
type Snapshot struct {
	TenantID            string                        `json:"tenant_id"`
	PlanKey             string                        `json:"plan_key"`
	Features            map[string]FeatureEntitlement `json:"features"`
	ResolvedAt          time.Time                     `json:"resolved_at"`
	ActiveOverrideCount int                           `json:"active_override_count"`
}

func (s Snapshot) Granted(featureKey string) bool {
	f, ok := s.Features[featureKey]
	return ok && f.Granted
}

func (s Snapshot) Feature(featureKey string) (FeatureEntitlement, bool) {
	f, ok := s.Features[featureKey]
	return f, ok
}

// FeatureKeys returns every resolved key in sorted order.
func (s Snapshot) FeatureKeys() []string {
	keys := make([]string, 0, len(s.Features))
	for k := range s.Features {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s Snapshot) GrantedKeys() []string {
	keys := make([]string, 0, len(s.Features))
	for k, f := range s.Features {
		if f.Granted {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// DeniedSnapshot builds the fail-closed snapshot: every requested key denied.
func DeniedSnapshot(tenantID, planKey string, featureKeys []string, now time.Time) Snapshot {
	features := make(map[string]FeatureEntitlement, len(featureKeys))
	for _, k := range featureKeys {
		features[k] = FeatureEntitlement{FeatureKey: k, Granted: false, Source: SourceDeny}
	}
	return Snapshot{
		TenantID:   tenantID,
		PlanKey:    planKey,
		Features:   features,
		ResolvedAt: now.UTC(),
	}
}
