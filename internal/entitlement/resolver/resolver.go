// Package resolver turns a plan and a set of overrides into an entitlement
// snapshot. It performs no I/O.
package resolver

import (
	"sort"
	"strings"
	"time"

	"github.com/smallbiznis/gatekeeper/internal/entitlement/domain"
	"github.com/smallbiznis/gatekeeper/internal/plan"
)

type Input struct {
	TenantID string
	PlanKey  string
	// Plan is nil when PlanKey is not in the catalog.
	Plan        *plan.Definition
	Overrides   []domain.Override
	FeatureKeys []string
	Now         time.Time
}

// Resolve computes the snapshot for in. When FeatureKeys is empty the plan
// features and override features are resolved.
func Resolve(in Input) (domain.Snapshot, error) {
	tenantID := strings.TrimSpace(in.TenantID)
	if tenantID == "" {
		return domain.Snapshot{}, domain.NewValidationError("tenant_id", "tenant id is required")
	}
	if in.Plan == nil {
		return domain.Snapshot{}, domain.NewNotFoundError("plan", in.PlanKey)
	}
	now := in.Now.UTC()

	active := activeOverrides(tenantID, in.Overrides, now)

	keys := featureKeys(in, active)
	features := make(map[string]domain.FeatureEntitlement, len(keys))
	for _, key := range keys {
		if o, ok := active[key]; ok {
			features[key] = domain.FeatureEntitlement{
				FeatureKey: key,
				Granted:    o.Effect == domain.EffectGrant,
				Source:     domain.SourceOverride,
			}
			continue
		}
		if in.Plan.HasFeature(key) {
			features[key] = domain.FeatureEntitlement{FeatureKey: key, Granted: true, Source: domain.SourcePlan}
			continue
		}
		features[key] = domain.FeatureEntitlement{FeatureKey: key, Granted: false, Source: domain.SourceDeny}
	}

	return domain.Snapshot{
		TenantID:            tenantID,
		PlanKey:             in.Plan.Key,
		Features:            features,
		ResolvedAt:          now,
		ActiveOverrideCount: countActive(tenantID, in.Overrides, now),
	}, nil
}

// activeOverrides picks the effective override per feature: later expiry
// wins, deny wins on equal expiry.
func activeOverrides(tenantID string, overrides []domain.Override, now time.Time) map[string]domain.Override {
	out := map[string]domain.Override{}
	for _, o := range overrides {
		if o.TenantID != tenantID || !o.ActiveAt(now) || !o.Effect.Valid() {
			continue
		}
		current, ok := out[o.FeatureKey]
		if !ok || supersedes(o, current) {
			out[o.FeatureKey] = o
		}
	}
	return out
}

func supersedes(candidate, current domain.Override) bool {
	if candidate.ExpiresAt.After(current.ExpiresAt) {
		return true
	}
	if candidate.ExpiresAt.Equal(current.ExpiresAt) {
		return candidate.Effect == domain.EffectDeny && current.Effect != domain.EffectDeny
	}
	return false
}

func countActive(tenantID string, overrides []domain.Override, now time.Time) int {
	n := 0
	for _, o := range overrides {
		if o.TenantID == tenantID && o.ActiveAt(now) && o.Effect.Valid() {
			n++
		}
	}
	return n
}

func featureKeys(in Input, active map[string]domain.Override) []string {
	seen := map[string]struct{}{}
	if len(in.FeatureKeys) > 0 {
		for _, k := range in.FeatureKeys {
			if k = strings.TrimSpace(k); k != "" {
				seen[k] = struct{}{}
			}
		}
	} else {
		for _, k := range in.Plan.FeatureKeys() {
			seen[k] = struct{}{}
		}
		for k := range active {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
