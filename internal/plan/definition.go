package plan

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	ErrPlanNotFound     = errors.New("plan_not_found")
	ErrEmptyCatalog     = errors.New("plan_catalog_empty")
	ErrInvalidPlanKey   = errors.New("invalid_plan_key")
	ErrInvalidFeature   = errors.New("invalid_feature_key")
	ErrInvalidLimit     = errors.New("invalid_plan_limit")
	ErrCatalogNotLoaded = errors.New("plan_catalog_not_loaded")
	ErrDuplicatePlanKey = errors.New("duplicate_plan_key")
)

// Definition is the immutable feature set and limits granted by a plan.
type Definition struct {
	Key      string
	features map[string]struct{}
	limits   map[string]int64
}

func NewDefinition(key string, features []string, limits map[string]int64) Definition {
	def := Definition{
		Key:      NormalizeKey(key),
		features: make(map[string]struct{}, len(features)),
		limits:   make(map[string]int64, len(limits)),
	}
	for _, f := range features {
		if f = strings.TrimSpace(f); f != "" {
			def.features[f] = struct{}{}
		}
	}
	for name, value := range limits {
		def.limits[name] = value
	}
	return def
}

func (d Definition) HasFeature(key string) bool {
	_, ok := d.features[key]
	return ok
}

// FeatureKeys returns the plan features in sorted order.
func (d Definition) FeatureKeys() []string {
	keys := make([]string, 0, len(d.features))
	for k := range d.features {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (d Definition) Limit(name string) (int64, bool) {
	v, ok := d.limits[name]
	return v, ok
}

func (d Definition) Limits() map[string]int64 {
	out := make(map[string]int64, len(d.limits))
	for k, v := range d.limits {
		out[k] = v
	}
	return out
}

// Catalog is one loaded version of the plan mapping. It is never mutated after
// construction; reloads swap in a new Catalog.
type Catalog struct {
	Version  int64
	LoadedAt time.Time
	plans    map[string]Definition
}

func NewCatalog(version int64, loadedAt time.Time, defs ...Definition) (*Catalog, error) {
	if len(defs) == 0 {
		return nil, ErrEmptyCatalog
	}
	plans := make(map[string]Definition, len(defs))
	for _, def := range defs {
		if def.Key == "" {
			return nil, ErrInvalidPlanKey
		}
		if _, dup := plans[def.Key]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicatePlanKey, def.Key)
		}
		plans[def.Key] = def
	}
	return &Catalog{Version: version, LoadedAt: loadedAt.UTC(), plans: plans}, nil
}

// Get looks a plan up by key. The key is normalized first.
func (c *Catalog) Get(key string) (Definition, bool) {
	if c == nil {
		return Definition{}, false
	}
	def, ok := c.plans[NormalizeKey(key)]
	return def, ok
}

func (c *Catalog) Keys() []string {
	if c == nil {
		return nil
	}
	keys := make([]string, 0, len(c.plans))
	for k := range c.plans {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FeatureKeys returns the union of every plan's features, sorted.
func (c *Catalog) FeatureKeys() []string {
	if c == nil {
		return nil
	}
	seen := map[string]struct{}{}
	for _, def := range c.plans {
		for k := range def.features {
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

// NormalizeKey lower-cases the key and strips the billing provider "plan_" prefix.
func NormalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.TrimPrefix(key, "plan_")
}
