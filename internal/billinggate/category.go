package billinggate

import (
	"fmt"
	"net/http"
	"strings"
)

// Category groups actions by how strictly billing health gates them.
type Category string

const (
	CategoryExports        Category = "exports"
	CategoryAI             Category = "ai"
	CategoryHeavyRecompute Category = "heavy_recompute"
	CategoryOther          Category = "other"
)

func (c Category) String() string { return string(c) }

// IsPremium reports whether the category gets the strictest gating.
func (c Category) IsPremium() bool {
	switch c {
	case CategoryExports, CategoryAI, CategoryHeavyRecompute:
		return true
	case CategoryOther:
		return false
	default:
		return false
	}
}

func ParseCategory(raw string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(raw))); c {
	case CategoryExports, CategoryAI, CategoryHeavyRecompute, CategoryOther:
		return c, nil
	default:
		return "", fmt.Errorf("unknown category %q", raw)
	}
}

// CategoryForPath infers a category from a route path. Routes should declare
// their category explicitly; this is the fallback.
func CategoryForPath(path string) Category {
	p := strings.ToLower(path)
	switch {
	case strings.Contains(p, "/export"), strings.Contains(p, "/download"):
		return CategoryExports
	case strings.Contains(p, "/ai"), strings.Contains(p, "/insight"), strings.Contains(p, "/recommendation"):
		return CategoryAI
	case strings.Contains(p, "/backfill"), strings.Contains(p, "/attribution"), strings.Contains(p, "/recompute"):
		return CategoryHeavyRecompute
	default:
		return CategoryOther
	}
}

// IsReadMethod is true for GET, HEAD and OPTIONS. Anything else, including
// unknown verbs, counts as a write.
func IsReadMethod(method string) bool {
	switch strings.ToUpper(strings.TrimSpace(method)) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}
