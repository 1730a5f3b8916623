package plan

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type rawPlan struct {
	Features []any         `mapstructure:"features"`
	Limits   map[string]any `mapstructure:"limits"`
}

// Parse decodes a catalog document of the form
// {"plans": {"<key>": {"features": [...], "limits": {...}}}}.
func Parse(data []byte, format string, version int64, now time.Time) (*Catalog, error) {
	v := viper.New()
	v.SetConfigType(format)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("read plan catalog: %w", err)
	}
	return fromViper(v, version, now)
}

func fromViper(v *viper.Viper, version int64, now time.Time) (*Catalog, error) {
	raw := map[string]rawPlan{}
	if err := v.UnmarshalKey("plans", &raw); err != nil {
		return nil, fmt.Errorf("decode plan catalog: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrEmptyCatalog
	}

	defs := make([]Definition, 0, len(raw))
	for key, rp := range raw {
		normalized := NormalizeKey(key)
		if normalized == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPlanKey, key)
		}

		features := make([]string, 0, len(rp.Features))
		for _, f := range rp.Features {
			s, ok := f.(string)
			if !ok || strings.TrimSpace(s) == "" {
				return nil, fmt.Errorf("%w: plan %q has feature %v", ErrInvalidFeature, normalized, f)
			}
			features = append(features, strings.TrimSpace(s))
		}

		limits := make(map[string]int64, len(rp.Limits))
		for name, value := range rp.Limits {
			n, err := toInt64(value)
			if err != nil {
				return nil, fmt.Errorf("%w: plan %q limit %q: %v", ErrInvalidLimit, normalized, name, err)
			}
			limits[name] = n
		}
		defs = append(defs, NewDefinition(normalized, features, limits))
	}

	return NewCatalog(version, now, defs...)
}

func toInt64(value any) (int64, error) {
	switch n := value.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("value %v is not an integer", n)
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unsupported type %T", value)
	}
}
