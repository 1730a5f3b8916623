package plan

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Clock  clock.Clock
}

// CatalogHolder serves the current plan catalog and swaps it on reload.
type CatalogHolder struct {
	current atomic.Pointer[Catalog]
	mu      sync.Mutex
	v       *viper.Viper
	log     *zap.Logger
	clock   clock.Clock
}

func NewCatalogHolder(p Params) (*CatalogHolder, error) {
	path := strings.TrimSpace(p.Config.Plans.Path)
	if path == "" {
		return nil, fmt.Errorf("plan catalog path is required")
	}

	v := viper.New()
	v.SetConfigFile(path)
	if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "yml" {
		v.SetConfigType("yaml")
	}

	h := &CatalogHolder{
		v:     v,
		log:   p.Log.Named("plan.catalog"),
		clock: p.Clock,
	}
	if err := h.Reload(); err != nil {
		return nil, err
	}

	if p.Config.Plans.Watch {
		v.OnConfigChange(func(e fsnotify.Event) {
			if err := h.Reload(); err != nil {
				h.log.Warn("invalid plan catalog ignored",
					zap.String("file", e.Name),
					zap.Error(err),
				)
			}
		})
		v.WatchConfig()
	}
	return h, nil
}

// NewStaticHolder wraps an already built catalog. Reload is a no-op.
func NewStaticHolder(c *Catalog) *CatalogHolder {
	h := &CatalogHolder{log: zap.NewNop()}
	h.current.Store(c)
	return h
}

// Reload re-reads the catalog source. The previous catalog stays active when
// the new document fails validation.
func (h *CatalogHolder) Reload() error {
	if h.v == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read plan catalog: %w", err)
	}

	var version int64 = 1
	if prev := h.current.Load(); prev != nil {
		version = prev.Version + 1
	}
	next, err := fromViper(h.v, version, h.clock.Now())
	if err != nil {
		return err
	}
	h.current.Store(next)
	h.log.Info("plan catalog loaded",
		zap.Int64("version", next.Version),
		zap.Strings("plans", next.Keys()),
	)
	return nil
}

func (h *CatalogHolder) Get() *Catalog {
	return h.current.Load()
}

// Lookup returns the plan definition for key from the current catalog.
func (h *CatalogHolder) Lookup(key string) (Definition, error) {
	c := h.current.Load()
	if c == nil {
		return Definition{}, ErrCatalogNotLoaded
	}
	def, ok := c.Get(key)
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrPlanNotFound, NormalizeKey(key))
	}
	return def, nil
}
