package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const keyWebhookTenant = "gatekeeper:ratelimit:webhook:"

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Redis  redis.UniversalClient `optional:"true"`
}

// WebhookLimiter bounds billing webhook deliveries per tenant. With Redis the
// bucket is shared across replicas; otherwise each process keeps its own.
type WebhookLimiter struct {
	log    *zap.Logger
	bucket *TokenBucket
	rate   float64
	burst  int

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// NewWebhookLimiter returns nil when rate limiting is disabled. A nil
// *WebhookLimiter allows everything.
func NewWebhookLimiter(p Params) *WebhookLimiter {
	cfg := p.Config.RateLimit
	if !cfg.Enabled || cfg.WebhookRate <= 0 || cfg.WebhookBurst <= 0 {
		return nil
	}
	return &WebhookLimiter{
		log:    p.Log.Named("ratelimit.webhook"),
		bucket: NewTokenBucket(p.Redis),
		rate:   cfg.WebhookRate,
		burst:  cfg.WebhookBurst,
		local:  make(map[string]*rate.Limiter),
	}
}

func (l *WebhookLimiter) AllowTenant(ctx context.Context, tenantID string) Result {
	if l == nil {
		return Result{Allowed: true}
	}
	tenantID = strings.TrimSpace(tenantID)

	if l.bucket != nil {
		res, err := l.bucket.Allow(ctx, keyWebhookTenant+tenantID, l.rate, l.burst)
		if err == nil {
			return res
		}
		l.log.Warn("redis rate limit failed, using local bucket",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
	}
	return l.allowLocal(tenantID)
}

func (l *WebhookLimiter) allowLocal(tenantID string) Result {
	l.mu.Lock()
	lim, ok := l.local[tenantID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.rate), l.burst)
		l.local[tenantID] = lim
	}
	l.mu.Unlock()

	now := time.Now()
	res := lim.ReserveN(now, 1)
	delay := res.DelayFrom(now)
	if delay > 0 {
		res.CancelAt(now)
		return Result{Allowed: false, Limit: l.burst, RetryAfter: delay}
	}
	return Result{Allowed: true, Limit: l.burst, Remaining: int(lim.TokensAt(now))}
}
