package service

import (
	"context"
	"sync"
	"time"

	alertdomain "github.com/smallbiznis/gatekeeper/internal/alert/domain"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	"github.com/smallbiznis/gatekeeper/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultDenyThreshold = 10
	defaultDenyWindow    = time.Minute
)

type DenyMonitorParams struct {
	fx.In

	Config   config.Config
	Log      *zap.Logger
	Clock    clock.Clock
	Notifier alertdomain.Notifier
}

// DenyMonitor counts denials per tenant in a sliding window and raises one
// alert each time a tenant crosses the threshold.
type DenyMonitor struct {
	mu        sync.Mutex
	log       *zap.Logger
	clock     clock.Clock
	notifier  alertdomain.Notifier
	threshold int
	window    time.Duration

	events    map[string][]time.Time
	alertedAt map[string]time.Time
	prunedAt  time.Time
}

func NewDenyMonitor(p DenyMonitorParams) *DenyMonitor {
	threshold := p.Config.Alerts.DenyThreshold
	if threshold <= 0 {
		threshold = defaultDenyThreshold
	}
	window := p.Config.Alerts.DenyWindow
	if window <= 0 {
		window = defaultDenyWindow
	}
	return &DenyMonitor{
		log:       p.Log.Named("alert.deny_monitor"),
		clock:     p.Clock,
		notifier:  p.Notifier,
		threshold: threshold,
		window:    window,
		events:    make(map[string][]time.Time),
		alertedAt: make(map[string]time.Time),
	}
}

// Record notes one denial for tenantID. It reports whether an alert was
// raised.
func (m *DenyMonitor) Record(ctx context.Context, tenantID, subject string) bool {
	now := m.clock.Now()
	cutoff := now.Add(-m.window)

	m.mu.Lock()
	if now.Sub(m.prunedAt) >= m.window {
		m.prune(cutoff)
		m.prunedAt = now
	}
	kept := m.events[tenantID][:0]
	for _, at := range m.events[tenantID] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	m.events[tenantID] = kept
	count := len(kept)

	last, alerted := m.alertedAt[tenantID]
	fire := count >= m.threshold && (!alerted || !last.After(cutoff))
	if fire {
		m.alertedAt[tenantID] = now
	}
	m.mu.Unlock()

	if !fire {
		return false
	}

	if err := m.notifier.Notify(ctx, alertdomain.Alert{
		Kind:     alertdomain.KindRepeatedDeny,
		TenantID: tenantID,
		Subject:  subject,
		Count:    count,
		Message:  "repeated entitlement denials",
		At:       now,
	}); err != nil {
		m.log.Error("repeated deny alert not delivered",
			zap.String("tenant_id", tenantID),
			zap.String("subject", subject),
			zap.Int("count", count),
			zap.Error(err),
		)
	}
	return true
}

// prune drops tenants with no denial or alert inside the window. Callers hold
// m.mu.
func (m *DenyMonitor) prune(cutoff time.Time) {
	for tenantID, events := range m.events {
		if len(events) == 0 || !events[len(events)-1].After(cutoff) {
			delete(m.events, tenantID)
		}
	}
	for tenantID, at := range m.alertedAt {
		if !at.After(cutoff) {
			delete(m.alertedAt, tenantID)
		}
	}
}

func (m *DenyMonitor) trackedTenants() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]struct{}, len(m.events)+len(m.alertedAt))
	for tenantID := range m.events {
		seen[tenantID] = struct{}{}
	}
	for tenantID := range m.alertedAt {
		seen[tenantID] = struct{}{}
	}
	return len(seen)
}

// Count returns the denials currently inside the window for tenantID.
func (m *DenyMonitor) Count(tenantID string) int {
	cutoff := m.clock.Now().Add(-m.window)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, at := range m.events[tenantID] {
		if at.After(cutoff) {
			n++
		}
	}
	return n
}
