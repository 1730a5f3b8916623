package service

import (
	"context"
	"net/http"

	"github.com/smallbiznis/gatekeeper/internal/billinggate"
	"github.com/smallbiznis/gatekeeper/internal/clock"
	jobdomain "github.com/smallbiznis/gatekeeper/internal/job/domain"
	subscriptiondomain "github.com/smallbiznis/gatekeeper/internal/subscription/domain"
	"go.uber.org/fx"
)

type GatingParams struct {
	fx.In

	Subscriptions subscriptiondomain.Service
	Gate          *billinggate.Gate
	Clock         clock.Clock
}

// GatingChecker decides whether a background job may run. Jobs are gated as
// writes.
type GatingChecker struct {
	subs  subscriptiondomain.Service
	gate  *billinggate.Gate
	clock clock.Clock
}

func NewGatingChecker(p GatingParams) *GatingChecker {
	gate := p.Gate
	if gate == nil {
		gate = billinggate.NewGate()
	}
	return &GatingChecker{subs: p.Subscriptions, gate: gate, clock: p.Clock}
}

// Check evaluates the gate for tenantID. When sub is nil the latest
// subscription is loaded. A lookup failure denies with an unknown billing
// state and returns the error.
func (c *GatingChecker) Check(ctx context.Context, tenantID string, category billinggate.Category, sub *subscriptiondomain.Subscription) (jobdomain.GateResult, error) {
	if sub == nil {
		latest, err := c.subs.GetLatest(ctx, tenantID)
		if err != nil {
			return jobdomain.GateResult{
				Allowed:      false,
				BillingState: billinggate.StateNone,
				Reason:       string(billinggate.ReasonUnknownState),
				Decision: billinggate.Decision{
					BillingState:   billinggate.StateNone,
					Category:       category,
					ActionRequired: billinggate.ActionContactSupport,
					Reason:         &billinggate.Reason{Code: billinggate.ReasonUnknownState, Message: "Billing state could not be determined."},
				},
			}, err
		}
		sub = latest
	}

	decision := c.gate.Evaluate(billinggate.Request{
		Subscription: sub,
		Category:     category,
		Method:       http.MethodPost,
		Now:          c.clock.Now(),
	})
	result := jobdomain.GateResult{
		Allowed:      decision.Entitled,
		BillingState: decision.BillingState,
		Decision:     decision,
	}
	if decision.Reason != nil {
		result.Reason = string(decision.Reason.Code)
	}
	return result, nil
}
