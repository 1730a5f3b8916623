// Package billinggate classifies subscription health and decides, per
// category and method, whether a request or job may proceed.
package billinggate

import (
	"time"

	subscriptiondomain "github.com/smallbiznis/gatekeeper/internal/subscription/domain"
)

// State is the coarse billing health of a tenant.
type State string

const (
	StateActive      State = "ACTIVE"
	StatePastDue     State = "PAST_DUE"
	StateGracePeriod State = "GRACE_PERIOD"
	StateCanceled    State = "CANCELED"
	StateExpired     State = "EXPIRED"
	StateNone        State = "NONE"
)

func (s State) String() string { return string(s) }

// Classify maps the latest subscription to a State. Rules apply in order and
// status comparison ignores case and surrounding whitespace.
func Classify(sub *subscriptiondomain.Subscription, now time.Time) State {
	if sub == nil {
		return StateNone
	}

	switch sub.Status.Normalized() {
	case subscriptiondomain.SubscriptionStatusActive:
		return StateActive
	case subscriptiondomain.SubscriptionStatusFrozen:
		if sub.GracePeriodEndsOn != nil && !now.After(*sub.GracePeriodEndsOn) {
			return StateGracePeriod
		}
		return StatePastDue
	case subscriptiondomain.SubscriptionStatusCancelled:
		return StateCanceled
	case subscriptiondomain.SubscriptionStatusExpired, subscriptiondomain.SubscriptionStatusDeclined:
		return StateExpired
	default:
		return StateNone
	}
}

// GracePeriodRemainingDays returns whole days left in the grace window, or
// nil when no grace window is open at now.
func GracePeriodRemainingDays(sub *subscriptiondomain.Subscription, now time.Time) *int {
	if sub == nil || sub.GracePeriodEndsOn == nil || now.After(*sub.GracePeriodEndsOn) {
		return nil
	}
	days := int(sub.GracePeriodEndsOn.Sub(now) / (24 * time.Hour))
	if days < 0 {
		days = 0
	}
	return &days
}
