package billinggate

import (
	"time"

	subscriptiondomain "github.com/smallbiznis/gatekeeper/internal/subscription/domain"
)

type Action string

const (
	ActionNone           Action = "none"
	ActionUpdatePayment  Action = "update_payment"
	ActionUpgrade        Action = "upgrade"
	ActionContactSupport Action = "contact_support"
)

type ReasonCode string

const (
	ReasonGracePeriodActive   ReasonCode = "grace_period_active"
	ReasonSubscriptionCancel  ReasonCode = "subscription_canceled"
	ReasonPeriodEnded         ReasonCode = "subscription_period_ended"
	ReasonSubscriptionExpired ReasonCode = "subscription_expired"
	ReasonNoSubscription      ReasonCode = "no_subscription"
	ReasonReadOnly            ReasonCode = "read_only"
	ReasonUnknownState        ReasonCode = "unknown_billing_state"
	ReasonUnknownCategory     ReasonCode = "unknown_category"
)

type Reason struct {
	Code    ReasonCode `json:"code"`
	Message string     `json:"message"`
}

// Request is one gate evaluation. Method is an HTTP verb; background jobs
// pass POST.
type Request struct {
	Subscription *subscriptiondomain.Subscription
	Category     Category
	Method       string
	Now          time.Time
}

type Decision struct {
	Entitled                 bool       `json:"entitled"`
	Degraded                 bool       `json:"degraded"`
	ReadOnly                 bool       `json:"read_only"`
	BillingState             State      `json:"billing_state"`
	Category                 Category   `json:"category"`
	Reason                   *Reason    `json:"reason,omitempty"`
	ActionRequired           Action     `json:"action_required"`
	GracePeriodRemainingDays *int       `json:"grace_period_remaining_days,omitempty"`
	CurrentPeriodEnd         *time.Time `json:"current_period_end,omitempty"`
}

// Outcome labels the decision for audit and metrics.
func (d Decision) Outcome() string {
	switch {
	case !d.Entitled:
		return "denied"
	case d.Degraded:
		return "degraded"
	default:
		return "granted"
	}
}

// Gate applies the billing-state by category enforcement matrix. The zero
// value is ready to use.
type Gate struct{}

func NewGate() *Gate { return &Gate{} }

func (g *Gate) Evaluate(req Request) Decision {
	state := Classify(req.Subscription, req.Now)
	d := Decision{
		BillingState:   state,
		Category:       req.Category,
		ActionRequired: ActionNone,
	}
	if req.Subscription != nil {
		d.CurrentPeriodEnd = req.Subscription.CurrentPeriodEnd
	}

	var premium bool
	switch req.Category {
	case CategoryExports, CategoryAI, CategoryHeavyRecompute:
		premium = true
	case CategoryOther:
		premium = false
	default:
		return deny(d, ActionContactSupport, ReasonUnknownCategory, "Unrecognized feature category.")
	}

	switch state {
	case StateActive:
		d.Entitled = true
		return d

	case StatePastDue:
		d.Entitled = true
		d.Degraded = true
		d.ActionRequired = ActionUpdatePayment
		return d

	case StateGracePeriod:
		d.GracePeriodRemainingDays = GracePeriodRemainingDays(req.Subscription, req.Now)
		if premium {
			return deny(d, ActionUpdatePayment, ReasonGracePeriodActive,
				"Payment grace period active. Premium features require payment update.")
		}
		return readOnly(d, req.Method, ActionUpdatePayment)

	case StateCanceled:
		if premium {
			if periodEnded(req.Subscription, req.Now) {
				return deny(d, ActionUpdatePayment, ReasonPeriodEnded,
					"Subscription canceled and billing period ended.")
			}
			return deny(d, ActionUpdatePayment, ReasonSubscriptionCancel,
				"Subscription canceled. Premium features require active subscription.")
		}
		return readOnly(d, req.Method, ActionUpdatePayment)

	case StateExpired:
		if premium {
			return deny(d, ActionUpdatePayment, ReasonSubscriptionExpired,
				"Subscription has expired. Premium features require active subscription.")
		}
		return readOnly(d, req.Method, ActionUpdatePayment)

	case StateNone:
		if premium {
			return deny(d, ActionUpgrade, ReasonNoSubscription,
				"No active subscription. Premium features require subscription.")
		}
		return readOnly(d, req.Method, ActionUpgrade)

	default:
		return deny(d, ActionContactSupport, ReasonUnknownState, "Billing state could not be determined.")
	}
}

func deny(d Decision, action Action, code ReasonCode, message string) Decision {
	d.Entitled = false
	d.Degraded = false
	d.ActionRequired = action
	d.Reason = &Reason{Code: code, Message: message}
	return d
}

// readOnly admits reads in degraded mode and denies writes.
func readOnly(d Decision, method string, action Action) Decision {
	d.ReadOnly = true
	d.Degraded = true
	d.ActionRequired = action
	if IsReadMethod(method) {
		d.Entitled = true
		return d
	}
	d.Entitled = false
	d.Reason = &Reason{Code: ReasonReadOnly, Message: "Account is read-only until billing is resolved."}
	return d
}

// periodEnded is true when the paid period is over or was never recorded.
func periodEnded(sub *subscriptiondomain.Subscription, now time.Time) bool {
	if sub == nil || sub.CurrentPeriodEnd == nil {
		return true
	}
	return now.After(*sub.CurrentPeriodEnd)
}
