package domain

import (
	"context"
	"time"
)

type Kind string

const (
	KindEvaluationFailure Kind = "entitlement_evaluation_failure"
	KindRepeatedDeny      Kind = "repeated_entitlement_deny"
)

// Alert is a support-facing notification. Message never carries secrets or
// stack traces.
type Alert struct {
	Kind     Kind
	TenantID string
	Code     string
	Subject  string
	Message  string
	Count    int
	At       time.Time
}

// Notifier delivers alerts to the support channel.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}
