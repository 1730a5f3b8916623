// Package auditcontext carries request metadata that is copied onto audit
// records.
package auditcontext

import (
	"context"
	"strings"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	ipAddressKey
	userAgentKey
	actorTypeKey
	actorIDKey
)

func WithRequestID(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, requestIDKey, strings.TrimSpace(v))
}

func RequestIDFromContext(ctx context.Context) string { return value(ctx, requestIDKey) }

func WithIPAddress(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, ipAddressKey, strings.TrimSpace(v))
}

func IPAddressFromContext(ctx context.Context) string { return value(ctx, ipAddressKey) }

func WithUserAgent(ctx context.Context, v string) context.Context {
	return context.WithValue(ctx, userAgentKey, strings.TrimSpace(v))
}

func UserAgentFromContext(ctx context.Context) string { return value(ctx, userAgentKey) }

func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, actorTypeKey, strings.TrimSpace(actorType))
	return context.WithValue(ctx, actorIDKey, strings.TrimSpace(actorID))
}

func ActorFromContext(ctx context.Context) (string, string) {
	return value(ctx, actorTypeKey), value(ctx, actorIDKey)
}

func value(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}
