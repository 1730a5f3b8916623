package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("billing_state", "ACTIVE"),
		attribute.String("tenant_id", "acme"),
		attribute.String("category", "ai"),
	)
	assert.Len(t, attrs, 2)
	for _, attr := range attrs {
		assert.NotEqual(t, attribute.Key("tenant_id"), attr.Key)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordCacheLookup(ctx, true)
		m.RecordEvaluation(ctx, "resolved", time.Millisecond)
		m.RecordGateDecision(ctx, "ACTIVE", "ai", "entitled")
		m.RecordJobTransition(ctx, "exports", "running")
		m.RecordOverrideMutation(ctx, "created")
	})
	assert.NotPanics(t, func() {
		NewNop().RecordCacheLookup(ctx, false)
	})
}
