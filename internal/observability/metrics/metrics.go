package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes the entitlement and gating instruments.
type Metrics struct {
	cacheLookups      metric.Int64Counter
	evaluations       metric.Int64Counter
	gateDecisions     metric.Int64Counter
	jobTransitions    metric.Int64Counter
	overrideMutations metric.Int64Counter
	resolveDuration   metric.Float64Histogram
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return provider.Shutdown(ctx)
			},
		})
	}
	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}
	return provider, nil
}

// New builds the instruments on provider.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "gatekeeper"
	}
	meter := provider.Meter(name)

	var (
		m   Metrics
		err error
	)
	if m.cacheLookups, err = meter.Int64Counter("gatekeeper_entitlement_cache_lookups_total"); err != nil {
		return nil, err
	}
	if m.evaluations, err = meter.Int64Counter("gatekeeper_entitlement_evaluations_total"); err != nil {
		return nil, err
	}
	if m.gateDecisions, err = meter.Int64Counter("gatekeeper_gate_decisions_total"); err != nil {
		return nil, err
	}
	if m.jobTransitions, err = meter.Int64Counter("gatekeeper_job_transitions_total"); err != nil {
		return nil, err
	}
	if m.overrideMutations, err = meter.Int64Counter("gatekeeper_override_mutations_total"); err != nil {
		return nil, err
	}
	if m.resolveDuration, err = meter.Float64Histogram("gatekeeper_entitlement_resolve_seconds", metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return &m, nil
}

// NewNop returns instruments backed by the no-op provider.
func NewNop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

func (m *Metrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("result", result))...))
}

// RecordEvaluation counts resolutions by outcome (resolved, fail_closed).
func (m *Metrics) RecordEvaluation(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(FilterAttributes(attribute.String("outcome", outcome))...)
	m.evaluations.Add(ctx, 1, attrs)
	m.resolveDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) RecordGateDecision(ctx context.Context, billingState, category, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("billing_state", billingState),
		attribute.String("category", category),
		attribute.String("outcome", outcome),
	)
	m.gateDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordJobTransition(ctx context.Context, category, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("category", category),
		attribute.String("status", status),
	)
	m.jobTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordOverrideMutation(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.overrideMutations.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("action", action))...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Tenant ids are deliberately absent to keep series count bounded.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"result":        {},
	"outcome":       {},
	"billing_state": {},
	"category":      {},
	"status":        {},
	"action":        {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
