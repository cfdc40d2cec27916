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
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ExportInterval   time.Duration
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	buildsTriggered  metric.Int64Counter
	buildTransitions metric.Int64Counter
	paymentEvents    metric.Int64Counter
	notifications    metric.Int64Counter
	outboxPublished  metric.Int64Counter
	outboxFailed     metric.Int64Counter
}

const defaultExportInterval = 10 * time.Second

// NewProvider installs the global meter provider. Without OTLP export the
// provider is a no-op, so domain counters cost nothing.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		noopProvider := noop.NewMeterProvider()
		otel.SetMeterProvider(noopProvider)
		return noopProvider, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exporter, err := newExporter(ctx, cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, err
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = defaultExportInterval
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(provider)
	if lc != nil {
		lc.Append(fx.Hook{OnStop: provider.Shutdown})
	}

	log.Named("metrics").Info("otlp metrics export enabled",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
		zap.Duration("interval", interval),
	)
	return provider, nil
}

// New registers the domain counters on the service meter.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "storeforge"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.buildsTriggered, "storeforge_builds_triggered_total", "Build trigger attempts by outcome."},
		{&m.buildTransitions, "storeforge_build_transitions_total", "Applied build job status transitions."},
		{&m.paymentEvents, "storeforge_payment_events_total", "Verified payment provider events by outcome."},
		{&m.notifications, "storeforge_notifications_created_total", "Notifications persisted by type."},
		{&m.outboxPublished, "storeforge_outbox_published_total", "Store events published to the realtime bus."},
		{&m.outboxFailed, "storeforge_outbox_failed_total", "Store event publish attempts that failed."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return m, nil
}

func (m *Metrics) add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil || counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attrs...)...))
}

func (m *Metrics) RecordBuildTriggered(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.add(ctx, m.buildsTriggered, label("outcome", outcome))
}

func (m *Metrics) RecordBuildTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.add(ctx, m.buildTransitions, label("from", from), label("to", to))
}

func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType, outcome string) {
	if m == nil {
		return
	}
	m.add(ctx, m.paymentEvents, label("provider", provider), label("event_type", eventType), label("outcome", outcome))
}

func (m *Metrics) RecordNotificationCreated(ctx context.Context, notificationType string) {
	if m == nil {
		return
	}
	m.add(ctx, m.notifications, label("notification_type", notificationType))
}

func (m *Metrics) RecordOutboxPublished(ctx context.Context, eventName string) {
	if m == nil {
		return
	}
	m.add(ctx, m.outboxPublished, label("event_name", eventName))
}

// RecordOutboxFailed counts a failed publish by reason, such as publish_error.
func (m *Metrics) RecordOutboxFailed(ctx context.Context, eventName, reason string) {
	if m == nil {
		return
	}
	m.add(ctx, m.outboxFailed, label("event_name", eventName), label("reason", reason))
}

func label(key, value string) attribute.KeyValue {
	return attribute.String(key, strings.TrimSpace(value))
}

func newExporter(ctx context.Context, protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch protocol = strings.ToLower(strings.TrimSpace(protocol)); protocol {
	case "http", "http/protobuf":
		var opts []otlpmetrichttp.Option
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(ctx, opts...)
	case "", "grpc", "grpc/protobuf":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	}
	return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"endpoint":          {},
	"status_code":       {},
	"provider":          {},
	"event_type":        {},
	"event_name":        {},
	"notification_type": {},
	"outcome":           {},
	"from":              {},
	"to":                {},
	"reason":            {},
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
