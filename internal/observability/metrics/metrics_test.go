package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("store_id", "123"),
		attribute.String("event_name", "payment-received"),
		attribute.String("provider", "stripe"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	for _, attr := range attrs {
		if attr.Key == "store_id" {
			t.Fatalf("expected store_id to be dropped")
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordBuildTriggered(ctx, "accepted")
	m.RecordBuildTransition(ctx, "PENDING", "COMPLETED")
	m.RecordPaymentEvent(ctx, "stripe", "payment_intent.succeeded", "processed")
	m.RecordNotificationCreated(ctx, "payment_received")
	m.RecordOutboxPublished(ctx, "payment-received")
	m.RecordOutboxFailed(ctx, "payment-received", "publish_error")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{ServiceName: "storeforge"}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	m.RecordBuildTriggered(context.Background(), "accepted")
}
