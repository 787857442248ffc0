package fleet

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// fleetMetrics holds the OTel instruments for the scheduler. With no
// meter provider installed these are no-ops, so the fleet works the
// same with or without a metrics pipeline.
type fleetMetrics struct {
	chats         metric.Int64Counter
	chatFailures  metric.Int64Counter
	statusChanges metric.Int64Counter
	healthChecks  metric.Int64Counter
	acquisitions  metric.Int64Counter
}

func newFleetMetrics() *fleetMetrics {
	meter := otel.Meter("aifleet/fleet")

	m := &fleetMetrics{}
	m.chats, _ = meter.Int64Counter("fleet.chats",
		metric.WithDescription("Chat calls dispatched per client"))
	m.chatFailures, _ = meter.Int64Counter("fleet.chat_failures",
		metric.WithDescription("Failed chat calls per client and reason"))
	m.statusChanges, _ = meter.Int64Counter("fleet.status_changes",
		metric.WithDescription("Client status transitions"))
	m.healthChecks, _ = meter.Int64Counter("fleet.health_checks",
		metric.WithDescription("Health checks run by the monitor"))
	m.acquisitions, _ = meter.Int64Counter("fleet.acquisitions",
		metric.WithDescription("Successful client acquisitions"))
	return m
}

func (m *fleetMetrics) recordChat(ctx context.Context, client string, success bool, errorType, errorCode string) {
	m.chats.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client", client),
	))
	if !success {
		m.chatFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("client", client),
			attribute.String("error_type", errorType),
			attribute.String("error_code", errorCode),
		))
	}
}

func (m *fleetMetrics) recordStatusChange(ctx context.Context, client, from, to string) {
	m.statusChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client", client),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *fleetMetrics) recordHealthCheck(ctx context.Context, client string, passed bool) {
	m.healthChecks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client", client),
		attribute.Bool("passed", passed),
	))
}

func (m *fleetMetrics) recordAcquisition(ctx context.Context, client, caller string) {
	m.acquisitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client", client),
		attribute.String("caller", caller),
	))
}
