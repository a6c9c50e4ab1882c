package sync

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelScope     = "eventsync/sync"
	spanPass      = "sync.pass"
	spanTargeted  = "sync.targeted"
	spanWebhook   = "sync.webhook"
	metricCreated = "eventsync.sync.events.created"
	metricUpdated = "eventsync.sync.events.updated"
	metricDeleted = "eventsync.sync.events.deleted"
	metricLinked  = "eventsync.sync.events.linked"
	metricEchoes  = "eventsync.sync.echoes"
	metricPushed  = "eventsync.sync.events.pushed"
	metricErrors  = "eventsync.sync.errors"
)

// instruments holds the tracer and counters of the sync package. All fields
// are non-nil; they are no-ops when telemetry is disabled.
type instruments struct {
	tracer     trace.Tracer
	cntCreated metric.Int64Counter
	cntUpdated metric.Int64Counter
	cntDeleted metric.Int64Counter
	cntLinked  metric.Int64Counter
	cntEchoes  metric.Int64Counter
	cntPushed  metric.Int64Counter
	cntErrors  metric.Int64Counter
}

func newInstruments(logger *slog.Logger) *instruments {
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &instruments{
		tracer:     otel.Tracer(otelScope),
		cntCreated: mustCounter(metricCreated, "Number of internal events created from pulls"),
		cntUpdated: mustCounter(metricUpdated, "Number of internal events overwritten from pulls"),
		cntDeleted: mustCounter(metricDeleted, "Number of internal events deleted after upstream cancellation"),
		cntLinked:  mustCounter(metricLinked, "Number of mappings healed to existing events"),
		cntEchoes:  mustCounter(metricEchoes, "Number of pulled changes skipped as echoes of local edits"),
		cntPushed:  mustCounter(metricPushed, "Number of events and announcements pushed to providers"),
		cntErrors:  mustCounter(metricErrors, "Number of errors recorded during sync"),
	}
}

// record adds stats to the counters and annotates span.
func (in *instruments) record(ctx context.Context, span trace.Span, provider string, stats Stats) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	for _, c := range []struct {
		counter metric.Int64Counter
		n       int
	}{
		{in.cntCreated, stats.Created},
		{in.cntUpdated, stats.Updated},
		{in.cntDeleted, stats.Deleted},
		{in.cntLinked, stats.Linked},
		{in.cntEchoes, stats.Echoes},
		{in.cntPushed, stats.Pushed},
		{in.cntErrors, stats.Errors},
	} {
		if c.n > 0 {
			c.counter.Add(ctx, int64(c.n), attrs)
		}
	}

	span.SetAttributes(
		attribute.Int("sync.created", stats.Created),
		attribute.Int("sync.updated", stats.Updated),
		attribute.Int("sync.deleted", stats.Deleted),
		attribute.Int("sync.linked", stats.Linked),
		attribute.Int("sync.echoes", stats.Echoes),
		attribute.Int("sync.pushed", stats.Pushed),
		attribute.Int("sync.errors", stats.Errors),
	)
}
