package pagestore

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type fetchResult string

const (
	resultHit    fetchResult = "hit"
	resultJoined fetchResult = "joined"
	resultLoaded fetchResult = "loaded"
	resultFailed fetchResult = "failed"
	resultStale  fetchResult = "stale"
)

type storeMetrics struct {
	fetches metric.Int64Counter
}

func newStoreMetrics(logger pslog.Base) *storeMetrics {
	meter := otel.Meter("pkt.systems/folio/pagestore")
	fetches, err := meter.Int64Counter(
		"folio.pagestore.fetch",
		metric.WithDescription("Page requests by outcome"),
	)
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "folio.pagestore.fetch", "error", err)
	}
	return &storeMetrics{fetches: fetches}
}

func (m *storeMetrics) record(ctx context.Context, result fetchResult) {
	if m == nil || m.fetches == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.fetches.Add(ctx, 1, metric.WithAttributes(attribute.String("folio.pagestore.result", string(result))))
}
