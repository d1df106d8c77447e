package client

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type clientMetrics struct {
	requests metric.Int64Counter
	retries  metric.Int64Counter
	renewals metric.Int64Counter
}

func newClientMetrics(logger pslog.Base) *clientMetrics {
	meter := otel.Meter("pkt.systems/folio/client")
	m := &clientMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"folio.client.request",
		metric.WithDescription("HTTP requests issued by the folio client"),
	)
	logMetricInitError(logger, "folio.client.request", err)

	m.retries, err = meter.Int64Counter(
		"folio.client.retry",
		metric.WithDescription("Requests re-issued after a credential renewal"),
	)
	logMetricInitError(logger, "folio.client.retry", err)

	m.renewals, err = meter.Int64Counter(
		"folio.client.renewal",
		metric.WithDescription("Access token renewals by outcome"),
	)
	logMetricInitError(logger, "folio.client.renewal", err)
	return m
}

func (m *clientMetrics) recordRequest(ctx context.Context, method string, status int) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.status_class", statusClass(status)),
	))
}

func (m *clientMetrics) recordRetry(ctx context.Context, method string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("http.method", method)))
}

func (m *clientMetrics) recordRenewal(ctx context.Context, ok bool) {
	if m == nil || m.renewals == nil {
		return
	}
	result := "failed"
	if ok {
		result = "renewed"
	}
	m.renewals.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("folio.renewal.result", result)))
}

func statusClass(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}

func logMetricInitError(logger pslog.Base, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
