package fabric

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/fabricd/api"
	"pkt.systems/pslog"
)

type partitionMetrics struct {
	activateCount    metric.Int64Counter
	activateDuration metric.Int64Histogram
	deactivateCount  metric.Int64Counter
	deactivateDur    metric.Int64Histogram
	restoreCount     metric.Int64Counter
	activeGauge      metric.Int64ObservableGauge
	registration     metric.Registration
	active           atomic.Int64
	degraded         atomic.Int64
}

func newPartitionMetrics(provider metric.MeterProvider, logger pslog.Logger) *partitionMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("pkt.systems/fabricd/partition")
	m := &partitionMetrics{}
	var err error

	m.activateCount, err = meter.Int64Counter(
		"fabricd.partition.activate",
		metric.WithDescription("Partition activations"),
	)
	logMetricInitError(logger, "fabricd.partition.activate", err)

	m.activateDuration, err = meter.Int64Histogram(
		"fabricd.partition.activate.duration_ms",
		metric.WithDescription("Partition activation duration including NVLink training"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "fabricd.partition.activate.duration_ms", err)

	m.deactivateCount, err = meter.Int64Counter(
		"fabricd.partition.deactivate",
		metric.WithDescription("Partition deactivations"),
	)
	logMetricInitError(logger, "fabricd.partition.deactivate", err)

	m.deactivateDur, err = meter.Int64Histogram(
		"fabricd.partition.deactivate.duration_ms",
		metric.WithDescription("Partition deactivation duration"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "fabricd.partition.deactivate.duration_ms", err)

	m.restoreCount, err = meter.Int64Counter(
		"fabricd.partition.restore",
		metric.WithDescription("Activated partition restores"),
	)
	logMetricInitError(logger, "fabricd.partition.restore", err)

	m.activeGauge, err = meter.Int64ObservableGauge(
		"fabricd.partition.active",
		metric.WithDescription("Partitions currently active or degraded"),
	)
	logMetricInitError(logger, "fabricd.partition.active", err)

	if m.activeGauge != nil {
		m.registration, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.activeGauge, m.active.Load(), metric.WithAttributes(attribute.String("fabricd.partition.state", "active")))
			o.ObserveInt64(m.activeGauge, m.degraded.Load(), metric.WithAttributes(attribute.String("fabricd.partition.state", "degraded")))
			return nil
		}, m.activeGauge)
		if err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "fabricd.partition.active", "error", err)
		}
	}
	return m
}

// close stops the gauge callback so a discarded service no longer reports.
func (m *partitionMetrics) close() error {
	if m == nil || m.registration == nil {
		return nil
	}
	err := m.registration.Unregister()
	m.registration = nil
	return err
}

func (m *partitionMetrics) recordActivate(ctx context.Context, withVFs bool, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("fabricd.result", api.StatusOf(err).String()),
		attribute.Bool("fabricd.partition.vfs", withVFs),
	)
	if m.activateCount != nil {
		m.activateCount.Add(ctx, 1, attrs)
	}
	if m.activateDuration != nil {
		m.activateDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *partitionMetrics) recordDeactivate(ctx context.Context, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("fabricd.result", api.StatusOf(err).String()))
	if m.deactivateCount != nil {
		m.deactivateCount.Add(ctx, 1, attrs)
	}
	if m.deactivateDur != nil {
		m.deactivateDur.Record(ctx, duration.Milliseconds(), attrs)
	}
}

func (m *partitionMetrics) recordRestore(ctx context.Context, count int, err error) {
	if m == nil || m.restoreCount == nil {
		return
	}
	m.restoreCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("fabricd.result", api.StatusOf(err).String()),
		attribute.Int("fabricd.partition.count", count),
	))
}

func (m *partitionMetrics) setStates(active, degraded int) {
	if m == nil {
		return
	}
	m.active.Store(int64(active))
	m.degraded.Store(int64(degraded))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
