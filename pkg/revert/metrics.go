package revert

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for revert metrics.
var meter = otel.Meter("sysopt.revert")

var (
	transactionsActive  metric.Int64UpDownCounter
	transactionsClosed  metric.Int64Counter
	transactionDuration metric.Float64Histogram
	stepsRecorded       metric.Int64Histogram
	savesTotal          metric.Int64Counter
	revertsTotal        metric.Int64Counter
	stepFailuresTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		transactionsActive, err = meter.Int64UpDownCounter(
			"revert_transactions_active",
			metric.WithDescription("Number of currently open revert transactions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		transactionsClosed, err = meter.Int64Counter(
			"revert_transactions_closed_total",
			metric.WithDescription("Total number of finalized revert transactions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		transactionDuration, err = meter.Float64Histogram(
			"revert_transaction_duration_seconds",
			metric.WithDescription("Time between opening and finalizing a revert transaction"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stepsRecorded, err = meter.Int64Histogram(
			"revert_transaction_steps",
			metric.WithDescription("Number of revert steps recorded per transaction"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		savesTotal, err = meter.Int64Counter(
			"revert_log_saves_total",
			metric.WithDescription("Total number of revert log writes"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		revertsTotal, err = meter.Int64Counter(
			"revert_executions_total",
			metric.WithDescription("Total number of revert executions by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		stepFailuresTotal, err = meter.Int64Counter(
			"revert_step_failures_total",
			metric.WithDescription("Total number of revert steps that failed during replay"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func statusAttr(success bool) attribute.KeyValue {
	if success {
		return attribute.String("status", "success")
	}
	return attribute.String("status", "error")
}

func recordTransactionOpened(ctx context.Context) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	transactionsActive.Add(ctx, 1)
}

func recordTransactionClosed(ctx context.Context, steps int, duration time.Duration, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(statusAttr(success))
	transactionsActive.Add(ctx, -1)
	transactionsClosed.Add(ctx, 1, attrs)
	transactionDuration.Record(ctx, duration.Seconds(), attrs)
	stepsRecorded.Record(ctx, int64(steps), attrs)
}

func recordSave(ctx context.Context, steps int, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	savesTotal.Add(ctx, 1, metric.WithAttributes(statusAttr(success)))
}

func recordRevert(ctx context.Context, status Status, failures int) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	revertsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	if failures > 0 {
		stepFailuresTotal.Add(ctx, int64(failures))
	}
}
