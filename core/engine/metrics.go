package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// metrics holds the engine's instruments. A no-op meter yields no-op
// instruments, so callers never nil-check.
type metrics struct {
	txnBegun     metric.Int64Counter
	txnCommitted metric.Int64Counter
	txnAborted   metric.Int64Counter
}

func newMetrics(meter metric.Meter, walItems func() int64) (*metrics, error) {
	m := &metrics{}
	var err error

	m.txnBegun, err = meter.Int64Counter("keeldb.txn.begun",
		metric.WithDescription("Transactions successfully begun"))
	if err != nil {
		return nil, fmt.Errorf("failed to create txn.begun counter: %w", err)
	}
	m.txnCommitted, err = meter.Int64Counter("keeldb.txn.committed",
		metric.WithDescription("Transactions committed via end-transaction"))
	if err != nil {
		return nil, fmt.Errorf("failed to create txn.committed counter: %w", err)
	}
	m.txnAborted, err = meter.Int64Counter("keeldb.txn.aborted",
		metric.WithDescription("Transactions aborted"))
	if err != nil {
		return nil, fmt.Errorf("failed to create txn.aborted counter: %w", err)
	}

	_, err = meter.Int64ObservableGauge("keeldb.wal.uncommitted_items",
		metric.WithDescription("Write items staged in WALs awaiting commit"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(walItems())
			return nil
		}))
	if err != nil {
		return nil, fmt.Errorf("failed to create wal.uncommitted_items gauge: %w", err)
	}

	return m, nil
}
