package journal

import (
	"context"
	"errors"

	ethCommon "github.com/ethereum/go-ethereum/common"

	"github.com/oasisprotocol/govkeeper/metrics"
)

// metricsJournal instruments a Journal.
type metricsJournal struct {
	inner   Journal
	metrics metrics.JournalMetrics
}

var _ Journal = (*metricsJournal)(nil)

func withMetrics(inner Journal, backend string) Journal {
	return &metricsJournal{inner: inner, metrics: metrics.NewDefaultJournalMetrics(backend)}
}

func (m *metricsJournal) observe(op string, f func() error) error {
	timer := m.metrics.JournalLatencies(op)
	defer timer.ObserveDuration()

	err := f()
	status := "success"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "failure"
	}
	m.metrics.JournalOperations(op, status).Inc()
	return err
}

func (m *metricsJournal) Record(ctx context.Context, e *Entry) error {
	return m.observe("record", func() error { return m.inner.Record(ctx, e) })
}

func (m *metricsJournal) Get(ctx context.Context, id ethCommon.Hash) (*Entry, error) {
	var e *Entry
	err := m.observe("get", func() (err error) {
		e, err = m.inner.Get(ctx, id)
		return
	})
	return e, err
}

func (m *metricsJournal) List(ctx context.Context, status Status) ([]*Entry, error) {
	var entries []*Entry
	err := m.observe("list", func() (err error) {
		entries, err = m.inner.List(ctx, status)
		return
	})
	return entries, err
}

func (m *metricsJournal) MarkDone(ctx context.Context, id ethCommon.Hash, executeTx *ethCommon.Hash) error {
	return m.observe("mark_done", func() error { return m.inner.MarkDone(ctx, id, executeTx) })
}

func (m *metricsJournal) MarkClosed(ctx context.Context, id ethCommon.Hash) error {
	return m.observe("mark_closed", func() error { return m.inner.MarkClosed(ctx, id) })
}

func (m *metricsJournal) MarkFailed(ctx context.Context, id ethCommon.Hash, reason string) error {
	return m.observe("mark_failed", func() error { return m.inner.MarkFailed(ctx, id, reason) })
}

func (m *metricsJournal) Reopen(ctx context.Context, id ethCommon.Hash) error {
	return m.observe("reopen", func() error { return m.inner.Reopen(ctx, id) })
}

func (m *metricsJournal) Close() error {
	return m.inner.Close()
}
