// Package janitor runs periodic reconciliation of stores in the background:
// replaying mirror records created during an outage and sweeping temp files
// abandoned by interrupted writes. It stays independent from the app Service
// to keep lifecycle concerns out of the request path.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Names emitted to the optional Sink.
const (
	CounterReconciled          = "janitor_reconciled_total"
	SummaryReconciledPerCycle  = "janitor_reconciled_per_cycle"
	CounterReconcileErrorTotal = "janitor_reconcile_errors_total"
)

// Reconciler is a store with a background repair pass. Reconcile returns the
// number of records it repaired.
type Reconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// Multi runs several Reconcilers in order, summing their counts. Every member
// runs even if an earlier one fails; the errors are joined.
type Multi []Reconciler

func (m Multi) Reconcile(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, r := range m {
		n, err := r.Reconcile(ctx)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Sink receives janitor counters and per-cycle observations.
type Sink interface {
	Inc(name string, delta int64)
	Observe(name string, value int64)
}

// Config holds tunables for the Janitor.
type Config struct {
	Interval time.Duration // how often a cycle begins
	Logger   *slog.Logger  // optional logger (defaults to slog.Default())
}

// Metrics accumulates counters (in-memory) for operational insight.
type Metrics struct {
	mu                  sync.Mutex
	Cycles              uint64
	Reconciled          uint64
	Errors              uint64
	CycleLastDurationMS int64
}

// MetricsView is a read-only snapshot safe to copy.
type MetricsView struct {
	Cycles              uint64
	Reconciled          uint64
	Errors              uint64
	CycleLastDurationMS int64
}

func (m *Metrics) recordCycle(n int, failed bool, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cycles++
	if n > 0 {
		m.Reconciled += uint64(n)
	}
	if failed {
		m.Errors++
	}
	m.CycleLastDurationMS = d.Milliseconds()
}

// Janitor encapsulates the background reconcile loop.
type Janitor struct {
	store   Reconciler
	sink    Sink
	cfg     Config
	metrics *Metrics

	ticker *time.Ticker
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs but does not start a Janitor. sink may be nil.
func New(store Reconciler, sink Sink, cfg Config) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Janitor{
		store:   store,
		sink:    sink,
		cfg:     cfg,
		metrics: &Metrics{},
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the janitor loop in a new goroutine.
func (j *Janitor) Start(ctx context.Context) {
	if j.ticker != nil {
		return
	} // already started
	j.ticker = time.NewTicker(j.cfg.Interval)
	go j.loop(ctx)
}

// Stop signals the loop to exit and waits for completion. It is a no-op when
// the loop was never started.
func (j *Janitor) Stop() {
	if j.ticker == nil {
		return
	}
	j.once.Do(func() { close(j.stopCh) })
	<-j.doneCh
}

// MetricsSnapshot returns a copy of current metrics.
func (j *Janitor) MetricsSnapshot() MetricsView {
	j.metrics.mu.Lock()
	defer j.metrics.mu.Unlock()
	return MetricsView{
		Cycles:              j.metrics.Cycles,
		Reconciled:          j.metrics.Reconciled,
		Errors:              j.metrics.Errors,
		CycleLastDurationMS: j.metrics.CycleLastDurationMS,
	}
}

func (j *Janitor) loop(ctx context.Context) {
	log := j.cfg.Logger.With("domain", "janitor")
	defer func() {
		j.ticker.Stop()
		close(j.doneCh)
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info("janitor stop", "reason", "context_cancel")
			return
		case <-j.stopCh:
			log.Info("janitor stop", "reason", "stop_signal")
			return
		case <-j.ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one reconcile pass synchronously.
func (j *Janitor) RunCycle(ctx context.Context) {
	start := time.Now()
	log := j.cfg.Logger.With("domain", "janitor", "action", "cycle")
	n, err := j.store.Reconcile(ctx)
	failed := err != nil && !errors.Is(err, context.Canceled)
	if failed {
		log.Error("reconcile", "error", err)
	}
	j.metrics.recordCycle(n, failed, time.Since(start))
	if j.sink != nil {
		if n > 0 {
			j.sink.Inc(CounterReconciled, int64(n))
		}
		if failed {
			j.sink.Inc(CounterReconcileErrorTotal, 1)
		}
		j.sink.Observe(SummaryReconciledPerCycle, int64(n))
	}
	log.Info("cycle complete", "reconciled", n, "ms", time.Since(start).Milliseconds())
}
