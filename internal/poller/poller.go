// Package poller drives the verification lifecycle forward in the background:
// a ticker scans active verifications and fans each one out to a bounded
// worker pool, so one slow vendor call never stalls the scan. A second,
// slower ticker runs the refund reconciliation backstop.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/namaskah/verify/internal/config"
	"github.com/namaskah/verify/internal/domain"
)

var (
	pollCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "namaskah_poll_cycles_total",
		Help: "Completed poll scan cycles",
	})

	pollsDispatchedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "namaskah_polls_dispatched_total",
		Help: "Individual verification polls dispatched to workers",
	})

	activeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "namaskah_active_verifications",
		Help: "Active verifications seen by the last scan",
	})
)

// Scanner enumerates work for the poller. Implemented by *store.Store.
type Scanner interface {
	ListActive(ctx context.Context, limit int) ([]domain.Verification, error)
	ListUnrefunded(ctx context.Context, limit int) ([]domain.Verification, error)
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Verification, error)
}

// Orchestrator is the subset of the verification service the poller invokes.
type Orchestrator interface {
	PollStatus(ctx context.Context, id uuid.UUID) error
	Reconcile(ctx context.Context, v *domain.Verification) error
	ExpirePending(ctx context.Context, id uuid.UUID) error
}

type Poller struct {
	scanner Scanner
	orch    Orchestrator
	cfg     config.PollConfig
	log     *logrus.Logger
}

func New(scanner Scanner, orch Orchestrator, cfg config.PollConfig, log *logrus.Logger) *Poller {
	return &Poller{scanner: scanner, orch: orch, cfg: cfg, log: log}
}

// Run blocks until ctx is cancelled. Workers are started once and drain a
// shared channel; each scan cycle feeds it and waits for its batch to finish
// before the next tick matters.
func (p *Poller) Run(ctx context.Context) {
	jobs := make(chan uuid.UUID)
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go p.worker(ctx, jobs, &wg)
	}

	pollTicker := time.NewTicker(p.cfg.Interval)
	defer pollTicker.Stop()
	reconcileTicker := time.NewTicker(p.cfg.ReconcileInterval)
	defer reconcileTicker.Stop()

	p.log.WithFields(logrus.Fields{
		"interval": p.cfg.Interval,
		"workers":  p.cfg.Workers,
	}).Info("poller started")

	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			p.log.Info("poller stopped")
			return
		case <-pollTicker.C:
			p.scan(ctx, jobs)
		case <-reconcileTicker.C:
			p.reconcile(ctx)
		}
	}
}

func (p *Poller) worker(ctx context.Context, jobs <-chan uuid.UUID, wg *sync.WaitGroup) {
	defer wg.Done()
	for id := range jobs {
		pollCtx, cancel := context.WithTimeout(ctx, p.cfg.Interval*2)
		if err := p.orch.PollStatus(pollCtx, id); err != nil {
			p.log.WithError(err).WithField("verification_id", id).Warn("poll failed")
		}
		cancel()
	}
}

func (p *Poller) scan(ctx context.Context, jobs chan<- uuid.UUID) {
	active, err := p.scanner.ListActive(ctx, p.cfg.BatchSize)
	if err != nil {
		p.log.WithError(err).Error("active scan failed")
		return
	}
	activeGauge.Set(float64(len(active)))

	for _, v := range active {
		select {
		case jobs <- v.ID:
			pollsDispatchedTotal.Inc()
		case <-ctx.Done():
			return
		}
	}
	pollCyclesTotal.Inc()
}

func (p *Poller) reconcile(ctx context.Context) {
	orphans, err := p.scanner.ListUnrefunded(ctx, p.cfg.BatchSize)
	if err != nil {
		p.log.WithError(err).Error("reconciliation scan failed")
		return
	}
	for i := range orphans {
		if err := p.orch.Reconcile(ctx, &orphans[i]); err != nil {
			p.log.WithError(err).WithField("verification_id", orphans[i].ID).
				Error("reconciliation refund failed")
		}
	}

	// Reservations that never resolved (crash between reserve and
	// activate-or-fail) are failed once they outlive the verification
	// deadline. They carry no debit.
	cutoff := time.Now().UTC().Add(-p.cfg.VerificationTimeout)
	stale, err := p.scanner.ListStalePending(ctx, cutoff, p.cfg.BatchSize)
	if err != nil {
		p.log.WithError(err).Error("stale pending scan failed")
		return
	}
	for _, v := range stale {
		if err := p.orch.ExpirePending(ctx, v.ID); err != nil {
			p.log.WithError(err).WithField("verification_id", v.ID).
				Error("stale pending expiry failed")
		}
	}
}
