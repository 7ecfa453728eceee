package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/namaskah/verify/internal/config"
	"github.com/namaskah/verify/internal/domain"
)

type fakeScanner struct {
	mu           sync.Mutex
	active       []domain.Verification
	unrefunded   []domain.Verification
	stalePending []domain.Verification
}

func (f *fakeScanner) ListActive(context.Context, int) ([]domain.Verification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeScanner) ListUnrefunded(context.Context, int) ([]domain.Verification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unrefunded, nil
}

func (f *fakeScanner) ListStalePending(context.Context, time.Time, int) ([]domain.Verification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stalePending, nil
}

type fakeOrchestrator struct {
	mu         sync.Mutex
	polled     map[uuid.UUID]int
	reconciled map[uuid.UUID]int
	expired    map[uuid.UUID]int
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{
		polled:     make(map[uuid.UUID]int),
		reconciled: make(map[uuid.UUID]int),
		expired:    make(map[uuid.UUID]int),
	}
}

func (f *fakeOrchestrator) PollStatus(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled[id]++
	return nil
}

func (f *fakeOrchestrator) Reconcile(_ context.Context, v *domain.Verification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled[v.ID]++
	return nil
}

func (f *fakeOrchestrator) ExpirePending(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired[id]++
	return nil
}

func (f *fakeOrchestrator) pollCount(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polled[id]
}

func (f *fakeOrchestrator) reconcileCount(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reconciled[id]
}

func (f *fakeOrchestrator) expireCount(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expired[id]
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met within deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPollerDispatchesActiveVerifications(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	scanner := &fakeScanner{active: []domain.Verification{{ID: a}, {ID: b}}}
	orch := newFakeOrchestrator()

	cfg := config.PollConfig{
		Interval:          10 * time.Millisecond,
		ReconcileInterval: time.Hour,
		Workers:           4,
		BatchSize:         100,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(scanner, orch, cfg, testLogger()).Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return orch.pollCount(a) > 0 && orch.pollCount(b) > 0 })

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after cancellation")
	}
}

func TestPollerRunsReconciliation(t *testing.T) {
	orphan := uuid.New()
	scanner := &fakeScanner{unrefunded: []domain.Verification{{ID: orphan, Status: domain.StatusTimeout}}}
	orch := newFakeOrchestrator()

	cfg := config.PollConfig{
		Interval:          time.Hour,
		ReconcileInterval: 10 * time.Millisecond,
		Workers:           1,
		BatchSize:         100,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go New(scanner, orch, cfg, testLogger()).Run(ctx)

	waitFor(t, func() bool { return orch.reconcileCount(orphan) > 0 })
}

func TestPollerExpiresStaleReservations(t *testing.T) {
	stale := uuid.New()
	scanner := &fakeScanner{
		stalePending: []domain.Verification{{ID: stale, Status: domain.StatusPendingVendor}},
	}
	orch := newFakeOrchestrator()

	cfg := config.PollConfig{
		Interval:            time.Hour,
		ReconcileInterval:   10 * time.Millisecond,
		VerificationTimeout: time.Minute,
		Workers:             1,
		BatchSize:           100,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go New(scanner, orch, cfg, testLogger()).Run(ctx)

	waitFor(t, func() bool { return orch.expireCount(stale) > 0 })
}

func TestPollerStopsCleanlyWithoutWork(t *testing.T) {
	cfg := config.PollConfig{
		Interval:          time.Hour,
		ReconcileInterval: time.Hour,
		Workers:           2,
		BatchSize:         100,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(&fakeScanner{}, newFakeOrchestrator(), cfg, testLogger()).Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after cancellation")
	}
}

func TestPollerRepollsUntilTerminal(t *testing.T) {
	id := uuid.New()
	scanner := &fakeScanner{active: []domain.Verification{{ID: id}}}
	orch := newFakeOrchestrator()

	cfg := config.PollConfig{
		Interval:          5 * time.Millisecond,
		ReconcileInterval: time.Hour,
		Workers:           1,
		BatchSize:         100,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go New(scanner, orch, cfg, testLogger()).Run(ctx)

	// The same active verification is dispatched every cycle until the store
	// stops listing it.
	waitFor(t, func() bool { return orch.pollCount(id) >= 3 })

	scanner.mu.Lock()
	scanner.active = nil
	scanner.mu.Unlock()

	assert.GreaterOrEqual(t, orch.pollCount(id), 3)
}
