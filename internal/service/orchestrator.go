package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/namaskah/verify/internal/domain"
	"github.com/namaskah/verify/internal/provider"
	"github.com/namaskah/verify/internal/store"
)

var (
	ErrNotFound            = errors.New("verification not found")
	ErrForbidden           = errors.New("verification owned by another user")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrVendorUnavailable   = errors.New("vendor unavailable")
	ErrNoInventory         = errors.New("no inventory for requested service")
	ErrPurchaseInProgress  = errors.New("purchase still awaiting vendor")
	ErrInvalidRequest      = errors.New("invalid purchase request")
)

var (
	purchasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "namaskah_purchases_total",
		Help: "Purchase attempts, labeled by outcome",
	}, []string{"outcome"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "namaskah_verification_transitions_total",
		Help: "Verification terminal transitions, labeled by target state",
	}, []string{"to"})

	refundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "namaskah_refunds_total",
		Help: "Refunds issued, labeled by ledger reason",
	}, []string{"reason"})
)

// Store is the persistence contract the orchestrator drives. Implemented by
// *store.Store.
type Store interface {
	CreatePending(ctx context.Context, v *domain.Verification) error
	GetByIdempotencyKey(ctx context.Context, userID int64, key string) (*domain.Verification, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Verification, error)
	MarkVendorFailed(ctx context.Context, id uuid.UUID) error
	ActivateWithDebit(ctx context.Context, id uuid.UUID, userID int64, phoneNumber, vendorSessionID string, cost decimal.Decimal) error
	Complete(ctx context.Context, id uuid.UUID, code, text string) (bool, error)
	TerminalizeWithRefund(ctx context.Context, id uuid.UUID, to domain.Status, reason domain.EntryReason) (won, refunded bool, err error)
	Refund(ctx context.Context, id uuid.UUID, reason domain.EntryReason) (bool, error)
	RecordPollFailure(ctx context.Context, id uuid.UUID) (int, error)
}

// EventPublisher receives lifecycle events after the owning transaction
// commits. Publishing is best-effort and never affects the operation outcome.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, v *domain.Verification)
}

// Orchestrator owns the verification lifecycle: purchase, polling, cancel and
// refund. The vendor is always called before the ledger is touched, and the
// ledger writes commit atomically with the verification row.
type Orchestrator struct {
	store  Store
	vendor provider.Gateway
	events EventPublisher
	log    *logrus.Logger

	// Tunables, injected from config.
	timeout       time.Duration
	failureBudget int
}

func NewOrchestrator(s Store, vendor provider.Gateway, events EventPublisher, timeout time.Duration, failureBudget int, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		store:         s,
		vendor:        vendor,
		events:        events,
		log:           log,
		timeout:       timeout,
		failureBudget: failureBudget,
	}
}

// Purchase executes the two-phase purchase saga. The returned bool is true
// when the idempotency key matched an existing verification and no new side
// effects occurred.
func (o *Orchestrator) Purchase(ctx context.Context, req domain.PurchaseRequest, idempotencyKey string) (*domain.Verification, bool, error) {
	if req.MaxCost.IsNegative() {
		return nil, false, fmt.Errorf("%w: negative max cost", ErrInvalidRequest)
	}
	if !req.Capability.Valid() {
		return nil, false, fmt.Errorf("%w: unknown capability %q", ErrInvalidRequest, req.Capability)
	}

	v := &domain.Verification{
		ID:             uuid.New(),
		UserID:         req.UserID,
		ServiceName:    req.ServiceName,
		Country:        req.Country,
		Capability:     req.Capability,
		Status:         domain.StatusPendingVendor,
		Cost:           req.MaxCost,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}

	// Phase 0: reserve the row under the idempotency key. A retried request
	// lands here and gets the original verification back, charge-free.
	if err := o.store.CreatePending(ctx, v); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			existing, lookupErr := o.store.GetByIdempotencyKey(ctx, req.UserID, idempotencyKey)
			if lookupErr != nil {
				return nil, false, fmt.Errorf("idempotency lookup failed: %w", lookupErr)
			}
			purchasesTotal.WithLabelValues("replayed").Inc()
			return existing, true, nil
		}
		return nil, false, err
	}

	log := o.log.WithFields(logrus.Fields{
		"verification_id": v.ID,
		"user_id":         req.UserID,
		"service":         req.ServiceName,
	})

	// Phase 1: vendor first. A failure here costs the user nothing.
	num, err := o.vendor.RequestNumber(ctx, req.ServiceName, req.Country, req.Capability)
	if err != nil {
		if markErr := o.store.MarkVendorFailed(ctx, v.ID); markErr != nil {
			log.WithError(markErr).Error("failed to record vendor failure")
		}
		if errors.Is(err, provider.ErrNoInventory) {
			purchasesTotal.WithLabelValues("no_inventory").Inc()
			return nil, false, ErrNoInventory
		}
		log.WithError(err).Warn("vendor number request failed")
		purchasesTotal.WithLabelValues("vendor_failed").Inc()
		return nil, false, ErrVendorUnavailable
	}

	// Phase 2: debit + activation, atomic. On failure the vendor assignment
	// is the only side effect, compensated by a best-effort release.
	if err := o.store.ActivateWithDebit(ctx, v.ID, req.UserID, num.PhoneNumber, num.SessionID, req.MaxCost); err != nil {
		o.releaseNumber(num.SessionID, log)
		if markErr := o.store.MarkVendorFailed(ctx, v.ID); markErr != nil {
			log.WithError(markErr).Error("failed to record activation failure")
		}
		if errors.Is(err, store.ErrInsufficientBalance) {
			purchasesTotal.WithLabelValues("insufficient_balance").Inc()
			return nil, false, ErrInsufficientBalance
		}
		purchasesTotal.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("activation failed: %w", err)
	}

	activated, err := o.store.Get(ctx, v.ID)
	if err != nil {
		return nil, false, err
	}

	log.WithField("phone_number", num.PhoneNumber).Info("verification activated")
	purchasesTotal.WithLabelValues("created").Inc()
	o.events.Publish(ctx, "verification.activated", activated)
	return activated, false, nil
}

// releaseNumber compensates a vendor assignment that will not be used. Its
// own timeout: the caller's context may already be dead.
func (o *Orchestrator) releaseNumber(sessionID string, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), provider.ReleaseTimeout)
	defer cancel()
	if err := o.vendor.ReleaseNumber(ctx, sessionID); err != nil {
		log.WithError(err).WithField("vendor_session_id", sessionID).
			Warn("best-effort vendor release failed")
	}
}

// PollStatus advances one active verification. Invoked repeatedly by the
// poller; a no-op for terminal verifications, so racing polls and cancels
// converge without coordination beyond the store's conditional updates.
func (o *Orchestrator) PollStatus(ctx context.Context, id uuid.UUID) error {
	v, err := o.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if v.Status.Terminal() || v.VendorSessionID == nil {
		return nil
	}

	log := o.log.WithFields(logrus.Fields{"verification_id": v.ID, "user_id": v.UserID})

	msg, err := o.vendor.CheckMessage(ctx, *v.VendorSessionID)
	switch {
	case err == nil && msg != nil:
		won, cerr := o.store.Complete(ctx, v.ID, msg.Code, msg.Text)
		if cerr != nil {
			return cerr
		}
		if won {
			transitionsTotal.WithLabelValues(string(domain.StatusCompleted)).Inc()
			log.Info("verification code received")
			o.publishSnapshot(ctx, "verification.completed", v.ID)
		}
		return nil

	case err == nil:
		// No message yet; timeout is wall-clock, measured during polling.
		if v.Age(time.Now().UTC()) > o.timeout {
			return o.terminalize(ctx, v, domain.StatusTimeout, log)
		}
		return nil

	case errors.Is(err, provider.ErrNumberExpired):
		// The number is gone; no code can arrive. Refund now rather than
		// waiting for the local deadline.
		return o.terminalize(ctx, v, domain.StatusTimeout, log)

	case errors.Is(err, provider.ErrNumberRevoked):
		return o.terminalize(ctx, v, domain.StatusFailed, log)

	default:
		// Transient: retried next cycle, up to the budget.
		failures, ferr := o.store.RecordPollFailure(ctx, v.ID)
		if ferr != nil {
			return ferr
		}
		log.WithError(err).WithField("poll_failures", failures).Warn("vendor poll failed")
		if failures >= o.failureBudget {
			return o.terminalize(ctx, v, domain.StatusFailed, log)
		}
		return nil
	}
}

// Cancel is user-initiated and idempotent: cancelling a terminal verification
// returns the current snapshot unchanged.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID, userID int64) (*domain.Verification, error) {
	v, err := o.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if v.UserID != userID {
		return nil, ErrForbidden
	}
	if !v.Status.CanTransitionTo(domain.StatusCancelled) {
		// Terminal states are idempotent: return the snapshot unchanged.
		// pending_vendor cannot be cancelled while the vendor call is in
		// flight; only active admits cancellation.
		if v.Status.Terminal() {
			return v, nil
		}
		return nil, ErrPurchaseInProgress
	}

	log := o.log.WithFields(logrus.Fields{"verification_id": v.ID, "user_id": userID})

	// Vendor release is secondary to the refund guarantee.
	if v.VendorSessionID != nil {
		o.releaseNumber(*v.VendorSessionID, log)
	}

	if err := o.terminalize(ctx, v, domain.StatusCancelled, log); err != nil {
		return nil, err
	}
	return o.store.Get(ctx, id)
}

// Reconcile refunds a terminal, debited verification the normal path missed.
// A hit here means an earlier crash window; the refund CAS keeps it safe.
func (o *Orchestrator) Reconcile(ctx context.Context, v *domain.Verification) error {
	reason, ok := v.Status.RefundReason()
	if !ok || !v.Debited() {
		return nil
	}
	refunded, err := o.store.Refund(ctx, v.ID, reason)
	if err != nil {
		return err
	}
	if refunded {
		refundsTotal.WithLabelValues(string(reason)).Inc()
		o.log.WithFields(logrus.Fields{
			"verification_id": v.ID,
			"user_id":         v.UserID,
			"reason":          reason,
		}).Warn("reconciliation issued a missed refund")
		o.publishSnapshot(ctx, "verification.refunded", v.ID)
	}
	return nil
}

// ExpirePending fails a reservation that never resolved: a crash between the
// reserve and the activate-or-fail step leaves the row pending_vendor forever,
// and replays of its idempotency key would return it as-is. No debit exists on
// these rows, so no refund is due.
func (o *Orchestrator) ExpirePending(ctx context.Context, id uuid.UUID) error {
	err := o.store.MarkVendorFailed(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		// Resolved concurrently; nothing to do.
		return nil
	}
	if err != nil {
		return err
	}
	transitionsTotal.WithLabelValues(string(domain.StatusFailed)).Inc()
	o.log.WithField("verification_id", id).Warn("expired a stale pending reservation")
	return nil
}

func (o *Orchestrator) terminalize(ctx context.Context, v *domain.Verification, to domain.Status, log *logrus.Entry) error {
	reason, _ := to.RefundReason()
	won, refunded, err := o.store.TerminalizeWithRefund(ctx, v.ID, to, reason)
	if err != nil {
		return err
	}
	if !won {
		// Lost the terminal race to a concurrent poll or cancel.
		log.WithField("to", to).Debug("terminal transition already taken")
		return nil
	}

	transitionsTotal.WithLabelValues(string(to)).Inc()
	log.WithFields(logrus.Fields{"to": to, "refunded": refunded}).Info("verification terminalized")
	o.publishSnapshot(ctx, "verification."+string(to), v.ID)

	if refunded {
		refundsTotal.WithLabelValues(string(reason)).Inc()
		o.publishSnapshot(ctx, "verification.refunded", v.ID)
	} else if v.Debited() {
		// The debit exists but the CAS said a refund was already recorded:
		// only reachable through a race that the flag absorbed.
		log.Warn("double refund attempt suppressed")
	}
	return nil
}

func (o *Orchestrator) publishSnapshot(ctx context.Context, eventType string, id uuid.UUID) {
	v, err := o.store.Get(ctx, id)
	if err != nil {
		o.log.WithError(err).WithField("verification_id", id).Warn("event snapshot load failed")
		return
	}
	o.events.Publish(ctx, eventType, v)
}
