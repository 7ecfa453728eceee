package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/namaskah/verify/internal/domain"
)

// CreatePending reserves the verification row before the vendor call. The
// unique (user_id, idempotency_key) constraint is what collapses concurrent
// retries of the same logical purchase into a single row and a single vendor
// call; the loser receives ErrDuplicateKey.
func (s *Store) CreatePending(ctx context.Context, v *domain.Verification) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO verifications
		 (id, user_id, service_name, country, capability, status, cost, idempotency_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		v.ID, v.UserID, v.ServiceName, v.Country, v.Capability,
		domain.StatusPendingVendor, v.Cost, v.IdempotencyKey, v.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return fmt.Errorf("verification reservation failed: %w", err)
	}
	return nil
}

// MarkVendorFailed transitions pending_vendor -> failed with cost zeroed. No
// ledger entry exists or will exist: the vendor never assigned a number, so
// the user is never charged.
func (s *Store) MarkVendorFailed(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE verifications SET status = $1, cost = 0, completed_at = NOW()
		 WHERE id = $2 AND status = $3`,
		domain.StatusFailed, id, domain.StatusPendingVendor)
	if err != nil {
		return fmt.Errorf("mark vendor failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ActivateWithDebit commits the second phase of the purchase saga atomically:
// debit the balance, write the purchase ledger entry, and transition the row
// pending_vendor -> active with the vendor assignment. Either all three
// commit or none do.
func (s *Store) ActivateWithDebit(ctx context.Context, id uuid.UUID, userID int64, phoneNumber, vendorSessionID string, cost decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var balance decimal.Decimal
	err = tx.QueryRow(ctx,
		`SELECT balance FROM user_balances WHERE user_id = $1 FOR UPDATE`,
		userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInsufficientBalance
		}
		return fmt.Errorf("balance lock failed: %w", err)
	}
	if balance.LessThan(cost) {
		return ErrInsufficientBalance
	}

	_, err = tx.Exec(ctx,
		`UPDATE user_balances SET balance = balance - $1, updated_at = NOW() WHERE user_id = $2`,
		cost, userID)
	if err != nil {
		return fmt.Errorf("balance debit failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries (user_id, amount, reason, verification_id)
		 VALUES ($1, $2, $3, $4)`,
		userID, cost.Neg(), domain.ReasonPurchase, id)
	if err != nil {
		return fmt.Errorf("ledger entry failed: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE verifications
		 SET status = $1, phone_number = $2, vendor_session_id = $3
		 WHERE id = $4 AND status = $5`,
		domain.StatusActive, phoneNumber, vendorSessionID, id, domain.StatusPendingVendor)
	if err != nil {
		return fmt.Errorf("activation failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("activation failed: verification %s not pending", id)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// Complete transitions active -> completed and stores the received code. The
// conditional WHERE serializes racing terminal transitions: exactly one caller
// observes won == true.
func (s *Store) Complete(ctx context.Context, id uuid.UUID, code, text string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE verifications
		 SET status = $1, code = $2, message_text = $3, completed_at = NOW()
		 WHERE id = $4 AND status = $5`,
		domain.StatusCompleted, code, text, id, domain.StatusActive)
	if err != nil {
		return false, fmt.Errorf("complete failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TerminalizeWithRefund transitions active -> to and, when the transition is
// won and a debit exists, issues the refund in the same transaction: credit
// ledger entry, balance update, and refunded flag commit together so a crash
// can never leave a credit without the flag.
func (s *Store) TerminalizeWithRefund(ctx context.Context, id uuid.UUID, to domain.Status, reason domain.EntryReason) (won, refunded bool, err error) {
	tx, err := s.db.BeginTx(ctx, txOptions)
	if err != nil {
		return false, false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID int64
	var cost decimal.Decimal
	err = tx.QueryRow(ctx,
		`UPDATE verifications SET status = $1, completed_at = NOW()
		 WHERE id = $2 AND status = $3
		 RETURNING user_id, cost`,
		to, id, domain.StatusActive).Scan(&userID, &cost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// A concurrent transition already won; nothing to do.
			return false, false, nil
		}
		return false, false, fmt.Errorf("terminal transition failed: %w", err)
	}

	if cost.IsPositive() {
		refunded, err = refundInTx(ctx, tx, id, userID, cost, reason)
		if err != nil {
			return false, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, false, fmt.Errorf("tx commit failed: %w", err)
	}
	return true, refunded, nil
}

// Refund issues the refund for an already-terminal verification. Used by the
// reconciliation sweep. Idempotent: the refunded-flag CAS admits exactly one
// credit per verification.
func (s *Store) Refund(ctx context.Context, id uuid.UUID, reason domain.EntryReason) (bool, error) {
	tx, err := s.db.BeginTx(ctx, txOptions)
	if err != nil {
		return false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var userID int64
	var cost decimal.Decimal
	err = tx.QueryRow(ctx,
		`SELECT user_id, cost FROM verifications WHERE id = $1`, id).Scan(&userID, &cost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("refund lookup failed: %w", err)
	}
	if !cost.IsPositive() {
		return false, nil
	}

	refunded, err := refundInTx(ctx, tx, id, userID, cost, reason)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("tx commit failed: %w", err)
	}
	return refunded, nil
}

// refundInTx performs the refund inside the caller's transaction. The
// conditional flag update is the gate: zero rows means another refund already
// committed and the caller must not credit again.
func refundInTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, userID int64, cost decimal.Decimal, reason domain.EntryReason) (bool, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE verifications SET refunded = TRUE WHERE id = $1 AND refunded = FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("refund flag update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE user_balances SET balance = balance + $1, updated_at = NOW() WHERE user_id = $2`,
		cost, userID)
	if err != nil {
		return false, fmt.Errorf("balance credit failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries (user_id, amount, reason, verification_id)
		 VALUES ($1, $2, $3, $4)`,
		userID, cost, reason, id)
	if err != nil {
		return false, fmt.Errorf("refund ledger entry failed: %w", err)
	}
	return true, nil
}

// RecordPollFailure bumps the transient-failure counter for an active
// verification and returns the new count. Returns 0 when the verification is
// no longer active.
func (s *Store) RecordPollFailure(ctx context.Context, id uuid.UUID) (int, error) {
	var failures int
	err := s.db.QueryRow(ctx,
		`UPDATE verifications SET poll_failures = poll_failures + 1
		 WHERE id = $1 AND status = $2
		 RETURNING poll_failures`,
		id, domain.StatusActive).Scan(&failures)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("poll failure update failed: %w", err)
	}
	return failures, nil
}
