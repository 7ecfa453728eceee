package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/namaskah/verify/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrDuplicateKey        = errors.New("duplicate idempotency key")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// txOptions stays at the default READ COMMITTED level. Every race in this
// package is decided by row locks and conditional WHEREs, and the loser must
// observe zero rows affected; under REPEATABLE READ the loser's UPDATE would
// abort with a serialization failure instead of re-evaluating the predicate.
var txOptions pgx.TxOptions

type Store struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

func New(ctx context.Context, connString string, log *logrus.Logger) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{db: pool, log: log}, nil
}

func (s *Store) Close() {
	s.db.Close()
}

// Migrate creates tables and indexes idempotently.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_balances (
			user_id    BIGINT PRIMARY KEY,
			balance    NUMERIC(20,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
			updated_at TIMESTAMPTZ   NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS verifications (
			id                UUID PRIMARY KEY,
			user_id           BIGINT        NOT NULL,
			service_name      TEXT          NOT NULL,
			country           TEXT          NOT NULL,
			capability        TEXT          NOT NULL,
			phone_number      TEXT,
			vendor_session_id TEXT,
			status            TEXT          NOT NULL,
			code              TEXT,
			message_text      TEXT,
			cost              NUMERIC(20,2) NOT NULL,
			idempotency_key   TEXT          NOT NULL,
			refunded          BOOLEAN       NOT NULL DEFAULT FALSE,
			poll_failures     INT           NOT NULL DEFAULT 0,
			created_at        TIMESTAMPTZ   NOT NULL DEFAULT NOW(),
			completed_at      TIMESTAMPTZ,
			UNIQUE (user_id, idempotency_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_verifications_status
			ON verifications(status)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id              BIGSERIAL     PRIMARY KEY,
			user_id         BIGINT        NOT NULL,
			amount          NUMERIC(20,2) NOT NULL,
			reason          TEXT          NOT NULL,
			verification_id UUID          REFERENCES verifications(id),
			created_at      TIMESTAMPTZ   NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_id
			ON ledger_entries(user_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	s.log.Info("migrations completed")
	return nil
}

const verificationColumns = `id, user_id, service_name, country, capability,
	phone_number, vendor_session_id, status, code, message_text, cost,
	idempotency_key, refunded, poll_failures, created_at, completed_at`

func scanVerification(row pgx.Row) (*domain.Verification, error) {
	var v domain.Verification
	err := row.Scan(&v.ID, &v.UserID, &v.ServiceName, &v.Country, &v.Capability,
		&v.PhoneNumber, &v.VendorSessionID, &v.Status, &v.Code, &v.MessageText,
		&v.Cost, &v.IdempotencyKey, &v.Refunded, &v.PollFailures, &v.CreatedAt,
		&v.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &v, nil
}

// Get retrieves a single verification by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*domain.Verification, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+verificationColumns+` FROM verifications WHERE id = $1`, id)
	return scanVerification(row)
}

// GetByIdempotencyKey retrieves the verification reserved under a user's key.
func (s *Store) GetByIdempotencyKey(ctx context.Context, userID int64, key string) (*domain.Verification, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+verificationColumns+` FROM verifications
		 WHERE user_id = $1 AND idempotency_key = $2`, userID, key)
	return scanVerification(row)
}

// ListActive returns active verifications for the poll scan, oldest first.
func (s *Store) ListActive(ctx context.Context, limit int) ([]domain.Verification, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+verificationColumns+` FROM verifications
		 WHERE status = $1 ORDER BY created_at LIMIT $2`,
		domain.StatusActive, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectVerifications(rows)
}

// ListUnrefunded returns terminal, debited verifications whose refund has not
// been recorded. Feeds the reconciliation backstop; under normal operation
// this query returns nothing.
func (s *Store) ListUnrefunded(ctx context.Context, limit int) ([]domain.Verification, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+verificationColumns+` FROM verifications
		 WHERE status IN ($1, $2, $3) AND refunded = FALSE AND cost > 0
		 ORDER BY created_at LIMIT $4`,
		domain.StatusCancelled, domain.StatusTimeout, domain.StatusFailed, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectVerifications(rows)
}

// ListStalePending returns pending_vendor rows older than cutoff. These are
// reservations whose vendor outcome was lost to a crash between the reserve
// and the activate-or-fail step; no debit exists for them.
func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Verification, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+verificationColumns+` FROM verifications
		 WHERE status = $1 AND created_at < $2
		 ORDER BY created_at LIMIT $3`,
		domain.StatusPendingVendor, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectVerifications(rows)
}

func collectVerifications(rows pgx.Rows) ([]domain.Verification, error) {
	var out []domain.Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// Balance retrieves a user's cached balance.
func (s *Store) Balance(ctx context.Context, userID int64) (*domain.UserBalance, error) {
	var b domain.UserBalance
	err := s.db.QueryRow(ctx,
		`SELECT user_id, balance, updated_at FROM user_balances WHERE user_id = $1`,
		userID).Scan(&b.UserID, &b.Balance, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

// Entries retrieves a user's ledger entries, newest first.
func (s *Store) Entries(ctx context.Context, userID int64, limit int) ([]domain.LedgerEntry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, amount, reason, verification_id, created_at
		 FROM ledger_entries WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Reason, &e.VerificationID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ManualCredit credits a balance and writes the matching ledger entry in one
// transaction. Creates the balance row when the user has none yet.
func (s *Store) ManualCredit(ctx context.Context, userID int64, amount decimal.Decimal) (*domain.UserBalance, error) {
	tx, err := s.db.BeginTx(ctx, txOptions)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var b domain.UserBalance
	err = tx.QueryRow(ctx,
		`INSERT INTO user_balances (user_id, balance, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (user_id) DO UPDATE
		 SET balance = user_balances.balance + EXCLUDED.balance, updated_at = NOW()
		 RETURNING user_id, balance, updated_at`,
		userID, amount).Scan(&b.UserID, &b.Balance, &b.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("balance credit failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_entries (user_id, amount, reason) VALUES ($1, $2, $3)`,
		userID, amount, domain.ReasonManualCredit)
	if err != nil {
		return nil, fmt.Errorf("ledger entry failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return &b, nil
}
