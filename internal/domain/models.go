package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Capability selects the channel a verification listens on.
type Capability string

const (
	CapabilitySMS   Capability = "sms"
	CapabilityVoice Capability = "voice"
)

func (c Capability) Valid() bool {
	return c == CapabilitySMS || c == CapabilityVoice
}

// Verification represents one purchase of a disposable number for one service.
// Rows are append-only audit records; they are never deleted.
type Verification struct {
	ID              uuid.UUID       `json:"id"`
	UserID          int64           `json:"user_id"`
	ServiceName     string          `json:"service_name"`
	Country         string          `json:"country"`
	Capability      Capability      `json:"capability"`
	PhoneNumber     *string         `json:"phone_number,omitempty"`
	VendorSessionID *string         `json:"vendor_session_id,omitempty"`
	Status          Status          `json:"status"`
	Code            *string         `json:"code,omitempty"`
	MessageText     *string         `json:"message_text,omitempty"`
	Cost            decimal.Decimal `json:"cost"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Refunded        bool            `json:"refunded"`
	PollFailures    int             `json:"-"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Age reports how long the verification has existed.
func (v *Verification) Age(now time.Time) time.Duration {
	return now.Sub(v.CreatedAt)
}

// Debited reports whether a purchase debit exists for this verification.
// Vendor-side failures before activation record cost = 0 and never touch the
// ledger.
func (v *Verification) Debited() bool {
	return v.Cost.IsPositive()
}

// EntryReason classifies a ledger entry.
type EntryReason string

const (
	ReasonPurchase      EntryReason = "purchase"
	ReasonRefundTimeout EntryReason = "refund_timeout"
	ReasonRefundCancel  EntryReason = "refund_cancel"
	ReasonRefundFailed  EntryReason = "refund_failed"
	ReasonManualCredit  EntryReason = "manual_credit"
)

// LedgerEntry is an immutable record of a balance change. Negative amounts are
// debits, positive amounts are credits. The sum of a user's entries equals the
// user's balance.
type LedgerEntry struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         EntryReason     `json:"reason"`
	VerificationID *uuid.UUID      `json:"verification_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// UserBalance is the denormalized balance cache, updated in the same
// transaction as every ledger insert. Balance never goes below zero.
type UserBalance struct {
	UserID    int64           `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PurchaseRequest is the DTO for incoming purchase calls.
type PurchaseRequest struct {
	UserID      int64           `json:"user_id"`
	ServiceName string          `json:"service_name"`
	Country     string          `json:"country"`
	Capability  Capability      `json:"capability"`
	MaxCost     decimal.Decimal `json:"max_cost"`
}

// CreditRequest is the DTO for manual balance credits.
type CreditRequest struct {
	Amount decimal.Decimal `json:"amount"`
}
