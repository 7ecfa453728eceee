// Package provider is the boundary to the third-party vendor that provisions
// phone numbers and delivers verification codes. The vendor is not
// transactional with our database; callers treat it as the compensable first
// step of the purchase saga.
package provider

import (
	"context"
	"errors"

	"github.com/namaskah/verify/internal/domain"
)

var (
	// ErrNoInventory means the vendor has no number for the requested
	// service/country/capability. Permanent for this request.
	ErrNoInventory = errors.New("no number inventory available")
	// ErrUnavailable covers transient vendor failures after the retry budget
	// is spent, and fail-fast rejections while the circuit breaker is open.
	ErrUnavailable = errors.New("vendor unavailable")
	// ErrNumberExpired means the vendor discarded the number without ever
	// delivering a code.
	ErrNumberExpired = errors.New("vendor number expired")
	// ErrNumberRevoked means the vendor revoked the number or reported a
	// provider-side failure for the session.
	ErrNumberRevoked = errors.New("vendor number revoked")
)

// Number is a vendor-assigned phone number with its vendor-side session ID.
type Number struct {
	SessionID   string
	PhoneNumber string
}

// Message is a delivered verification code with its full text.
type Message struct {
	Code string
	Text string
}

// Gateway is the vendor contract consumed by the orchestrator.
type Gateway interface {
	// RequestNumber procures a number. It must be called before any ledger
	// debit: a failure here costs the user nothing.
	RequestNumber(ctx context.Context, service, country string, capability domain.Capability) (*Number, error)
	// CheckMessage returns the delivered message, or (nil, nil) when no
	// message has arrived yet.
	CheckMessage(ctx context.Context, sessionID string) (*Message, error)
	// ReleaseNumber returns the number to the vendor. Best-effort; callers
	// log failures and move on.
	ReleaseNumber(ctx context.Context, sessionID string) error
}
