package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusCancelled, StatusTimeout, StatusFailed}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "expected %s to be terminal", s)
	}
	assert.False(t, StatusPendingVendor.Terminal())
	assert.False(t, StatusActive.Terminal())
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPendingVendor, StatusActive, true},
		{StatusPendingVendor, StatusFailed, true},
		{StatusPendingVendor, StatusCompleted, false},
		{StatusPendingVendor, StatusCancelled, false},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusCancelled, true},
		{StatusActive, StatusTimeout, true},
		{StatusActive, StatusFailed, true},
		{StatusActive, StatusPendingVendor, false},
		// Nothing leaves a terminal state.
		{StatusCompleted, StatusActive, false},
		{StatusCancelled, StatusActive, false},
		{StatusTimeout, StatusFailed, false},
		{StatusFailed, StatusActive, false},
		{StatusCompleted, StatusCancelled, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestRefundReason(t *testing.T) {
	reason, ok := StatusTimeout.RefundReason()
	assert.True(t, ok)
	assert.Equal(t, ReasonRefundTimeout, reason)

	reason, ok = StatusCancelled.RefundReason()
	assert.True(t, ok)
	assert.Equal(t, ReasonRefundCancel, reason)

	reason, ok = StatusFailed.RefundReason()
	assert.True(t, ok)
	assert.Equal(t, ReasonRefundFailed, reason)

	// Completed keeps the debit.
	_, ok = StatusCompleted.RefundReason()
	assert.False(t, ok)
	_, ok = StatusActive.RefundReason()
	assert.False(t, ok)
}

func TestVerificationDebited(t *testing.T) {
	v := Verification{Cost: decimal.RequireFromString("2.00")}
	assert.True(t, v.Debited())

	v.Cost = decimal.Zero
	assert.False(t, v.Debited())
}

func TestVerificationAge(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	v := Verification{CreatedAt: created}
	assert.Equal(t, 90*time.Second, v.Age(created.Add(90*time.Second)))
}

func TestCapabilityValid(t *testing.T) {
	assert.True(t, CapabilitySMS.Valid())
	assert.True(t, CapabilityVoice.Valid())
	assert.False(t, Capability("email").Valid())
	assert.False(t, Capability("").Valid())
}
