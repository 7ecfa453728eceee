package domain

// Status is the closed set of verification lifecycle states. Transitions are
// monotonic: once a terminal state is reached, no further transition exists.
type Status string

const (
	// StatusPendingVendor is the initial state: the row is reserved and the
	// vendor call is in flight. No debit has occurred yet.
	StatusPendingVendor Status = "pending_vendor"
	// StatusActive means the vendor assigned a number and the debit committed.
	StatusActive Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusTimeout   Status = "timeout"
	StatusFailed    Status = "failed"
)

var transitions = map[Status][]Status{
	StatusPendingVendor: {StatusActive, StatusFailed},
	StatusActive:        {StatusCompleted, StatusCancelled, StatusTimeout, StatusFailed},
}

// Terminal reports whether no transition leaves this state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusTimeout, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> next is a legal transition.
func (s Status) CanTransitionTo(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// RefundReason maps a terminal state to the ledger reason of the refund it
// triggers. Completed verifications keep the debit; ok is false for them and
// for non-terminal states.
func (s Status) RefundReason() (EntryReason, bool) {
	switch s {
	case StatusTimeout:
		return ReasonRefundTimeout, true
	case StatusCancelled:
		return ReasonRefundCancel, true
	case StatusFailed:
		return ReasonRefundFailed, true
	}
	return "", false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPendingVendor, StatusActive, StatusCompleted, StatusCancelled, StatusTimeout, StatusFailed:
		return true
	}
	return false
}
