package store

import (
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
)

// The refund CAS and the conditional terminal transitions rely on a lost race
// observing zero rows affected. REPEATABLE READ would turn the loser's UPDATE
// into a serialization failure and surface a 500 instead of the documented
// no-op, so the money transactions must run at the server default.
func TestMoneyTxUsesDefaultIsolation(t *testing.T) {
	assert.Equal(t, pgx.TxOptions{}, txOptions)
}
