package ledger

import (
	"time"

	"github.com/google/uuid"
)

// BalanceSnapshot records the account balance immediately after the last
// event at Date. Unique per (AccountID, Date); the balance as of any
// instant t is the snapshot with the greatest Date <= t, or the account's
// InitialBalance when none exists.
type BalanceSnapshot struct {
	ID        int64     `json:"id"`
	AccountID int64     `json:"account_id"`
	Date      time.Time `json:"date"`
	Balance   float64   `json:"balance"`
}

// RecalculatedEvent is published after a recalculation commits so that
// read-side consumers can refresh their aggregates.
type RecalculatedEvent struct {
	RunID      uuid.UUID `json:"run_id"`
	AccountID  int64     `json:"account_id"`
	UserID     int64     `json:"user_id"`
	Balance    float64   `json:"balance"`
	Events     int       `json:"events"`
	OccurredAt time.Time `json:"occurred_at"`
}
