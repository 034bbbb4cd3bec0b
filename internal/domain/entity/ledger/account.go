package ledger

import "time"

// Account is the headline row of the personal finance tracker. Balance and
// LastRecalculatedAt are derived fields owned by the ledger writer; account
// opening and CRUD edits happen in the route layer outside this engine.
type Account struct {
	ID                 int64      `json:"id"`
	UserID             int64      `json:"user_id"`
	Name               string     `json:"name"`
	Currency           string     `json:"currency"`
	InitialBalance     float64    `json:"initial_balance"`
	Balance            float64    `json:"balance"`
	LastRecalculatedAt *time.Time `json:"last_recalculated_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}
