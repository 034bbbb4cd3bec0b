package ledger

import "time"

// TransferType classifies a monetary movement.
type TransferType string

const (
	TransferDeposit  TransferType = "DEPOSIT"
	TransferWithdraw TransferType = "WITHDRAW"
	TransferMove     TransferType = "TRANSFER"
	TransferDividend TransferType = "DIVIDEND"
)

// Transfer is a single monetary movement touching at most two accounts.
// Amount is always positive; the sign of the contribution depends on which
// leg references the replayed account. BalanceImpact is derived and written
// back by the ledger writer after each replay.
type Transfer struct {
	ID            int64        `json:"id"`
	Type          TransferType `json:"type"`
	Amount        float64      `json:"amount"`
	Currency      string       `json:"currency"`
	FromAccountID *int64       `json:"from_account_id,omitempty"`
	ToAccountID   *int64       `json:"to_account_id,omitempty"`
	DateTime      time.Time    `json:"date_time"`
	BalanceImpact float64      `json:"balance_impact"`
}

// ImpactOn returns the signed contribution of the transfer to the given
// account: +Amount on the destination leg, -Amount on the source leg, and
// 0 when the transfer does not reference the account at all.
func (t Transfer) ImpactOn(accountID int64) float64 {
	var impact float64
	if t.ToAccountID != nil && *t.ToAccountID == accountID {
		impact += t.Amount
	}
	if t.FromAccountID != nil && *t.FromAccountID == accountID {
		impact -= t.Amount
	}
	return impact
}
