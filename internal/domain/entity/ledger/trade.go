package ledger

import "time"

// TradeType is the closed set of instrument kinds the tracker supports.
type TradeType string

const (
	TradeFX    TradeType = "FX"
	TradeStock TradeType = "STOCK"
	TradeBond  TradeType = "BOND"
)

// TradeStatus tracks the trade lifecycle. Only CLOSED trades participate
// in balance math.
type TradeStatus string

const (
	TradeOpen      TradeStatus = "OPEN"
	TradeClosed    TradeStatus = "CLOSED"
	TradeCancelled TradeStatus = "CANCELLED"
)

// FXDetail carries the FX-specific sub-record. Exactly one of AmountGain
// or PercentageGain is normally set; AmountGain wins when both are.
type FXDetail struct {
	EntryPrice     float64  `json:"entry_price"`
	ExitPrice      float64  `json:"exit_price"`
	Lots           float64  `json:"lots"`
	Pips           float64  `json:"pips"`
	AmountGain     *float64 `json:"amount_gain,omitempty"`
	PercentageGain *float64 `json:"percentage_gain,omitempty"`
}

// EquityDetail carries the STOCK/BOND sub-record.
type EquityDetail struct {
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	Quantity   float64 `json:"quantity"`
}

// Trade models a single trade owned by an account. OpeningBalance,
// ClosingBalance and RealizedPL are derived fields written back by the
// ledger writer after each replay.
type Trade struct {
	ID        int64       `json:"id"`
	AccountID int64       `json:"account_id"`
	Type      TradeType   `json:"trade_type"`
	Status    TradeStatus `json:"status"`
	EntryDate time.Time   `json:"entry_date"`
	ExitDate  time.Time   `json:"exit_date"`
	Fees      float64     `json:"fees"`

	FX     *FXDetail     `json:"fx,omitempty"`
	Equity *EquityDetail `json:"equity,omitempty"`

	OpeningBalance float64 `json:"opening_balance"`
	ClosingBalance float64 `json:"closing_balance"`
	RealizedPL     float64 `json:"realized_pl"`
}

// EventDate is the instant the trade participates in balance math: the
// exit date when recorded, otherwise the entry date.
func (t Trade) EventDate() time.Time {
	if !t.ExitDate.IsZero() {
		return t.ExitDate
	}
	return t.EntryDate
}

// GrossGain computes the gain before fees using the detail sub-record
// matching the declared trade type. Percentage FX gains apply to the
// running balance at the moment the trade is replayed, so they compound
// with earlier events. A missing or mismatched sub-record contributes
// zero rather than failing: one malformed historical record must not
// block recalculation of the whole account.
func (t Trade) GrossGain(preBalance float64) float64 {
	switch t.Type {
	case TradeFX:
		if t.FX == nil {
			return 0
		}
		if t.FX.AmountGain != nil {
			return *t.FX.AmountGain
		}
		if t.FX.PercentageGain != nil {
			return *t.FX.PercentageGain * preBalance
		}
		return 0
	case TradeStock, TradeBond:
		if t.Equity == nil {
			return 0
		}
		return (t.Equity.ExitPrice - t.Equity.EntryPrice) * t.Equity.Quantity
	default:
		return 0
	}
}
