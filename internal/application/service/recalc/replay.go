package recalc

import (
	"sort"
	"time"

	domain "github.com/wealthlog/ledger/internal/domain/entity/ledger"
)

// event is one replayable monetary item: exactly one of transfer or trade
// is set.
type event struct {
	date     time.Time
	id       int64
	transfer *domain.Transfer
	trade    *domain.Trade
}

// mergeEvents flattens transfers and closed trades into a single
// deterministic replay order: date ascending, transfers before trades at
// the same instant, then row id ascending. The tie-break makes replay
// fully reproducible even for same-instant events, which is what makes
// recalculation idempotent.
func mergeEvents(transfers []domain.Transfer, trades []domain.Trade) []event {
	events := make([]event, 0, len(transfers)+len(trades))
	for i := range transfers {
		events = append(events, event{
			date:     transfers[i].DateTime,
			id:       transfers[i].ID,
			transfer: &transfers[i],
		})
	}
	for i := range trades {
		events = append(events, event{
			date:  trades[i].EventDate(),
			id:    trades[i].ID,
			trade: &trades[i],
		})
	}
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.date.Equal(b.date) {
			return a.date.Before(b.date)
		}
		if (a.transfer != nil) != (b.transfer != nil) {
			return a.transfer != nil
		}
		return a.id < b.id
	})
	return events
}

// TransferUpdate is the derived field written back to one transfer.
type TransferUpdate struct {
	ID            int64
	BalanceImpact float64
}

// TradeUpdate carries the derived fields written back to one trade.
type TradeUpdate struct {
	ID             int64
	OpeningBalance float64
	ClosingBalance float64
	RealizedPL     float64
}

// SnapshotWrite is one (date, balance) snapshot to upsert.
type SnapshotWrite struct {
	Date    time.Time
	Balance float64
}

// Result is everything the ledger writer must commit after a replay.
type Result struct {
	SeedBalance  float64
	FinalBalance float64
	Transfers    []TransferUpdate
	Trades       []TradeUpdate
	Snapshots    []SnapshotWrite
}

// replay runs the ordered events against the seed balance and computes
// per-event deltas, trade P/L and one snapshot per distinct event instant
// (last event at an instant wins).
func replay(accountID int64, seed float64, events []event) Result {
	res := Result{SeedBalance: seed, FinalBalance: seed}
	balance := seed
	snapshotAt := make(map[int64]int, len(events))

	for _, ev := range events {
		pre := balance
		switch {
		case ev.transfer != nil:
			impact := ev.transfer.ImpactOn(accountID)
			balance = pre + impact
			res.Transfers = append(res.Transfers, TransferUpdate{
				ID:            ev.transfer.ID,
				BalanceImpact: impact,
			})
		case ev.trade != nil:
			pl := ev.trade.GrossGain(pre) - ev.trade.Fees
			balance = pre + pl
			res.Trades = append(res.Trades, TradeUpdate{
				ID:             ev.trade.ID,
				OpeningBalance: pre,
				ClosingBalance: balance,
				RealizedPL:     pl,
			})
		}

		key := ev.date.UnixNano()
		if idx, ok := snapshotAt[key]; ok {
			res.Snapshots[idx].Balance = balance
		} else {
			snapshotAt[key] = len(res.Snapshots)
			res.Snapshots = append(res.Snapshots, SnapshotWrite{Date: ev.date, Balance: balance})
		}
	}

	res.FinalBalance = balance
	return res
}
