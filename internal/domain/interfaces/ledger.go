package interfaces

import (
	"context"
	"errors"
	"time"

	domain "github.com/wealthlog/ledger/internal/domain/entity/ledger"
)

// ErrAccountNotFound is returned whenever an operation references an
// account id that does not exist.
var ErrAccountNotFound = errors.New("account not found")

// LedgerTx is the data-access surface available inside one ambient
// transaction. Every write issued through it commits or rolls back as a
// unit together with the rest of the transaction.
type LedgerTx interface {
	// AccountForUpdate loads the account row and locks it for the duration
	// of the transaction, serializing concurrent recalculations of the
	// same account. Returns ErrAccountNotFound for unknown ids.
	AccountForUpdate(ctx context.Context, accountID int64) (*domain.Account, error)

	// TransfersForAccount returns every transfer where the account is the
	// source or destination leg, ordered by date then id. A non-nil after
	// restricts the window to DateTime >= after.
	TransfersForAccount(ctx context.Context, accountID int64, after *time.Time) ([]domain.Transfer, error)

	// ClosedTradesForAccount returns every CLOSED trade owned by the
	// account, ordered by event date then id, optionally at or after the
	// given lower bound.
	ClosedTradesForAccount(ctx context.Context, accountID int64, after *time.Time) ([]domain.Trade, error)

	// LatestSnapshotAtOrBefore returns the snapshot with the greatest
	// date <= at, or nil when the account has none that early.
	LatestSnapshotAtOrBefore(ctx context.Context, accountID int64, at time.Time) (*domain.BalanceSnapshot, error)

	// DeleteSnapshotsFrom removes every snapshot with date >= cutover.
	DeleteSnapshotsFrom(ctx context.Context, accountID int64, cutover time.Time) error

	// UpsertSnapshot writes the (account, date) balance; the last value
	// wins per exact date.
	UpsertSnapshot(ctx context.Context, accountID int64, date time.Time, balance float64) error

	SetTransferImpact(ctx context.Context, transferID int64, impact float64) error
	SetTradeResults(ctx context.Context, tradeID int64, opening, closing, realizedPL float64) error
	SetAccountBalance(ctx context.Context, accountID int64, balance float64, recalculatedAt time.Time) error
}

// LedgerRepository owns the connection pool and hands out transactions.
// The two read methods operate outside any transaction and serve the
// point-in-time balance lookups of the HTTP layer.
type LedgerRepository interface {
	WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error
	GetAccount(ctx context.Context, accountID int64) (*domain.Account, error)
	LatestSnapshotAtOrBefore(ctx context.Context, accountID int64, at time.Time) (*domain.BalanceSnapshot, error)
	Close()
}
