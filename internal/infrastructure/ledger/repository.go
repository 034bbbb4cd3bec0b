package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/wealthlog/ledger/internal/domain/entity/ledger"
	"github.com/wealthlog/ledger/internal/domain/interfaces"
)

// Repository is the pgx-backed ledger data access layer.
type Repository struct {
	pool *pgxpool.Pool
}

var _ interfaces.LedgerRepository = (*Repository)(nil)

func NewRepository(ctx context.Context, dsn string) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	return &Repository{pool: pool}, nil
}

func (r *Repository) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// WithinTx runs fn inside one transaction; any error rolls everything
// back so a recalculation can never leave an account half-updated.
func (r *Repository) WithinTx(ctx context.Context, fn func(tx interfaces.LedgerTx) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = fn(&ledgerTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Repository) GetAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	return getAccount(ctx, r.pool, accountID, false)
}

func (r *Repository) LatestSnapshotAtOrBefore(ctx context.Context, accountID int64, at time.Time) (*domain.BalanceSnapshot, error) {
	return latestSnapshotAtOrBefore(ctx, r.pool, accountID, at)
}

// ledgerTx adapts one pgx transaction to the LedgerTx contract.
type ledgerTx struct {
	tx pgx.Tx
}

var _ interfaces.LedgerTx = (*ledgerTx)(nil)

func (l *ledgerTx) AccountForUpdate(ctx context.Context, accountID int64) (*domain.Account, error) {
	return getAccount(ctx, l.tx, accountID, true)
}

const selectTransfersQuery = `
	SELECT id, transfer_type, amount, currency, from_account_id, to_account_id, date_time, balance_impact
	FROM transfers
	WHERE (from_account_id = $1 OR to_account_id = $1)
	  AND ($2::timestamptz IS NULL OR date_time >= $2)
	ORDER BY date_time ASC, id ASC`

func (l *ledgerTx) TransfersForAccount(ctx context.Context, accountID int64, after *time.Time) ([]domain.Transfer, error) {
	rows, err := l.tx.Query(ctx, selectTransfersQuery, accountID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []domain.Transfer
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, transfer)
	}
	return transfers, rows.Err()
}

const selectClosedTradesQuery = `
	SELECT id, account_id, trade_type, status, entry_date, exit_date, fees,
	       fx_detail, equity_detail, opening_balance, closing_balance, realized_pl
	FROM trades
	WHERE account_id = $1
	  AND status = 'CLOSED'
	  AND ($2::timestamptz IS NULL OR COALESCE(exit_date, entry_date) >= $2)
	ORDER BY COALESCE(exit_date, entry_date) ASC, id ASC`

func (l *ledgerTx) ClosedTradesForAccount(ctx context.Context, accountID int64, after *time.Time) ([]domain.Trade, error) {
	rows, err := l.tx.Query(ctx, selectClosedTradesQuery, accountID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

func (l *ledgerTx) LatestSnapshotAtOrBefore(ctx context.Context, accountID int64, at time.Time) (*domain.BalanceSnapshot, error) {
	return latestSnapshotAtOrBefore(ctx, l.tx, accountID, at)
}

func (l *ledgerTx) DeleteSnapshotsFrom(ctx context.Context, accountID int64, cutover time.Time) error {
	const query = `DELETE FROM balance_snapshots WHERE account_id = $1 AND date >= $2`
	_, err := l.tx.Exec(ctx, query, accountID, cutover)
	return err
}

func (l *ledgerTx) UpsertSnapshot(ctx context.Context, accountID int64, date time.Time, balance float64) error {
	const query = `
		INSERT INTO balance_snapshots (account_id, date, balance)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, date) DO UPDATE SET balance = EXCLUDED.balance`
	_, err := l.tx.Exec(ctx, query, accountID, date, balance)
	return err
}

func (l *ledgerTx) SetTransferImpact(ctx context.Context, transferID int64, impact float64) error {
	const query = `UPDATE transfers SET balance_impact = $2 WHERE id = $1`
	_, err := l.tx.Exec(ctx, query, transferID, impact)
	return err
}

func (l *ledgerTx) SetTradeResults(ctx context.Context, tradeID int64, opening, closing, realizedPL float64) error {
	const query = `
		UPDATE trades
		SET opening_balance = $2,
		    closing_balance = $3,
		    realized_pl = $4
		WHERE id = $1`
	_, err := l.tx.Exec(ctx, query, tradeID, opening, closing, realizedPL)
	return err
}

func (l *ledgerTx) SetAccountBalance(ctx context.Context, accountID int64, balance float64, recalculatedAt time.Time) error {
	const query = `
		UPDATE accounts
		SET balance = $2,
		    last_recalculated_at = $3,
		    updated_at = $3
		WHERE id = $1`
	_, err := l.tx.Exec(ctx, query, accountID, balance, recalculatedAt)
	return err
}

// Shared query helpers over either the pool or a transaction.

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

const selectAccountColumns = `
	SELECT id, user_id, name, currency, initial_balance, balance, last_recalculated_at, created_at, updated_at
	FROM accounts
	WHERE id = $1`

func getAccount(ctx context.Context, runner queryRower, accountID int64, forUpdate bool) (*domain.Account, error) {
	query := selectAccountColumns
	if forUpdate {
		query += " FOR UPDATE"
	}

	var (
		account        domain.Account
		recalculatedAt sql.NullTime
	)
	err := runner.QueryRow(ctx, query, accountID).Scan(
		&account.ID,
		&account.UserID,
		&account.Name,
		&account.Currency,
		&account.InitialBalance,
		&account.Balance,
		&recalculatedAt,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, interfaces.ErrAccountNotFound
		}
		return nil, err
	}
	if recalculatedAt.Valid {
		t := recalculatedAt.Time
		account.LastRecalculatedAt = &t
	}
	return &account, nil
}

func latestSnapshotAtOrBefore(ctx context.Context, runner queryRower, accountID int64, at time.Time) (*domain.BalanceSnapshot, error) {
	const query = `
		SELECT id, account_id, date, balance
		FROM balance_snapshots
		WHERE account_id = $1 AND date <= $2
		ORDER BY date DESC, id DESC
		LIMIT 1`

	var snapshot domain.BalanceSnapshot
	err := runner.QueryRow(ctx, query, accountID, at).Scan(
		&snapshot.ID,
		&snapshot.AccountID,
		&snapshot.Date,
		&snapshot.Balance,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &snapshot, nil
}

func scanTransfer(row pgx.Row) (domain.Transfer, error) {
	var (
		transfer domain.Transfer
		from     sql.NullInt64
		to       sql.NullInt64
		impact   sql.NullFloat64
	)
	err := row.Scan(
		&transfer.ID,
		&transfer.Type,
		&transfer.Amount,
		&transfer.Currency,
		&from,
		&to,
		&transfer.DateTime,
		&impact,
	)
	if err != nil {
		return domain.Transfer{}, err
	}
	if from.Valid {
		v := from.Int64
		transfer.FromAccountID = &v
	}
	if to.Valid {
		v := to.Int64
		transfer.ToAccountID = &v
	}
	if impact.Valid {
		transfer.BalanceImpact = impact.Float64
	}
	return transfer, nil
}

func scanTrade(row pgx.Row) (domain.Trade, error) {
	var (
		trade      domain.Trade
		exitDate   sql.NullTime
		fxJSON     []byte
		equityJSON []byte
		opening    sql.NullFloat64
		closing    sql.NullFloat64
		realized   sql.NullFloat64
	)
	err := row.Scan(
		&trade.ID,
		&trade.AccountID,
		&trade.Type,
		&trade.Status,
		&trade.EntryDate,
		&exitDate,
		&trade.Fees,
		&fxJSON,
		&equityJSON,
		&opening,
		&closing,
		&realized,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	if exitDate.Valid {
		trade.ExitDate = exitDate.Time
	}
	if len(fxJSON) > 0 {
		var detail domain.FXDetail
		if err := json.Unmarshal(fxJSON, &detail); err != nil {
			return domain.Trade{}, fmt.Errorf("decode fx detail for trade %d: %w", trade.ID, err)
		}
		trade.FX = &detail
	}
	if len(equityJSON) > 0 {
		var detail domain.EquityDetail
		if err := json.Unmarshal(equityJSON, &detail); err != nil {
			return domain.Trade{}, fmt.Errorf("decode equity detail for trade %d: %w", trade.ID, err)
		}
		trade.Equity = &detail
	}
	if opening.Valid {
		trade.OpeningBalance = opening.Float64
	}
	if closing.Valid {
		trade.ClosingBalance = closing.Float64
	}
	if realized.Valid {
		trade.RealizedPL = realized.Float64
	}
	return trade, nil
}
