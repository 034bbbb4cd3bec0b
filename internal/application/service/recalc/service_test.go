package recalc

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/wealthlog/ledger/internal/domain/entity/ledger"
	"github.com/wealthlog/ledger/internal/domain/interfaces"
)

// fakeState is the in-memory ledger the fakes operate on.
type fakeState struct {
	account    domain.Account
	transfers  []domain.Transfer
	trades     []domain.Trade
	snapshots  []domain.BalanceSnapshot
	nextSnapID int64
}

func (s *fakeState) clone() *fakeState {
	c := &fakeState{
		account:    s.account,
		transfers:  append([]domain.Transfer(nil), s.transfers...),
		trades:     append([]domain.Trade(nil), s.trades...),
		snapshots:  append([]domain.BalanceSnapshot(nil), s.snapshots...),
		nextSnapID: s.nextSnapID,
	}
	return c
}

// fakeRepo commits the transaction's working copy only when fn succeeds,
// mirroring the all-or-nothing behavior of the real repository.
type fakeRepo struct {
	mu     sync.Mutex
	state  *fakeState
	failOn map[string]error
}

func newFakeRepo(state *fakeState) *fakeRepo {
	if state.nextSnapID == 0 {
		state.nextSnapID = 1
	}
	return &fakeRepo{state: state}
}

func (r *fakeRepo) WithinTx(ctx context.Context, fn func(tx interfaces.LedgerTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	work := r.state.clone()
	if err := fn(&fakeTx{state: work, failOn: r.failOn}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *fakeRepo) GetAccount(ctx context.Context, accountID int64) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.account.ID != accountID {
		return nil, interfaces.ErrAccountNotFound
	}
	account := r.state.account
	return &account, nil
}

func (r *fakeRepo) LatestSnapshotAtOrBefore(ctx context.Context, accountID int64, at time.Time) (*domain.BalanceSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return latestSnapshot(r.state, accountID, at), nil
}

func (r *fakeRepo) Close() {}

func (r *fakeRepo) snapshotOf() *fakeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

type fakeTx struct {
	state  *fakeState
	failOn map[string]error
}

func (t *fakeTx) fail(op string) error {
	if t.failOn == nil {
		return nil
	}
	return t.failOn[op]
}

func (t *fakeTx) AccountForUpdate(ctx context.Context, accountID int64) (*domain.Account, error) {
	if err := t.fail("AccountForUpdate"); err != nil {
		return nil, err
	}
	if t.state.account.ID != accountID {
		return nil, interfaces.ErrAccountNotFound
	}
	account := t.state.account
	return &account, nil
}

func (t *fakeTx) TransfersForAccount(ctx context.Context, accountID int64, after *time.Time) ([]domain.Transfer, error) {
	if err := t.fail("TransfersForAccount"); err != nil {
		return nil, err
	}
	var out []domain.Transfer
	for _, tr := range t.state.transfers {
		references := (tr.FromAccountID != nil && *tr.FromAccountID == accountID) ||
			(tr.ToAccountID != nil && *tr.ToAccountID == accountID)
		if !references {
			continue
		}
		if after != nil && tr.DateTime.Before(*after) {
			continue
		}
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DateTime.Equal(out[j].DateTime) {
			return out[i].DateTime.Before(out[j].DateTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *fakeTx) ClosedTradesForAccount(ctx context.Context, accountID int64, after *time.Time) ([]domain.Trade, error) {
	if err := t.fail("ClosedTradesForAccount"); err != nil {
		return nil, err
	}
	var out []domain.Trade
	for _, tr := range t.state.trades {
		if tr.AccountID != accountID || tr.Status != domain.TradeClosed {
			continue
		}
		if after != nil && tr.EventDate().Before(*after) {
			continue
		}
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EventDate().Equal(out[j].EventDate()) {
			return out[i].EventDate().Before(out[j].EventDate())
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *fakeTx) LatestSnapshotAtOrBefore(ctx context.Context, accountID int64, at time.Time) (*domain.BalanceSnapshot, error) {
	if err := t.fail("LatestSnapshotAtOrBefore"); err != nil {
		return nil, err
	}
	return latestSnapshot(t.state, accountID, at), nil
}

func (t *fakeTx) DeleteSnapshotsFrom(ctx context.Context, accountID int64, cutover time.Time) error {
	if err := t.fail("DeleteSnapshotsFrom"); err != nil {
		return err
	}
	kept := t.state.snapshots[:0]
	for _, snap := range t.state.snapshots {
		if snap.AccountID == accountID && !snap.Date.Before(cutover) {
			continue
		}
		kept = append(kept, snap)
	}
	t.state.snapshots = kept
	return nil
}

func (t *fakeTx) UpsertSnapshot(ctx context.Context, accountID int64, date time.Time, balance float64) error {
	if err := t.fail("UpsertSnapshot"); err != nil {
		return err
	}
	for i := range t.state.snapshots {
		if t.state.snapshots[i].AccountID == accountID && t.state.snapshots[i].Date.Equal(date) {
			t.state.snapshots[i].Balance = balance
			return nil
		}
	}
	t.state.snapshots = append(t.state.snapshots, domain.BalanceSnapshot{
		ID:        t.state.nextSnapID,
		AccountID: accountID,
		Date:      date,
		Balance:   balance,
	})
	t.state.nextSnapID++
	return nil
}

func (t *fakeTx) SetTransferImpact(ctx context.Context, transferID int64, impact float64) error {
	if err := t.fail("SetTransferImpact"); err != nil {
		return err
	}
	for i := range t.state.transfers {
		if t.state.transfers[i].ID == transferID {
			t.state.transfers[i].BalanceImpact = impact
			return nil
		}
	}
	return errors.New("transfer not found")
}

func (t *fakeTx) SetTradeResults(ctx context.Context, tradeID int64, opening, closing, realizedPL float64) error {
	if err := t.fail("SetTradeResults"); err != nil {
		return err
	}
	for i := range t.state.trades {
		if t.state.trades[i].ID == tradeID {
			t.state.trades[i].OpeningBalance = opening
			t.state.trades[i].ClosingBalance = closing
			t.state.trades[i].RealizedPL = realizedPL
			return nil
		}
	}
	return errors.New("trade not found")
}

func (t *fakeTx) SetAccountBalance(ctx context.Context, accountID int64, balance float64, recalculatedAt time.Time) error {
	if err := t.fail("SetAccountBalance"); err != nil {
		return err
	}
	if t.state.account.ID != accountID {
		return interfaces.ErrAccountNotFound
	}
	t.state.account.Balance = balance
	at := recalculatedAt
	t.state.account.LastRecalculatedAt = &at
	t.state.account.UpdatedAt = recalculatedAt
	return nil
}

func latestSnapshot(state *fakeState, accountID int64, at time.Time) *domain.BalanceSnapshot {
	var best *domain.BalanceSnapshot
	for i := range state.snapshots {
		snap := state.snapshots[i]
		if snap.AccountID != accountID || snap.Date.After(at) {
			continue
		}
		if best == nil || snap.Date.After(best.Date) {
			copySnap := snap
			best = &copySnap
		}
	}
	return best
}

type fakeCache struct {
	mu      sync.Mutex
	deleted [][]string
	err     error
}

func (c *fakeCache) DeleteKeys(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, keys)
	return c.err
}

func (c *fakeCache) calls() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]string(nil), c.deleted...)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.RecalculatedEvent
	err    error
}

func (p *fakePublisher) PublishRecalculated(ctx context.Context, event domain.RecalculatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *fakePublisher) published() []domain.RecalculatedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.RecalculatedEvent(nil), p.events...)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// scenarioState seeds a small but complete account history: initial
// balance 1000, deposit 500 on day 1, FX trade with amountGain -50 and
// fees 10 on day 2, withdraw 200 on day 3.
func scenarioState() *fakeState {
	return &fakeState{
		account: domain.Account{
			ID:             1,
			UserID:         7,
			Name:           "Brokerage",
			Currency:       "USD",
			InitialBalance: 1000,
			Balance:        1000,
		},
		transfers: []domain.Transfer{
			deposit(1, 1, 500, day1),
			withdraw(2, 1, 200, day3),
		},
		trades: []domain.Trade{fxAmountTrade(1, 1, -50, 10, day2)},
	}
}

func TestRecalculateScenario(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(scenarioState())
	cache := &fakeCache{}
	pub := &fakePublisher{}
	svc := NewService(repo, cache, pub, testLogger())

	balance, err := svc.Recalculate(context.Background(), 1, Options{})
	require.NoError(t, err)
	assert.InDelta(t, 1240, balance, 1e-9)
	svc.Wait()

	state := repo.snapshotOf()
	assert.InDelta(t, 1240, state.account.Balance, 1e-9)
	require.NotNil(t, state.account.LastRecalculatedAt)

	assert.InDelta(t, 500, state.transfers[0].BalanceImpact, 1e-9)
	assert.InDelta(t, -200, state.transfers[1].BalanceImpact, 1e-9)

	trade := state.trades[0]
	assert.InDelta(t, 1500, trade.OpeningBalance, 1e-9)
	assert.InDelta(t, -60, trade.RealizedPL, 1e-9)
	assert.InDelta(t, 1440, trade.ClosingBalance, 1e-9)

	require.Len(t, state.snapshots, 3)
	assert.InDelta(t, 1500, state.snapshots[0].Balance, 1e-9)
	assert.InDelta(t, 1440, state.snapshots[1].Balance, 1e-9)
	assert.InDelta(t, 1240, state.snapshots[2].Balance, 1e-9)

	calls := cache.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, AggregateCacheKeys(7), calls[0])

	events := pub.published()
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].AccountID)
	assert.Equal(t, int64(7), events[0].UserID)
	assert.Equal(t, 3, events[0].Events)
	assert.InDelta(t, 1240, events[0].Balance, 1e-9)
	assert.NotEqual(t, events[0].RunID.String(), "00000000-0000-0000-0000-000000000000")
}

func TestRecalculateIdempotent(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(scenarioState())
	svc := NewService(repo, nil, nil, testLogger())

	_, err := svc.Recalculate(context.Background(), 1, Options{})
	require.NoError(t, err)
	first := repo.snapshotOf()

	_, err = svc.Recalculate(context.Background(), 1, Options{})
	require.NoError(t, err)
	second := repo.snapshotOf()
	svc.Wait()

	// Only the recalculation timestamp may move. Snapshot rows are
	// rewritten on a full replay, so compare their content, not their ids.
	assert.InDelta(t, first.account.Balance, second.account.Balance, 1e-9)
	assert.Equal(t, first.transfers, second.transfers)
	assert.Equal(t, first.trades, second.trades)
	require.Len(t, second.snapshots, len(first.snapshots))
	for i := range first.snapshots {
		assert.True(t, first.snapshots[i].Date.Equal(second.snapshots[i].Date))
		assert.InDelta(t, first.snapshots[i].Balance, second.snapshots[i].Balance, 1e-9)
	}
	assert.False(t, second.account.LastRecalculatedAt.Before(*first.account.LastRecalculatedAt))
}

func TestRecalculatePartialReplayEquivalence(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(scenarioState())
	svc := NewService(repo, nil, nil, testLogger())

	_, err := svc.Recalculate(context.Background(), 1, Options{})
	require.NoError(t, err)
	full := repo.snapshotOf()

	balance, err := svc.Recalculate(context.Background(), 1, Options{AfterDate: &day2})
	require.NoError(t, err)
	svc.Wait()
	partial := repo.snapshotOf()

	assert.InDelta(t, 1240, balance, 1e-9)
	assert.InDelta(t, full.account.Balance, partial.account.Balance, 1e-9)
	assert.Equal(t, full.transfers, partial.transfers)
	assert.Equal(t, full.trades, partial.trades)

	// The day-1 snapshot sits before the cutover and must be untouched,
	// row identity included; the replayed window produces equal balances.
	require.Len(t, partial.snapshots, 3)
	assert.Equal(t, full.snapshots[0], partial.snapshots[0])
	for i := range full.snapshots {
		assert.True(t, full.snapshots[i].Date.Equal(partial.snapshots[i].Date))
		assert.InDelta(t, full.snapshots[i].Balance, partial.snapshots[i].Balance, 1e-9)
	}
}

func TestRecalculateEmptyWindow(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(scenarioState())
	cache := &fakeCache{}
	svc := NewService(repo, cache, nil, testLogger())

	_, err := svc.Recalculate(context.Background(), 1, Options{})
	require.NoError(t, err)
	before := repo.snapshotOf()

	after := day3.Add(24 * time.Hour)
	balance, err := svc.Recalculate(context.Background(), 1, Options{AfterDate: &after})
	require.NoError(t, err)
	svc.Wait()
	got := repo.snapshotOf()

	// Headline balance unchanged, snapshots untouched, timestamp advanced,
	// caches still invalidated.
	assert.InDelta(t, before.account.Balance, balance, 1e-9)
	assert.Equal(t, before.snapshots, got.snapshots)
	require.NotNil(t, got.account.LastRecalculatedAt)
	assert.False(t, got.account.LastRecalculatedAt.Before(*before.account.LastRecalculatedAt))
	assert.Len(t, cache.calls(), 2)
}

func TestRecalculateAccountNotFound(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(scenarioState())
	cache := &fakeCache{}
	pub := &fakePublisher{}
	svc := NewService(repo, cache, pub, testLogger())

	_, err := svc.Recalculate(context.Background(), 99, Options{})
	require.ErrorIs(t, err, interfaces.ErrAccountNotFound)
	svc.Wait()

	assert.Empty(t, cache.calls())
	assert.Empty(t, pub.published())
}

func TestRecalculateAtomicity(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("connection reset")
	repo := newFakeRepo(scenarioState())
	// Trade fields get written before snapshots; failing the snapshot
	// write must roll every earlier write back.
	repo.failOn = map[string]error{"UpsertSnapshot": errBoom}
	original := repo.snapshotOf()

	svc := NewService(repo, nil, nil, testLogger())
	_, err := svc.Recalculate(context.Background(), 1, Options{})
	require.ErrorIs(t, err, errBoom)
	assert.NotErrorIs(t, err, interfaces.ErrAccountNotFound)
	svc.Wait()

	got := repo.snapshotOf()
	assert.Equal(t, original.account, got.account)
	assert.Equal(t, original.transfers, got.transfers)
	assert.Equal(t, original.trades, got.trades)
	assert.Equal(t, original.snapshots, got.snapshots)
}

func TestRecalculateCacheFailureNotFatal(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo(scenarioState())
	cache := &fakeCache{err: errors.New("redis down")}
	pub := &fakePublisher{}
	svc := NewService(repo, cache, pub, testLogger())

	balance, err := svc.Recalculate(context.Background(), 1, Options{})
	require.NoError(t, err)
	assert.InDelta(t, 1240, balance, 1e-9)
	svc.Wait()

	// The failed invalidation was attempted and the event still went out.
	assert.Len(t, cache.calls(), 1)
	assert.Len(t, pub.published(), 1)
}

func TestAggregateCacheKeysUserScoped(t *testing.T) {
	t.Parallel()

	keys := AggregateCacheKeys(7)
	require.Len(t, keys, 6)
	assert.Equal(t, "networth:summary:7", keys[0])
	assert.Contains(t, keys, "networth:series:7:30d")
	assert.Contains(t, keys, "networth:series:7:all")
	for _, key := range keys {
		assert.NotContains(t, key, ":8")
	}
}
