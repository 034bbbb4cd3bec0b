package recalc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	domain "github.com/wealthlog/ledger/internal/domain/entity/ledger"
	"github.com/wealthlog/ledger/internal/domain/interfaces"
)

// run states logged for every recalculation.
const (
	statePending    = "pending"
	stateReplaying  = "replaying"
	stateCommitting = "committing"
	stateCommitted  = "committed"
	stateRolledBack = "rolled_back"
)

const notifyTimeout = 5 * time.Second

// Options narrows a recalculation to the events at or after AfterDate.
// A nil AfterDate replays the full history from the initial balance.
type Options struct {
	AfterDate *time.Time
}

// Service recomputes an account's running balance, per-trade realized P/L
// and balance snapshots by replaying all monetary events in chronological
// order, then commits the derived state in one transaction.
type Service struct {
	repo      interfaces.LedgerRepository
	cache     interfaces.Cache
	publisher interfaces.RecalculatedPublisher
	logger    *logrus.Logger

	notifyWG sync.WaitGroup
}

// NewService wires the engine. cache and publisher may be nil; the
// corresponding post-commit notifications are then skipped.
func NewService(repo interfaces.LedgerRepository, cache interfaces.Cache, publisher interfaces.RecalculatedPublisher, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		repo:      repo,
		cache:     cache,
		publisher: publisher,
		logger:    logger,
	}
}

// Recalculate replays the account's monetary events and atomically commits
// derived transfer/trade fields, balance snapshots and the headline
// balance. It returns the new headline balance. Concurrent calls for the
// same account serialize on the account row lock; different accounts
// proceed in parallel.
func (s *Service) Recalculate(ctx context.Context, accountID int64, opts Options) (float64, error) {
	runID := uuid.New()
	log := s.logger.WithFields(logrus.Fields{
		"run_id":     runID,
		"account_id": accountID,
	})
	if opts.AfterDate != nil {
		log = log.WithField("after_date", opts.AfterDate.UTC().Format(time.RFC3339))
	}
	log.WithField("state", statePending).Debug("recalculation started")

	var (
		account  domain.Account
		balance  float64
		replayed int
	)
	err := s.repo.WithinTx(ctx, func(tx interfaces.LedgerTx) error {
		acc, err := tx.AccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		account = *acc

		transfers, err := tx.TransfersForAccount(ctx, accountID, opts.AfterDate)
		if err != nil {
			return err
		}
		trades, err := tx.ClosedTradesForAccount(ctx, accountID, opts.AfterDate)
		if err != nil {
			return err
		}

		events := mergeEvents(transfers, trades)
		now := time.Now().UTC()
		if len(events) == 0 {
			// Nothing in the window: the headline balance stays as is,
			// but the recalculation timestamp still advances.
			balance = acc.Balance
			return tx.SetAccountBalance(ctx, accountID, acc.Balance, now)
		}

		log.WithFields(logrus.Fields{"state": stateReplaying, "events": len(events)}).Debug("replaying events")

		// Stale snapshots inside the replayed window must go before the
		// seed lookup, otherwise the lookup could hand back a balance the
		// window itself produced on a previous run.
		cutover := time.Time{}
		if opts.AfterDate != nil {
			cutover = *opts.AfterDate
		}
		if err := tx.DeleteSnapshotsFrom(ctx, accountID, cutover); err != nil {
			return err
		}

		seed, err := s.seedBalance(ctx, tx, acc, events[0].date)
		if err != nil {
			return err
		}

		result := replay(accountID, seed, events)
		replayed = len(events)

		log.WithField("state", stateCommitting).Debug("committing replay results")
		for _, tu := range result.Transfers {
			if err := tx.SetTransferImpact(ctx, tu.ID, tu.BalanceImpact); err != nil {
				return err
			}
		}
		for _, tu := range result.Trades {
			if err := tx.SetTradeResults(ctx, tu.ID, tu.OpeningBalance, tu.ClosingBalance, tu.RealizedPL); err != nil {
				return err
			}
		}
		for _, snap := range result.Snapshots {
			if err := tx.UpsertSnapshot(ctx, accountID, snap.Date, snap.Balance); err != nil {
				return err
			}
		}
		balance = result.FinalBalance
		return tx.SetAccountBalance(ctx, accountID, result.FinalBalance, now)
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrAccountNotFound) {
			return 0, err
		}
		log.WithField("state", stateRolledBack).WithError(err).Error("recalculation rolled back")
		return 0, fmt.Errorf("recalculate account %d: %w", accountID, err)
	}

	log.WithFields(logrus.Fields{
		"state":   stateCommitted,
		"events":  replayed,
		"balance": balance,
	}).Info("recalculation committed")

	s.dispatchAfterCommit(ctx, runID, account, balance, replayed)
	return balance, nil
}

// seedBalance resolves the balance immediately before the first replayed
// event: the latest surviving snapshot at or before it, falling back to
// the account's initial balance.
func (s *Service) seedBalance(ctx context.Context, tx interfaces.LedgerTx, acc *domain.Account, firstEvent time.Time) (float64, error) {
	snap, err := tx.LatestSnapshotAtOrBefore(ctx, acc.ID, firstEvent)
	if err != nil {
		return 0, err
	}
	if snap == nil {
		return acc.InitialBalance, nil
	}
	return snap.Balance, nil
}

// dispatchAfterCommit fires the best-effort notifications on their own
// goroutine so the critical path never blocks on, or fails because of,
// cache or broker trouble. The ledger transaction has already committed
// and released its locks by the time this runs.
func (s *Service) dispatchAfterCommit(ctx context.Context, runID uuid.UUID, account domain.Account, balance float64, events int) {
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()

		s.invalidateCaches(nctx, runID, account.UserID)

		if s.publisher == nil {
			return
		}
		evt := domain.RecalculatedEvent{
			RunID:      runID,
			AccountID:  account.ID,
			UserID:     account.UserID,
			Balance:    balance,
			Events:     events,
			OccurredAt: time.Now().UTC(),
		}
		if err := s.publisher.PublishRecalculated(nctx, evt); err != nil {
			s.logger.WithFields(logrus.Fields{"run_id": runID, "account_id": account.ID}).
				WithError(err).Warn("publish recalculated event failed")
		}
	}()
}

func (s *Service) invalidateCaches(ctx context.Context, runID uuid.UUID, userID int64) {
	if s.cache == nil {
		return
	}
	keys := AggregateCacheKeys(userID)
	if err := s.cache.DeleteKeys(ctx, keys...); err != nil {
		s.logger.WithFields(logrus.Fields{"run_id": runID, "user_id": userID}).
			WithError(err).Warn("cache invalidation failed")
	}
}

// Wait blocks until all in-flight post-commit notifications finish. Called
// on shutdown and by tests.
func (s *Service) Wait() {
	s.notifyWG.Wait()
}
