package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/wealthlog/ledger/internal/application/service/recalc"
	"github.com/wealthlog/ledger/internal/domain/interfaces"
)

// Recalculator is the slice of the recalc service the broker needs.
type Recalculator interface {
	Recalculate(ctx context.Context, accountID int64, opts recalc.Options) (float64, error)
}

// CoalesceConfig controls request deduplication before replay.
type CoalesceConfig struct {
	// Window is how long requests accumulate before a flush. Zero means
	// every request flushes immediately.
	Window time.Duration
	// Parallelism caps concurrent replays per flush; replays for
	// different accounts carry no ordering constraint.
	Parallelism int
}

// Coalescer deduplicates recalculation requests per account so a burst of
// edits to one account triggers a single replay. Requests for different
// accounts flush concurrently.
type Coalescer struct {
	cfg     CoalesceConfig
	service Recalculator
	logger  *logrus.Entry

	mu      sync.Mutex
	ctx     context.Context
	pending map[int64]RecalculationRequest
	timer   *time.Timer
	flushWG sync.WaitGroup
}

func NewCoalescer(cfg CoalesceConfig, service Recalculator, logger *logrus.Logger) *Coalescer {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Coalescer{
		cfg:     cfg,
		service: service,
		logger:  logger.WithField("component", "recalc_coalescer"),
		pending: make(map[int64]RecalculationRequest),
	}
}

// Run sets the base context for asynchronous flushes.
func (c *Coalescer) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
}

// Add queues a request, merging it with any pending request for the same
// account.
func (c *Coalescer) Add(req RecalculationRequest) error {
	c.mu.Lock()
	ctx := c.ctx
	if ctx == nil {
		c.mu.Unlock()
		return errors.New("coalescer is not running")
	}
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		return err
	}

	if pending, ok := c.pending[req.AccountID]; ok {
		c.pending[req.AccountID] = pending.merge(req)
	} else {
		c.pending[req.AccountID] = req
	}

	var batch []RecalculationRequest
	if c.cfg.Window <= 0 {
		batch = c.takeBatchLocked()
	} else if c.timer == nil {
		c.startTimerLocked()
	}
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	c.flush(ctx, batch)
	return nil
}

// Stop flushes whatever is still pending and waits for in-flight flushes.
func (c *Coalescer) Stop(ctx context.Context) {
	c.mu.Lock()
	batch := c.takeBatchLocked()
	c.mu.Unlock()

	if len(batch) > 0 {
		c.flush(ctx, batch)
	}
	c.flushWG.Wait()
}

func (c *Coalescer) startTimerLocked() {
	c.flushWG.Add(1)
	c.timer = time.AfterFunc(c.cfg.Window, func() {
		defer c.flushWG.Done()
		c.mu.Lock()
		ctx := c.ctx
		batch := c.takeBatchLocked()
		c.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		c.flush(ctx, batch)
	})
}

func (c *Coalescer) takeBatchLocked() []RecalculationRequest {
	if c.timer != nil {
		if c.timer.Stop() {
			c.flushWG.Done()
		}
		c.timer = nil
	}
	if len(c.pending) == 0 {
		return nil
	}
	batch := make([]RecalculationRequest, 0, len(c.pending))
	for _, req := range c.pending {
		batch = append(batch, req)
	}
	c.pending = make(map[int64]RecalculationRequest)
	return batch
}

func (c *Coalescer) flush(ctx context.Context, batch []RecalculationRequest) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Parallelism)
	for _, req := range batch {
		req := req
		g.Go(func() error {
			balance, err := c.service.Recalculate(gctx, req.AccountID, recalc.Options{AfterDate: req.AfterDate})
			log := c.logger.WithField("account_id", req.AccountID)
			switch {
			case errors.Is(err, interfaces.ErrAccountNotFound):
				// Account deleted between mutation and replay; drop it.
				log.Warn("skipping recalculation for missing account")
			case err != nil:
				log.WithError(err).Error("deferred recalculation failed")
			default:
				log.WithField("balance", balance).Debug("deferred recalculation done")
			}
			return nil
		})
	}
	_ = g.Wait()
}
