package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/wealthlog/ledger/internal/config"
)

// Consumer subscribes to the recalculation request exchange and forwards
// messages into the recalc service via the per-account coalescer.
type Consumer struct {
	cfg     config.RabbitMQConfig
	logger  *logrus.Logger
	conn    *amqp.Connection
	channel *amqp.Channel
	wg      sync.WaitGroup
	coal    *Coalescer
}

// NewConsumer prepares a consumer for the given configuration.
func NewConsumer(cfg config.RabbitMQConfig, service Recalculator, logger *logrus.Logger) (*Consumer, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is required")
	}
	coalCfg := CoalesceConfig{
		Window:      cfg.CoalesceWindow,
		Parallelism: cfg.Parallelism,
	}
	return &Consumer{
		cfg:    cfg,
		logger: logger,
		coal:   NewCoalescer(coalCfg, service, logger),
	}, nil
}

// Start establishes the AMQP connection and begins consuming requests.
func (c *Consumer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	c.conn = conn
	c.coal.Run(ctx)

	ch, err := conn.Channel()
	if err != nil {
		c.Close(ctx)
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(c.cfg.RequestsExchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		c.Close(ctx)
		return fmt.Errorf("declare exchange %s: %w", c.cfg.RequestsExchange, err)
	}
	queue, err := ch.QueueDeclare(c.cfg.RequestsQueue, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		c.Close(ctx)
		return fmt.Errorf("declare queue %s: %w", c.cfg.RequestsQueue, err)
	}
	if err := ch.QueueBind(queue.Name, "", c.cfg.RequestsExchange, false, nil); err != nil {
		ch.Close()
		c.Close(ctx)
		return fmt.Errorf("bind queue %s to %s: %w", queue.Name, c.cfg.RequestsExchange, err)
	}
	prefetch := c.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		c.Close(ctx)
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		c.Close(ctx)
		return fmt.Errorf("start consume: %w", err)
	}
	c.channel = ch
	c.wg.Add(1)
	go c.consumeLoop(ctx, deliveries)

	c.logger.Infof("rabbitmq consumer started: exchange=%s queue=%s", c.cfg.RequestsExchange, queue.Name)
	return nil
}

// Close stops consumption, flushes pending requests, and releases
// resources.
func (c *Consumer) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.wg.Wait()
	c.coal.Stop(ctx)
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	log := c.logger.WithField("component", "recalc_consumer")
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			if err := c.handleDelivery(&delivery); err != nil {
				log.WithError(err).Warn("failed to process message")
				_ = delivery.Nack(false, false)
				continue
			}
			if err := delivery.Ack(false); err != nil {
				log.WithError(err).Warn("failed to ack delivery")
			}
		}
	}
}

func (c *Consumer) handleDelivery(delivery *amqp.Delivery) error {
	var req RecalculationRequest
	if err := json.Unmarshal(delivery.Body, &req); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if req.AccountID <= 0 {
		return fmt.Errorf("invalid account id %d", req.AccountID)
	}
	return c.coal.Add(req)
}
