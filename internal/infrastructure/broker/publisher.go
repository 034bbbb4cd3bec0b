package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	domain "github.com/wealthlog/ledger/internal/domain/entity/ledger"
	"github.com/wealthlog/ledger/internal/domain/interfaces"
)

// Publisher broadcasts committed recalculations on a fanout exchange so
// read-side consumers (reporting, net-worth series builders) can refresh.
type Publisher struct {
	channel  *amqp.Channel
	exchange string
	logger   *logrus.Logger
	mu       sync.Mutex
}

var _ interfaces.RecalculatedPublisher = (*Publisher)(nil)

func NewPublisher(conn *amqp.Connection, exchange string, logger *logrus.Logger) (*Publisher, error) {
	if exchange == "" {
		return nil, errors.New("exchange name cannot be empty")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("create channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

func (p *Publisher) Close() {
	if p == nil {
		return
	}
	if err := p.channel.Close(); err != nil {
		p.logger.Errorf("close rabbitmq channel: %v", err)
	}
}

func (p *Publisher) PublishRecalculated(ctx context.Context, event domain.RecalculatedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.channel.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}
