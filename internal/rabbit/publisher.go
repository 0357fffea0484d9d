package rabbit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// ConnectionSource yields the live connection a publisher or subscriber
// should open its channel on.
type ConnectionSource interface {
	GetConnection() (Connection, error)
}

// QueuePublisher publishes JSON messages to one exchange. It owns a single
// channel, declares its exchange on construction, and publishes multi-message
// batches inside a broker-side transaction so consumers never observe a
// partial batch.
type QueuePublisher struct {
	settings ClientSettings
	logger   zerolog.Logger
	ch       Channel

	mu     sync.Mutex
	closed bool
}

// NewQueuePublisher opens a channel on the producer connection and declares
// the exchange described by the settings.
func NewQueuePublisher(source ConnectionSource, logger zerolog.Logger, settings ClientSettings) (*QueuePublisher, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid publisher settings: %w", err)
	}

	conn, err := source.GetConnection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open publisher channel: %w", err)
	}
	if err := configureExchange(ch, settings); err != nil {
		ch.Close()
		return nil, err
	}

	return &QueuePublisher{
		settings: settings,
		logger:   logger.With().Str("exchange", settings.ExchangeName).Logger(),
		ch:       ch,
	}, nil
}

// Publish sends a single message. It is defined as a batch publish of size one.
func (p *QueuePublisher) Publish(ctx context.Context, message any, routingKey string, headers amqp.Table, ttl time.Duration) error {
	return p.PublishAll(ctx, []any{message}, routingKey, headers, ttl)
}

// PublishAll sends every message to the exchange under the routing key.
// Batches larger than one are wrapped in a transaction: any failure rolls the
// whole batch back and the error is returned. A context cancellation observed
// before a send also rolls back, but returns nil since stopping on request is
// not a failure.
func (p *QueuePublisher) PublishAll(ctx context.Context, messages []any, routingKey string, headers amqp.Table, ttl time.Duration) error {
	if len(messages) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("publisher for %s is closed", p.settings.ExchangeName)
	}

	transactional := len(messages) > 1
	if transactional {
		if err := p.ch.Tx(); err != nil {
			return fmt.Errorf("failed to open publish transaction: %w", err)
		}
	}

	for _, message := range messages {
		if ctx.Err() != nil {
			if transactional {
				if err := p.ch.TxRollback(); err != nil {
					p.logger.Error().Err(err).Msg("Failed to roll back cancelled publish transaction")
				}
			}
			p.logger.Debug().Str("routingKey", routingKey).Msg("Publish cancelled before completion")
			return nil
		}

		if err := p.publishOne(message, routingKey, headers, ttl); err != nil {
			if transactional {
				if rbErr := p.ch.TxRollback(); rbErr != nil {
					p.logger.Error().Err(rbErr).Msg("Failed to roll back publish transaction")
				}
			}
			return err
		}
	}

	if transactional {
		if err := p.ch.TxCommit(); err != nil {
			return fmt.Errorf("failed to commit publish transaction: %w", err)
		}
	}
	return nil
}

func (p *QueuePublisher) publishOne(message any, routingKey string, headers amqp.Table, ttl time.Duration) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %w", routingKey, err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}
	if headers != nil {
		publishing.Headers = headers
	}
	if ttl > 0 {
		publishing.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}

	if err := p.ch.Publish(p.settings.ExchangeName, routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish to %s/%s: %w", p.settings.ExchangeName, routingKey, err)
	}
	return nil
}

// Close closes the publisher channel. Closing twice is a no-op.
func (p *QueuePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.ch.Close()
}
