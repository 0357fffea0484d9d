package rabbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// ErrAlreadySubscribed is returned when Subscribe is called twice on one
// subscriber instance.
var ErrAlreadySubscribed = errors.New("subscriber already subscribed")

// Handler processes one decoded message. The returned bool and error drive
// acknowledgement: (true, nil) acks, (false, nil) rejects with requeue so
// another competing consumer can take the message, and a non-nil error
// rejects without requeue, dead-lettering the message.
type Handler[T any] func(ctx context.Context, message T, subscriberID string, headers amqp.Table) (bool, error)

// QueueSubscriber consumes one queue and feeds messages to a handler. For
// fanout topologies every instance binds its own auto-deleting queue so each
// subscriber sees every message; for topic and direct topologies instances
// share the configured queue and compete for messages under the prefetch
// agreement.
type QueueSubscriber[T any] struct {
	settings     ConsumerSettings
	logger       zerolog.Logger
	ch           Channel
	subscriberID string
	queueName    string

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	subscribed  bool
	closed      bool
	consumerTag string

	ready chan struct{}
}

// NewQueueSubscriber opens a channel on the consumer connection and declares
// the full topology for the settings. appName and tag identify the subscriber
// in logs and message attribution.
func NewQueueSubscriber[T any](source ConnectionSource, logger zerolog.Logger, settings ConsumerSettings, appName, tag string) (*QueueSubscriber[T], error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid subscriber settings: %w", err)
	}

	conn, err := source.GetConnection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open subscriber channel: %w", err)
	}

	subscriberID := fmt.Sprintf("%s-%s-%s", appName, tag, uuid.NewString()[:8])

	queueName := settings.QueueName
	perInstance := settings.ExchangeType == ExchangeFanout
	if perInstance {
		queueName = fmt.Sprintf("%s-%s", settings.QueueName, subscriberID)
	}

	if err := configureExchange(ch, settings.ClientSettings); err != nil {
		ch.Close()
		return nil, err
	}
	if err := configureQueue(ch, settings, queueName, perInstance); err != nil {
		ch.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &QueueSubscriber[T]{
		settings:     settings,
		logger:       logger.With().Str("subscriber", subscriberID).Str("queue", queueName).Logger(),
		ch:           ch,
		subscriberID: subscriberID,
		queueName:    queueName,
		ctx:          ctx,
		cancel:       cancel,
		ready:        make(chan struct{}),
	}, nil
}

// SubscriberID returns the unique identity of this subscriber instance.
func (s *QueueSubscriber[T]) SubscriberID() string { return s.subscriberID }

// QueueName returns the queue this instance consumes from.
func (s *QueueSubscriber[T]) QueueName() string { return s.queueName }

// Ready is closed once the consumer is registered with the broker and
// deliveries can arrive.
func (s *QueueSubscriber[T]) Ready() <-chan struct{} { return s.ready }

// Subscribe registers the consumer and dispatches deliveries to the handler
// on a dedicated goroutine. It may be called exactly once per instance.
func (s *QueueSubscriber[T]) Subscribe(handler Handler[T]) error {
	s.mu.Lock()
	if s.subscribed {
		s.mu.Unlock()
		return fmt.Errorf("subscriber %s: %w", s.subscriberID, ErrAlreadySubscribed)
	}
	s.subscribed = true
	s.consumerTag = s.subscriberID
	s.mu.Unlock()

	deliveries, err := s.ch.Consume(
		s.queueName,
		s.consumerTag,
		false, // auto-ack: acknowledgement is driven by the handler outcome
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", s.queueName, err)
	}

	close(s.ready)
	go s.consumeLoop(deliveries, handler)
	return nil
}

func (s *QueueSubscriber[T]) consumeLoop(deliveries <-chan amqp.Delivery, handler Handler[T]) {
	for delivery := range deliveries {
		if s.ctx.Err() != nil {
			// Cancelled before the handler ran: leave the message
			// unacknowledged for redelivery on consumer teardown.
			continue
		}
		s.handleDelivery(delivery, handler)
	}
	s.logger.Debug().Msg("Delivery channel closed, subscriber loop exiting")
}

func (s *QueueSubscriber[T]) handleDelivery(delivery amqp.Delivery, handler Handler[T]) {
	var message T
	if err := json.Unmarshal(delivery.Body, &message); err != nil {
		s.logger.Error().Err(err).Bytes("payload", delivery.Body).
			Msg("Failed to decode delivery, dead-lettering")
		s.nack(delivery, false)
		return
	}

	ok, err := handler(s.ctx, message, s.subscriberID, delivery.Headers)
	switch {
	case err != nil:
		s.logger.Error().Err(err).Bytes("payload", delivery.Body).
			Msg("Handler failed, dead-lettering message")
		s.nack(delivery, false)
	case !ok:
		s.logger.Debug().Msg("Handler declined message, requeueing")
		s.nack(delivery, true)
	default:
		if ackErr := delivery.Ack(false); ackErr != nil {
			s.logger.Error().Err(ackErr).Uint64("tag", delivery.DeliveryTag).Msg("Failed to ack delivery")
		}
	}
}

func (s *QueueSubscriber[T]) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		s.logger.Error().Err(err).Uint64("tag", delivery.DeliveryTag).Bool("requeue", requeue).
			Msg("Failed to nack delivery")
	}
}

// Cancel stops further deliveries without blocking on broker confirmation and
// signals the subscriber's cancellation context. With closeChannel it also
// closes the channel, releasing any unacknowledged messages for redelivery.
func (s *QueueSubscriber[T]) Cancel(closeChannel bool) error {
	s.mu.Lock()
	tag := s.consumerTag
	alreadyClosed := s.closed
	if closeChannel {
		s.closed = true
	}
	s.mu.Unlock()

	s.cancel()

	var err error
	if tag != "" && !alreadyClosed {
		if cErr := s.ch.Cancel(tag, true); cErr != nil {
			s.logger.Warn().Err(cErr).Msg("Failed to cancel consumer")
			err = cErr
		}
	}
	if closeChannel && !alreadyClosed {
		if cErr := s.ch.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}
	return err
}

// Close cancels the consumer and closes the channel. Closing twice is a no-op.
func (s *QueueSubscriber[T]) Close() error {
	return s.Cancel(true)
}
