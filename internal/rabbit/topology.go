package rabbit

import (
	"fmt"
	"time"

	"github.com/streadway/amqp"
)

// defaultMessageTTL applies to exchanges whose settings carry no explicit TTL.
const defaultMessageTTL = 24 * time.Hour

// exchangeArgs builds the declaration arguments shared by every exchange:
// a dead-letter exchange for rejected messages and a message TTL.
func exchangeArgs(settings ClientSettings) amqp.Table {
	ttl := settings.TimeToLive
	if ttl <= 0 {
		ttl = defaultMessageTTL
	}
	return amqp.Table{
		"x-dead-letter-exchange": DeadLetterExchange,
		"x-message-ttl":          ttl.Milliseconds(),
	}
}

// queueArgs builds the declaration arguments for queues, routing rejected
// messages to the dead-letter exchange.
func queueArgs() amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange": DeadLetterExchange,
	}
}

// configureExchange declares the settings' exchange. Publisher and subscriber
// both call this so the topology is identical regardless of which side first
// touches it.
func configureExchange(ch Channel, settings ClientSettings) error {
	err := ch.ExchangeDeclare(
		settings.ExchangeName,
		settings.ExchangeType,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		exchangeArgs(settings),
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", settings.ExchangeName, err)
	}
	return nil
}

// configureQueue declares the queue, binds it to the settings' exchange with
// the routing key, and applies the per-consumer prefetch. The auto-delete
// policy is the caller's: per-instance fanout queues vanish with their
// subscriber, shared queues persist.
func configureQueue(ch Channel, settings ConsumerSettings, queueName string, autoDelete bool) error {
	_, err := ch.QueueDeclare(
		queueName,
		true,       // durable
		autoDelete, // auto-delete
		false,      // exclusive
		false,      // no-wait
		queueArgs(),
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	if err := ch.QueueBind(queueName, settings.RouteKey, settings.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s to exchange %s with key %s: %w",
			queueName, settings.ExchangeName, settings.RouteKey, err)
	}

	if err := ch.Qos(settings.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS on queue %s: %w", queueName, err)
	}
	return nil
}
