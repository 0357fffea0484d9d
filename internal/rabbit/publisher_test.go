package rabbit_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkvarda/batchstream/internal/rabbit"
	"github.com/mkvarda/batchstream/internal/rabbit/rabbittest"
)

type testMessage struct {
	Value string `json:"value"`
}

func testTopology() rabbit.ConsumerSettings {
	return rabbit.ConsumerSettings{
		ClientSettings: rabbit.ClientSettings{
			ExchangeName: "exch-test",
			ExchangeType: rabbit.ExchangeDirect,
		},
		QueueName:     "queue-test",
		RouteKey:      "test-key",
		PrefetchCount: 5,
	}
}

// collector accumulates handled messages across competing subscribers.
type collector struct {
	mu     sync.Mutex
	values []string
}

func (c *collector) add(value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, value)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values)
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.values...)
}

func (c *collector) handler() rabbit.Handler[testMessage] {
	return func(_ context.Context, msg testMessage, _ string, _ amqp.Table) (bool, error) {
		c.add(msg.Value)
		return true, nil
	}
}

func subscribe(t *testing.T, source rabbit.ConnectionSource, settings rabbit.ConsumerSettings, tag string, handler rabbit.Handler[testMessage]) *rabbit.QueueSubscriber[testMessage] {
	t.Helper()
	subscriber, err := rabbit.NewQueueSubscriber[testMessage](source, zerolog.Nop(), settings, "test", tag)
	require.NoError(t, err)
	t.Cleanup(func() { subscriber.Close() })
	require.NoError(t, subscriber.Subscribe(handler))
	<-subscriber.Ready()
	return subscriber
}

func TestPublishDeliversToConsumer(t *testing.T) {
	broker := rabbittest.NewBroker()
	provider := newProvider(t, broker, rabbit.ConnectionListeners{})

	received := &collector{}
	subscribe(t, provider, testTopology(), "sub", received.handler())

	publisher, err := rabbit.NewQueuePublisher(provider, zerolog.Nop(), testTopology().ClientSettings)
	require.NoError(t, err)
	t.Cleanup(func() { publisher.Close() })

	require.NoError(t, publisher.Publish(context.Background(), testMessage{Value: "hello"}, "test-key", nil, 0))

	require.Eventually(t, func() bool { return received.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hello"}, received.snapshot())
	assert.Zero(t, broker.QueueDepth("queue-test"))
}

func TestPublishPassesHeaders(t *testing.T) {
	broker := rabbittest.NewBroker()
	provider := newProvider(t, broker, rabbit.ConnectionListeners{})

	var (
		mu      sync.Mutex
		headers amqp.Table
	)
	subscribe(t, provider, testTopology(), "sub", func(_ context.Context, _ testMessage, _ string, h amqp.Table) (bool, error) {
		mu.Lock()
		headers = h
		mu.Unlock()
		return true, nil
	})

	publisher, err := rabbit.NewQueuePublisher(provider, zerolog.Nop(), testTopology().ClientSettings)
	require.NoError(t, err)
	t.Cleanup(func() { publisher.Close() })

	sent := amqp.Table{"traceId": "abc-123"}
	require.NoError(t, publisher.Publish(context.Background(), testMessage{Value: "x"}, "test-key", sent, 0))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return headers != nil
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "abc-123", headers["traceId"])
	mu.Unlock()
}

func TestBatchPublishIsAtomicOnFailure(t *testing.T) {
	broker := rabbittest.NewBroker()
	provider := newProvider(t, broker, rabbit.ConnectionListeners{})

	received := &collector{}
	subscribe(t, provider, testTopology(), "sub", received.handler())

	var sends int
	broker.FailPublish = func(string, string, []byte) error {
		sends++
		if sends == 3 {
			return errors.New("channel error")
		}
		return nil
	}

	publisher, err := rabbit.NewQueuePublisher(provider, zerolog.Nop(), testTopology().ClientSettings)
	require.NoError(t, err)
	t.Cleanup(func() { publisher.Close() })

	messages := make([]any, 5)
	for i := range messages {
		messages[i] = testMessage{Value: fmt.Sprintf("m%d", i+1)}
	}
	err = publisher.PublishAll(context.Background(), messages, "test-key", nil, 0)
	require.Error(t, err)

	// The transaction rolled back: nothing reaches the consumer.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, received.len())
	assert.Zero(t, broker.QueueDepth("queue-test"))
}

func TestBatchPublishStopsOnCancellation(t *testing.T) {
	broker := rabbittest.NewBroker()
	provider := newProvider(t, broker, rabbit.ConnectionListeners{})

	received := &collector{}
	subscribe(t, provider, testTopology(), "sub", received.handler())

	publisher, err := rabbit.NewQueuePublisher(provider, zerolog.Nop(), testTopology().ClientSettings)
	require.NoError(t, err)
	t.Cleanup(func() { publisher.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Cancellation before a send is not a failure: the transaction rolls
	// back and the call returns cleanly.
	err = publisher.PublishAll(ctx, []any{testMessage{Value: "a"}, testMessage{Value: "b"}}, "test-key", nil, 0)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, received.len())
}

func TestPublisherCloseIsIdempotent(t *testing.T) {
	broker := rabbittest.NewBroker()
	provider := newProvider(t, broker, rabbit.ConnectionListeners{})

	publisher, err := rabbit.NewQueuePublisher(provider, zerolog.Nop(), testTopology().ClientSettings)
	require.NoError(t, err)

	require.NoError(t, publisher.Close())
	require.NoError(t, publisher.Close())

	err = publisher.Publish(context.Background(), testMessage{Value: "late"}, "test-key", nil, 0)
	assert.Error(t, err)
}
