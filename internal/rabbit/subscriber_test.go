package rabbit_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkvarda/batchstream/internal/rabbit"
	"github.com/mkvarda/batchstream/internal/rabbit/rabbittest"
)

func publishN(t *testing.T, provider rabbit.ConnectionSource, settings rabbit.ClientSettings, routingKey string, n int) {
	t.Helper()
	publisher, err := rabbit.NewQueuePublisher(provider, zerolog.Nop(), settings)
	require.NoError(t, err)
	t.Cleanup(func() { publisher.Close() })

	messages := make([]any, 0, n)
	for i := 1; i <= n; i++ {
		messages = append(messages, testMessage{Value: fmt.Sprintf("m%d", i)})
	}
	require.NoError(t, publisher.PublishAll(context.Background(), messages, routingKey, nil, 0))
}

func TestCompetingConsumersSplitEvenly(t *testing.T) {
	broker := rabbittest.NewBroker()
	provider := newProvider(t, broker, rabbit.ConnectionListeners{})

	first, second := &collector{}, &collector{}
	subscribe(t, provider, testTopology(), "sub1", first.handler())
	subscribe(t, provider, testTopology(), "sub2", second.handler())

	publishN(t, provider, testTopology().ClientSettings, "test-key", 10)

	require.Eventually(t, func() bool {
		return first.len()+second.len() == 10
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 5, first.len())
	assert.Equal(t, 5, second.len())
}

func TestFanoutDeliversToEverySubscriber(t *testing.T) {
	broker := rabbittest.NewBroker()
	provider := newProvider(t, broker, rabbit.ConnectionListeners{})

	settings := rabbit.ConsumerSettings{
		ClientSettings: rabbit.ClientSettings{
			ExchangeName: "exch-fan",
			ExchangeType: rabbit.ExchangeFanout,
		},
		QueueName:     "queue-fan",
		RouteKey:      "ignored",
		PrefetchCount: 5,
	}

	first, second := &collector{}, &collector{}
	s1 := subscribe(t, provider, settings, "sub1", first.handler())
	s2 := subscribe(t, provider, settings, "sub2", second.handler())

	// Fanout gives every instance its own queue.
	assert.NotEqual(t, s1.QueueName(), s2.QueueName())

	publishN(t, provider, settings.ClientSettings, "ignored", 10)

	require.Eventually(t, func() bool {
		return first.len() == 10 && second.len() == 10
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRequeueOnConsumerShutdown(t *testing.T) {
	broker := rabbittest.NewBroker()
	provider := newProvider(t, broker, rabbit.ConnectionListeners{})

	settings := testTopology()
	settings.PrefetchCount = 1

	var (
		mu        sync.Mutex
		processed = map[string]int{}
	)
	record := func(value string) {
		mu.Lock()
		processed[value]++
		mu.Unlock()
	}

	slow := func(_ context.Context, msg testMessage, _ string, _ amqp.Table) (bool, error) {
		time.Sleep(10 * time.Millisecond)
		record(msg.Value)
		return true, nil
	}

	doomed := subscribe(t, provider, settings, "doomed", slow)
	subscribe(t, provider, settings, "survivor", slow)

	publishN(t, provider, settings.ClientSettings, "test-key", 10)

	// Tear one consumer down mid-stream; its unacknowledged messages must be
	// redelivered to the survivor.
	time.Sleep(25 * time.Millisecond)
	require.NoError(t, doomed.Close())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(processed) == 10
	}, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, broker.QueueDepth("queue-test"))
}

func TestHandlerErrorDeadLettersMessage(t *testing.T) {
	broker := rabbittest.NewBroker()
	provider := newProvider(t, broker, rabbit.ConnectionListeners{})

	received := &collector{}
	handler := func(_ context.Context, msg testMessage, _ string, _ amqp.Table) (bool, error) {
		if msg.Value == "m5" {
			return false, errors.New("poison message")
		}
		received.add(msg.Value)
		return true, nil
	}
	subscribe(t, provider, testTopology(), "sub1", handler)
	subscribe(t, provider, testTopology(), "sub2", handler)

	publishN(t, provider, testTopology().ClientSettings, "test-key", 10)

	require.Eventually(t, func() bool {
		return received.len() == 9 && len(broker.DeadLettered()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotContains(t, received.snapshot(), "m5")
	assert.Contains(t, string(broker.DeadLettered()[0].Body), "m5")
}

func TestHandlerDeclineRequeuesMessage(t *testing.T) {
	broker := rabbittest.NewBroker()
	provider := newProvider(t, broker, rabbit.ConnectionListeners{})

	var attempts atomic.Int32
	received := &collector{}
	handler := func(_ context.Context, msg testMessage, _ string, _ amqp.Table) (bool, error) {
		if msg.Value == "m1" && attempts.Add(1) == 1 {
			// Decline on first sight; the broker must redeliver.
			return false, nil
		}
		received.add(msg.Value)
		return true, nil
	}
	subscribe(t, provider, testTopology(), "sub", handler)

	publishN(t, provider, testTopology().ClientSettings, "test-key", 2)

	require.Eventually(t, func() bool { return received.len() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 2, attempts.Load())
	assert.Empty(t, broker.DeadLettered())
}

func TestUndecodableDeliveryIsDeadLettered(t *testing.T) {
	broker := rabbittest.NewBroker()
	provider := newProvider(t, broker, rabbit.ConnectionListeners{})

	type strict struct {
		Value int `json:"value"`
	}
	var handled atomic.Int32
	subscriber, err := rabbit.NewQueueSubscriber[strict](provider, zerolog.Nop(), testTopology(), "test", "sub")
	require.NoError(t, err)
	t.Cleanup(func() { subscriber.Close() })
	require.NoError(t, subscriber.Subscribe(func(context.Context, strict, string, amqp.Table) (bool, error) {
		handled.Add(1)
		return true, nil
	}))

	publisher, err := rabbit.NewQueuePublisher(provider, zerolog.Nop(), testTopology().ClientSettings)
	require.NoError(t, err)
	t.Cleanup(func() { publisher.Close() })
	require.NoError(t, publisher.Publish(context.Background(), testMessage{Value: "not-a-number"}, "test-key", nil, 0))

	require.Eventually(t, func() bool { return len(broker.DeadLettered()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, handled.Load())
}

func TestSubscribeTwiceFails(t *testing.T) {
	broker := rabbittest.NewBroker()
	provider := newProvider(t, broker, rabbit.ConnectionListeners{})

	received := &collector{}
	subscriber := subscribe(t, provider, testTopology(), "sub", received.handler())

	err := subscriber.Subscribe(received.handler())
	assert.ErrorIs(t, err, rabbit.ErrAlreadySubscribed)
}

func TestSubscriberCloseIsIdempotent(t *testing.T) {
	broker := rabbittest.NewBroker()
	provider := newProvider(t, broker, rabbit.ConnectionListeners{})

	received := &collector{}
	subscriber := subscribe(t, provider, testTopology(), "sub", received.handler())

	require.NoError(t, subscriber.Close())
	assert.NoError(t, subscriber.Close())
}
