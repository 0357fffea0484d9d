// Package rabbittest provides an in-memory broker implementing the rabbit
// package's Connection and Channel contracts. It models the parts of AMQP the
// client layer depends on: exchange routing (direct, topic, fanout), durable
// queues with competing consumers, per-consumer prefetch, acknowledgements
// with requeue, dead-lettering, and transactional publishing. Tests use it to
// exercise delivery semantics without a live broker.
package rabbittest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/streadway/amqp"

	"github.com/mkvarda/batchstream/internal/rabbit"
)

// ErrBrokerDown is returned by the dialer while the broker is marked down.
var ErrBrokerDown = errors.New("broker unavailable")

// Broker is an in-memory message broker. All state is guarded by one mutex;
// dispatch happens synchronously under the lock so tests are deterministic.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
	pending   map[uint64]*pendingDelivery
	nextTag   uint64
	down      bool

	deadLettered []Message

	// FailPublish, when set, is consulted on every publish and lets tests
	// inject mid-batch failures.
	FailPublish func(exchangeName, routingKey string, body []byte) error
}

// Message is a routed message as the broker saw it.
type Message struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Headers    amqp.Table
	Expiration string
}

type exchange struct {
	name     string
	kind     string
	bindings []binding
}

type binding struct {
	queueName string
	key       string
}

type queue struct {
	name       string
	autoDelete bool
	dlx        string
	messages   []Message
	consumers  []*consumer
	rr         int
}

type consumer struct {
	tag       string
	ch        chan amqp.Delivery
	channel   *FakeChannel
	queueName string
	inflight  int
	cancelled bool
}

type pendingDelivery struct {
	msg      Message
	consumer *consumer
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		pending:   make(map[uint64]*pendingDelivery),
	}
}

// Dialer returns a rabbit.Dialer connecting to this broker.
func (b *Broker) Dialer() rabbit.Dialer {
	return func(string) (rabbit.Connection, error) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.down {
			return nil, ErrBrokerDown
		}
		return &FakeConnection{broker: b}, nil
	}
}

// SetDown toggles whether new dial attempts fail.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

// DeadLettered returns every message rejected without requeue so far.
func (b *Broker) DeadLettered() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.deadLettered...)
}

// QueueDepth returns the number of undelivered messages sitting in a queue.
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

func (b *Broker) declareExchange(name, kind string) {
	if _, ok := b.exchanges[name]; !ok {
		b.exchanges[name] = &exchange{name: name, kind: kind}
	}
}

func (b *Broker) declareQueue(name string, autoDelete bool, args amqp.Table) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, autoDelete: autoDelete}
		if args != nil {
			if dlx, ok := args["x-dead-letter-exchange"].(string); ok {
				q.dlx = dlx
			}
		}
		b.queues[name] = q
	}
	return q
}

func (b *Broker) bind(queueName, key, exchangeName string) error {
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return fmt.Errorf("exchange %s not declared", exchangeName)
	}
	if _, ok := b.queues[queueName]; !ok {
		return fmt.Errorf("queue %s not declared", queueName)
	}
	for _, bnd := range ex.bindings {
		if bnd.queueName == queueName && bnd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queueName: queueName, key: key})
	return nil
}

// route places a message on every queue the exchange's bindings match and
// dispatches. Caller must hold b.mu.
func (b *Broker) route(msg Message) error {
	ex, ok := b.exchanges[msg.Exchange]
	if !ok {
		return fmt.Errorf("exchange %s not declared", msg.Exchange)
	}
	for _, bnd := range ex.bindings {
		if !matches(ex.kind, bnd.key, msg.RoutingKey) {
			continue
		}
		q := b.queues[bnd.queueName]
		q.messages = append(q.messages, msg)
		b.dispatch(q)
	}
	return nil
}

// dispatch hands queued messages to consumers round-robin, honoring each
// channel's prefetch. Caller must hold b.mu.
func (b *Broker) dispatch(q *queue) {
	for len(q.messages) > 0 {
		c := b.nextConsumer(q)
		if c == nil {
			return
		}
		msg := q.messages[0]
		q.messages = q.messages[1:]

		b.nextTag++
		tag := b.nextTag
		c.inflight++
		b.pending[tag] = &pendingDelivery{msg: msg, consumer: c}

		c.ch <- amqp.Delivery{
			Acknowledger: b,
			DeliveryTag:  tag,
			Exchange:     msg.Exchange,
			RoutingKey:   msg.RoutingKey,
			Headers:      msg.Headers,
			Expiration:   msg.Expiration,
			ConsumerTag:  c.tag,
			Body:         msg.Body,
		}
	}
}

func (b *Broker) nextConsumer(q *queue) *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.rr+i)%n]
		if c.cancelled {
			continue
		}
		prefetch := c.channel.prefetch
		if prefetch > 0 && c.inflight >= prefetch {
			continue
		}
		q.rr = (q.rr + i + 1) % n
		return c
	}
	return nil
}

// Ack implements amqp.Acknowledger.
func (b *Broker) Ack(tag uint64, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settle(tag, func(*pendingDelivery) {})
}

// Nack implements amqp.Acknowledger. Requeue puts the message back at the
// head of its queue; otherwise it is dead-lettered.
func (b *Broker) Nack(tag uint64, _ bool, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settle(tag, func(pd *pendingDelivery) {
		if requeue {
			q := b.queues[pd.consumer.queueName]
			q.messages = append([]Message{pd.msg}, q.messages...)
			return
		}
		b.deadLetter(pd.consumer.queueName, pd.msg)
	})
}

// Reject implements amqp.Acknowledger.
func (b *Broker) Reject(tag uint64, requeue bool) error {
	return b.Nack(tag, false, requeue)
}

// settle removes a pending delivery, applies the outcome, and re-dispatches.
// Caller must hold b.mu.
func (b *Broker) settle(tag uint64, outcome func(*pendingDelivery)) error {
	pd, ok := b.pending[tag]
	if !ok {
		return fmt.Errorf("unknown delivery tag %d", tag)
	}
	delete(b.pending, tag)
	pd.consumer.inflight--
	outcome(pd)
	if q, ok := b.queues[pd.consumer.queueName]; ok {
		b.dispatch(q)
	}
	return nil
}

// deadLetter records the message and forwards it to the queue's dead-letter
// exchange when one is declared. Caller must hold b.mu.
func (b *Broker) deadLetter(queueName string, msg Message) {
	b.deadLettered = append(b.deadLettered, msg)
	q := b.queues[queueName]
	if q == nil || q.dlx == "" {
		return
	}
	if _, ok := b.exchanges[q.dlx]; ok {
		dead := msg
		dead.Exchange = q.dlx
		_ = b.route(dead)
	}
}

// releaseConsumer requeues a consumer's unacknowledged deliveries and removes
// it from its queue. Caller must hold b.mu.
func (b *Broker) releaseConsumer(c *consumer) {
	if c.cancelled {
		return
	}
	c.cancelled = true
	for tag, pd := range b.pending {
		if pd.consumer != c {
			continue
		}
		delete(b.pending, tag)
		q := b.queues[c.queueName]
		q.messages = append([]Message{pd.msg}, q.messages...)
	}
	close(c.ch)

	q, ok := b.queues[c.queueName]
	if !ok {
		return
	}
	for i, qc := range q.consumers {
		if qc == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.autoDelete && len(q.consumers) == 0 {
		delete(b.queues, q.name)
		return
	}
	b.dispatch(q)
}

// matches applies exchange-type routing semantics.
func matches(kind, bindingKey, routingKey string) bool {
	switch kind {
	case rabbit.ExchangeFanout:
		return true
	case rabbit.ExchangeDirect:
		return bindingKey == routingKey
	case rabbit.ExchangeTopic:
		return topicMatch(bindingKey, routingKey)
	default:
		return false
	}
}

func topicMatch(pattern, key string) bool {
	pp := strings.Split(pattern, ".")
	kp := strings.Split(key, ".")
	return topicMatchParts(pp, kp)
}

func topicMatchParts(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if topicMatchParts(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && topicMatchParts(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && topicMatchParts(pattern[1:], key[1:])
	}
}
