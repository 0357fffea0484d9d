package rabbittest

import (
	"errors"
	"fmt"

	"github.com/streadway/amqp"

	"github.com/mkvarda/batchstream/internal/rabbit"
)

// FakeConnection is one logical connection to the in-memory broker.
type FakeConnection struct {
	broker *Broker

	closed        bool
	channels      []*FakeChannel
	notifyClose   []chan *amqp.Error
	notifyBlocked []chan amqp.Blocking
}

// Channel opens a new channel on the connection.
func (c *FakeConnection) Channel() (rabbit.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return nil, errors.New("connection closed")
	}
	ch := &FakeChannel{broker: c.broker, conn: c}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Close closes the connection gracefully: every channel is torn down and the
// shutdown notification channels are closed without an error.
func (c *FakeConnection) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked()
	}
	for _, nc := range c.notifyClose {
		close(nc)
	}
	for _, nb := range c.notifyBlocked {
		close(nb)
	}
	return nil
}

// Drop simulates an abnormal connection loss: listeners receive the error
// before their notification channels close.
func (c *FakeConnection) Drop(reason *amqp.Error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked()
	}
	for _, nc := range c.notifyClose {
		nc <- reason
		close(nc)
	}
	for _, nb := range c.notifyBlocked {
		close(nb)
	}
}

// Block delivers a broker backpressure notification.
func (c *FakeConnection) Block(reason string) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	for _, nb := range c.notifyBlocked {
		nb <- amqp.Blocking{Active: true, Reason: reason}
	}
}

// Unblock delivers the end of a backpressure episode.
func (c *FakeConnection) Unblock() {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	for _, nb := range c.notifyBlocked {
		nb <- amqp.Blocking{Active: false}
	}
}

// IsClosed reports whether Close or Drop ran.
func (c *FakeConnection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// NotifyClose registers a shutdown listener channel.
func (c *FakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notifyClose = append(c.notifyClose, receiver)
	return receiver
}

// NotifyBlocked registers a flow-control listener channel.
func (c *FakeConnection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notifyBlocked = append(c.notifyBlocked, receiver)
	return receiver
}

// FakeChannel is one channel on a fake connection. Consumer delivery buffers
// are sized generously so dispatch under the broker lock never blocks.
type FakeChannel struct {
	broker *Broker
	conn   *FakeConnection

	closed    bool
	prefetch  int
	txOpen    bool
	txBuf     []Message
	consumers []*consumer
}

const deliveryBuffer = 4096

// ExchangeDeclare declares an exchange on the broker.
func (ch *FakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return errors.New("channel closed")
	}
	switch kind {
	case rabbit.ExchangeDirect, rabbit.ExchangeTopic, rabbit.ExchangeFanout:
	default:
		return fmt.Errorf("unsupported exchange type %s", kind)
	}
	ch.broker.declareExchange(name, kind)
	return nil
}

// QueueDeclare declares a queue on the broker.
func (ch *FakeChannel) QueueDeclare(name string, _, autoDelete, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, errors.New("channel closed")
	}
	q := ch.broker.declareQueue(name, autoDelete, args)
	return amqp.Queue{Name: q.name}, nil
}

// QueueBind binds a queue to an exchange.
func (ch *FakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return errors.New("channel closed")
	}
	return ch.broker.bind(name, key, exchange)
}

// Qos sets the per-consumer prefetch for consumers on this channel.
func (ch *FakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.prefetch = prefetchCount
	return nil
}

// Publish routes a message, or buffers it when a transaction is open.
func (ch *FakeChannel) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return errors.New("channel closed")
	}
	if ch.broker.FailPublish != nil {
		if err := ch.broker.FailPublish(exchange, key, msg.Body); err != nil {
			return err
		}
	}
	m := Message{
		Exchange:   exchange,
		RoutingKey: key,
		Body:       append([]byte(nil), msg.Body...),
		Headers:    msg.Headers,
		Expiration: msg.Expiration,
	}
	if ch.txOpen {
		ch.txBuf = append(ch.txBuf, m)
		return nil
	}
	return ch.broker.route(m)
}

// Consume registers a consumer on a queue and starts delivery.
func (ch *FakeChannel) Consume(queueName, tag string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return nil, errors.New("channel closed")
	}
	q, ok := ch.broker.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("queue %s not declared", queueName)
	}
	c := &consumer{
		tag:       tag,
		ch:        make(chan amqp.Delivery, deliveryBuffer),
		channel:   ch,
		queueName: queueName,
	}
	q.consumers = append(q.consumers, c)
	ch.consumers = append(ch.consumers, c)
	ch.broker.dispatch(q)
	return c.ch, nil
}

// Cancel stops one consumer, requeueing its unacknowledged deliveries.
func (ch *FakeChannel) Cancel(tag string, _ bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	for _, c := range ch.consumers {
		if c.tag == tag {
			ch.broker.releaseConsumer(c)
			return nil
		}
	}
	return nil
}

// Tx opens a transaction on the channel.
func (ch *FakeChannel) Tx() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.txOpen = true
	ch.txBuf = nil
	return nil
}

// TxCommit routes every buffered message atomically.
func (ch *FakeChannel) TxCommit() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if !ch.txOpen {
		return errors.New("no transaction open")
	}
	for _, m := range ch.txBuf {
		if err := ch.broker.route(m); err != nil {
			return err
		}
	}
	ch.txOpen = false
	ch.txBuf = nil
	return nil
}

// TxRollback discards every buffered message.
func (ch *FakeChannel) TxRollback() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.txOpen = false
	ch.txBuf = nil
	return nil
}

// Close tears the channel down, releasing its consumers.
func (ch *FakeChannel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.closeLocked()
	return nil
}

func (ch *FakeChannel) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true
	for _, c := range ch.consumers {
		ch.broker.releaseConsumer(c)
	}
	ch.consumers = nil
}
