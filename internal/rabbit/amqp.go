package rabbit

import (
	"github.com/streadway/amqp"
)

// Connection is the subset of an AMQP connection the client layer relies on.
// The production implementation wraps *amqp.Connection; tests substitute an
// in-memory broker.
type Connection interface {
	Channel() (Channel, error)
	Close() error
	IsClosed() bool
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking
}

// Channel is the subset of an AMQP channel used by publishers and subscribers.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Tx() error
	TxCommit() error
	TxRollback() error
	Close() error
}

// Dialer establishes one broker connection. Injected so the resilience layer
// can be exercised without a live broker.
type Dialer func(url string) (Connection, error)

// ConnectionListeners is the explicit callback set a connection owner may pass
// at construction. Callbacks are invoked synchronously by the connection
// layer; a nil listener is skipped.
type ConnectionListeners struct {
	OnShutdown  func(reason *amqp.Error)
	OnBlocked   func(reason string)
	OnUnblocked func()
}

// AMQPDialer dials a real broker and wraps the connection.
func AMQPDialer(url string) (Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{conn: conn}, nil
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	return c.conn.Channel()
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}

func (c *amqpConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	return c.conn.NotifyBlocked(receiver)
}
