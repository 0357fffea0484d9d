package rabbit

import (
	"github.com/rs/zerolog"
)

// ConnectionsProvider owns one producer and one consumer connection handle
// under a single lifecycle. Connectivity is reported per role rather than
// combined so the publish and consume paths stay independently diagnosable.
type ConnectionsProvider struct {
	producer *ConnectionProvider
	consumer *ConnectionProvider
}

// NewConnectionsProvider starts both connection handles.
func NewConnectionsProvider(cfg ConnectionConfig, dial Dialer, logger zerolog.Logger, listeners ConnectionListeners) *ConnectionsProvider {
	return &ConnectionsProvider{
		producer: NewConnectionProvider(cfg, RoleProducer, dial, logger, listeners),
		consumer: NewConnectionProvider(cfg, RoleConsumer, dial, logger, listeners),
	}
}

// ProducerProvider returns the producer-side connection handle.
func (c *ConnectionsProvider) ProducerProvider() *ConnectionProvider { return c.producer }

// ConsumerProvider returns the consumer-side connection handle.
func (c *ConnectionsProvider) ConsumerProvider() *ConnectionProvider { return c.consumer }

// GetProducerConnection returns the live producer connection.
func (c *ConnectionsProvider) GetProducerConnection() (Connection, error) {
	return c.producer.GetConnection()
}

// GetConsumerConnection returns the live consumer connection.
func (c *ConnectionsProvider) GetConsumerConnection() (Connection, error) {
	return c.consumer.GetConnection()
}

// IsProducerConnected reports the producer handle's connectivity.
func (c *ConnectionsProvider) IsProducerConnected() bool { return c.producer.IsConnected() }

// IsConsumerConnected reports the consumer handle's connectivity.
func (c *ConnectionsProvider) IsConsumerConnected() bool { return c.consumer.IsConnected() }

// Close closes both handles. The first error wins but both are closed.
func (c *ConnectionsProvider) Close() error {
	perr := c.producer.Close()
	cerr := c.consumer.Close()
	if perr != nil {
		return perr
	}
	return cerr
}
