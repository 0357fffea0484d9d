package rabbit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// ConnectionRole tells the two logical connections apart in logs and state
// queries. Publish and consume paths must be diagnosable independently.
type ConnectionRole string

const (
	RoleProducer ConnectionRole = "producer"
	RoleConsumer ConnectionRole = "consumer"
)

// ConnectionState is the resilience state machine of one connection handle.
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateConnected
	StateBlocked
	StateReconnecting
	StateTimedOut
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBlocked:
		return "blocked"
	case StateReconnecting:
		return "reconnecting"
	case StateTimedOut:
		return "timed-out"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by GetConnection when the handle is neither
// connected nor attempting to connect.
var ErrNotConnected = errors.New("no connection available")

// ErrConnectTimeout is returned when a connect cycle exhausts its retry
// budget, or a GetConnection wait exceeds the connect timeout.
var ErrConnectTimeout = errors.New("connection attempt timed out")

// ConnectionConfig bounds the connect and reconnect loops.
type ConnectionConfig struct {
	URL           string
	RetryInterval time.Duration // wait between connect attempts
	MaxRetries    int           // attempts per connect cycle before TimedOut
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 60
	}
	return c
}

// connectTimeout bounds how long GetConnection callers wait while the handle
// is still connecting.
func (c ConnectionConfig) connectTimeout() time.Duration {
	return c.RetryInterval * time.Duration(c.MaxRetries+1)
}

// ConnectionProvider owns exactly one logical broker connection. It connects
// asynchronously on construction, retries with a fixed backoff bounded by the
// retry budget, and re-enters the connect loop when the broker shuts the
// connection down unexpectedly. A deliberate Close suppresses reconnection.
type ConnectionProvider struct {
	cfg       ConnectionConfig
	role      ConnectionRole
	dial      Dialer
	logger    zerolog.Logger
	listeners ConnectionListeners

	mu      sync.Mutex
	state   ConnectionState
	conn    Connection
	retries int
	closing bool
	settled chan struct{} // closed when the current connect cycle resolves
}

// NewConnectionProvider creates the handle and starts its connect loop.
func NewConnectionProvider(cfg ConnectionConfig, role ConnectionRole, dial Dialer, logger zerolog.Logger, listeners ConnectionListeners) *ConnectionProvider {
	p := &ConnectionProvider{
		cfg:       cfg.withDefaults(),
		role:      role,
		dial:      dial,
		logger:    logger.With().Str("role", string(role)).Logger(),
		listeners: listeners,
		state:     StateConnecting,
		settled:   make(chan struct{}),
	}
	go p.connectLoop()
	return p
}

// Role returns the handle's role.
func (p *ConnectionProvider) Role() ConnectionRole { return p.role }

// State returns the current resilience state.
func (p *ConnectionProvider) State() ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsConnected reports whether the handle holds a live connection. It is false
// while a connect or reconnect cycle is in progress, regardless of the
// underlying socket.
func (p *ConnectionProvider) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateConnected || p.state == StateBlocked
}

// Retries returns the attempt counter of the current connect cycle.
func (p *ConnectionProvider) Retries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retries
}

// GetConnection returns the live connection. While the handle is connecting
// the caller blocks, bounded by the connect timeout. When the handle is
// neither connected nor connecting it fails immediately with ErrNotConnected.
func (p *ConnectionProvider) GetConnection() (Connection, error) {
	deadline := time.NewTimer(p.cfg.connectTimeout())
	defer deadline.Stop()

	for {
		p.mu.Lock()
		switch p.state {
		case StateConnected, StateBlocked:
			conn := p.conn
			p.mu.Unlock()
			return conn, nil
		case StateConnecting, StateReconnecting:
			settled := p.settled
			p.mu.Unlock()
			select {
			case <-settled:
			case <-deadline.C:
				return nil, fmt.Errorf("%s connection: %w", p.role, ErrConnectTimeout)
			}
		default:
			p.mu.Unlock()
			return nil, fmt.Errorf("%s connection (%s): %w", p.role, p.State(), ErrNotConnected)
		}
	}
}

// Close is idempotent. It suppresses any further reconnection and closes the
// underlying connection.
func (p *ConnectionProvider) Close() error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	conn := p.conn
	p.conn = nil
	p.setStateLocked(StateClosed)
	p.mu.Unlock()

	if conn == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- conn.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		p.logger.Warn().Msg("Timed out waiting for broker connection to close")
		return nil
	}
}

// setStateLocked transitions the state machine and resolves or arms the
// settled channel. Callers must hold p.mu.
func (p *ConnectionProvider) setStateLocked(next ConnectionState) {
	prev := p.state
	p.state = next

	settling := prev == StateConnecting || prev == StateReconnecting
	if settling && next != StateConnecting && next != StateReconnecting {
		close(p.settled)
	}
	if !settling && (next == StateConnecting || next == StateReconnecting) {
		p.settled = make(chan struct{})
	}
}

func (p *ConnectionProvider) connectLoop() {
	p.mu.Lock()
	p.retries = 0
	p.mu.Unlock()

	for {
		p.mu.Lock()
		if p.closing {
			p.mu.Unlock()
			return
		}
		attempt := p.retries
		p.mu.Unlock()

		conn, err := p.dial(p.cfg.URL)
		if err == nil {
			p.mu.Lock()
			if p.closing {
				p.mu.Unlock()
				conn.Close()
				return
			}
			p.conn = conn
			p.setStateLocked(StateConnected)
			p.mu.Unlock()

			p.logger.Info().Str("url", p.cfg.URL).Msg("Broker connection established")
			go p.watch(conn)
			return
		}

		p.mu.Lock()
		p.retries++
		exhausted := p.retries >= p.cfg.MaxRetries
		if exhausted {
			p.setStateLocked(StateTimedOut)
		}
		p.mu.Unlock()

		if exhausted {
			p.logger.Error().Err(err).Int("attempts", attempt+1).
				Msg("Broker connection retries exhausted, handle is unusable")
			return
		}

		p.logger.Warn().Err(err).Int("attempt", attempt+1).
			Msg("Broker connection failed, retrying")
		time.Sleep(p.cfg.RetryInterval)
	}
}

// watch listens for shutdown and flow-control notifications on a live
// connection and drives reconnection.
func (p *ConnectionProvider) watch(conn Connection) {
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	blockedCh := conn.NotifyBlocked(make(chan amqp.Blocking, 1))

	for {
		select {
		case reason, ok := <-closeCh:
			if p.listeners.OnShutdown != nil && reason != nil {
				p.listeners.OnShutdown(reason)
			}
			if !ok || reason == nil {
				// Graceful close, no reconnect.
				return
			}
			p.onShutdown(reason)
			return
		case blocking, ok := <-blockedCh:
			if !ok {
				return
			}
			p.onBlocked(blocking)
		}
	}
}

func (p *ConnectionProvider) onBlocked(blocking amqp.Blocking) {
	p.mu.Lock()
	if blocking.Active && p.state == StateConnected {
		p.setStateLocked(StateBlocked)
	} else if !blocking.Active && p.state == StateBlocked {
		p.setStateLocked(StateConnected)
	}
	p.mu.Unlock()

	if blocking.Active {
		p.logger.Warn().Str("reason", blocking.Reason).Msg("Broker connection blocked")
		if p.listeners.OnBlocked != nil {
			p.listeners.OnBlocked(blocking.Reason)
		}
	} else {
		p.logger.Info().Msg("Broker connection unblocked")
		if p.listeners.OnUnblocked != nil {
			p.listeners.OnUnblocked()
		}
	}
}

// onShutdown re-enters the connect loop after an unexpected connection loss.
// The mutex guarantees concurrent shutdown notifications cannot start two
// reconnect loops.
func (p *ConnectionProvider) onShutdown(reason *amqp.Error) {
	p.mu.Lock()
	if p.closing || p.state == StateReconnecting {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	p.setStateLocked(StateReconnecting)
	p.mu.Unlock()

	p.logger.Warn().Str("reason", reason.Error()).Msg("Broker connection lost, reconnecting")
	p.connectLoop()
}
