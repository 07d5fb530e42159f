// Package bus implements the AMQP 0-9-1 plumbing: an auto-reconnecting
// connection, a round-robin pool of connections, and a per-session consumer
// that creates tenant-scoped bindings and filters deliveries by ACL. The
// reconnect driver dials, awaits NotifyClose, and retries with backoff;
// topology and consume setup declares the exchange, queue and bindings each
// consumer needs before pulling deliveries off its channel.
package bus

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/go-logr/logr"

	"github.com/wazo-platform/wazo-websocketd/internal/wsproto"
)

// backoffSchedule is the reconnect delay sequence: 1, 2, 4, 8, 16, then 32
// seconds thereafter.
var backoffSchedule = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
}

func backoffDelay(attempt int) time.Duration {
	if attempt < len(backoffSchedule) {
		return backoffSchedule[attempt]
	}
	return 32 * time.Second
}

// sentinelReceiver is the minimal surface BusConsumer exposes to its
// BusConnection so the connection can push the disconnect sentinel without
// importing the consumer's full type.
type sentinelReceiver interface {
	pushLost()
}

// Connection owns one AMQP TCP connection plus its reconnect driver. Each
// session's BusConsumer acquires a channel from a Connection drawn
// round-robin from the Pool.
type Connection struct {
	id        int
	url       string
	heartbeat time.Duration
	logger    logr.Logger

	mu        sync.RWMutex
	conn      *amqp.Connection
	connected bool
	closing   bool

	consumersMu sync.Mutex
	consumers   map[string]sentinelReceiver
}

// NewConnection builds an unconnected Connection; call Run to start its
// reconnect driver.
func NewConnection(id int, url string, heartbeat time.Duration, logger logr.Logger) *Connection {
	return &Connection{
		id:        id,
		url:       url,
		heartbeat: heartbeat,
		logger:    logger.WithValues("bus_connection_id", id),
		consumers: make(map[string]sentinelReceiver),
	}
}

// Run drives the connect/await-close/reconnect loop until ctx is cancelled
// or Close is called. It never returns a non-nil error except ctx.Err().
func (c *Connection) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosing() {
			return nil
		}

		conn, err := amqp.DialConfig(c.url, amqp.Config{Heartbeat: c.heartbeat})
		if err != nil {
			c.logger.Error(err, "failed to connect to broker, retrying", "attempt", attempt)
			delay := backoffDelay(attempt)
			attempt++
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		attempt = 0
		c.setConn(conn)
		c.logger.Info("connected to broker")

		notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-ctx.Done():
			c.setClosing()
			_ = conn.Close()
			return ctx.Err()
		case cerr := <-notifyClose:
			c.setConn(nil)
			c.notifyConsumersLost()
			if cerr != nil {
				c.logger.Error(cerr, "broker connection closed")
			} else {
				c.logger.Info("broker connection closed")
			}
			if c.isClosing() {
				return nil
			}
			// loop back to reconnect with a fresh backoff episode
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Connection) setConn(conn *amqp.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.connected = conn != nil
}

func (c *Connection) setClosing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closing = true
}

func (c *Connection) isClosing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closing
}

// Close marks the connection as closing; the reconnect driver observes this
// on its next wake and exits instead of retrying.
func (c *Connection) Close() {
	c.setClosing()
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// GetChannel opens a fresh AMQP channel on this connection. If wait is
// false and the connection is not currently established, it fails fast
// with BusConnectionError instead of blocking.
func (c *Connection) GetChannel(ctx context.Context, wait bool) (*amqp.Channel, error) {
	for {
		c.mu.RLock()
		conn, connected := c.conn, c.connected
		c.mu.RUnlock()

		if connected && conn != nil {
			ch, err := conn.Channel()
			if err != nil {
				return nil, &wsproto.BusConnectionError{Err: err}
			}
			return ch, nil
		}

		if !wait {
			return nil, &wsproto.BusConnectionError{Err: errNotConnected}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

var errNotConnected = notConnectedErr{}

type notConnectedErr struct{}

func (notConnectedErr) Error() string { return "bus connection not established" }

// registerConsumer and removeConsumer maintain the weak-reference-style set
// of consumers this connection must notify on disconnect.
func (c *Connection) registerConsumer(id string, recv sentinelReceiver) {
	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()
	c.consumers[id] = recv
}

func (c *Connection) removeConsumer(id string) {
	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()
	delete(c.consumers, id)
}

func (c *Connection) notifyConsumersLost() {
	c.consumersMu.Lock()
	recvs := make([]sentinelReceiver, 0, len(c.consumers))
	for _, r := range c.consumers {
		recvs = append(recvs, r)
	}
	c.consumersMu.Unlock()

	for _, r := range recvs {
		r.pushLost()
	}
}
