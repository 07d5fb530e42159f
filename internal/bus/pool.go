package bus

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

// Pool is a fixed-size, round-robin set of Connections. Its lifetime is the
// process lifetime; Start launches every connection's reconnect driver and
// Stop cancels them all, waiting up to a grace period before giving up.
type Pool struct {
	connections []*Connection
	next        uint64

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewPool builds size Connections against url, each with its own heartbeat.
func NewPool(size int, url string, heartbeat time.Duration, logger logr.Logger) *Pool {
	conns := make([]*Connection, size)
	for i := range conns {
		conns[i] = NewConnection(i, url, heartbeat, logger)
	}
	return &Pool{connections: conns}
}

// Start launches every connection's reconnect driver in its own goroutine.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	p.cancel = cancel
	p.group = group

	for _, conn := range p.connections {
		conn := conn
		group.Go(func() error {
			return conn.Run(gctx)
		})
	}
}

// Stop cancels every connection's reconnect driver and waits up to
// gracePeriod for them to exit before returning. This matches the 5s grace
// period named in the concurrency model.
func (p *Pool) Stop(gracePeriod time.Duration) {
	if p.cancel == nil {
		return
	}
	for _, conn := range p.connections {
		conn.Close()
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(gracePeriod):
	}
}

// Next returns the next Connection in round-robin order.
func (p *Pool) Next() *Connection {
	i := atomic.AddUint64(&p.next, 1) - 1
	return p.connections[i%uint64(len(p.connections))]
}

// connectionsSnapshot returns a copy of the pool's connection list, so pool
// membership can be inspected without racing Start/Stop.
func (p *Pool) connectionsSnapshot() []*Connection {
	out := make([]*Connection, len(p.connections))
	copy(out, p.connections)
	return out
}
