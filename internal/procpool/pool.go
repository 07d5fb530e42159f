// Package procpool is the worker pool that fans one WebSocket listen address
// out across several acceptors. Each worker is a goroutine rather than a
// forked OS process: goroutines already share the parent's memory and write
// to the same logr.Logger directly, so there is no cross-process log queue
// to maintain. What carries over is multiple independent acceptors sharing
// one port, load-balanced by the kernel via SO_REUSEPORT, which
// github.com/libp2p/go-reuseport provides for goroutine-based workers.
package procpool

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/libp2p/go-reuseport"
	"golang.org/x/net/netutil"

	"github.com/wazo-platform/wazo-websocketd/internal/wsserver"
)

// Pool runs Workers goroutine-based acceptors, each with its own
// SO_REUSEPORT listener bound to the same address, each backed by an
// independent wsserver.Server so one worker's accept loop never blocks
// another's.
type Pool struct {
	Workers int
	Addr    string
	Deps    wsserver.Deps
	Logger  logr.Logger

	// MaxConnections caps simultaneously open connections per worker
	// listener via netutil.LimitListener; 0 means unlimited.
	MaxConnections int

	mu      sync.Mutex
	servers []*wsserver.Server
	listens []net.Listener
	wg      sync.WaitGroup
}

// Start binds Workers SO_REUSEPORT listeners and launches one acceptor
// goroutine per listener. It returns once every listener is bound, or the
// first bind error.
func (p *Pool) Start(ctx context.Context) error {
	if p.Workers < 1 {
		return fmt.Errorf("procpool: worker count must be a positive integer, got %d", p.Workers)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < p.Workers; i++ {
		l, err := reuseport.Listen("tcp", p.Addr)
		if err != nil {
			p.closeListenersLocked()
			return fmt.Errorf("procpool: worker %d: binding %s: %w", i, p.Addr, err)
		}
		if p.MaxConnections > 0 {
			l = netutil.LimitListener(l, p.MaxConnections)
		}

		srv := wsserver.New(p.Addr, p.Deps)
		p.servers = append(p.servers, srv)
		p.listens = append(p.listens, l)

		workerID := i
		p.wg.Add(1)
		go func(l net.Listener) {
			defer p.wg.Done()
			p.Logger.Info("worker started", "worker_id", workerID)
			if err := srv.Serve(l); err != nil {
				p.Logger.Error(err, "worker accept loop exited", "worker_id", workerID)
			}
			p.Logger.Info("worker stopped", "worker_id", workerID)
		}(l)
	}

	p.Logger.Info("starting worker process(es)", "workers", p.Workers)
	return nil
}

// Stop shuts every worker's server down gracefully, waiting up to
// gracePeriod for in-flight sessions before returning.
func (p *Pool) Stop(gracePeriod time.Duration) {
	p.mu.Lock()
	servers := append([]*wsserver.Server(nil), p.servers...)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, srv := range servers {
		srv := srv
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv.Shutdown(gracePeriod)
		}()
	}
	wg.Wait()
	p.wg.Wait()
}

func (p *Pool) closeListenersLocked() {
	for _, l := range p.listens {
		_ = l.Close()
	}
	p.listens = nil
	p.servers = nil
}
