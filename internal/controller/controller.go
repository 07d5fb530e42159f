// Package controller wires every long-lived component together and drives
// the process lifecycle: race exchange initialization against a shutdown
// signal, then start the service token renewer and worker pool, then block
// until SIGINT/SIGTERM. signal.NotifyContext plus a select over a buffered
// error channel expresses that race without an asyncio-style event loop.
package controller

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/wazo-platform/wazo-websocketd/internal/authn"
	"github.com/wazo-platform/wazo-websocketd/internal/bus"
	"github.com/wazo-platform/wazo-websocketd/internal/config"
	"github.com/wazo-platform/wazo-websocketd/internal/mastertenant"
	"github.com/wazo-platform/wazo-websocketd/internal/procpool"
	"github.com/wazo-platform/wazo-websocketd/internal/wsserver"
)

// ShutdownGracePeriod bounds how long Run waits for in-flight sessions to
// drain once a shutdown signal arrives.
const ShutdownGracePeriod = 5 * time.Second

// Controller owns the process's collaborators and its start/stop sequence.
type Controller struct {
	Config        *config.Config
	AuthClient    authn.Client
	Authenticator *authn.Authenticator
	BusService    *bus.Service
	MasterTenant  *mastertenant.Proxy
	Logger        logr.Logger
}

// New builds a Controller from its resolved collaborators. Callers build
// Authenticator/BusService themselves (cmd/websocketd/main.go) so tests can
// substitute a fake AuthClient; BusService is the concrete *bus.Service.
func New(cfg *config.Config, authClient authn.Client, authenticator *authn.Authenticator, busService *bus.Service, logger logr.Logger) *Controller {
	return &Controller{
		Config:        cfg,
		AuthClient:    authClient,
		Authenticator: authenticator,
		BusService:    busService,
		MasterTenant:  &mastertenant.Proxy{},
		Logger:        logger,
	}
}

// Run blocks until ctx is cancelled (by the caller's signal.NotifyContext),
// mirroring Controller._run: initialize exchanges (raced against ctx), start
// the renewer and the worker pool, then wait.
func (c *Controller) Run(ctx context.Context) error {
	c.Logger.Info("wazo-websocketd starting...")

	if err := c.initializeExchanges(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		c.Logger.Info("wazo-websocketd stopped")
		return nil
	}

	c.BusService.Start(ctx)
	defer c.BusService.Stop()

	renewer := authn.NewServiceTokenRenewer(c.AuthClient, c.Logger)
	renewer.Subscribe(func(token *authn.Token) {
		c.MasterTenant.Set(token.TenantUUID)
	}, true)

	renewerDone := make(chan error, 1)
	go func() { renewerDone <- renewer.Run(ctx) }()

	workers, err := c.Config.ProcessWorkers.Resolve(numCPU())
	if err != nil {
		return err
	}

	pool := &procpool.Pool{
		Workers:        workers,
		Addr:           wsListenAddr(c.Config.Websocket),
		MaxConnections: c.Config.Websocket.MaxConnections,
		Deps: wsserver.Deps{
			Authenticator: c.Authenticator,
			BusService:    c.BusService,
			MasterTenant:  c.MasterTenant,
			PingInterval:  time.Duration(c.Config.Websocket.PingInterval) * time.Second,
			Logger:        c.Logger,
		},
		Logger: c.Logger,
	}
	if err := pool.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	pool.Stop(ShutdownGracePeriod)
	<-renewerDone

	c.Logger.Info("wazo-websocketd stopped")
	return nil
}

// initializeExchanges races BusService.InitializeExchanges against ctx, so a
// shutdown signal during startup aborts exchange declaration instead of
// blocking it.
func (c *Controller) initializeExchanges(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- c.BusService.InitializeExchanges(ctx, c.Config.Bus) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		return err
	}
}
