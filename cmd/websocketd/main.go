// Command websocketd is the process entrypoint: load config, build the
// logger and every long-lived collaborator, then hand off to the
// controller. Any setup failure before the run loop starts exits 1
// immediately.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wazo-platform/wazo-websocketd/internal/authn"
	"github.com/wazo-platform/wazo-websocketd/internal/bus"
	"github.com/wazo-platform/wazo-websocketd/internal/config"
	"github.com/wazo-platform/wazo-websocketd/internal/controller"
	"github.com/wazo-platform/wazo-websocketd/internal/logging"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		os.Stderr.WriteString("wazo-websocketd: loading configuration: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{
		Debug:   cfg.Debug,
		Level:   cfg.LogLevel,
		LogFile: cfg.LogFile,
	})
	if err != nil {
		os.Stderr.WriteString("wazo-websocketd: configuring logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	authClient := authn.NewHTTPClient(cfg.Auth)
	authenticator, err := authn.New(authClient, cfg.AuthCheckStrategy, time.Duration(cfg.AuthCheckStaticInterval)*time.Second, logger)
	if err != nil {
		logger.Error(err, "configuring authentication watch strategy")
		os.Exit(1)
	}

	busService := bus.NewService(cfg.Bus, cfg.WorkerConnections, logger)

	ctrl := controller.New(cfg, authClient, authenticator, busService, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Run(ctx); err != nil {
		logger.Error(err, "wazo-websocketd exited with an error")
		os.Exit(1)
	}
}
