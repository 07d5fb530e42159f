package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wazo-platform/wazo-websocketd/internal/config"
	"github.com/wazo-platform/wazo-websocketd/internal/wsproto"
)

// legacyExchangeName is the pre-22.13 exchange name the Controller deletes
// if it exists and is no longer used.
const legacyExchangeName = "wazo-websocketd"

// Service wraps the Pool with the configured exchange topology, giving
// Consumer the exchange name, origin UUID and prefetch it needs, and giving
// the Controller the one-shot exchange declaration step.
type Service struct {
	pool           *Pool
	ConsumerConfig ConsumerConfig
}

// NewService builds the connection pool from bus config and resolves the
// per-consumer topology settings every session's Consumer will use.
func NewService(cfg config.Bus, poolSize int, logger logr.Logger) *Service {
	url := amqpURL(cfg)
	heartbeat := time.Duration(cfg.HeartbeatInterval) * time.Second
	return &Service{
		pool: NewPool(poolSize, url, heartbeat, logger),
		ConsumerConfig: ConsumerConfig{
			ExchangeName: cfg.ExchangeName,
			OriginUUID:   cfg.OriginUUID,
			Prefetch:     cfg.ConsumerPrefetch,
		},
	}
}

func amqpURL(cfg config.Bus) string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s", cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.VHost)
}

// Start launches the connection pool's reconnect drivers.
func (s *Service) Start(ctx context.Context) { s.pool.Start(ctx) }

// Stop tears down the pool with a 5s grace period.
func (s *Service) Stop() { s.pool.Stop(5 * time.Second) }

// Pool exposes the underlying round-robin pool for Consumer.Attach callers.
func (s *Service) Pool() *Pool { return s.pool }

// InitializeExchanges declares the configured exchange (durable) and
// deletes the legacy exchange if it exists and is unused, by dialing a
// short-lived connection independent of the session pool.
func (s *Service) InitializeExchanges(ctx context.Context, cfg config.Bus) error {
	conn, err := amqp.DialConfig(amqpURL(cfg), amqp.Config{Heartbeat: time.Duration(cfg.HeartbeatInterval) * time.Second})
	if err != nil {
		return &wsproto.BusConnectionError{Err: err}
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return &wsproto.BusConnectionError{Err: err}
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(cfg.ExchangeName, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		return &wsproto.BusConnectionError{Err: err}
	}

	if cfg.ExchangeName != legacyExchangeName {
		// ifUnused=true: this call fails loudly if the legacy exchange is
		// still bound to something, which is deliberate — we only clean up
		// a truly dead legacy exchange, never one still in use.
		if err := ch.ExchangeDelete(legacyExchangeName, true, false); err != nil {
			var amqpErr *amqp.Error
			if !isNotFound(err, &amqpErr) {
				return &wsproto.BusConnectionError{Err: err}
			}
		}
	}

	return nil
}

func isNotFound(err error, target **amqp.Error) bool {
	ae, ok := err.(*amqp.Error)
	if !ok {
		return false
	}
	*target = ae
	return ae.Code == amqp.NotFound
}
