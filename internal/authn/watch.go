package authn

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/wazo-platform/wazo-websocketd/internal/wsproto"
)

// TokenGetter returns the session's current token on each iteration, so a
// mid-session renewal is picked up without restarting the watcher.
type TokenGetter func() *Token

// Checker runs until the watched token expires, then fails with
// AuthenticationExpiredError. It never returns nil.
type Checker interface {
	Run(ctx context.Context, tokenGetter TokenGetter) error
}

// StaticChecker sleeps a fixed interval, then calls IsValidToken.
type StaticChecker struct {
	Client   Client
	Interval time.Duration
	Logger   logr.Logger
}

func (c *StaticChecker) Run(ctx context.Context, tokenGetter TokenGetter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Interval):
		}

		c.Logger.V(1).Info("static auth check: testing token validity")
		valid, err := c.Client.IsValidToken(ctx, tokenGetter().ID)
		if err != nil {
			return err
		}
		if !valid {
			return wsproto.AuthenticationExpiredError{}
		}
	}
}

// DynamicChecker derives the next check delay from the token's expiry.
type DynamicChecker struct {
	Client Client
	Logger logr.Logger
	Now    func() time.Time
}

func (c *DynamicChecker) Run(ctx context.Context, tokenGetter TokenGetter) error {
	now := c.Now
	if now == nil {
		now = time.Now
	}
	for {
		token := tokenGetter()
		delay := nextCheckDelay(now().UTC(), token.UTCExpiresAt)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		c.Logger.V(1).Info("dynamic auth check: testing token validity")
		if _, err := c.Client.GetToken(ctx, tokenGetter().ID); err != nil {
			return wsproto.AuthenticationExpiredError{}
		}
	}
}

// nextCheckDelay implements the exact _calculate_next_check formula.
func nextCheckDelay(now, expiresAt time.Time) time.Duration {
	delta := expiresAt.Sub(now).Seconds()
	switch {
	case delta < 0:
		return 15 * time.Second
	case delta <= 80:
		return 60 * time.Second
	case delta <= 57600:
		return time.Duration(int64(0.75*delta)) * time.Second
	default:
		return 43200 * time.Second
	}
}

const (
	strategyStatic  = "static"
	strategyDynamic = "dynamic"
)

// Config is the subset of the process configuration the watcher needs.
type Config struct {
	Strategy        string
	StaticInterval  time.Duration
}

// NewChecker builds the configured Checker.
func NewChecker(strategy string, staticInterval time.Duration, client Client, logger logr.Logger) (Checker, error) {
	switch strategy {
	case strategyStatic:
		return &StaticChecker{Client: client, Interval: staticInterval, Logger: logger}, nil
	case strategyDynamic:
		return &DynamicChecker{Client: client, Logger: logger}, nil
	default:
		return nil, &wsproto.UnexpectedError{Err: unknownStrategyError(strategy)}
	}
}

type unknownStrategyErr struct{ strategy string }

func (e unknownStrategyErr) Error() string { return "unknown auth_check_strategy " + e.strategy }

func unknownStrategyError(strategy string) error { return unknownStrategyErr{strategy} }
