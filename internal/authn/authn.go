package authn

import (
	"context"
	"time"

	"github.com/go-logr/logr"
)

// Authenticator is the facade Session and BusConsumer depend on: token
// lookups plus a single configured expiry-watch strategy.
type Authenticator struct {
	client  Client
	checker Checker
}

// New builds an Authenticator from a resolved identity-service client and
// watch configuration.
func New(client Client, strategy string, staticInterval time.Duration, logger logr.Logger) (*Authenticator, error) {
	checker, err := NewChecker(strategy, staticInterval, client, logger)
	if err != nil {
		return nil, err
	}
	return &Authenticator{client: client, checker: checker}, nil
}

// GetToken fetches a token by id, failing with AuthenticationError.
func (a *Authenticator) GetToken(ctx context.Context, tokenID string) (*Token, error) {
	return a.client.GetToken(ctx, tokenID)
}

// IsValidToken checks token validity without fetching it.
func (a *Authenticator) IsValidToken(ctx context.Context, tokenID string) (bool, error) {
	return a.client.IsValidToken(ctx, tokenID)
}

// Watch runs the configured expiry-check strategy until the token expires.
func (a *Authenticator) Watch(ctx context.Context, tokenGetter TokenGetter) error {
	return a.checker.Run(ctx, tokenGetter)
}
