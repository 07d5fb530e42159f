package authn

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// ServiceTokenRenewer periodically mints a fresh service token and notifies
// its subscribers, the bootstrap task that ultimately feeds
// mastertenant.Proxy. It never fails fatally; fetch errors are
// logged and retried with backoff.
type ServiceTokenRenewer struct {
	client       Client
	expiration   int
	leewayFactor float64
	logger       logr.Logger

	mu        sync.Mutex
	callbacks []subscription

	sleep func(context.Context, time.Duration) error
}

type subscription struct {
	callback func(*Token)
	oneshot  bool
}

// DefaultExpiration and DefaultLeewayFactor match
// ServiceTokenRenewer.DEFAULT_EXPIRATION / DEFAULT_LEEWAY_FACTOR.
const (
	DefaultExpiration   = 21600
	DefaultLeewayFactor = 0.85
)

// NewServiceTokenRenewer builds a renewer with the default expiration and
// leeway.
func NewServiceTokenRenewer(client Client, logger logr.Logger) *ServiceTokenRenewer {
	return &ServiceTokenRenewer{
		client:       client,
		expiration:   DefaultExpiration,
		leewayFactor: DefaultLeewayFactor,
		logger:       logger,
		sleep:        ctxSleep,
	}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Subscribe registers a callback invoked with every newly minted token. A
// oneshot subscription is removed right before its first invocation.
func (r *ServiceTokenRenewer) Subscribe(callback func(*Token), oneshot bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, subscription{callback: callback, oneshot: oneshot})
}

// Run fetches and notifies forever until ctx is cancelled. Callers typically
// run this in a goroutine alongside the rest of the Controller lifecycle.
func (r *ServiceTokenRenewer) Run(ctx context.Context) error {
	r.logger.Info("service token renewer started")
	defer r.logger.Info("service token renewer stopped")

	for {
		token, err := r.fetchToken(ctx)
		if err != nil {
			return err
		}
		r.notify(token)

		sleepFor := time.Duration(float64(r.expiration)*r.leewayFactor) * time.Second
		if err := r.sleep(ctx, sleepFor); err != nil {
			return nil
		}
	}
}

// fetchToken retries with backoff 1,2,4,8,16,32,32,... forever, matching
// _fetch_token. It only returns an error when ctx is cancelled.
func (r *ServiceTokenRenewer) fetchToken(ctx context.Context) (*Token, error) {
	backoff := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}
	i := 0
	for {
		token, err := r.client.NewServiceToken(ctx, r.expiration)
		if err == nil {
			return token, nil
		}

		interval := 32 * time.Second
		if i < len(backoff) {
			interval = backoff[i]
			i++
		}
		r.logger.Error(err, "failed to create an access token, retrying", "retry_in", interval)

		if sleepErr := r.sleep(ctx, interval); sleepErr != nil {
			return nil, sleepErr
		}
	}
}

func (r *ServiceTokenRenewer) notify(token *Token) {
	r.mu.Lock()
	remaining := r.callbacks[:0]
	var fire []subscription
	for _, sub := range r.callbacks {
		fire = append(fire, sub)
		if !sub.oneshot {
			remaining = append(remaining, sub)
		}
	}
	r.callbacks = remaining
	r.mu.Unlock()

	for _, sub := range fire {
		sub.callback(token)
	}
}
