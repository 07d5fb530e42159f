package wsserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wazo-platform/wazo-websocketd/internal/authn"
	"github.com/wazo-platform/wazo-websocketd/internal/bus"
	"github.com/wazo-platform/wazo-websocketd/internal/config"
	"github.com/wazo-platform/wazo-websocketd/internal/logging"
	"github.com/wazo-platform/wazo-websocketd/internal/mastertenant"
	"github.com/wazo-platform/wazo-websocketd/internal/wsproto"
)

var errNoToken = errors.New("no token in this test")

type noopClient struct{}

func (noopClient) GetToken(ctx context.Context, tokenID string) (*authn.Token, error) {
	return nil, &wsproto.AuthenticationError{Err: errNoToken}
}
func (noopClient) IsValidToken(ctx context.Context, tokenID string) (bool, error) { return false, nil }
func (noopClient) NewServiceToken(ctx context.Context, expiration int) (*authn.Token, error) {
	return nil, errNoToken
}

// TestServer_RejectsWithoutMasterTenant proves the accept path maps an
// unlearned master-tenant value to a 4002-class close before any AMQP work
// happens, without requiring a live broker.
func TestServer_RejectsWithoutMasterTenant(t *testing.T) {
	auth, err := authn.New(noopClient{}, "static", time.Minute, logging.Discard())
	require.NoError(t, err)

	srv := New("", Deps{
		Authenticator: auth,
		BusService:    bus.NewService(config.Default().Bus, 1, logging.Discard()),
		MasterTenant:  &mastertenant.Proxy{},
		PingInterval:  time.Second,
		Logger:        logging.Discard(),
	})

	ts := httptest.NewServer(http.HandlerFunc(srv.handleUpgrade))
	defer ts.Close()

	wsURL := "ws" + ts.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token=abc", nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	require.Error(t, err)

	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected a close error, got %T: %v", err, err)
	assert.Equal(t, wsproto.CloseAuthenticationFailed, closeErr.Code)
}
