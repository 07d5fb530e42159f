package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wazo-platform/wazo-websocketd/internal/authn"
	"github.com/wazo-platform/wazo-websocketd/internal/bus"
	"github.com/wazo-platform/wazo-websocketd/internal/logging"
	"github.com/wazo-platform/wazo-websocketd/internal/mastertenant"
	"github.com/wazo-platform/wazo-websocketd/internal/wsproto"
)

// fakeAuthClient answers GetToken/IsValidToken from an in-memory token
// table, letting these tests exercise the session end to end against the
// WebSocket codec without a real identity service or broker.
type fakeAuthClient struct {
	tokens map[string]*authn.Token
}

func (f *fakeAuthClient) GetToken(ctx context.Context, tokenID string) (*authn.Token, error) {
	tok, ok := f.tokens[tokenID]
	if !ok {
		return nil, &wsproto.AuthenticationError{Err: errUnknownToken}
	}
	cp := *tok
	return &cp, nil
}

func (f *fakeAuthClient) IsValidToken(ctx context.Context, tokenID string) (bool, error) {
	_, ok := f.tokens[tokenID]
	return ok, nil
}

func (f *fakeAuthClient) NewServiceToken(ctx context.Context, expiration int) (*authn.Token, error) {
	return nil, errUnknownToken
}

var errUnknownToken = tokenErr("unknown token")

type tokenErr string

func (e tokenErr) Error() string { return string(e) }

// fakeConsumerBundle is a pre-built, in-memory BusConsumer registered under
// a token id, handed back by the harness's attach hook instead of a real
// AMQP topology.
type fakeConsumerBundle struct {
	consumer *bus.Consumer
	push     func(*bus.Event)
	fail     func(error)
}

// testHarness wires one Session behind an httptest server, with a fake
// BusConsumer injected in place of bus.Attach so these tests never touch a
// real broker.
type testHarness struct {
	server       *httptest.Server
	masterTenant *mastertenant.Proxy
	authClient   *fakeAuthClient
	consumers    map[string]*fakeConsumerBundle
}

func newHarness(t *testing.T, strategy string) *testHarness {
	t.Helper()

	masterTenant := &mastertenant.Proxy{}
	masterTenant.Set("master-tenant")

	authClient := &fakeAuthClient{tokens: make(map[string]*authn.Token)}
	authenticator, err := authn.New(authClient, strategy, time.Hour, logging.Discard())
	require.NoError(t, err)

	h := &testHarness{
		masterTenant: masterTenant,
		authClient:   authClient,
		consumers:    make(map[string]*fakeConsumerBundle),
	}

	mux := http.NewServeMux()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := New(Deps{
			Authenticator: authenticator,
			MasterTenant:  masterTenant,
			PingInterval:  time.Hour,
			Logger:        logging.Discard(),
		}, r, conn)

		sess.attach = func(ctx context.Context, token authn.Token, masterTenantUUID string, logger logr.Logger) (*bus.Consumer, error) {
			bundle := h.consumers[token.ID]
			if bundle == nil {
				return nil, &wsproto.UnexpectedError{Err: tokenErr("no fake consumer registered for " + token.ID)}
			}
			return bundle.consumer, nil
		}

		closeCode, runErr := sess.Run(r.Context())
		reason := wsproto.CloseReasonFor(runErr)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason), time.Now().Add(time.Second))
	})

	h.server = httptest.NewServer(mux)
	t.Cleanup(h.server.Close)
	return h
}

// registerToken makes tokenID resolvable by the fake auth client and builds
// a matching in-memory BusConsumer for it.
func (h *testHarness) registerToken(tok authn.Token) *fakeConsumerBundle {
	cp := tok
	h.authClient.tokens[tok.ID] = &cp

	masterTenantUUID, _ := h.masterTenant.Get()
	consumer, push, fail := bus.NewConsumerForTesting(tok, masterTenantUUID)
	bundle := &fakeConsumerBundle{consumer: consumer, push: push, fail: fail}
	h.consumers[tok.ID] = bundle
	return bundle
}

func (h *testHarness) dial(t *testing.T, query string) (*websocket.Conn, error) {
	t.Helper()
	wsURL := "ws" + h.server.URL[len("http"):] + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	return conn, err
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func closeCodeOf(err error) int {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code
	}
	return 0
}

// A connection with no credential at all is rejected.
func TestSession_NoToken(t *testing.T) {
	h := newHarness(t, "static")
	conn, err := h.dial(t, "")
	require.NoError(t, err)
	defer conn.Close()

	_, _, rerr := conn.ReadMessage()
	require.Error(t, rerr)
	assert.Equal(t, wsproto.CloseNoToken, closeCodeOf(rerr))
}

// A connection with an unrecognized token is rejected.
func TestSession_BadToken(t *testing.T) {
	h := newHarness(t, "static")
	conn, err := h.dial(t, "?token=invalid-token")
	require.NoError(t, err)
	defer conn.Close()

	_, _, rerr := conn.ReadMessage()
	require.Error(t, rerr)
	assert.Equal(t, wsproto.CloseAuthenticationFailed, closeCodeOf(rerr))
}

// A valid connection negotiating v2 receives an init frame first.
func TestSession_InitV2(t *testing.T) {
	h := newHarness(t, "static")
	h.registerToken(authn.Token{
		ID: "valid", UserUUID: "u1", TenantUUID: "t1", SessionUUID: "s1",
		ACL: []string{"websocketd", "event.foo"}, UTCExpiresAt: time.Now().Add(time.Hour),
	})

	conn, err := h.dial(t, "?token=valid&version=2")
	require.NoError(t, err)
	defer conn.Close()

	frame := readFrame(t, conn)
	assert.Equal(t, "init", frame["op"])
	assert.Equal(t, float64(0), frame["code"])
	data := frame["data"].(map[string]interface{})
	assert.Equal(t, float64(2), data["version"])
}

// After subscribe+start, an ACL-matching event is delivered to the client.
func TestSession_ACLFilter(t *testing.T) {
	h := newHarness(t, "static")
	bundle := h.registerToken(authn.Token{
		ID: "valid", UserUUID: "u1", TenantUUID: "t1", SessionUUID: "s1",
		ACL: []string{"websocketd", "event.foo"}, UTCExpiresAt: time.Now().Add(time.Hour),
	})

	conn, err := h.dial(t, "?token=valid&version=2")
	require.NoError(t, err)
	defer conn.Close()

	readFrame(t, conn) // init

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"op":   "subscribe",
		"data": map[string]interface{}{"event_name": "foo"},
	}))
	frame := readFrame(t, conn) // subscribe ack (v2)
	assert.Equal(t, "subscribe", frame["op"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"op": "start"}))
	frame = readFrame(t, conn) // start ack (v2)
	assert.Equal(t, "start", frame["op"])

	matchACL := "event.foo"
	bundle.push(&bus.Event{Name: "foo", RequiredACL: &matchACL, Payload: map[string]interface{}{"name": "foo"}, Raw: `{"name":"foo"}`})

	frame = readFrame(t, conn)
	assert.Equal(t, "event", frame["op"])
	data := frame["data"].(map[string]interface{})
	assert.Equal(t, "foo", data["name"])
}

// ACL enforcement itself happens in the consumer's decode path - see
// bus/consumer_test.go's TestConsumer_Decode_ACLMismatchDrops and
// TestConsumer_Decode_ACLMatchDelivers, which exercise the real
// decode-and-check logic the fake consumer above bypasses. This package
// only needs to prove the session never double-filters or otherwise blocks
// what the consumer already approved, which TestSession_ACLFilter covers.

// Events pushed before "start" are dropped, not queued for later delivery.
func TestSession_StartGating(t *testing.T) {
	h := newHarness(t, "static")
	bundle := h.registerToken(authn.Token{
		ID: "valid", UserUUID: "u1", TenantUUID: "t1", SessionUUID: "s1",
		ACL: []string{"websocketd", "event.#"}, UTCExpiresAt: time.Now().Add(time.Hour),
	})

	conn, err := h.dial(t, "?token=valid&version=2")
	require.NoError(t, err)
	defer conn.Close()

	readFrame(t, conn) // init

	earlyACL := "event.early"
	bundle.push(&bus.Event{Name: "early", RequiredACL: &earlyACL, Payload: map[string]interface{}{"name": "early"}, Raw: `{"name":"early"}`})

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"op": "start"}))
	frame := readFrame(t, conn) // start ack, never the pre-start "early" event
	assert.Equal(t, "start", frame["op"])

	lateACL := "event.late"
	bundle.push(&bus.Event{Name: "late", RequiredACL: &lateACL, Payload: map[string]interface{}{"name": "late"}, Raw: `{"name":"late"}`})

	frame = readFrame(t, conn)
	assert.Equal(t, "event", frame["op"])
	data := frame["data"].(map[string]interface{})
	assert.Equal(t, "late", data["name"])
}

// A "token" request for a known id replaces the session's token and
// acknowledges.
func TestSession_TokenRenewal(t *testing.T) {
	h := newHarness(t, "static")
	h.registerToken(authn.Token{
		ID: "valid", UserUUID: "u1", TenantUUID: "t1", SessionUUID: "s1",
		ACL: []string{"websocketd"}, UTCExpiresAt: time.Now().Add(time.Hour),
	})
	h.registerToken(authn.Token{
		ID: "valid2", UserUUID: "u1", TenantUUID: "t1", SessionUUID: "s1",
		ACL: []string{"websocketd"}, UTCExpiresAt: time.Now().Add(time.Hour),
	})

	conn, err := h.dial(t, "?token=valid&version=2")
	require.NoError(t, err)
	defer conn.Close()

	readFrame(t, conn) // init

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"op":   "token",
		"data": map[string]interface{}{"token": "valid2"},
	}))
	frame := readFrame(t, conn)
	assert.Equal(t, "token", frame["op"])
	assert.Equal(t, float64(0), frame["code"])
}

// A "token" request for an id the identity service does not recognize closes
// the session 4002 instead of leaving it open after a silent failure frame.
func TestSession_TokenRenewal_UnknownIDCloses(t *testing.T) {
	h := newHarness(t, "static")
	h.registerToken(authn.Token{
		ID: "valid", UserUUID: "u1", TenantUUID: "t1", SessionUUID: "s1",
		ACL: []string{"websocketd"}, UTCExpiresAt: time.Now().Add(time.Hour),
	})

	conn, err := h.dial(t, "?token=valid&version=2")
	require.NoError(t, err)
	defer conn.Close()

	readFrame(t, conn) // init

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"op":   "token",
		"data": map[string]interface{}{"token": "nonexistent"},
	}))
	frame := readFrame(t, conn) // token failure frame, still sent before close
	assert.Equal(t, "token", frame["op"])
	assert.NotEqual(t, float64(0), frame["code"])

	_, _, rerr := conn.ReadMessage()
	require.Error(t, rerr)
	assert.Equal(t, wsproto.CloseAuthenticationFailed, closeCodeOf(rerr))
}

// A v2 ping is answered with a pong carrying the same payload.
func TestSession_PingPong(t *testing.T) {
	h := newHarness(t, "static")
	h.registerToken(authn.Token{
		ID: "valid", UserUUID: "u1", TenantUUID: "t1", SessionUUID: "s1",
		ACL: []string{"websocketd"}, UTCExpiresAt: time.Now().Add(time.Hour),
	})

	conn, err := h.dial(t, "?token=valid&version=2")
	require.NoError(t, err)
	defer conn.Close()

	readFrame(t, conn) // init

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"op":   "ping",
		"data": map[string]interface{}{"payload": "abc"},
	}))

	frame := readFrame(t, conn)
	assert.Equal(t, "pong", frame["op"])
	data := frame["data"].(map[string]interface{})
	assert.Equal(t, "abc", data["payload"])
}
