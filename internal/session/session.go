// Package session implements the Session state machine: one WebSocket, one
// BusConsumer, one Authn watch and one keep-alive ping task, driven
// concurrently until any of them fails. The four-way "first completed wins"
// supervisor is built on golang.org/x/sync/errgroup.
package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/wazo-platform/wazo-websocketd/internal/authn"
	"github.com/wazo-platform/wazo-websocketd/internal/bus"
	"github.com/wazo-platform/wazo-websocketd/internal/mastertenant"
	"github.com/wazo-platform/wazo-websocketd/internal/protocol"
	"github.com/wazo-platform/wazo-websocketd/internal/wsproto"
)

// wsConn is the subset of *gorilla/websocket.Conn the Session needs; tests
// substitute a fake so the supervisor can be exercised without a real
// socket.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// errClientClosed is the sentinel the receiver task returns on a clean
// client-initiated close; the supervisor treats it as "mirror client"
// rather than mapping it through the error taxonomy.
var errClientClosed = errors.New("client closed the connection")

// Deps are the shared, process-wide collaborators every Session needs.
type Deps struct {
	Authenticator *authn.Authenticator
	BusService    *bus.Service
	MasterTenant  *mastertenant.Proxy
	PingInterval  time.Duration
	Logger        logr.Logger
}

// Session drives one accepted WebSocket connection end to end.
type Session struct {
	deps Deps
	conn wsConn
	req  *http.Request

	writeMu sync.Mutex

	mu              sync.Mutex
	token           authn.Token
	started         bool
	protocolVersion int
	boundNames      map[string]bool

	consumer *bus.Consumer

	// attach builds the session's BusConsumer; it defaults to bus.Attach
	// and is swapped out in tests for an in-memory fake so the supervisor
	// can be exercised without a running broker.
	attach func(ctx context.Context, token authn.Token, masterTenantUUID string, logger logr.Logger) (*bus.Consumer, error)
}

// New builds a Session for one accepted connection. Run must be called to
// actually drive it.
func New(deps Deps, req *http.Request, conn wsConn) *Session {
	s := &Session{
		deps:       deps,
		conn:       conn,
		req:        req,
		boundNames: make(map[string]bool),
	}
	s.attach = func(ctx context.Context, token authn.Token, masterTenantUUID string, logger logr.Logger) (*bus.Consumer, error) {
		return bus.Attach(ctx, deps.BusService.Pool().Next(), deps.BusService.ConsumerConfig, token, masterTenantUUID, logger)
	}
	return s
}

// Run drives the Session from CONNECTING through to close, returning the
// close code to use and the error that caused the close (nil for a clean
// client-initiated close).
func (s *Session) Run(ctx context.Context) (closeCode int, err error) {
	logger := s.deps.Logger.WithValues("remote_addr", remoteAddress(s.req))

	masterTenantUUID, known := s.deps.MasterTenant.Get()
	if !known {
		return wsproto.CloseCodeFor(wsproto.MasterTenantUnknownError{}), wsproto.MasterTenantUnknownError{}
	}

	version, err := extractVersion(s.req)
	if err != nil {
		return wsproto.CloseCodeFor(err), err
	}

	tokenID, err := extractToken(s.req)
	if err != nil {
		return wsproto.CloseCodeFor(err), err
	}

	token, err := s.deps.Authenticator.GetToken(ctx, tokenID)
	if err != nil {
		return wsproto.CloseCodeFor(err), err
	}

	consumer, err := s.attach(ctx, *token, masterTenantUUID, logger)
	if err != nil {
		return wsproto.CloseCodeFor(err), err
	}
	defer consumer.Close()

	s.mu.Lock()
	s.token = *token
	s.protocolVersion = version
	s.consumer = consumer
	s.mu.Unlock()

	initFrame, _ := protocol.EncodeInit(version)
	if err := s.writeText(initFrame); err != nil {
		return wsproto.CloseCodeFor(err), err
	}

	logger.Info("session ready", "user_uuid", token.UserUUID, "tenant_uuid", token.TenantUUID, "protocol_version", version)

	return s.stream(ctx)
}

// stream runs the four cooperative tasks until the first completes, then
// cancels and awaits the rest.
func (s *Session) stream(ctx context.Context) (int, error) {
	g, gctx := errgroup.WithContext(ctx)

	go func() {
		<-gctx.Done()
		_ = s.conn.SetReadDeadline(time.Now())
	}()

	g.Go(func() error { return s.pinger(gctx) })
	g.Go(func() error { return s.receiver(gctx) })
	g.Go(func() error { return s.transmitter(gctx) })
	g.Go(func() error { return s.authWatcher(gctx) })

	err := g.Wait()
	if errors.Is(err, errClientClosed) {
		return wsproto.CloseNormal, nil
	}
	if err == nil || errors.Is(err, context.Canceled) {
		return wsproto.CloseNormal, nil
	}
	return wsproto.CloseCodeFor(err), err
}

func (s *Session) pinger(ctx context.Context) error {
	ticker := time.NewTicker(s.deps.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(wsPingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				return &wsproto.UnexpectedError{Err: err}
			}
		}
	}
}

func (s *Session) receiver(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isCleanClose(err) {
				return errClientClosed
			}
			return &wsproto.UnexpectedError{Err: err}
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			return err
		}
		if err := s.handle(ctx, msg); err != nil {
			return err
		}
	}
}

func (s *Session) transmitter(ctx context.Context) error {
	for {
		ev, err := s.consumer.Next(ctx)
		if err != nil {
			return err
		}

		s.mu.Lock()
		started := s.started
		version := s.protocolVersion
		s.mu.Unlock()
		if !started {
			continue
		}

		var frame []byte
		if version == 1 {
			frame = []byte(ev.Raw)
		} else {
			frame, err = protocol.EncodeEvent(ev.Payload)
			if err != nil {
				return &wsproto.UnexpectedError{Err: err}
			}
		}
		if err := s.writeText(frame); err != nil {
			return err
		}
	}
}

func (s *Session) authWatcher(ctx context.Context) error {
	return s.deps.Authenticator.Watch(ctx, func() *authn.Token {
		s.mu.Lock()
		defer s.mu.Unlock()
		t := s.token
		return &t
	})
}

func (s *Session) handle(ctx context.Context, msg *protocol.Message) error {
	switch msg.Op {
	case protocol.OpSubscribe:
		return s.doSubscribe(msg)
	case protocol.OpStart:
		return s.doStart()
	case protocol.OpToken:
		return s.doToken(ctx, msg)
	case protocol.OpPing:
		return s.doPing(msg)
	default:
		return &wsproto.SessionProtocolError{Reason: "unknown operation " + msg.Op}
	}
}

func (s *Session) doSubscribe(msg *protocol.Message) error {
	name, err := msg.StringField("event_name")
	if err != nil {
		return err
	}
	if err := s.consumer.Bind(name); err != nil {
		return err
	}

	s.mu.Lock()
	s.boundNames[name] = true
	started := s.started
	version := s.protocolVersion
	s.mu.Unlock()

	if !started || version == 2 {
		frame, err := protocol.EncodeSubscribe(protocol.CodeSuccess)
		if err != nil {
			return &wsproto.UnexpectedError{Err: err}
		}
		return s.writeText(frame)
	}
	return nil
}

func (s *Session) doStart() error {
	s.mu.Lock()
	wasStarted := s.started
	s.started = true
	version := s.protocolVersion
	s.mu.Unlock()

	if !wasStarted || version == 2 {
		frame, err := protocol.EncodeStart(protocol.CodeSuccess)
		if err != nil {
			return &wsproto.UnexpectedError{Err: err}
		}
		return s.writeText(frame)
	}
	return nil
}

func (s *Session) doToken(ctx context.Context, msg *protocol.Message) error {
	tokenID, err := msg.StringField("token")
	if err != nil {
		return err
	}

	newToken, fetchErr := s.deps.Authenticator.GetToken(ctx, tokenID)
	if fetchErr != nil {
		frame, err := protocol.EncodeToken(protocol.CodeFailure)
		if err != nil {
			return &wsproto.UnexpectedError{Err: err}
		}
		if writeErr := s.writeText(frame); writeErr != nil {
			return writeErr
		}
		return fetchErr
	}

	masterTenantUUID, _ := s.deps.MasterTenant.Get()
	if err := s.consumer.SetToken(*newToken, masterTenantUUID); err != nil {
		return err
	}

	s.mu.Lock()
	s.token = *newToken
	started := s.started
	version := s.protocolVersion
	s.mu.Unlock()

	if !started || version == 2 {
		frame, err := protocol.EncodeToken(protocol.CodeSuccess)
		if err != nil {
			return &wsproto.UnexpectedError{Err: err}
		}
		return s.writeText(frame)
	}
	return nil
}

func (s *Session) doPing(msg *protocol.Message) error {
	payload, err := msg.StringField("payload")
	if err != nil {
		return err
	}
	frame, err := protocol.EncodePong(payload)
	if err != nil {
		return &wsproto.UnexpectedError{Err: err}
	}
	return s.writeText(frame)
}

func (s *Session) writeText(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(wsTextMessage, b); err != nil {
		return &wsproto.UnexpectedError{Err: err}
	}
	return nil
}
