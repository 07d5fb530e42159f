// Package wsserver is the SessionFactory: it owns the http.Server, the
// gorilla/websocket Upgrader, and the accept loop that turns one upgraded
// connection into one session.Session.
package wsserver

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/wazo-platform/wazo-websocketd/internal/authn"
	"github.com/wazo-platform/wazo-websocketd/internal/bus"
	"github.com/wazo-platform/wazo-websocketd/internal/mastertenant"
	"github.com/wazo-platform/wazo-websocketd/internal/session"
	"github.com/wazo-platform/wazo-websocketd/internal/wsproto"
)

// Deps are the collaborators every accepted Session shares.
type Deps struct {
	Authenticator *authn.Authenticator
	BusService    *bus.Service
	MasterTenant  *mastertenant.Proxy
	PingInterval  time.Duration
	Logger        logr.Logger
}

// Server is one SessionFactory bound to one TCP listener. The ProcessPool
// runs one of these per worker.
type Server struct {
	deps     Deps
	addr     string
	upgrader websocket.Upgrader

	httpSrv     http.Server
	openClients sync.WaitGroup
}

// New builds a Server listening on addr. Call Serve to run it.
func New(addr string, deps Deps) *Server {
	s := &Server{
		deps: deps,
		addr: addr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpSrv = http.Server{
		Addr:        addr,
		Handler:     mux,
		ConnState:   s.onConnStateChange,
		BaseContext: func(net.Listener) context.Context { return context.Background() },
	}
	return s
}

func (s *Server) onConnStateChange(conn net.Conn, state http.ConnState) {
	if state == http.StateNew {
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetKeepAlive(true)
			_ = tcpConn.SetKeepAlivePeriod(3 * time.Minute)
		}
	}
}

// Serve runs the accept loop on l until the listener closes or Shutdown is
// called. One Server is built per worker listener so procpool.Pool can run
// several independent acceptors on the same port.
func (s *Server) Serve(l net.Listener) error {
	err := s.httpSrv.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections and waits up to timeout for
// in-flight sessions to finish.
func (s *Server) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = s.httpSrv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.openClients.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	logger := s.deps.Logger.WithValues("remote_addr", remoteAddress(r))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.V(1).Info("websocket upgrade failed", "error", err.Error())
		return
	}

	s.openClients.Add(1)
	go func() {
		defer s.openClients.Done()
		defer conn.Close()
		s.runSession(r, conn, logger)
	}()
}

func (s *Server) runSession(r *http.Request, conn *websocket.Conn, logger logr.Logger) {
	sess := session.New(session.Deps{
		Authenticator: s.deps.Authenticator,
		BusService:    s.deps.BusService,
		MasterTenant:  s.deps.MasterTenant,
		PingInterval:  s.deps.PingInterval,
		Logger:        logger,
	}, r, conn)

	closeCode, err := sess.Run(r.Context())
	if err != nil {
		logger.Info("session closed", "close_code", closeCode, "error", err.Error())
	} else {
		logger.V(1).Info("session closed", "close_code", closeCode)
	}

	reason := wsproto.CloseReasonFor(err)
	deadline := time.Now().Add(2 * time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason), deadline)
}

func remoteAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	return r.RemoteAddr
}
