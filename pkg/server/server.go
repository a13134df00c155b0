// Package server implements the GoKarma server: the session hub, the karma
// settlement engine and the websocket endpoints that connect clients to them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	"github.com/NicolasHaas/gokarma/pkg/crypto"
	"github.com/NicolasHaas/gokarma/pkg/datastore"
	"github.com/NicolasHaas/gokarma/pkg/token"
)

// WebsocketPath is where clients connect.
const WebsocketPath = "/ws"

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store  datastore.DataStore
	Tokens TokenService // optional; built from Config.Token when nil
}

// Server is the main GoKarma server.
type Server struct {
	cfg        Config
	hub        *Hub
	settlement *Settlement
	metrics    *Metrics
	store      datastore.DataStore
	tokens     TokenService
	listener   net.Listener
	httpSrv    *http.Server
	ctx        context.Context
	cancel     context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
	conns   sync.WaitGroup
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("server: missing store dependency")
	}
	tokens := deps.Tokens
	if tokens == nil {
		svc, err := newTokenService(cfg.Token)
		if err != nil {
			return nil, err
		}
		tokens = svc
	}

	metrics := NewMetrics()
	hub := NewHub(metrics)
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		hub:        hub,
		settlement: NewSettlement(cfg.Settlement, deps.Store, hub, metrics),
		metrics:    metrics,
		store:      deps.Store,
		tokens:     tokens,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

func newTokenService(cfg TokenConfig) (*token.Service, error) {
	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		var err error
		secret, err = crypto.GenerateSecret(32)
		if err != nil {
			return nil, fmt.Errorf("server: token secret: %w", err)
		}
		slog.Warn("no token secret configured, issued tokens will not survive a restart")
	}
	svc, err := token.New(secret, token.WithLifetime(cfg.Lifetime))
	if err != nil {
		return nil, fmt.Errorf("server: token service: %w", err)
	}
	return svc, nil
}

// Hub returns the session hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Settlement returns the settlement engine.
func (s *Server) Settlement() *Settlement {
	return s.settlement
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Addr returns the websocket listen address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Handler returns the HTTP handler serving the websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(WebsocketPath, websocket.Server{Handler: s.serveWS})
	return mux
}

func (s *Server) endpointDeps() EndpointDeps {
	return EndpointDeps{
		Hub:       s.hub,
		Store:     s.store,
		Tokens:    s.tokens,
		Metrics:   s.metrics,
		PostRate:  rate.Limit(s.cfg.Posts.Rate),
		PostBurst: s.cfg.Posts.Burst,
		QueueSize: s.cfg.Hub.Queue,
	}
}

func (s *Server) serveWS(conn *websocket.Conn) {
	if !s.track() {
		_ = conn.Close()
		return
	}
	defer s.conns.Done()
	NewEndpoint(newWSTransport(conn), s.endpointDeps()).Serve(s.ctx)
}

// track registers a live connection unless shutdown has begun.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns.Add(1)
	return true
}

// Start runs the hub and the settlement schedule and begins accepting
// websocket connections on Config.ListenAddr.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return errors.New("server: already started")
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln
	s.started = true

	go s.hub.Run(s.ctx)
	s.settlement.Start(s.ctx)

	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("websocket HTTP error", "err", err)
		}
	}()

	slog.Info("websocket endpoint listening", "addr", ln.Addr().String(), "path", WebsocketPath)
	return nil
}

// Shutdown stops accepting connections, closes every endpoint, stops the hub
// and closes the store.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	s.cancel()
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
	}
	s.conns.Wait()
	if started {
		<-s.hub.done
	}
	if err := s.store.Close(); err != nil {
		slog.Error("close store", "err", err)
	}
}
