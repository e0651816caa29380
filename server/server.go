// Package server exposes the coordinator over HTTP: the REST API used by
// workers, CLIs and GUIs, and a WebSocket endpoint that streams queue
// events and stats snapshots to connected clients.
//
// The server owns no queue semantics of its own. Handlers translate HTTP
// requests into store and scheduler calls and map their errors onto
// status codes; the WebSocket hub fans bus events out to clients.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ChenxingM/RenderQ/errors"
	"github.com/ChenxingM/RenderQ/event"
	"github.com/ChenxingM/RenderQ/plugin"
	"github.com/ChenxingM/RenderQ/queue"
	"github.com/ChenxingM/RenderQ/scheduler"
)

const (
	// MaxClients is the maximum number of concurrent WebSocket clients.
	MaxClients = 100

	// ShutdownTimeout is how long Stop waits for in-flight requests and
	// client pumps to drain before giving up.
	ShutdownTimeout = 10 * time.Second
)

// Config holds the server's listen address and filesystem layout.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":8000".
	Addr string

	// LogDir is where task log artifacts uploaded by workers are stored,
	// one file per task.
	LogDir string

	// StatsInterval is how often the stats snapshot is pushed to
	// WebSocket clients. Unchanged snapshots are not re-sent.
	StatsInterval time.Duration
}

// DefaultConfig returns the server defaults: port 8000, logs under
// data/logs, stats pushed every 2 seconds.
func DefaultConfig() Config {
	return Config{
		Addr:          ":8000",
		LogDir:        "data/logs",
		StatsInterval: 2 * time.Second,
	}
}

// Server is the coordinator's HTTP and WebSocket front end.
type Server struct {
	store    *queue.Store
	registry *plugin.Registry
	sched    *scheduler.Scheduler
	bus      *event.Bus
	cfg      Config
	logger   *zap.SugaredLogger

	handler    http.Handler
	httpServer *http.Server

	mu      sync.RWMutex
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	broadcastDrops atomic.Int64

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe func()
}

// New creates a server wired to the given store, plugin registry,
// scheduler and event bus. Zero config fields fall back to defaults.
func New(store *queue.Store, registry *plugin.Registry, sched *scheduler.Scheduler, bus *event.Bus, cfg Config, logger *zap.SugaredLogger) *Server {
	return NewWithContext(context.Background(), store, registry, sched, bus, cfg, logger)
}

// NewWithContext is New with an explicit parent context; cancelling it
// stops the hub and all client pumps.
func NewWithContext(parent context.Context, store *queue.Store, registry *plugin.Registry, sched *scheduler.Scheduler, bus *event.Bus, cfg Config, logger *zap.SugaredLogger) *Server {
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.LogDir == "" {
		cfg.LogDir = def.LogDir
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Server{
		store:      store,
		registry:   registry,
		sched:      sched,
		bus:        bus,
		cfg:        cfg,
		logger:     logger,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.handler = withCORS(s.routes())
	s.unsubscribe = bus.SubscribeAll(s.broadcastEvent)
	return s
}

// Handler returns the server's HTTP handler. The WebSocket endpoint
// requires the hub, so Start (or Run) must be running for /ws to accept
// connections.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start runs the hub and the stats broadcaster, then serves HTTP on the
// configured address. It blocks until Stop is called or the listener
// fails.
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run()
	}()
	s.startStatsBroadcaster()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("Server listening", "addr", s.cfg.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Run is the hub loop: it serializes client registration and removal
// until the server context is cancelled.
func (s *Server) Run() {
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("Hub stopping")
			return
		case client := <-s.register:
			s.handleClientRegister(client)
		case client := <-s.unregister:
			s.handleClientUnregister(client)
		}
	}
}

// Stop shuts the server down: client connections are closed first so the
// pumps unblock, then the context is cancelled and in-flight HTTP
// requests are drained.
func (s *Server) Stop() error {
	s.logger.Infow("Server shutting down")

	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
		delete(s.clients, client)
	}
	s.mu.Unlock()

	for _, client := range clients {
		client.close()
	}

	s.cancel()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warnw("HTTP shutdown incomplete", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Goroutine shutdown timed out", "timeout", ShutdownTimeout)
	}

	s.logger.Infow("Server shutdown complete",
		"broadcast_drops", s.broadcastDrops.Load(),
	)
	return nil
}

func (s *Server) handleClientRegister(client *Client) {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			"client_id", client.id,
			"max_clients", MaxClients,
		)
		client.close()
		return
	}
	s.clients[client] = true
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Client connected",
		"client_id", client.id,
		"total_clients", total,
	)
}

func (s *Server) handleClientUnregister(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	total := len(s.clients)
	s.mu.Unlock()

	client.close()

	s.logger.Infow("Client disconnected",
		"client_id", client.id,
		"total_clients", total,
	)
}

// removeSlowClient drops a client whose send queue is full. Send channels
// are never closed; close signals the pumps through the client's done
// channel, so dropping is safe from any broadcasting goroutine.
func (s *Server) removeSlowClient(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	s.mu.Unlock()

	client.close()

	s.logger.Warnw("Client send queue full, dropping client",
		"client_id", client.id,
		"total_drops", s.broadcastDrops.Load(),
	)
}
