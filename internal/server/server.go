// Package server accepts FCP connections, runs the per-session reader loop and dispatches inbound
// messages to the request registries and plugins.
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

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/config"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/connection"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/logger"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/plugin"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/registry"
)

const NodeVersion = "Fred,0.7,2.0,1"

type Options struct {
	Config    config.Config
	Directory *registry.Directory
	Factory   registry.RequesterFactory
	Plugins   *plugin.Manager
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type Server struct {
	cfg      config.Config
	dir      *registry.Directory
	factory  registry.RequesterFactory
	plugins  *plugin.Manager
	sessions *connection.Manager
	metrics  *metrics.Metrics
	log      *slog.Logger
	access   *accessList
	handlers map[string]handlerFunc
	sem      *semaphore.Weighted
	submit   *scopeLocks

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
	stopped  bool
}

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Component("server")
	}
	plugins := opts.Plugins
	if plugins == nil {
		plugins = plugin.NewManager(plugin.Options{
			MaxSyncTimeout: opts.Config.SyncSendMaxTimeout(),
			Metrics:        opts.Metrics,
			Logger:         logger.Component("plugin"),
		})
	}
	maxConnections := int64(opts.Config.Server.MaxConnections)
	if maxConnections <= 0 {
		maxConnections = 1
	}
	s := &Server{
		cfg:     opts.Config,
		dir:     opts.Directory,
		factory: opts.Factory,
		plugins: plugins,
		metrics: opts.Metrics,
		log:     log,
		access:  newAccessList(opts.Config.Server.AllowedHostsFullAccess),
		sem:     semaphore.NewWeighted(maxConnections),
		submit:  newScopeLocks(),
		ready:   make(chan struct{}),
	}
	s.sessions = connection.NewManager(connection.Options{
		Directory:   opts.Directory,
		Plugins:     plugins,
		Metrics:     opts.Metrics,
		Logger:      logger.Component("session"),
		QueueLength: opts.Config.Server.MaxMessageQueueLength,
		NeverDrop:   opts.Config.Server.NeverDropAMessage,
	})
	s.handlers = s.handlerTable()
	return s
}

func (s *Server) Sessions() *connection.Manager { return s.sessions }
func (s *Server) Plugins() *plugin.Manager      { return s.plugins }

// Addr blocks until the listener is bound and returns its address.
func (s *Server) Addr() net.Addr {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Restore reloads persisted forever requests and restarts the unfinished ones.
func (s *Server) Restore(ctx context.Context) (int, error) {
	return s.dir.Restore(ctx, s.factory)
}

// ConnectPlugin opens an intra-node connection to the named server plugin. The caller must
// Close the returned handle.
func (s *Server) ConnectPlugin(serverName string, client plugin.Handler) (*plugin.ClientConnection, error) {
	return s.plugins.Connect(serverName, client)
}

// PluginConnection finds a client connection by the id a server plugin was handed.
func (s *Server) PluginConnection(id string) (*plugin.ServerConnection, error) {
	return s.plugins.ServerConnection(id)
}

// Run listens on the configured address and serves until ctx is cancelled. The metrics endpoint
// and the plugin connection reaper run alongside the accept loop.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress())
	if err != nil {
		s.markReady(nil)
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddress(), err)
	}
	logger.InfoF("FCP Server Listen On %s", ln.Addr().String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Serve(ctx, ln) })
	g.Go(func() error { return s.plugins.Tracker().Run(ctx) })
	if s.cfg.Metrics.Enabled {
		g.Go(func() error { return s.serveMetrics(ctx) })
	}
	return g.Wait()
}

func (s *Server) markReady(ln net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ready:
		return
	default:
	}
	s.listener = ln
	close(s.ready)
}

// Serve accepts connections on ln until ctx is cancelled or the server is stopped.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.markReady(ln)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	defer func() {
		if err := ln.Close(); err != nil && !connection.IsNetClosedError(err) {
			logger.ErrorF("Server close error: %v", err)
		}
	}()

	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if ctx.Err() != nil || s.isStopped() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.ErrorF("Accept connection error: %v", err)
			continue
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())
		go func(c net.Conn) {
			defer s.sem.Release(1)
			s.ServeConn(ctx, c)
		}(conn)
	}
}

// ServeConn runs one FCP session on conn and returns when it ends.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	session := s.sessions.Open(conn, s.access.allows(conn.RemoteAddr()))
	handler := newConnectionHandler(s, session, conn)
	handler.serve(ctx)
}

func (s *Server) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	srv := &http.Server{Addr: s.cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.InfoF("Metrics Listen On %s", s.cfg.Metrics.Address)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics endpoint: %w", err)
	}
	return nil
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Invoke stops accepting and closes every session. Registered with the Cleaner.
func (s *Server) Invoke(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.sessions.CloseAll(ctx)
	return nil
}
