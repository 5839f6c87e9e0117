// Package connection manages live FCP sessions: their outbound queues and sender loops, the
// binding to client registries, and the cleanup when a session ends.
package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/fcp"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/logger"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/plugin"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/registry"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/utils"
)

// ConnectionIdentifierBytes is the size of the random id announced in NodeHello.
const ConnectionIdentifierBytes = 16

type Options struct {
	Directory   *registry.Directory
	Plugins     *plugin.Manager
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	QueueLength int
	// NeverDrop makes producers wait for queue space instead of dropping the oldest message.
	NeverDrop bool
}

// Manager tracks live sessions.
type Manager struct {
	dir         *registry.Directory
	plugins     *plugin.Manager
	metrics     *metrics.Metrics
	log         *slog.Logger
	queueLength int
	policy      OverflowPolicy

	sessions sync.Map
	count    atomic.Int64

	// bindMu orders client name takeovers against registry cleanup
	bindMu sync.Mutex
}

func NewManager(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	policy := DropOldest
	if opts.NeverDrop {
		policy = Block
	}
	m := &Manager{
		dir:         opts.Directory,
		plugins:     opts.Plugins,
		metrics:     opts.Metrics,
		log:         log,
		queueLength: opts.QueueLength,
		policy:      policy,
	}
	if m.plugins != nil {
		m.plugins.OnUnload(m.pluginUnloaded)
	}
	return m
}

// Open wraps conn in a session and starts its sender loop.
func (m *Manager) Open(conn net.Conn, fullAccess bool) *Session {
	id := utils.RandomHex(ConnectionIdentifierBytes)
	remote := "pipe"
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	s := &Session{
		id:         id,
		conn:       conn,
		remote:     remote,
		fullAccess: fullAccess,
		manager:    m,
		log:        m.log.With("session", id, "remote", remote),
		senderDone: make(chan struct{}),
		plugins:    make(map[string]*plugin.Dispatcher),
		closeDone:  make(chan struct{}),
	}
	s.queue = NewOutboundQueue(m.queueLength, m.policy, func(msg *fcp.Message) {
		m.metrics.OutboundDropped()
		s.log.Warn("outbound queue full, dropped oldest message", "message", msg.Name, "identifier", msg.Identifier())
	})
	m.sessions.Store(id, s)
	m.count.Add(1)
	m.metrics.SessionOpened()
	logger.InfoF("[%s] Session opened for %s", id, remote)
	go s.runSender()
	return s
}

func (m *Manager) bind(s *Session, name string) {
	m.bindMu.Lock()
	reboot := m.dir.RebootRegistry(name, true)
	var dupe *Session
	if old, ok := reboot.Connection().(*Session); ok && old != s && !old.Closed() {
		dupe = old
	}
	reboot.SetConnection(s)
	forever := m.dir.ForeverRegistry(name, false)
	if forever != nil {
		forever.SetConnection(s)
	}
	s.mu.Lock()
	s.name = name
	s.reboot = reboot
	s.forever = forever
	s.mu.Unlock()
	m.bindMu.Unlock()

	if dupe != nil {
		dupe.killAsDuplicate()
	}
	reboot.QueuePendingMessagesAsync(s)
	if forever != nil {
		forever.QueuePendingMessagesAsync(s)
	}
}

// release detaches s from its registries and drops it from the manager. It returns the number of
// connection-scoped requests cancelled.
func (m *Manager) release(ctx context.Context, s *Session) int {
	s.mu.Lock()
	reboot, forever := s.reboot, s.forever
	s.mu.Unlock()

	cancelled := 0
	if reboot != nil {
		cancelled = reboot.OnLostConnection(ctx, s)
	}
	if forever != nil {
		forever.OnLostConnection(ctx, s)
	}
	m.bindMu.Lock()
	if reboot != nil {
		m.dir.Unregister(reboot)
	}
	if forever != nil {
		m.dir.Unregister(forever)
	}
	m.bindMu.Unlock()

	if _, ok := m.sessions.LoadAndDelete(s.id); ok {
		m.count.Add(-1)
		m.metrics.SessionClosed()
	}
	logger.InfoF("[%s] Session closed", s.id)
	return cancelled
}

func (m *Manager) Get(id string) (*Session, bool) {
	if value, ok := m.sessions.Load(id); ok {
		return value.(*Session), true
	}
	return nil, false
}

func (m *Manager) Len() int {
	return int(m.count.Load())
}

func (m *Manager) Sessions() []*Session {
	var out []*Session
	m.sessions.Range(func(_, value any) bool {
		out = append(out, value.(*Session))
		return true
	})
	return out
}

func (m *Manager) pluginUnloaded(name string) {
	for _, s := range m.Sessions() {
		if s.dropPlugin(name) {
			s.log.Info("plugin removed", "plugin", name)
		}
	}
}

// CloseAll closes every session.
func (m *Manager) CloseAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, s := range m.Sessions() {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close(ctx)
		}(s)
	}
	wg.Wait()
}

// Invoke lets the Cleaner close all sessions on shutdown.
func (m *Manager) Invoke(ctx context.Context) error {
	m.CloseAll(ctx)
	return nil
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF), IsNetClosedError(err):
		logger.InfoF("[%s] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading message, details: %v", connID, err)
	}
}
