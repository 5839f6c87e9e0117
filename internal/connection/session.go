package connection

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/fcp"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/plugin"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/registry"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/request"
)

// Session is one live FCP connection. It is the request.Sink of its clients and the transport of
// its networked plugin connections.
type Session struct {
	id         string
	conn       net.Conn
	remote     string
	fullAccess bool
	manager    *Manager
	queue      *OutboundQueue
	log        *slog.Logger
	senderDone chan struct{}

	mu         sync.Mutex
	name       string
	reboot     *registry.Registry
	forever    *registry.Registry
	plugins    map[string]*plugin.Dispatcher
	killedDupe bool

	closed    atomic.Bool
	closeOnce sync.Once
	closeDone chan struct{}
}

func (s *Session) ID() string          { return s.id }
func (s *Session) RemoteAddr() string  { return s.remote }
func (s *Session) HasFullAccess() bool { return s.fullAccess }
func (s *Session) Closed() bool        { return s.closed.Load() }
func (s *Session) Log() *slog.Logger   { return s.log }

// Done is closed once Close has finished its cascade.
func (s *Session) Done() <-chan struct{} { return s.closeDone }

func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s)", s.id, s.remote)
}

// Send queues msg for the client. It reports false once the session is closed.
func (s *Session) Send(msg *fcp.Message) bool {
	if msg == nil || s.closed.Load() {
		return false
	}
	return s.queue.Push(msg)
}

// SendPluginMessage implements plugin.ClientTransport.
func (s *Session) SendPluginMessage(pluginName string, msg *plugin.Message) error {
	if !s.Send(plugin.ToFCP(pluginName, msg)) {
		return fmt.Errorf("%w: %s is closed", plugin.ErrDisconnected, s)
	}
	return nil
}

func (s *Session) ClientName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Hello reports whether ClientHello has bound the session to a client name.
func (s *Session) Hello() bool {
	return s.ClientName() != ""
}

// Bind attaches the session to the registries of name, taking them over from any other live
// session using the same name.
func (s *Session) Bind(name string) {
	s.manager.bind(s, name)
}

func (s *Session) RebootClient() *registry.Registry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reboot
}

// ForeverClient returns the forever registry of this client, creating it on demand. A new
// registry inherits the global watch of the reboot registry.
func (s *Session) ForeverClient(create bool) *registry.Registry {
	s.mu.Lock()
	forever, reboot, name := s.forever, s.reboot, s.name
	s.mu.Unlock()
	if forever != nil || !create || name == "" {
		return forever
	}

	forever = s.manager.dir.ForeverRegistry(name, true)
	forever.SetConnection(s)
	if reboot != nil && reboot.WatchingGlobal() {
		forever.SetWatchGlobal(true, reboot.WatchMask())
	}
	s.mu.Lock()
	if s.forever == nil {
		s.forever = forever
	}
	forever = s.forever
	s.mu.Unlock()
	return forever
}

// Client picks the registry a request with the given persistence belongs to.
func (s *Session) Client(p request.Persistence, global, create bool) *registry.Registry {
	switch {
	case global:
		return s.manager.dir.Global(p)
	case p == request.PersistForever:
		return s.ForeverClient(create)
	}
	return s.RebootClient()
}

// SetWatchGlobal subscribes the session's registries to the global queues.
func (s *Session) SetWatchGlobal(enabled bool, mask request.Verbosity) {
	if reboot := s.RebootClient(); reboot != nil {
		reboot.SetWatchGlobal(enabled, mask)
	}
	if forever := s.ForeverClient(false); forever != nil {
		forever.SetWatchGlobal(enabled, mask)
	}
}

// PluginDispatcher returns the session's connection to the named server plugin, opening it on
// first use. The session keeps it until it closes.
func (s *Session) PluginDispatcher(name string) (*plugin.Dispatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plugins == nil {
		return nil, fmt.Errorf("%w: %s is closed", plugin.ErrDisconnected, s)
	}
	if d, ok := s.plugins[name]; ok && !d.Closed() {
		return d, nil
	}
	d, err := s.manager.plugins.ConnectNetworked(name, s)
	if err != nil {
		return nil, err
	}
	s.plugins[name] = d
	return d, nil
}

func (s *Session) dropPlugin(name string) bool {
	s.mu.Lock()
	d, ok := s.plugins[name]
	delete(s.plugins, name)
	s.mu.Unlock()
	if !ok {
		return false
	}
	d.Close()
	s.Send(fcp.NewPluginRemovedMessage(name))
	return true
}

func (s *Session) killAsDuplicate() {
	s.mu.Lock()
	s.killedDupe = true
	s.mu.Unlock()
	s.log.Info("closing session, its client name was taken by a new connection")
	s.Send(fcp.NewCloseConnectionDuplicateClientNameMessage())
	go s.Close(context.Background())
}

// Close shuts the session down: queued messages are flushed for a bounded time, plugin
// connections close, connection-scoped requests are cancelled and removed, and the session
// detaches from its registries. Safe to call more than once.
func (s *Session) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		defer close(s.closeDone)
		s.closed.Store(true)
		s.queue.Close()
		_ = s.conn.SetWriteDeadline(time.Now().Add(drainTimeout))

		s.mu.Lock()
		duplicate := s.killedDupe
		dispatchers := make([]*plugin.Dispatcher, 0, len(s.plugins))
		for _, d := range s.plugins {
			dispatchers = append(dispatchers, d)
		}
		s.plugins = nil
		s.mu.Unlock()
		for _, d := range dispatchers {
			d.Close()
		}

		cancelled := s.manager.release(ctx, s)

		select {
		case <-s.senderDone:
		case <-time.After(drainTimeout):
			s.log.Warn("outbound queue not drained before close", "pending", s.queue.Len())
		}
		if err := s.conn.Close(); err != nil && !IsNetClosedError(err) {
			s.log.Warn("error closing connection", "error", err)
		}
		s.log.Info("session closed", "cancelled", cancelled, "dropped", s.queue.Dropped(), "duplicate", duplicate)
	})
}
