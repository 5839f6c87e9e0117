package plugin

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/metrics"
)

// DefaultMaxSyncTimeout bounds how long a synchronous send may park its goroutine.
const DefaultMaxSyncTimeout = time.Minute

type Options struct {
	MaxSyncTimeout time.Duration
	// Executor runs handlers. Nil starts a goroutine per message.
	Executor Executor
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Manager holds the loaded server plugins and opens connections to them.
type Manager struct {
	executor   Executor
	maxTimeout time.Duration
	metrics    *metrics.Metrics
	log        *slog.Logger
	tracker    *Tracker

	mu       sync.RWMutex
	handlers map[string]Handler

	hookMu      sync.Mutex
	unloadHooks []func(name string)
}

func NewManager(opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	maxTimeout := opts.MaxSyncTimeout
	if maxTimeout <= 0 || maxTimeout > DefaultMaxSyncTimeout {
		maxTimeout = DefaultMaxSyncTimeout
	}
	executor := opts.Executor
	if executor == nil {
		executor = GoExecutor
	}
	return &Manager{
		executor:   executor,
		maxTimeout: maxTimeout,
		metrics:    opts.Metrics,
		log:        log,
		tracker:    NewTracker(opts.Metrics, log.With("part", "tracker")),
		handlers:   make(map[string]Handler),
	}
}

func (m *Manager) Tracker() *Tracker { return m.tracker }

func (m *Manager) MaxSyncTimeout() time.Duration { return m.maxTimeout }

// Load registers h as the server plugin called name.
func (m *Manager) Load(name string, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, name)
	}
	m.handlers[name] = h
	m.log.Info("plugin loaded", "plugin", name)
	return nil
}

// Unload removes the server plugin. Later sends to it fail with ErrDisconnected and synchronous
// sends already waiting on it are woken with the same error.
func (m *Manager) Unload(name string) bool {
	m.mu.Lock()
	_, ok := m.handlers[name]
	delete(m.handlers, name)
	m.mu.Unlock()
	if !ok {
		return false
	}

	err := fmt.Errorf("%w: server plugin %q has been unloaded", ErrDisconnected, name)
	m.tracker.each(func(d *Dispatcher) {
		if d.serverName == name {
			d.abortPending(ToServer, err)
		}
	})
	m.hookMu.Lock()
	hooks := slices.Clone(m.unloadHooks)
	m.hookMu.Unlock()
	for _, hook := range hooks {
		hook(name)
	}
	m.log.Info("plugin unloaded", "plugin", name)
	return true
}

// OnUnload registers fn to run after a plugin is unloaded.
func (m *Manager) OnUnload(fn func(name string)) {
	m.hookMu.Lock()
	m.unloadHooks = append(m.unloadHooks, fn)
	m.hookMu.Unlock()
}

func (m *Manager) IsLoaded(name string) bool {
	_, ok := m.handler(name)
	return ok
}

func (m *Manager) handler(name string) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[name]
	return h, ok
}

func (m *Manager) open(serverName string, client Handler, transport ClientTransport) (*Dispatcher, error) {
	if !m.IsLoaded(serverName) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchPlugin, serverName)
	}
	d := newDispatcher(m, serverName, client, transport)
	m.tracker.Register(d)
	d.log.Debug("plugin connection opened", "networked", transport != nil)
	return d, nil
}

// Connect opens an intra-node connection from a client plugin handling its messages with client.
// The connection lives as long as the returned handle is reachable, or until it is closed.
func (m *Manager) Connect(serverName string, client Handler) (*ClientConnection, error) {
	if client == nil {
		return nil, fmt.Errorf("connect to %s: nil client handler", serverName)
	}
	d, err := m.open(serverName, client, nil)
	if err != nil {
		return nil, err
	}
	return &ClientConnection{d: d}, nil
}

// ConnectNetworked opens a connection for a networked FCP session. The session must keep the
// dispatcher and close it when the session ends.
func (m *Manager) ConnectNetworked(serverName string, transport ClientTransport) (*Dispatcher, error) {
	if transport == nil {
		return nil, fmt.Errorf("connect to %s: nil transport", serverName)
	}
	return m.open(serverName, nil, transport)
}

// ServerConnection gives a server plugin a handle on a client it has seen before.
func (m *Manager) ServerConnection(id string) (*ServerConnection, error) {
	if _, err := m.tracker.Lookup(id); err != nil {
		return nil, err
	}
	return &ServerConnection{tracker: m.tracker, id: id}, nil
}
