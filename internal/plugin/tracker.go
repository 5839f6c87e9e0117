package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"weak"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/metrics"
)

const reapBacklog = 256

// Tracker maps connection ids to dispatchers through weak pointers. Entries of collected
// dispatchers are removed by the reaper loop in Run. Until then a lookup finds a nil pointer and
// reports ErrDisconnected.
type Tracker struct {
	metrics *metrics.Metrics
	log     *slog.Logger

	mu    sync.RWMutex
	conns map[string]weak.Pointer[Dispatcher]

	reaped   chan string
	stop     chan struct{}
	stopOnce sync.Once
}

func NewTracker(m *metrics.Metrics, log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		metrics: m,
		log:     log,
		conns:   make(map[string]weak.Pointer[Dispatcher]),
		reaped:  make(chan string, reapBacklog),
		stop:    make(chan struct{}),
	}
}

// Register publishes d under its id. The dispatcher must be fully built, since lookups may reach it
// as soon as this returns.
func (t *Tracker) Register(d *Dispatcher) string {
	id := d.id
	t.mu.Lock()
	t.conns[id] = weak.Make(d)
	n := len(t.conns)
	t.mu.Unlock()
	runtime.AddCleanup(d, t.collected, id)
	t.metrics.SetPluginConnections(n)
	return id
}

// collected runs on the runtime's cleanup goroutine and must not block.
func (t *Tracker) collected(id string) {
	select {
	case t.reaped <- id:
	default:
		t.reap(id)
	}
}

func (t *Tracker) reap(id string) {
	t.mu.Lock()
	if wp, ok := t.conns[id]; ok && wp.Value() == nil {
		delete(t.conns, id)
	}
	n := len(t.conns)
	t.mu.Unlock()
	t.metrics.SetPluginConnections(n)
}

func (t *Tracker) reapSafely(id string) {
	defer func() {
		if p := recover(); p != nil {
			t.log.Error("connection reaper interrupted unexpectedly", "connection", id, "panic", p)
		}
	}()
	t.reap(id)
}

// Lookup returns the live dispatcher for id.
func (t *Tracker) Lookup(id string) (*Dispatcher, error) {
	t.mu.RLock()
	wp, ok := t.conns[id]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no connection %s", ErrDisconnected, id)
	}
	d := wp.Value()
	if d == nil || d.Closed() {
		return nil, fmt.Errorf("%w: no connection %s", ErrDisconnected, id)
	}
	return d, nil
}

func (t *Tracker) Unregister(id string) {
	t.mu.Lock()
	delete(t.conns, id)
	n := len(t.conns)
	t.mu.Unlock()
	t.metrics.SetPluginConnections(n)
}

// Len counts entries, including collected ones not reaped yet.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

func (t *Tracker) each(fn func(d *Dispatcher)) {
	t.mu.RLock()
	live := make([]*Dispatcher, 0, len(t.conns))
	for _, wp := range t.conns {
		if d := wp.Value(); d != nil {
			live = append(live, d)
		}
	}
	t.mu.RUnlock()
	for _, d := range live {
		fn(d)
	}
}

// Run reaps collected connections until Stop is called or ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	t.log.Debug("connection reaper started")
	for {
		select {
		case id := <-t.reaped:
			t.reapSafely(id)
		case <-t.stop:
			t.log.Debug("connection reaper stopped")
			return nil
		case <-ctx.Done():
			t.log.Debug("connection reaper stopped", "cause", context.Cause(ctx))
			return nil
		}
	}
}

func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Invoke lets the Cleaner stop the reaper.
func (t *Tracker) Invoke(context.Context) error {
	t.Stop()
	return nil
}
