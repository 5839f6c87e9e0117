package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/database"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/request"
)

type Options struct {
	// Store persists forever requests. Nil keeps them in memory only.
	Store   database.RequestStore
	Cache   *StatusCache
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Directory owns every registry of the server: the two global queues and the named clients.
type Directory struct {
	store   database.RequestStore
	cache   *StatusCache
	metrics *metrics.Metrics
	log     *slog.Logger

	globalReboot  *Registry
	globalForever *Registry

	mu      sync.Mutex
	reboot  map[string]*Registry
	forever map[string]*Registry
}

func NewDirectory(opts Options) *Directory {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	d := &Directory{
		store:   opts.Store,
		cache:   opts.Cache,
		metrics: opts.Metrics,
		log:     log,
		reboot:  make(map[string]*Registry),
		forever: make(map[string]*Registry),
	}
	d.globalReboot = newRegistry(d, "", request.PersistReboot, true)
	d.globalForever = newRegistry(d, "", request.PersistForever, true)
	return d
}

// Global returns the global queue for p. Connection-scoped requests are never global.
func (d *Directory) Global(p request.Persistence) *Registry {
	if p == request.PersistForever {
		return d.globalForever
	}
	return d.globalReboot
}

func (d *Directory) RebootRegistry(name string, create bool) *Registry {
	return d.lookup(d.reboot, name, request.PersistReboot, create)
}

func (d *Directory) ForeverRegistry(name string, create bool) *Registry {
	return d.lookup(d.forever, name, request.PersistForever, create)
}

func (d *Directory) lookup(m map[string]*Registry, name string, p request.Persistence, create bool) *Registry {
	d.mu.Lock()
	defer d.mu.Unlock()
	if reg, ok := m[name]; ok || !create {
		return reg
	}
	reg := newRegistry(d, name, p, false)
	m[name] = reg
	return reg
}

// Unregister drops reg if it has no requests and no connection. Global queues are never dropped.
func (d *Directory) Unregister(reg *Registry) bool {
	if reg == nil || reg.global || reg.HasRequests() || reg.Connection() != nil {
		return false
	}
	reg.SetWatchGlobal(false, 0)
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.reboot
	if reg.persistence == request.PersistForever {
		m = d.forever
	}
	if m[reg.name] != reg {
		return false
	}
	delete(m, reg.name)
	return true
}

// Registries returns the global queues followed by every named registry.
func (d *Directory) Registries() []*Registry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := []*Registry{d.globalReboot, d.globalForever}
	for _, reg := range d.reboot {
		out = append(out, reg)
	}
	for _, reg := range d.forever {
		out = append(out, reg)
	}
	return out
}

// Shutdown stops every record's event loop. Forever requests stay in the store.
func (d *Directory) Shutdown() {
	for _, reg := range d.Registries() {
		reg.stop()
	}
}

// Invoke lets the Cleaner shut the directory down.
func (d *Directory) Invoke(context.Context) error {
	d.Shutdown()
	return nil
}
