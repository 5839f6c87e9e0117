// Package registry tracks the running and completed-but-unacknowledged requests of each logical
// client, and fans status messages out to the connections that own or watch them.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/fcp"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/request"
)

// CompletionCallback observes requests of one registry.
type CompletionCallback interface {
	OnComplete(r *request.Record)
	OnRemove(r *request.Record)
}

// Registry is one logical client: a name plus a persistence class, or one of the two global queues.
type Registry struct {
	name        string
	persistence request.Persistence
	global      bool
	dir         *Directory
	log         *slog.Logger

	mu        sync.RWMutex
	running   []*request.Record
	completed []*request.Record
	byID      map[string]*request.Record
	conn      request.Sink

	watchMu   sync.RWMutex
	watchers  []*Registry
	watching  bool
	watchMask request.Verbosity

	callbackMu sync.Mutex
	callbacks  []CompletionCallback
}

func newRegistry(dir *Directory, name string, persistence request.Persistence, global bool) *Registry {
	log := dir.log.With("client", name, "persistence", persistence.String())
	if global {
		log = dir.log.With("client", "global", "persistence", persistence.String())
	}
	return &Registry{
		name:        name,
		persistence: persistence,
		global:      global,
		dir:         dir,
		log:         log,
		byID:        make(map[string]*request.Record),
	}
}

func (r *Registry) Name() string                     { return r.name }
func (r *Registry) Persistence() request.Persistence { return r.persistence }
func (r *Registry) IsGlobal() bool                   { return r.global }

func (r *Registry) String() string {
	if r.global {
		return "global:" + r.persistence.String()
	}
	return r.name + ":" + r.persistence.String()
}

func (r *Registry) accepts(p request.Persistence) bool {
	if r.persistence == request.PersistForever {
		return p == request.PersistForever
	}
	return p != request.PersistForever && (!r.global || p != request.PersistConnection)
}

// Register adds rec. A different record under the same identifier is a collision and nothing changes.
func (r *Registry) Register(rec *request.Record) error {
	added, err := r.insert(rec)
	if err != nil || !added {
		return err
	}
	r.dir.metrics.RequestRegistered(rec.Persistence().String())
	if rec.Persistence() != request.PersistConnection {
		r.persist(rec)
		r.QueueStatusMessage(rec.PersistentMessage(), 0, false)
	}
	return nil
}

func (r *Registry) insert(rec *request.Record) (bool, error) {
	if !r.accepts(rec.Persistence()) {
		return false, fmt.Errorf("%w: %s into %s", ErrWrongPersistence, rec.Persistence(), r)
	}
	id := rec.Identifier()
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[id]; ok {
		if existing == rec {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s", ErrIdentifierCollision, id)
	}
	r.byID[id] = rec
	if rec.Finished() {
		r.completed = append(r.completed, rec)
	} else {
		r.running = append(r.running, rec)
	}
	rec.SetListener(r)
	return true, nil
}

func (r *Registry) GetRequest(identifier string) *request.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[identifier]
}

// RequestFinished implements request.Listener.
func (r *Registry) RequestFinished(rec *request.Record) {
	r.FinishedRequest(rec)
}

// QueueStatus implements request.Listener.
func (r *Registry) QueueStatus(_ *request.Record, msg *fcp.Message, mask request.Verbosity) {
	r.QueueStatusMessage(msg, mask, false)
}

// ConnectionRequestDone implements request.Listener. The identifier becomes free for reuse.
func (r *Registry) ConnectionRequestDone(rec *request.Record) {
	r.mu.RLock()
	owned := r.byID[rec.Identifier()] == rec
	r.mu.RUnlock()
	if owned {
		r.RemoveByIdentifier(context.Background(), rec.Identifier(), false)
	}
}

// FinishedRequest moves rec from running to completed. Calls for records that are not running
// have no effect.
func (r *Registry) FinishedRequest(rec *request.Record) {
	r.mu.Lock()
	idx := slices.Index(r.running, rec)
	if idx < 0 {
		r.mu.Unlock()
		return
	}
	r.running = slices.Delete(r.running, idx, idx+1)
	r.completed = append(r.completed, rec)
	r.mu.Unlock()

	st := rec.Status()
	r.dir.cache.Put(r.cacheKey(rec.Identifier()), st)
	r.dir.metrics.RequestFinished(st.Succeeded)
	r.persist(rec)
	for _, cb := range r.completionCallbacks() {
		cb.OnComplete(rec)
	}
}

// RemoveByIdentifier removes the request. With kill it is cancelled first. Returns false when the
// identifier is unknown.
func (r *Registry) RemoveByIdentifier(ctx context.Context, identifier string, kill bool) bool {
	r.mu.Lock()
	rec, ok := r.byID[identifier]
	scanned := false
	if !ok {
		match := func(x *request.Record) bool { return x.Identifier() == identifier }
		if i := slices.IndexFunc(r.running, match); i >= 0 {
			rec = r.running[i]
		} else if i := slices.IndexFunc(r.completed, match); i >= 0 {
			rec = r.completed[i]
		}
		scanned = rec != nil
	}
	if rec == nil {
		r.mu.Unlock()
		return false
	}
	delete(r.byID, identifier)
	same := func(x *request.Record) bool { return x == rec }
	r.running = slices.DeleteFunc(r.running, same)
	r.completed = slices.DeleteFunc(r.completed, same)
	r.mu.Unlock()

	if scanned {
		r.log.Error("request missing from identifier index, found by scan", "identifier", identifier)
	}
	if kill {
		rec.Cancel(ctx)
	}
	if msg := rec.RequestWasRemoved(); msg != nil {
		r.QueueStatusMessage(msg, 0, false)
	}
	rec.SetListener(nil)
	r.dir.cache.Remove(r.cacheKey(identifier))
	r.unpersist(rec)
	for _, cb := range r.completionCallbacks() {
		cb.OnRemove(rec)
	}
	return true
}

// PersistentRequests returns running then completed requests in arrival order. Connection-scoped
// requests are never included.
func (r *Registry) PersistentRequests(onlyForever bool) []*request.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*request.Record, 0, len(r.running)+len(r.completed))
	for _, set := range [][]*request.Record{r.running, r.completed} {
		for _, rec := range set {
			p := rec.Persistence()
			if p == request.PersistConnection || (onlyForever && p != request.PersistForever) {
				continue
			}
			out = append(out, rec)
		}
	}
	return out
}

// Requests returns every request, connection-scoped ones included.
func (r *Registry) Requests() []*request.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*request.Record, 0, len(r.running)+len(r.completed))
	out = append(out, r.running...)
	return append(out, r.completed...)
}

func (r *Registry) Counts() (running, completed int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.running), len(r.completed)
}

func (r *Registry) HasRequests() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID) > 0
}

// Status answers from the live record or, once it is gone, from the status cache.
func (r *Registry) Status(identifier string) (request.Status, bool) {
	if rec := r.GetRequest(identifier); rec != nil {
		return rec.Status(), true
	}
	return r.dir.cache.Get(r.cacheKey(identifier))
}

// Modify updates priority and client token and broadcasts PersistentRequestModified.
func (r *Registry) Modify(identifier string, priority *int, clientToken *string) error {
	rec := r.GetRequest(identifier)
	if rec == nil {
		return ErrNotFound
	}
	msg := rec.Modify(priority, clientToken)
	if msg == nil {
		return nil
	}
	r.QueueStatusMessage(msg, 0, false)
	if rec.Finished() {
		r.dir.cache.Put(r.cacheKey(identifier), rec.Status())
	}
	r.persist(rec)
	return nil
}

// Restart re-runs a failed request, moving it back to the running set first so a fast failure
// lands it in completed again.
func (r *Registry) Restart(ctx context.Context, identifier string, followRedirect bool) error {
	rec := r.GetRequest(identifier)
	if rec == nil {
		return ErrNotFound
	}
	if err := rec.CanRestart(); err != nil {
		return err
	}
	r.mu.Lock()
	if i := slices.Index(r.completed, rec); i >= 0 {
		r.completed = slices.Delete(r.completed, i, i+1)
		r.running = append(r.running, rec)
	}
	r.mu.Unlock()

	if err := rec.Restart(ctx, followRedirect); err != nil {
		r.mu.Lock()
		if i := slices.Index(r.running, rec); i >= 0 && rec.Finished() {
			r.running = slices.Delete(r.running, i, i+1)
			r.completed = append(r.completed, rec)
		}
		r.mu.Unlock()
		return err
	}
	r.dir.cache.Remove(r.cacheKey(identifier))
	r.persist(rec)
	return nil
}

func (r *Registry) SetConnection(sink request.Sink) {
	r.mu.Lock()
	r.conn = sink
	r.mu.Unlock()
}

func (r *Registry) Connection() request.Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conn
}

// OnLostConnection detaches sink and cancels and drops the connection-scoped requests it started.
func (r *Registry) OnLostConnection(ctx context.Context, sink request.Sink) int {
	r.mu.Lock()
	if r.conn == sink {
		r.conn = nil
	}
	var doomed []string
	for _, set := range [][]*request.Record{r.running, r.completed} {
		for _, rec := range set {
			if rec.Persistence() == request.PersistConnection && rec.Origin() == sink {
				doomed = append(doomed, rec.Identifier())
			}
		}
	}
	r.mu.Unlock()
	for _, id := range doomed {
		r.RemoveByIdentifier(ctx, id, true)
	}
	return len(doomed)
}

// QueuePendingMessages replays the state of every persistent request to sink.
func (r *Registry) QueuePendingMessages(sink request.Sink, listID string, includeData bool) {
	for _, rec := range r.PersistentRequests(false) {
		for _, msg := range rec.PendingMessages(listID, includeData, false) {
			sink.Send(msg)
		}
	}
}

func (r *Registry) QueuePendingMessagesAsync(sink request.Sink) {
	go r.QueuePendingMessages(sink, "", false)
}

func (r *Registry) AddCompletionCallback(cb CompletionCallback) {
	r.callbackMu.Lock()
	r.callbacks = append(r.callbacks, cb)
	r.callbackMu.Unlock()
}

func (r *Registry) RemoveCompletionCallback(cb CompletionCallback) {
	r.callbackMu.Lock()
	r.callbacks = slices.DeleteFunc(r.callbacks, func(x CompletionCallback) bool { return x == cb })
	r.callbackMu.Unlock()
}

func (r *Registry) completionCallbacks() []CompletionCallback {
	r.callbackMu.Lock()
	defer r.callbackMu.Unlock()
	return slices.Clone(r.callbacks)
}

func (r *Registry) cacheKey(identifier string) string {
	if r.global {
		return fmt.Sprintf("%s/global/%s", r.persistence, identifier)
	}
	return fmt.Sprintf("%s/client/%s/%s", r.persistence, r.name, identifier)
}

// stop ends the event loops of all records without removing them.
func (r *Registry) stop() {
	for _, rec := range r.Requests() {
		rec.Stop()
	}
}
