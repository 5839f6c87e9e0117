package request

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/fcp"
)

// Sink accepts outbound messages for one live connection.
type Sink interface {
	Send(msg *fcp.Message) bool
}

// Listener is the registry owning a record.
type Listener interface {
	RequestFinished(r *Record)
	QueueStatus(r *Record, msg *fcp.Message, mask Verbosity)
	// ConnectionRequestDone is called once a connection-scoped record has finished, just before its
	// outcome is sent.
	ConnectionRequestDone(r *Record)
}

type eventKind int

const (
	evSuccess eventKind = iota
	evFailure
	evProgress
	evCancel
)

type event struct {
	kind     eventKind
	result   Result
	failure  Failure
	progress Progress
	done     chan struct{}
}

const eventBacklog = 64

// Record is one request. All requester-driven transitions run on the record's own event loop,
// so progress and completion for a request are applied and forwarded in arrival order.
type Record struct {
	id          string
	kind        Kind
	persistence Persistence
	global      bool
	log         *slog.Logger
	requester   Requester

	events   chan event
	quit     chan struct{}
	quitOnce sync.Once

	mu             sync.Mutex
	opts           Options
	origin         Sink
	listener       Listener
	starting       bool
	started        bool
	finished       bool
	succeeded      bool
	removed        bool
	failure        *Failure
	data           Bucket
	contentType    string
	dataLength     int64
	generatedURI   string
	progress       *Progress
	sentToNetwork  bool
	startTime      time.Time
	lastActivity   time.Time
	completionTime time.Time
}

// NewRecord creates a record owning data (may be nil). The event loop starts immediately.
func NewRecord(opts Options, requester Requester, data Bucket, log *slog.Logger) *Record {
	if log == nil {
		log = slog.Default()
	}
	now := time.Now()
	r := &Record{
		id:           opts.Identifier,
		kind:         opts.Kind,
		persistence:  opts.Persistence,
		global:       opts.Global,
		log:          log.With("identifier", opts.Identifier),
		requester:    requester,
		events:       make(chan event, eventBacklog),
		quit:         make(chan struct{}),
		opts:         opts,
		data:         data,
		startTime:    now,
		lastActivity: now,
	}
	if opts.ContentType != "" {
		r.contentType = opts.ContentType
	}
	go r.loop()
	return r
}

// RestoreRecord rebuilds a record from a stored snapshot.
func RestoreRecord(st Status, requester Requester, data Bucket, log *slog.Logger) *Record {
	r := NewRecord(st.Options, requester, data, log)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = st.Finished && st.Started
	r.finished = st.Finished
	r.succeeded = st.Succeeded
	if st.Failure != nil {
		f := *st.Failure
		r.failure = &f
	}
	r.contentType = st.ContentType
	r.dataLength = st.DataLength
	r.generatedURI = st.GeneratedURI
	if !st.StartTime.IsZero() {
		r.startTime = st.StartTime
	}
	r.completionTime = st.CompletionTime
	return r
}

func (r *Record) Identifier() string       { return r.id }
func (r *Record) Kind() Kind               { return r.kind }
func (r *Record) Persistence() Persistence { return r.persistence }
func (r *Record) Global() bool             { return r.global }

func (r *Record) URI() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts.URI
}

func (r *Record) Priority() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts.Priority
}

func (r *Record) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func (r *Record) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// Succeeded is only meaningful once Finished.
func (r *Record) Succeeded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished && r.succeeded
}

func (r *Record) Failure() *Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure == nil {
		return nil
	}
	f := *r.failure
	return &f
}

func (r *Record) Removed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removed
}

// SetListener binds the record to its registry.
func (r *Record) SetListener(l Listener) {
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
}

// SetOrigin sets the connection that receives messages of connection-scoped requests.
func (r *Record) SetOrigin(s Sink) {
	r.mu.Lock()
	r.origin = s
	r.mu.Unlock()
}

func (r *Record) Origin() Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.origin
}

// Start runs the requester. A synchronous error or panic becomes a terminal InternalError failure
// instead of being returned; the record never appears started but unfinished in that case.
func (r *Record) Start(ctx context.Context) {
	r.mu.Lock()
	if r.removed || r.starting || r.started || r.finished {
		r.mu.Unlock()
		return
	}
	r.starting = true
	r.mu.Unlock()

	err := r.call(func() error { return r.requester.Start(ctx, r) })
	r.afterStart(err)
}

func (r *Record) afterStart(err error) {
	if err != nil {
		r.log.Error("requester failed to start", "error", err)
		r.post(event{kind: evFailure, failure: InternalErrorFailure(r.kind, err)}, true)
		r.mu.Lock()
		r.starting = false
		r.mu.Unlock()
		return
	}
	r.mu.Lock()
	r.starting = false
	if !r.finished {
		r.started = true
	}
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

func (r *Record) call(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}

// CanRestart reports whether Restart would be accepted right now.
func (r *Record) CanRestart() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canRestartLocked()
}

func (r *Record) canRestartLocked() error {
	switch {
	case r.removed:
		return ErrRemoved
	case r.starting || (r.started && !r.finished):
		return ErrStillRunning
	case r.finished && r.succeeded:
		return ErrAlreadySucceeded
	case !r.requester.Restartable():
		return ErrNotRestartable
	}
	return nil
}

// Restart re-runs a failed or never-started request. With followRedirect, a permanent redirect
// reported by the last failure becomes the new URI as part of the same transition.
func (r *Record) Restart(ctx context.Context, followRedirect bool) error {
	r.mu.Lock()
	if err := r.canRestartLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	if followRedirect && r.failure != nil && r.failure.RedirectURI != "" {
		r.log.Info("following redirect on restart", "from", r.opts.URI, "to", r.failure.RedirectURI)
		r.opts.URI = r.failure.RedirectURI
	}
	r.finished = false
	r.succeeded = false
	r.started = false
	r.failure = nil
	r.progress = nil
	r.sentToNetwork = false
	r.completionTime = time.Time{}
	if r.kind == KindGet && r.data != nil {
		r.data.Free()
		r.data = nil
	}
	r.starting = true
	uri := r.opts.URI
	r.mu.Unlock()

	err := r.call(func() error { return r.requester.Restart(ctx, uri, r) })
	r.afterStart(err)
	return nil
}

// Cancel stops the requester and forces Finished(Failed, Cancelled) unless the record already
// finished. It returns once the transition has been applied or ctx expires.
func (r *Record) Cancel(ctx context.Context) {
	r.mu.Lock()
	if r.removed || r.finished {
		r.mu.Unlock()
		return
	}
	running := r.started || r.starting
	r.mu.Unlock()
	if running {
		_ = r.call(func() error { r.requester.Cancel(ctx); return nil })
	}
	done := make(chan struct{})
	if !r.post(event{kind: evCancel, done: done}, false) {
		return
	}
	select {
	case <-done:
	case <-r.quit:
	case <-ctx.Done():
	}
}

func (r *Record) OnSuccess(res Result) {
	r.post(event{kind: evSuccess, result: res}, false)
}

func (r *Record) OnFailure(f Failure) {
	r.post(event{kind: evFailure, failure: f}, false)
}

func (r *Record) OnProgress(p Progress) {
	r.post(event{kind: evProgress, progress: p}, false)
}

// post queues ev for the loop. With wait it blocks until ev is applied.
func (r *Record) post(ev event, wait bool) bool {
	if wait && ev.done == nil {
		ev.done = make(chan struct{})
	}
	select {
	case r.events <- ev:
	case <-r.quit:
		if ev.kind == evSuccess && ev.result.Data != nil {
			ev.result.Data.Free()
		}
		return false
	}
	if wait {
		select {
		case <-ev.done:
		case <-r.quit:
		}
	}
	return true
}

func (r *Record) loop() {
	for {
		select {
		case ev := <-r.events:
			r.handle(ev)
			if ev.done != nil {
				close(ev.done)
			}
		case <-r.quit:
			return
		}
	}
}

func (r *Record) handle(ev event) {
	switch ev.kind {
	case evProgress:
		r.handleProgress(ev.progress)
	case evSuccess:
		r.handleSuccess(ev.result)
	case evFailure:
		r.handleFailure(ev.failure)
	case evCancel:
		r.handleFailure(CancelledFailure(r.kind))
	}
}

func (r *Record) handleProgress(p Progress) {
	r.mu.Lock()
	if r.finished || r.removed {
		r.mu.Unlock()
		r.log.Debug("progress after completion dropped")
		return
	}
	r.lastActivity = time.Now()
	switch p.Kind {
	case ProgressSimple:
		cp := p
		r.progress = &cp
	case ProgressSendingToNetwork:
		r.sentToNetwork = true
	case ProgressExpectedMIME:
		r.contentType = p.ContentType
	case ProgressExpectedDataLength:
		r.dataLength = p.DataLength
	case ProgressURIGenerated, ProgressFetchable:
		r.generatedURI = p.URI
	}
	msg := r.progressMessageLocked(p)
	r.mu.Unlock()
	if msg != nil {
		r.emit(msg, p.verbosity())
	}
}

func (r *Record) handleSuccess(res Result) {
	r.mu.Lock()
	if r.removed {
		r.mu.Unlock()
		if res.Data != nil {
			res.Data.Free()
		}
		return
	}
	if r.finished {
		r.mu.Unlock()
		r.log.Warn("duplicate completion ignored", "succeeded", true)
		if res.Data != nil {
			res.Data.Free()
		}
		return
	}
	now := time.Now()
	r.started = true
	r.finished = true
	r.succeeded = true
	r.failure = nil
	r.progress = nil
	r.completionTime = now
	r.lastActivity = now
	if res.ContentType != "" {
		r.contentType = res.ContentType
	}
	if res.URI != "" {
		r.generatedURI = res.URI
	}
	if r.kind == KindGet {
		r.dataLength = res.DataLength
		if res.Data != nil {
			r.dataLength = res.Data.Size()
			if r.opts.ReturnType == ReturnDirect {
				r.data = res.Data
			} else {
				res.Data.Free()
			}
		}
	}
	terminal := r.terminalMessageLocked()
	var allData *fcp.Message
	if r.persistence == PersistConnection && r.kind == KindGet && r.opts.ReturnType == ReturnDirect {
		allData = r.takeAllDataLocked()
	}
	listener := r.listener
	r.mu.Unlock()

	if listener != nil {
		listener.RequestFinished(r)
	}
	r.releaseIfConnectionScoped(listener)
	r.emit(terminal, 0)
	if allData != nil {
		r.emit(allData, 0)
	}
}

func (r *Record) handleFailure(f Failure) {
	r.mu.Lock()
	if r.removed {
		r.mu.Unlock()
		return
	}
	if r.finished {
		r.mu.Unlock()
		r.log.Warn("duplicate completion ignored", "succeeded", false, "code", f.Code)
		return
	}
	now := time.Now()
	r.started = true
	r.finished = true
	r.succeeded = false
	r.failure = &f
	r.progress = nil
	r.completionTime = now
	r.lastActivity = now
	terminal := r.terminalMessageLocked()
	listener := r.listener
	r.mu.Unlock()

	if listener != nil {
		listener.RequestFinished(r)
	}
	r.releaseIfConnectionScoped(listener)
	r.emit(terminal, 0)
}

// releaseIfConnectionScoped hands a finished connection-scoped record back to its registry before
// the outcome goes out, so the client may reuse the identifier as soon as it sees the result. The
// outcome is sent straight to the origin connection and nothing can replay it.
func (r *Record) releaseIfConnectionScoped(listener Listener) {
	if r.persistence == PersistConnection && listener != nil {
		listener.ConnectionRequestDone(r)
	}
}

// emit routes msg to the origin connection (connection-scoped) or through the registry.
// mask 0 is always delivered.
func (r *Record) emit(msg *fcp.Message, mask Verbosity) {
	r.mu.Lock()
	verbosity := r.opts.Verbosity
	origin := r.origin
	listener := r.listener
	r.mu.Unlock()
	if mask != 0 && !verbosity.Has(mask) {
		return
	}
	if r.persistence == PersistConnection {
		if origin != nil {
			origin.Send(msg)
		}
		return
	}
	if listener != nil {
		listener.QueueStatus(r, msg, mask)
	}
}

// Modify changes priority and/or client token and returns the PersistentRequestModified
// notification, or nil when nothing changed.
func (r *Record) Modify(priority *int, clientToken *string) *fcp.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var p *int
	var t *string
	if priority != nil && *priority != r.opts.Priority {
		r.opts.Priority = *priority
		p = priority
	}
	if clientToken != nil && *clientToken != r.opts.ClientToken {
		r.opts.ClientToken = *clientToken
		t = clientToken
	}
	if p == nil && t == nil {
		return nil
	}
	return fcp.NewPersistentRequestModifiedMessage(r.id, r.global, p, t)
}

// TakeData hands the fetched content over to the caller, who becomes responsible for freeing it.
func (r *Record) TakeData() Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.kind != KindGet {
		return nil
	}
	b := r.data
	r.data = nil
	return b
}

// FreeData releases the owned bucket. Safe to call concurrently with completion and more than once.
func (r *Record) FreeData() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.freeDataLocked()
}

func (r *Record) freeDataLocked() {
	if r.data != nil {
		r.data.Free()
		r.data = nil
	}
}

// RequestWasRemoved marks the record removed, frees its data, stops the event loop and returns
// the removal notice for persistent requests.
func (r *Record) RequestWasRemoved() *fcp.Message {
	r.mu.Lock()
	if r.removed {
		r.mu.Unlock()
		return nil
	}
	r.removed = true
	r.freeDataLocked()
	r.mu.Unlock()
	r.Stop()
	if r.persistence == PersistConnection {
		return nil
	}
	return fcp.NewPersistentRequestRemovedMessage(r.id, r.global)
}

// Stop ends the event loop without changing request state. Later callbacks are dropped.
func (r *Record) Stop() {
	r.quitOnce.Do(func() { close(r.quit) })
}

func (r *Record) String() string {
	return fmt.Sprintf("%s:%s:%s", r.kind, r.persistence, r.id)
}
