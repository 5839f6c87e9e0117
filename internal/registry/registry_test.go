package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/database"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/fcp"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/request"
)

type stubRequester struct {
	mu      sync.Mutex
	cancels int
	cb      request.Callbacks
}

func (s *stubRequester) Start(_ context.Context, cb request.Callbacks) error {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
	return nil
}

func (s *stubRequester) Cancel(context.Context) {
	s.mu.Lock()
	s.cancels++
	s.mu.Unlock()
}

func (s *stubRequester) Restart(_ context.Context, _ string, cb request.Callbacks) error {
	return s.Start(context.Background(), cb)
}

func (s *stubRequester) Restartable() bool { return true }

func (s *stubRequester) cancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

type stubFactory struct{}

func (stubFactory) NewRequester(request.Options, request.Bucket) (request.Requester, error) {
	return &stubRequester{}, nil
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []*fcp.Message
}

func (s *recordingSink) Send(m *fcp.Message) bool {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	return true
}

func (s *recordingSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.msgs))
	for _, m := range s.msgs {
		out = append(out, m.Name)
	}
	return out
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func newRecord(id string, p request.Persistence, global bool) (*request.Record, *stubRequester) {
	req := &stubRequester{}
	opts := request.Options{Identifier: id, Kind: request.KindGet, URI: "CHK@x", Persistence: p, Global: global, ReturnType: request.ReturnDirect}
	return request.NewRecord(opts, req, nil, nil), req
}

func TestRegisterCollision(t *testing.T) {
	dir := NewDirectory(Options{})
	reg := dir.RebootRegistry("alice", true)

	first, _ := newRecord("job-1", request.PersistReboot, false)
	second, _ := newRecord("job-1", request.PersistReboot, false)
	defer first.Stop()
	defer second.Stop()

	require.NoError(t, reg.Register(first))
	err := reg.Register(second)
	assert.ErrorIs(t, err, ErrIdentifierCollision)
	assert.Same(t, first, reg.GetRequest("job-1"))
	running, completed := reg.Counts()
	assert.Equal(t, 1, running)
	assert.Equal(t, 0, completed)

	assert.NoError(t, reg.Register(first))
	running, _ = reg.Counts()
	assert.Equal(t, 1, running)
}

func TestConcurrentRegister(t *testing.T) {
	dir := NewDirectory(Options{})
	reg := dir.RebootRegistry("alice", true)

	const n = 16
	records := make([]*request.Record, n)
	for i := range records {
		records[i], _ = newRecord("same", request.PersistReboot, false)
		defer records[i].Stop()
	}
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range records {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = reg.Register(records[i])
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for i, err := range errs {
		if err == nil {
			winners++
			assert.Same(t, records[i], reg.GetRequest("same"))
		} else {
			assert.True(t, errors.Is(err, ErrIdentifierCollision))
		}
	}
	assert.Equal(t, 1, winners)
	assert.Len(t, reg.Requests(), 1)
}

func TestWrongPersistenceRejected(t *testing.T) {
	dir := NewDirectory(Options{})
	rec, _ := newRecord("f", request.PersistForever, false)
	defer rec.Stop()
	assert.ErrorIs(t, dir.RebootRegistry("a", true).Register(rec), ErrWrongPersistence)
	conn, _ := newRecord("c", request.PersistConnection, true)
	defer conn.Stop()
	assert.ErrorIs(t, dir.Global(request.PersistReboot).Register(conn), ErrWrongPersistence)
}

func TestFinishedRequestIsIdempotent(t *testing.T) {
	dir := NewDirectory(Options{Cache: NewStatusCache(16, time.Minute)})
	reg := dir.RebootRegistry("alice", true)
	rec, req := newRecord("g", request.PersistReboot, false)
	defer rec.Stop()
	require.NoError(t, reg.Register(rec))
	rec.Start(context.Background())

	req.cb.OnFailure(request.Failure{Code: request.GetDataNotFound, Description: "Data not found"})
	require.Eventually(t, rec.Finished, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { _, c := reg.Counts(); return c == 1 }, time.Second, 5*time.Millisecond)

	before := reg.Requests()
	reg.FinishedRequest(rec)
	reg.FinishedRequest(rec)
	assert.Equal(t, before, reg.Requests())
	running, completed := reg.Counts()
	assert.Equal(t, 0, running)
	assert.Equal(t, 1, completed)

	st, ok := dir.cache.Get(reg.cacheKey("g"))
	require.True(t, ok)
	assert.Equal(t, request.GetDataNotFound, st.Failure.Code)
}

type countingCallback struct {
	mu        sync.Mutex
	completed int
	removed   int
}

func (c *countingCallback) OnComplete(*request.Record) { c.mu.Lock(); c.completed++; c.mu.Unlock() }
func (c *countingCallback) OnRemove(*request.Record)   { c.mu.Lock(); c.removed++; c.mu.Unlock() }

func TestRemoveByIdentifierIsIdempotent(t *testing.T) {
	dir := NewDirectory(Options{})
	reg := dir.RebootRegistry("alice", true)
	sink := &recordingSink{}
	reg.SetConnection(sink)
	cb := &countingCallback{}
	reg.AddCompletionCallback(cb)

	rec, req := newRecord("rm", request.PersistReboot, false)
	require.NoError(t, reg.Register(rec))
	rec.Start(context.Background())

	assert.True(t, reg.RemoveByIdentifier(context.Background(), "rm", true))
	assert.False(t, reg.RemoveByIdentifier(context.Background(), "rm", true))

	assert.Equal(t, 1, req.cancelCount())
	assert.Equal(t, 1, cb.removed)
	assert.True(t, rec.Removed())
	assert.Nil(t, reg.GetRequest("rm"))
	assert.Equal(t, []string{"PersistentGet", "GetFailed", "PersistentRequestRemoved"}, sink.names())
}

func TestGlobalFanOutOrdering(t *testing.T) {
	dir := NewDirectory(Options{})
	global := dir.Global(request.PersistReboot)

	sinks := []*recordingSink{{}, {}}
	for i, name := range []string{"w1", "w2"} {
		w := dir.RebootRegistry(name, true)
		w.SetConnection(sinks[i])
		require.True(t, w.SetWatchGlobal(true, request.VerbositySimpleProgress))
	}
	ignored := dir.ForeverRegistry("w3", true)
	foreverSink := &recordingSink{}
	ignored.SetConnection(foreverSink)
	ignored.SetWatchGlobal(true, request.VerbositySimpleProgress)
	// let the (empty) subscription replays finish
	time.Sleep(20 * time.Millisecond)

	opts := request.Options{Identifier: "g1", Kind: request.KindGet, URI: "CHK@x", Persistence: request.PersistReboot, Global: true,
		ReturnType: request.ReturnNone, Verbosity: request.VerbositySimpleProgress | request.VerbosityExpectedMIME}
	req := &stubRequester{}
	rec := request.NewRecord(opts, req, nil, nil)
	defer rec.Stop()
	require.NoError(t, global.Register(rec))
	rec.Start(context.Background())
	for i := 1; i <= 5; i++ {
		req.cb.OnProgress(request.Progress{Kind: request.ProgressSimple, Total: 5, Succeeded: i})
	}
	req.cb.OnProgress(request.Progress{Kind: request.ProgressExpectedMIME, ContentType: "text/plain"})
	req.cb.OnSuccess(request.Result{DataLength: 1})

	want := []string{"PersistentGet", "SimpleProgress", "SimpleProgress", "SimpleProgress", "SimpleProgress", "SimpleProgress", "DataFound"}
	for _, s := range sinks {
		require.Eventually(t, func() bool { return s.len() == len(want) }, time.Second, 5*time.Millisecond)
		assert.Equal(t, want, s.names())
		s.mu.Lock()
		for i := 1; i <= 5; i++ {
			assert.Equal(t, []string{"1", "2", "3", "4", "5"}[i-1], s.msgs[i].Fields.Get("Succeeded"))
		}
		s.mu.Unlock()
	}
	assert.Zero(t, foreverSink.len())
}

func TestSetWatchGlobalReplaysCompleted(t *testing.T) {
	dir := NewDirectory(Options{})
	global := dir.Global(request.PersistReboot)
	rec, req := newRecord("done", request.PersistReboot, true)
	defer rec.Stop()
	require.NoError(t, global.Register(rec))
	rec.Start(context.Background())
	req.cb.OnSuccess(request.Result{})
	require.Eventually(t, rec.Finished, time.Second, 5*time.Millisecond)

	w := dir.RebootRegistry("late", true)
	sink := &recordingSink{}
	w.SetConnection(sink)
	require.True(t, w.SetWatchGlobal(true, 0))
	require.Eventually(t, func() bool { return sink.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"PersistentGet", "DataFound"}, sink.names())

	assert.False(t, global.SetWatchGlobal(true, 0))
	require.True(t, w.SetWatchGlobal(false, 0))
	assert.False(t, w.WatchingGlobal())
}

func TestOnLostConnectionDropsConnectionScoped(t *testing.T) {
	dir := NewDirectory(Options{})
	reg := dir.RebootRegistry("alice", true)
	sink := &recordingSink{}
	other := &recordingSink{}
	reg.SetConnection(sink)

	var reqs []*stubRequester
	for _, id := range []string{"a", "b", "c"} {
		rec, req := newRecord(id, request.PersistConnection, false)
		rec.SetOrigin(sink)
		require.NoError(t, reg.Register(rec))
		rec.Start(context.Background())
		reqs = append(reqs, req)
	}
	keep, _ := newRecord("keep", request.PersistConnection, false)
	keep.SetOrigin(other)
	require.NoError(t, reg.Register(keep))
	persistent, _ := newRecord("p", request.PersistReboot, false)
	require.NoError(t, reg.Register(persistent))
	defer keep.Stop()
	defer persistent.Stop()

	assert.Equal(t, 3, reg.OnLostConnection(context.Background(), sink))
	for _, req := range reqs {
		assert.Equal(t, 1, req.cancelCount())
	}
	for _, id := range []string{"a", "b", "c"} {
		assert.Nil(t, reg.GetRequest(id))
	}
	assert.NotNil(t, reg.GetRequest("keep"))
	assert.NotNil(t, reg.GetRequest("p"))
	assert.Nil(t, reg.Connection())
}

func TestFinishedConnectionRequestIsReleased(t *testing.T) {
	dir := NewDirectory(Options{})
	reg := dir.RebootRegistry("alice", true)
	sink := &recordingSink{}
	reg.SetConnection(sink)
	cb := &countingCallback{}
	reg.AddCompletionCallback(cb)

	rec, req := newRecord("once", request.PersistConnection, false)
	rec.SetOrigin(sink)
	require.NoError(t, reg.Register(rec))
	rec.Start(context.Background())

	req.cb.OnFailure(request.Failure{Code: request.GetDataNotFound, Description: "Data not found"})
	require.Eventually(t, func() bool {
		cb.mu.Lock()
		defer cb.mu.Unlock()
		return cb.removed == 1
	}, time.Second, 5*time.Millisecond)
	assert.Nil(t, reg.GetRequest("once"))
	assert.True(t, rec.Removed())
	assert.False(t, reg.HasRequests())
	assert.Equal(t, []string{"GetFailed"}, sink.names())

	again, _ := newRecord("once", request.PersistConnection, false)
	defer again.Stop()
	again.SetOrigin(sink)
	assert.NoError(t, reg.Register(again))
}

func TestModifyBroadcasts(t *testing.T) {
	dir := NewDirectory(Options{})
	reg := dir.RebootRegistry("alice", true)
	sink := &recordingSink{}
	reg.SetConnection(sink)
	rec, _ := newRecord("m", request.PersistReboot, false)
	defer rec.Stop()
	require.NoError(t, reg.Register(rec))

	p := 1
	require.NoError(t, reg.Modify("m", &p, nil))
	assert.Equal(t, []string{"PersistentGet", "PersistentRequestModified"}, sink.names())
	assert.ErrorIs(t, reg.Modify("missing", &p, nil), ErrNotFound)
}

func TestRestartMovesBackToRunning(t *testing.T) {
	dir := NewDirectory(Options{})
	reg := dir.RebootRegistry("alice", true)
	rec, req := newRecord("r", request.PersistReboot, false)
	defer rec.Stop()
	require.NoError(t, reg.Register(rec))
	rec.Start(context.Background())
	req.cb.OnFailure(request.Failure{Code: request.GetDataNotFound})
	require.Eventually(t, func() bool { _, c := reg.Counts(); return c == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, reg.Restart(context.Background(), "r", false))
	running, completed := reg.Counts()
	assert.Equal(t, 1, running)
	assert.Equal(t, 0, completed)
	assert.ErrorIs(t, reg.Restart(context.Background(), "r", false), request.ErrStillRunning)
	assert.ErrorIs(t, reg.Restart(context.Background(), "nope", false), ErrNotFound)
}

func TestForeverPersistenceAndRestore(t *testing.T) {
	store := database.NewMemoryStore()
	dir := NewDirectory(Options{Store: store})
	reg := dir.ForeverRegistry("alice", true)

	done, doneReq := newRecord("done", request.PersistForever, false)
	running, _ := newRecord("running", request.PersistForever, false)
	require.NoError(t, reg.Register(done))
	require.NoError(t, reg.Register(running))
	done.Start(context.Background())
	running.Start(context.Background())
	doneReq.cb.OnSuccess(request.Result{Data: request.NewMemoryBucket([]byte("abc")), ContentType: "text/plain"})
	require.Eventually(t, func() bool {
		doc, err := store.Get("alice", false, "done")
		return err == nil && doc.Finished
	}, time.Second, 5*time.Millisecond)
	dir.Shutdown()

	restored := NewDirectory(Options{Store: store})
	n, err := restored.Restore(context.Background(), stubFactory{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	defer restored.Shutdown()

	reg2 := restored.ForeverRegistry("alice", false)
	require.NotNil(t, reg2)
	got := reg2.GetRequest("done")
	require.NotNil(t, got)
	assert.True(t, got.Succeeded())
	msgs := got.PendingMessages("", true, true)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("abc"), msgs[0].Data)

	r := reg2.GetRequest("running")
	require.NotNil(t, r)
	assert.True(t, r.Started())
	assert.False(t, r.Finished())

	assert.True(t, reg2.RemoveByIdentifier(context.Background(), "done", false))
	_, err = store.Get("alice", false, "done")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestUnregisterOnlyWhenEmpty(t *testing.T) {
	dir := NewDirectory(Options{})
	reg := dir.RebootRegistry("alice", true)
	rec, _ := newRecord("x", request.PersistReboot, false)
	defer rec.Stop()
	require.NoError(t, reg.Register(rec))
	assert.False(t, dir.Unregister(reg))
	reg.RemoveByIdentifier(context.Background(), "x", false)
	assert.True(t, dir.Unregister(reg))
	assert.Nil(t, dir.RebootRegistry("alice", false))
	assert.False(t, dir.Unregister(dir.Global(request.PersistForever)))
}
