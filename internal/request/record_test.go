package request

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/fcp"
)

type fakeRequester struct {
	mu          sync.Mutex
	startErr    error
	startPanic  bool
	restartable bool
	starts      int
	cancels     int
	restartURIs []string
	cb          Callbacks
}

func (f *fakeRequester) Start(_ context.Context, cb Callbacks) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.cb = cb
	if f.startPanic {
		panic("boom")
	}
	return f.startErr
}

func (f *fakeRequester) Cancel(context.Context) {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
}

func (f *fakeRequester) Restart(_ context.Context, uri string, cb Callbacks) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restartURIs = append(f.restartURIs, uri)
	f.cb = cb
	return nil
}

func (f *fakeRequester) Restartable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restartable
}

type fakeListener struct {
	mu       sync.Mutex
	finished []*Record
	released []*Record
	messages []*fcp.Message
}

func (l *fakeListener) ConnectionRequestDone(r *Record) {
	l.mu.Lock()
	l.released = append(l.released, r)
	l.mu.Unlock()
}

func (l *fakeListener) releasedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.released)
}

func (l *fakeListener) RequestFinished(r *Record) {
	l.mu.Lock()
	l.finished = append(l.finished, r)
	l.mu.Unlock()
}

func (l *fakeListener) QueueStatus(_ *Record, msg *fcp.Message, _ Verbosity) {
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	l.mu.Unlock()
}

func (l *fakeListener) names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.messages))
	for _, m := range l.messages {
		out = append(out, m.Name)
	}
	return out
}

func (l *fakeListener) finishedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.finished)
}

type sinkFunc func(*fcp.Message) bool

func (f sinkFunc) Send(m *fcp.Message) bool { return f(m) }

func getOptions(id string, p Persistence) Options {
	return Options{Identifier: id, Kind: KindGet, URI: "CHK@abc", Persistence: p, ReturnType: ReturnDirect, Priority: DefaultPriority}
}

func TestStartFailureFinishesAtomically(t *testing.T) {
	for _, tt := range []struct {
		name string
		req  *fakeRequester
	}{
		{"error", &fakeRequester{startErr: errors.New("no route")}},
		{"panic", &fakeRequester{startPanic: true}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			l := &fakeListener{}
			r := NewRecord(getOptions("job-1", PersistReboot), tt.req, nil, nil)
			defer r.Stop()
			r.SetListener(l)

			stop := make(chan struct{})
			observed := make(chan bool, 1)
			go func() {
				bad := false
				for {
					select {
					case <-stop:
						observed <- bad
						return
					default:
						st := r.Status()
						if st.Started && !st.Finished {
							bad = true
						}
					}
				}
			}()

			r.Start(context.Background())
			close(stop)
			assert.False(t, <-observed, "observed started but unfinished")

			require.True(t, r.Finished())
			assert.False(t, r.Succeeded())
			require.NotNil(t, r.Failure())
			assert.Equal(t, GetInternalError, r.Failure().Code)
			assert.Equal(t, 1, l.finishedCount())
			assert.Equal(t, []string{"GetFailed"}, l.names())
		})
	}
}

func TestDuplicateSuccessIgnored(t *testing.T) {
	l := &fakeListener{}
	req := &fakeRequester{}
	r := NewRecord(getOptions("dup", PersistReboot), req, nil, nil)
	defer r.Stop()
	r.SetListener(l)
	r.Start(context.Background())
	require.True(t, r.Started())

	first := NewMemoryBucket([]byte("one"))
	second := NewMemoryBucket([]byte("two"))
	r.OnSuccess(Result{Data: first, ContentType: "text/plain"})
	r.OnSuccess(Result{Data: second, ContentType: "text/html"})
	r.OnFailure(Failure{Code: GetDataNotFound})

	require.Eventually(t, second.Freed, time.Second, 5*time.Millisecond)
	before := r.Status()
	assert.True(t, before.Succeeded)
	assert.Equal(t, "text/plain", before.ContentType)
	assert.EqualValues(t, 3, before.DataLength)
	assert.False(t, first.Freed())

	assert.Eventually(t, func() bool { return len(l.names()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, l.finishedCount())
	assert.Equal(t, []string{"DataFound"}, l.names())
}

func TestProgressVerbosityAndOrdering(t *testing.T) {
	l := &fakeListener{}
	opts := getOptions("p", PersistForever)
	opts.Verbosity = VerbositySimpleProgress
	r := NewRecord(opts, &fakeRequester{}, nil, nil)
	defer r.Stop()
	r.SetListener(l)
	r.Start(context.Background())

	r.OnProgress(Progress{Kind: ProgressSimple, Total: 10, Required: 5, Succeeded: 1})
	r.OnProgress(Progress{Kind: ProgressExpectedMIME, ContentType: "image/png"})
	r.OnProgress(Progress{Kind: ProgressSimple, Total: 10, Required: 5, Succeeded: 2})
	r.OnSuccess(Result{DataLength: 9})
	r.OnProgress(Progress{Kind: ProgressSimple, Total: 10, Required: 5, Succeeded: 5})

	require.Eventually(t, func() bool { return len(l.names()) == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"SimpleProgress", "SimpleProgress", "DataFound"}, l.names())
	assert.Equal(t, "image/png", r.Status().ContentType)
}

func TestCancelForcesCancelledFailure(t *testing.T) {
	l := &fakeListener{}
	req := &fakeRequester{}
	r := NewRecord(getOptions("c", PersistReboot), req, nil, nil)
	defer r.Stop()
	r.SetListener(l)
	r.Start(context.Background())

	r.Cancel(context.Background())
	require.True(t, r.Finished())
	assert.Equal(t, GetCancelled, r.Failure().Code)
	assert.Equal(t, 1, req.cancels)

	r.Cancel(context.Background())
	assert.Equal(t, 1, req.cancels)
	assert.Equal(t, 1, l.finishedCount())
}

func TestRestartFollowsRedirect(t *testing.T) {
	req := &fakeRequester{restartable: true}
	r := NewRecord(getOptions("r", PersistReboot), req, nil, nil)
	defer r.Stop()
	r.Start(context.Background())

	assert.ErrorIs(t, r.Restart(context.Background(), true), ErrStillRunning)

	r.OnFailure(Failure{Code: GetPermanentRedirect, RedirectURI: "USK@new/1"})
	require.Eventually(t, r.Finished, time.Second, 5*time.Millisecond)

	require.NoError(t, r.Restart(context.Background(), true))
	assert.Equal(t, "USK@new/1", r.URI())
	assert.Equal(t, []string{"USK@new/1"}, req.restartURIs)
	assert.True(t, r.Started())
	assert.False(t, r.Finished())
	assert.Nil(t, r.Failure())

	r.OnSuccess(Result{})
	require.Eventually(t, r.Succeeded, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, r.Restart(context.Background(), false), ErrAlreadySucceeded)
}

func TestRestartRefusedWhenNotRestartable(t *testing.T) {
	r := NewRecord(getOptions("nr", PersistReboot), &fakeRequester{}, nil, nil)
	defer r.Stop()
	r.Start(context.Background())
	r.OnFailure(Failure{Code: GetDataNotFound})
	require.Eventually(t, r.Finished, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, r.Restart(context.Background(), false), ErrNotRestartable)
}

func TestConnectionScopedDirectGetSendsAllDataOnce(t *testing.T) {
	var mu sync.Mutex
	var sent []*fcp.Message
	sink := sinkFunc(func(m *fcp.Message) bool {
		mu.Lock()
		sent = append(sent, m)
		mu.Unlock()
		return true
	})
	l := &fakeListener{}
	r := NewRecord(getOptions("direct", PersistConnection), &fakeRequester{}, nil, nil)
	defer r.Stop()
	r.SetOrigin(sink)
	r.SetListener(l)
	r.Start(context.Background())

	data := NewMemoryBucket([]byte("hello"))
	r.OnSuccess(Result{Data: data, ContentType: "text/plain"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "DataFound", sent[0].Name)
	assert.Equal(t, "AllData", sent[1].Name)
	assert.Equal(t, []byte("hello"), sent[1].Data)
	mu.Unlock()
	assert.True(t, data.Freed())
	assert.Nil(t, r.TakeData())
	assert.Empty(t, l.names())
	assert.Equal(t, 1, l.finishedCount())
	require.Eventually(t, func() bool { return l.releasedCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestRemovalFreesDataOnce(t *testing.T) {
	r := NewRecord(getOptions("rm", PersistForever), &fakeRequester{}, nil, nil)
	r.Start(context.Background())
	data := NewMemoryBucket([]byte("x"))
	r.OnSuccess(Result{Data: data})
	require.Eventually(t, r.Finished, time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.FreeData()
		}()
	}
	msg := r.RequestWasRemoved()
	wg.Wait()
	require.NotNil(t, msg)
	assert.Equal(t, "PersistentRequestRemoved", msg.Name)
	assert.True(t, data.Freed())
	assert.Nil(t, r.RequestWasRemoved())
	assert.True(t, r.Removed())
}

func TestPendingMessages(t *testing.T) {
	opts := getOptions("pm", PersistForever)
	opts.ClientToken = "tok"
	r := NewRecord(opts, &fakeRequester{}, nil, nil)
	defer r.Stop()
	r.Start(context.Background())
	r.OnProgress(Progress{Kind: ProgressSimple, Total: 4})
	r.OnProgress(Progress{Kind: ProgressSendingToNetwork})
	require.Eventually(t, func() bool { return len(r.PendingMessages("", false, false)) == 3 }, time.Second, 5*time.Millisecond)

	msgs := r.PendingMessages("list-1", false, false)
	assert.Equal(t, "PersistentGet", msgs[0].Name)
	assert.Equal(t, "tok", msgs[0].Fields.Get("ClientToken"))
	assert.Equal(t, "forever", msgs[0].Fields.Get("PersistenceType"))
	assert.Equal(t, "SimpleProgress", msgs[1].Name)
	assert.Equal(t, "SendingToNetwork", msgs[2].Name)
	for _, m := range msgs {
		assert.Equal(t, "list-1", m.Fields.Get(fcp.FieldListRequestIdentifier))
	}

	r.OnSuccess(Result{Data: NewMemoryBucket([]byte("abc"))})
	require.Eventually(t, r.Finished, time.Second, 5*time.Millisecond)
	msgs = r.PendingMessages("", true, true)
	require.Len(t, msgs, 1)
	assert.Equal(t, "AllData", msgs[0].Name)
	assert.Equal(t, []byte("abc"), msgs[0].Data)
}

func TestModify(t *testing.T) {
	r := NewRecord(getOptions("m", PersistReboot), &fakeRequester{}, nil, nil)
	defer r.Stop()
	same := DefaultPriority
	assert.Nil(t, r.Modify(&same, nil))

	p := 1
	tok := "new"
	msg := r.Modify(&p, &tok)
	require.NotNil(t, msg)
	assert.Equal(t, "PersistentRequestModified", msg.Name)
	assert.Equal(t, "1", msg.Fields.Get("PriorityClass"))
	assert.Equal(t, "new", msg.Fields.Get("ClientToken"))
	assert.Equal(t, 1, r.Priority())
}
