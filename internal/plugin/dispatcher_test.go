package plugin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/fcp"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(Options{
		MaxSyncTimeout: 5 * time.Second,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func echoServer() HandlerFunc {
	return func(_ Connection, msg *Message) (*Message, error) {
		if msg.IsReply() {
			return nil, nil
		}
		params := fcp.NewFieldSet().Set("Echo", msg.Params.Get("Text")).Set("Permissions", msg.Permissions.String())
		return NewReply(msg, params, msg.Data, true, "", "")
	}
}

type countingHandler struct {
	n atomic.Int32
}

func (h *countingHandler) HandleMessage(Connection, *Message) (*Message, error) {
	h.n.Add(1)
	return nil, nil
}

type fakeTransport struct {
	full   bool
	closed atomic.Bool
	onSend func(pluginName string, msg *Message)

	mu   sync.Mutex
	sent []*Message
}

func (f *fakeTransport) SendPluginMessage(pluginName string, msg *Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	if f.onSend != nil {
		f.onSend(pluginName, msg)
	}
	return nil
}

func (f *fakeTransport) HasFullAccess() bool { return f.full }
func (f *fakeTransport) Closed() bool        { return f.closed.Load() }

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func pendingCount(d *Dispatcher) int {
	d.pendingMu.RLock()
	defer d.pendingMu.RUnlock()
	return len(d.pending)
}

func TestNewReplyRefusesReply(t *testing.T) {
	original := NewMessage(nil, nil)
	reply, err := NewReply(original, nil, nil, true, "", "")
	require.NoError(t, err)
	assert.True(t, reply.IsReply())
	assert.Equal(t, original.Identifier, reply.Identifier)

	tests := []struct {
		name    string
		success bool
	}{
		{"successful reply", true},
		{"failed reply", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := NewReply(original, nil, nil, tt.success, "Code", "text")
			require.NoError(t, err)
			_, err = NewReply(target, nil, nil, true, "", "")
			assert.ErrorIs(t, err, ErrReplyToReply)
			_, err = NewErrorReply(target, "Code", "text")
			assert.ErrorIs(t, err, ErrReplyToReply)
		})
	}
}

func TestSendSynchronousReturnsTheReply(t *testing.T) {
	m := newTestManager(t)
	replies := make(chan *Message, 1)
	require.NoError(t, m.Load("echo", HandlerFunc(func(conn Connection, msg *Message) (*Message, error) {
		reply, err := echoServer()(conn, msg)
		replies <- reply
		return reply, err
	})))
	conn, err := m.Connect("echo", &countingHandler{})
	require.NoError(t, err)
	defer conn.Close()

	msg := NewMessage(fcp.NewFieldSet().Set("Text", "hello"), []byte("payload"))
	reply, err := conn.SendSynchronous(context.Background(), msg, time.Second)
	require.NoError(t, err)

	assert.Same(t, <-replies, reply)
	assert.Equal(t, msg.Identifier, reply.Identifier)
	assert.True(t, reply.Succeeded())
	assert.Equal(t, "hello", reply.Params.Get("Echo"))
	assert.Equal(t, PermissionDirect.String(), reply.Params.Get("Permissions"))
	assert.Equal(t, PermissionNone, reply.Permissions)
	assert.Equal(t, []byte("payload"), reply.Data)
	assert.Zero(t, pendingCount(conn.d))
}

func TestSendSynchronousTimeoutLeavesNoResidue(t *testing.T) {
	m := newTestManager(t)
	var answer atomic.Bool
	require.NoError(t, m.Load("silent", HandlerFunc(func(conn Connection, msg *Message) (*Message, error) {
		if !answer.Load() || msg.IsReply() {
			return nil, nil
		}
		return NewReply(msg, nil, nil, true, "", "")
	})))
	conn, err := m.Connect("silent", &countingHandler{})
	require.NoError(t, err)
	defer conn.Close()

	msg := NewMessage(nil, nil)
	start := time.Now()
	_, err = conn.SendSynchronous(context.Background(), msg, 50*time.Millisecond)
	elapsed := time.Since(start)
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Zero(t, pendingCount(conn.d))

	answer.Store(true)
	again := &Message{Identifier: msg.Identifier, Params: fcp.NewFieldSet()}
	reply, err := conn.SendSynchronous(context.Background(), again, time.Second)
	require.NoError(t, err)
	assert.Equal(t, msg.Identifier, reply.Identifier)
	assert.Zero(t, pendingCount(conn.d))
}

func TestSendSynchronousRejectsBadInput(t *testing.T) {
	m := newTestManager(t)
	block := make(chan struct{})
	defer close(block)
	require.NoError(t, m.Load("slow", HandlerFunc(func(_ Connection, msg *Message) (*Message, error) {
		<-block
		return nil, nil
	})))
	conn, err := m.Connect("slow", &countingHandler{})
	require.NoError(t, err)
	defer conn.Close()

	msg := NewMessage(nil, nil)
	reply, _ := NewReply(msg, nil, nil, true, "", "")

	tests := []struct {
		name    string
		msg     *Message
		timeout time.Duration
		want    error
	}{
		{"reply message", reply, time.Second, ErrReplyNotAllowed},
		{"zero timeout", NewMessage(nil, nil), 0, ErrInvalidTimeout},
		{"negative timeout", NewMessage(nil, nil), -time.Second, ErrInvalidTimeout},
		{"timeout above maximum", NewMessage(nil, nil), time.Hour, ErrInvalidTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := conn.SendSynchronous(context.Background(), tt.msg, tt.timeout)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	done := make(chan error, 1)
	go func() {
		_, err := conn.SendSynchronous(context.Background(), msg, 2*time.Second)
		done <- err
	}()
	require.Eventually(t, func() bool { return pendingCount(conn.d) == 1 }, time.Second, 5*time.Millisecond)
	_, err = conn.SendSynchronous(context.Background(), &Message{Identifier: msg.Identifier}, time.Second)
	assert.ErrorIs(t, err, ErrDuplicateIdentifier)

	conn.Close()
	assert.ErrorIs(t, <-done, ErrDisconnected)
}

func TestSendSynchronousCancelledByContext(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Load("silent", HandlerFunc(func(Connection, *Message) (*Message, error) { return nil, nil })))
	conn, err := m.Connect("silent", &countingHandler{})
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	start := time.Now()
	_, err = conn.SendSynchronous(ctx, NewMessage(nil, nil), 5*time.Second)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Zero(t, pendingCount(conn.d))
}

func TestHandlerPanicBecomesInternalErrorReply(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Load("broken", HandlerFunc(func(Connection, *Message) (*Message, error) {
		panic("boom")
	})))
	conn, err := m.Connect("broken", &countingHandler{})
	require.NoError(t, err)
	defer conn.Close()

	reply, err := conn.SendSynchronous(context.Background(), NewMessage(nil, nil), time.Second)
	require.NoError(t, err)
	assert.False(t, reply.Succeeded())
	assert.Equal(t, InternalErrorCode, reply.ErrorCode)
	assert.Contains(t, reply.ErrorMessage, "boom")
}

func TestHandlerErrorBecomesInternalErrorReply(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Load("failing", HandlerFunc(func(Connection, *Message) (*Message, error) {
		return nil, errors.New("no disk")
	})))
	conn, err := m.Connect("failing", &countingHandler{})
	require.NoError(t, err)
	defer conn.Close()

	reply, err := conn.SendSynchronous(context.Background(), NewMessage(nil, nil), time.Second)
	require.NoError(t, err)
	assert.Equal(t, InternalErrorCode, reply.ErrorCode)
	assert.Contains(t, reply.ErrorMessage, "no disk")
}

func TestProtocolViolationsAreDiscarded(t *testing.T) {
	tests := []struct {
		name   string
		server HandlerFunc
		send   func(t *testing.T, conn *ClientConnection)
	}{
		{
			name: "reply to a reply",
			server: func(_ Connection, msg *Message) (*Message, error) {
				s := true
				return &Message{Identifier: msg.Identifier, Success: &s}, nil
			},
			send: func(t *testing.T, conn *ClientConnection) {
				original := NewMessage(nil, nil)
				reply, err := NewReply(original, nil, nil, true, "", "")
				require.NoError(t, err)
				require.NoError(t, conn.Send(reply))
			},
		},
		{
			name: "mismatched identifier",
			server: func(_ Connection, msg *Message) (*Message, error) {
				s := true
				return &Message{Identifier: msg.Identifier + "-other", Success: &s}, nil
			},
			send: func(t *testing.T, conn *ClientConnection) {
				_, err := conn.SendSynchronous(context.Background(), NewMessage(nil, nil), 100*time.Millisecond)
				assert.ErrorIs(t, err, ErrTimeout)
			},
		},
		{
			name: "non-reply returned as reply",
			server: func(_ Connection, msg *Message) (*Message, error) {
				return &Message{Identifier: msg.Identifier}, nil
			},
			send: func(t *testing.T, conn *ClientConnection) {
				_, err := conn.SendSynchronous(context.Background(), NewMessage(nil, nil), 100*time.Millisecond)
				assert.ErrorIs(t, err, ErrTimeout)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t)
			require.NoError(t, m.Load("bad", tt.server))
			client := &countingHandler{}
			conn, err := m.Connect("bad", client)
			require.NoError(t, err)
			defer conn.Close()

			tt.send(t, conn)
			time.Sleep(50 * time.Millisecond)
			assert.Zero(t, client.n.Load())
		})
	}
}

func TestDoubleReplyIsDiscarded(t *testing.T) {
	m := newTestManager(t)
	secondErr := make(chan error, 1)
	require.NoError(t, m.Load("chatty", HandlerFunc(func(conn Connection, msg *Message) (*Message, error) {
		first, _ := NewReply(msg, nil, nil, true, "", "")
		if err := conn.Send(first); err != nil {
			return nil, err
		}
		second, _ := NewReply(msg, nil, nil, false, "Again", "")
		secondErr <- conn.Send(second)
		third, _ := NewReply(msg, nil, nil, false, "Returned", "")
		return third, nil
	})))
	client := &countingHandler{}
	conn, err := m.Connect("chatty", client)
	require.NoError(t, err)
	defer conn.Close()

	reply, err := conn.SendSynchronous(context.Background(), NewMessage(nil, nil), time.Second)
	require.NoError(t, err)
	assert.True(t, reply.Succeeded())
	assert.ErrorIs(t, <-secondErr, ErrProtocolViolation)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, client.n.Load())
}

func TestUnloadedServerPlugin(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Connect("missing", &countingHandler{})
	assert.ErrorIs(t, err, ErrNoSuchPlugin)

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, m.Load("victim", HandlerFunc(func(Connection, *Message) (*Message, error) {
		<-block
		return nil, nil
	})))
	assert.ErrorIs(t, m.Load("victim", echoServer()), ErrAlreadyLoaded)

	var unloaded atomic.Value
	m.OnUnload(func(name string) { unloaded.Store(name) })

	conn, err := m.Connect("victim", &countingHandler{})
	require.NoError(t, err)
	defer conn.Close()

	done := make(chan error, 1)
	go func() {
		_, err := conn.SendSynchronous(context.Background(), NewMessage(nil, nil), 5*time.Second)
		done <- err
	}()
	require.Eventually(t, func() bool { return pendingCount(conn.d) == 1 }, time.Second, 5*time.Millisecond)

	require.True(t, m.Unload("victim"))
	assert.False(t, m.Unload("victim"))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDisconnected)
		assert.Contains(t, err.Error(), "unloaded")
	case <-time.After(2 * time.Second):
		t.Fatal("synchronous send was not woken by unload")
	}
	assert.Equal(t, "victim", unloaded.Load())

	err = conn.Send(NewMessage(nil, nil))
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Contains(t, err.Error(), "unloaded")
}

func TestServerReachesIntraNodeClientByID(t *testing.T) {
	m := newTestManager(t)
	ids := make(chan string, 1)
	require.NoError(t, m.Load("notifier", HandlerFunc(func(conn Connection, msg *Message) (*Message, error) {
		if !msg.IsReply() {
			ids <- conn.ID()
		}
		return nil, nil
	})))
	client := HandlerFunc(func(_ Connection, msg *Message) (*Message, error) {
		if msg.IsReply() {
			return nil, nil
		}
		params := fcp.NewFieldSet().Set("Permissions", msg.Permissions.String())
		return NewReply(msg, params, nil, true, "", "")
	})
	conn, err := m.Connect("notifier", client)
	require.NoError(t, err)

	require.NoError(t, conn.Send(NewMessage(nil, nil)))
	id := <-ids
	assert.Equal(t, conn.ID(), id)

	server, err := m.ServerConnection(id)
	require.NoError(t, err)
	reply, err := server.SendSynchronous(context.Background(), NewMessage(nil, nil), time.Second)
	require.NoError(t, err)
	assert.Equal(t, PermissionNone.String(), reply.Params.Get("Permissions"))
	assert.Equal(t, PermissionDirect, reply.Permissions)

	conn.Close()
	assert.ErrorIs(t, server.Send(NewMessage(nil, nil)), ErrDisconnected)
	_, err = m.ServerConnection(id)
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Zero(t, m.Tracker().Len())
}

func TestNetworkedClient(t *testing.T) {
	tests := []struct {
		name string
		full bool
		want Permissions
	}{
		{"full access host", true, PermissionFull},
		{"restricted host", false, PermissionRestricted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t)
			seen := make(chan Permissions, 1)
			require.NoError(t, m.Load("echo", HandlerFunc(func(conn Connection, msg *Message) (*Message, error) {
				seen <- msg.Permissions
				return echoServer()(conn, msg)
			})))
			transport := &fakeTransport{full: tt.full}
			d, err := m.ConnectNetworked("echo", transport)
			require.NoError(t, err)
			defer d.Close()

			// forged permissions from the wire are overwritten
			msg := NewMessage(fcp.NewFieldSet().Set("Text", "hi"), nil)
			msg.Permissions = PermissionDirect
			require.NoError(t, d.Send(ToServer, msg))
			assert.Equal(t, tt.want, <-seen)
			require.Eventually(t, func() bool { return transport.count() == 1 }, time.Second, 5*time.Millisecond)
			transport.mu.Lock()
			reply := transport.sent[0]
			transport.mu.Unlock()
			assert.Equal(t, msg.Identifier, reply.Identifier)
			assert.Equal(t, "hi", reply.Params.Get("Echo"))
		})
	}
}

func TestNetworkedReplyWakesServerSyncSend(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Load("asker", &countingHandler{}))
	transport := &fakeTransport{full: true}
	var d *Dispatcher
	transport.onSend = func(_ string, msg *Message) {
		go func() {
			reply, _ := NewReply(msg, fcp.NewFieldSet().Set("Answer", "42"), nil, true, "", "")
			_ = d.Send(ToServer, reply)
		}()
	}
	d, err := m.ConnectNetworked("asker", transport)
	require.NoError(t, err)
	defer d.Close()

	server, err := m.ServerConnection(d.ID())
	require.NoError(t, err)
	reply, err := server.SendSynchronous(context.Background(), NewMessage(nil, nil), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "42", reply.Params.Get("Answer"))
}

func TestNetworkedDisconnectWakesSyncSend(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Load("asker", &countingHandler{}))
	transport := &fakeTransport{}
	d, err := m.ConnectNetworked("asker", transport)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := d.SendSynchronous(context.Background(), ToClient, NewMessage(nil, nil), 5*time.Second)
		done <- err
	}()
	require.Eventually(t, func() bool { return transport.count() == 1 }, time.Second, 5*time.Millisecond)

	transport.closed.Store(true)
	d.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("synchronous send was not woken by disconnect")
	}
	assert.ErrorIs(t, d.Send(ToClient, NewMessage(nil, nil)), ErrDisconnected)
}

func TestDispatcherIsCompleteWhenPublished(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Load("asker", &countingHandler{}))
	d := newDispatcher(m, "asker", &countingHandler{}, nil)
	require.NotEmpty(t, d.ID())
	require.NotNil(t, d.log)
	assert.NotEqual(t, d.ID(), newDispatcher(m, "asker", nil, nil).ID())

	assert.Equal(t, d.ID(), m.Tracker().Register(d))
	found, err := m.Tracker().Lookup(d.ID())
	require.NoError(t, err)
	require.Same(t, d, found)

	done := make(chan error, 1)
	go func() {
		_, err := d.SendSynchronous(context.Background(), ToClient, NewMessage(nil, nil), 5*time.Second)
		done <- err
	}()
	require.Eventually(t, func() bool { return pendingCount(d) == 1 }, time.Second, 5*time.Millisecond)

	found.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(2 * time.Second):
		t.Fatal("synchronous send was not woken by close")
	}
	assert.Zero(t, m.Tracker().Len())
}

func TestTrackerReapsCollectedConnections(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Load("echo", echoServer()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Tracker().Run(ctx) }()

	var id string
	var server *ServerConnection
	func() {
		conn, err := m.Connect("echo", &countingHandler{})
		require.NoError(t, err)
		id = conn.ID()
		server, err = m.ServerConnection(id)
		require.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return m.Tracker().Len() == 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, server.Send(NewMessage(nil, nil)), ErrDisconnected)
	_, err := m.ServerConnection(id)
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestBoundedExecutorRunsEveryTask(t *testing.T) {
	exec := NewBoundedExecutor(2)
	var running, peak, total atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		exec(func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			total.Add(1)
		})
	}
	wg.Wait()
	assert.Equal(t, int32(10), total.Load())
	assert.LessOrEqual(t, peak.Load(), int32(2))
}
