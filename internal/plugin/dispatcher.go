package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ClientTransport is a networked FCP session acting as the client end of a plugin connection.
type ClientTransport interface {
	SendPluginMessage(pluginName string, msg *Message) error
	HasFullAccess() bool
	Closed() bool
}

// Handler receives the messages addressed to one endpoint. A returned reply is sent back to the
// other endpoint. Replies must not be answered, so for a reply the handler returns nil.
type Handler interface {
	HandleMessage(conn Connection, msg *Message) (*Message, error)
}

type HandlerFunc func(conn Connection, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(conn Connection, msg *Message) (*Message, error) {
	return f(conn, msg)
}

// Connection is one endpoint's view of a plugin connection. Sends go to the other endpoint.
type Connection interface {
	ID() string
	Send(msg *Message) error
	SendSynchronous(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error)
}

type syncResult struct {
	reply *Message
	err   error
}

type pendingSend struct {
	dir Direction
	ch  chan syncResult
}

// Dispatcher is the core of one plugin connection between a server plugin and a client, which is
// either another plugin in the node or a networked FCP session.
type Dispatcher struct {
	id         string
	serverName string
	manager    *Manager
	client     Handler
	transport  ClientTransport
	log        *slog.Logger

	closed atomic.Bool

	pendingMu sync.RWMutex
	pending   map[string]*pendingSend
}

// newDispatcher returns a dispatcher with its id and logger set, ready to be published to the tracker.
func newDispatcher(m *Manager, serverName string, client Handler, transport ClientTransport) *Dispatcher {
	id := uuid.NewString()
	return &Dispatcher{
		id:         id,
		log:        m.log.With("connection", id, "plugin", serverName),
		serverName: serverName,
		manager:    m,
		client:     client,
		transport:  transport,
		pending:    make(map[string]*pendingSend),
	}
}

func (d *Dispatcher) ID() string         { return d.id }
func (d *Dispatcher) ServerName() string { return d.serverName }
func (d *Dispatcher) Networked() bool    { return d.transport != nil }
func (d *Dispatcher) Closed() bool       { return d.closed.Load() }

func (d *Dispatcher) String() string {
	kind := "intra-node"
	if d.transport != nil {
		kind = "networked"
	}
	return fmt.Sprintf("plugin connection %s (%s, server %s)", d.id, kind, d.serverName)
}

func (d *Dispatcher) permissions(dir Direction) Permissions {
	switch {
	case dir == ToClient:
		return PermissionNone
	case d.transport == nil:
		return PermissionDirect
	case d.transport.HasFullAccess():
		return PermissionFull
	}
	return PermissionRestricted
}

func (d *Dispatcher) closedError() error {
	return fmt.Errorf("%w: %s has been closed", ErrDisconnected, d)
}

func (d *Dispatcher) handler(dir Direction) (Handler, error) {
	if dir == ToServer {
		h, ok := d.manager.handler(d.serverName)
		if !ok {
			return nil, fmt.Errorf("%w: server plugin %q has been unloaded", ErrDisconnected, d.serverName)
		}
		return h, nil
	}
	if d.client == nil {
		return nil, fmt.Errorf("%w: %s has no client handler", ErrDisconnected, d)
	}
	return d.client, nil
}

// Send delivers msg without waiting. The sender's permissions are stamped onto msg from the
// connection's current state. A networked client gets the message through its session queue;
// a reply awaited by SendSynchronous goes to the waiter; anything else runs the recipient's
// handler on the executor.
func (d *Dispatcher) Send(dir Direction, msg *Message) error {
	if d.closed.Load() {
		return d.closedError()
	}
	msg.Permissions = d.permissions(dir)

	if dir == ToClient && d.transport != nil {
		if d.transport.Closed() {
			return fmt.Errorf("%w: connection to client closed for %s", ErrDisconnected, d)
		}
		return d.transport.SendPluginMessage(d.serverName, msg)
	}

	if msg.IsReply() && d.deliverReply(dir, msg) {
		return nil
	}
	handler, err := d.handler(dir)
	if err != nil {
		return err
	}
	d.manager.executor(func() { d.dispatch(dir, handler, msg) })
	return nil
}

// deliverReply hands msg to a SendSynchronous waiting in the opposite direction.
func (d *Dispatcher) deliverReply(dir Direction, msg *Message) bool {
	d.pendingMu.RLock()
	p, ok := d.pending[msg.Identifier]
	d.pendingMu.RUnlock()
	if !ok || p.dir != dir.Invert() {
		return false
	}

	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	if d.pending[msg.Identifier] != p {
		return false
	}
	delete(d.pending, msg.Identifier)
	p.ch <- syncResult{reply: msg}
	return true
}

// SendSynchronous sends msg and blocks until its reply arrives, timeout elapses, ctx is done or the
// connection closes. timeout must be positive and within the manager's maximum.
func (d *Dispatcher) SendSynchronous(ctx context.Context, dir Direction, msg *Message, timeout time.Duration) (*Message, error) {
	if msg.IsReply() {
		return nil, fmt.Errorf("%w: %s", ErrReplyNotAllowed, msg.Identifier)
	}
	if limit := d.manager.maxTimeout; timeout <= 0 || timeout > limit {
		return nil, fmt.Errorf("%w: %v is not in (0, %v]", ErrInvalidTimeout, timeout, limit)
	}

	id := msg.Identifier
	p := &pendingSend{dir: dir, ch: make(chan syncResult, 1)}
	d.pendingMu.Lock()
	if d.closed.Load() {
		d.pendingMu.Unlock()
		return nil, d.closedError()
	}
	if _, dup := d.pending[id]; dup {
		d.pendingMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateIdentifier, id)
	}
	d.pending[id] = p
	d.pendingMu.Unlock()

	d.manager.metrics.SyncSendStarted()
	defer func() {
		d.forget(id, p)
		d.manager.metrics.SyncSendDone()
	}()

	if err := d.Send(dir, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-p.ch:
		return res.reply, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
	case <-timer.C:
		d.forget(id, p)
		// a reply may have been delivered while the entry was being removed
		select {
		case res := <-p.ch:
			return res.reply, res.err
		default:
		}
		return nil, fmt.Errorf("%w after %v: %s", ErrTimeout, timeout, id)
	}
}

func (d *Dispatcher) forget(id string, p *pendingSend) {
	d.pendingMu.Lock()
	if d.pending[id] == p {
		delete(d.pending, id)
	}
	d.pendingMu.Unlock()
}

// abortPending wakes every waiter sending in dir with err.
func (d *Dispatcher) abortPending(dir Direction, err error) int {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	n := 0
	for id, p := range d.pending {
		if p.dir != dir {
			continue
		}
		delete(d.pending, id)
		p.ch <- syncResult{err: err}
		n++
	}
	return n
}

// Close ends the connection. Pending synchronous sends fail with ErrDisconnected.
func (d *Dispatcher) Close() {
	if d.closed.Swap(true) {
		return
	}
	err := d.closedError()
	n := d.abortPending(ToServer, err) + d.abortPending(ToClient, err)
	if n > 0 {
		d.log.Info("aborted synchronous sends on close", "count", n)
	}
	d.manager.tracker.Unregister(d.id)
}

// endpoint returns the adapter a handler uses to answer; dir is the adapter's default direction.
func (d *Dispatcher) endpoint(dir Direction) Connection {
	if dir == ToClient {
		return &ServerConnection{tracker: d.manager.tracker, id: d.id}
	}
	return &ClientConnection{d: d}
}

func (d *Dispatcher) dispatch(dir Direction, handler Handler, msg *Message) {
	guard := &replyGuard{Connection: d.endpoint(dir.Invert()), original: msg}
	reply, err := invoke(handler, guard, msg)
	switch {
	case err != nil:
		d.log.Error("plugin message handler failed", "direction", dir, "message", msg, "error", err)
		if msg.IsReply() || guard.replied() {
			return
		}
		reply, _ = NewErrorReply(msg, InternalErrorCode, err.Error())
	case reply == nil:
		if !msg.IsReply() && !guard.replied() {
			d.log.Warn("handler returned no reply, a synchronous sender will time out", "direction", dir, "message", msg)
		}
		return
	default:
		if err := guard.claim(reply); err != nil {
			d.log.Error("discarding reply from handler", "direction", dir, "message", msg, "reply", reply, "error", err)
			return
		}
	}
	if err := d.Send(dir.Invert(), reply); err != nil {
		d.log.Warn("sending reply failed, the connection was closed already", "direction", dir, "reply", reply, "error", err)
	}
}

func invoke(h Handler, conn Connection, msg *Message) (reply *Message, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h.HandleMessage(conn, msg)
}

// replyGuard wraps the connection handed to a handler and admits one valid reply to the message
// being handled.
type replyGuard struct {
	Connection
	original *Message

	mu   sync.Mutex
	sent bool
}

func (g *replyGuard) claim(reply *Message) error {
	switch {
	case g.original.IsReply():
		return fmt.Errorf("%w: reply to reply %s", ErrProtocolViolation, g.original.Identifier)
	case !reply.IsReply():
		return fmt.Errorf("%w: non-reply message %s returned as reply", ErrProtocolViolation, reply.Identifier)
	case reply.Identifier != g.original.Identifier:
		return fmt.Errorf("%w: reply identifier %s does not match %s", ErrProtocolViolation, reply.Identifier, g.original.Identifier)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sent {
		return fmt.Errorf("%w: second reply to %s", ErrProtocolViolation, g.original.Identifier)
	}
	g.sent = true
	return nil
}

func (g *replyGuard) replied() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sent
}

func (g *replyGuard) Send(msg *Message) error {
	if msg.IsReply() && msg.Identifier == g.original.Identifier {
		if err := g.claim(msg); err != nil {
			return err
		}
	}
	return g.Connection.Send(msg)
}
