package server

import (
	"context"
	"errors"
	"math"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/connection"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/fcp"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/plugin"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/registry"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/request"
)

type handlerFunc func(ctx context.Context, session *connection.Session, m *fcp.Message) error

func (s *Server) handlerTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		"ClientHello":             s.handleLateClientHello,
		"ClientGet":               s.handleClientRequest,
		"ClientPut":               s.handleClientRequest,
		"ClientPutDiskDir":        s.handleClientRequest,
		"ClientPutComplexDir":     s.handleClientRequest,
		"RemoveRequest":           s.handleRemoveRequest,
		"RemovePersistentRequest": s.handleRemoveRequest,
		"ModifyPersistentRequest": s.handleModifyPersistentRequest,
		"RestartRequest":          s.handleRestartRequest,
		"WatchGlobal":             s.handleWatchGlobal,
		"ListPersistentRequests":  s.handleListPersistentRequests,
		"GetRequestStatus":        s.handleGetRequestStatus,
		plugin.ClientMessageName:  s.handlePluginMessage,
		"Void":                    func(context.Context, *connection.Session, *fcp.Message) error { return nil },
		"Disconnect":              func(context.Context, *connection.Session, *fcp.Message) error { return errDisconnect },
	}
}

func (s *Server) dispatch(ctx context.Context, session *connection.Session, m *fcp.Message) error {
	handler, ok := s.handlers[m.Name]
	if !ok {
		return fcp.NewProtocolError(fcp.InvalidMessage, m.Name, m.Identifier(), m.Global())
	}
	return handler(ctx, session, m)
}

func (s *Server) handleClientHello(_ context.Context, session *connection.Session, m *fcp.Message) error {
	name, err := fcp.RequireField(m, "Name")
	if err != nil {
		return err
	}
	if _, err := fcp.RequireField(m, "ExpectedVersion"); err != nil {
		return err
	}
	session.Send(fcp.NewNodeHelloMessage(session.ID(), NodeVersion))
	session.Bind(name)
	session.Log().Info("client hello", "name", name)
	return nil
}

func (s *Server) handleLateClientHello(_ context.Context, _ *connection.Session, m *fcp.Message) error {
	return fcp.NewProtocolError(fcp.NoLateClientHello, "", m.Identifier(), false)
}

// scope lists the registries a non-request message may address.
func (s *Server) scope(session *connection.Session, global bool) []*registry.Registry {
	if global {
		return []*registry.Registry{s.dir.Global(request.PersistReboot), s.dir.Global(request.PersistForever)}
	}
	var out []*registry.Registry
	if reboot := session.RebootClient(); reboot != nil {
		out = append(out, reboot)
	}
	if forever := session.ForeverClient(false); forever != nil {
		out = append(out, forever)
	}
	return out
}

// identifierInUse reports whether any registry of the scope already holds identifier.
func (s *Server) identifierInUse(session *connection.Session, identifier string, global bool) bool {
	for _, reg := range s.scope(session, global) {
		if reg.GetRequest(identifier) != nil {
			return true
		}
	}
	return false
}

// requireAccess rejects global operations from sessions without full access.
func requireAccess(session *connection.Session, global bool, identifier string) error {
	if global && !session.HasFullAccess() {
		return fcp.NewProtocolError(fcp.AccessDenied, "global queue requires full access", identifier, global)
	}
	return nil
}

func (s *Server) handleClientRequest(ctx context.Context, session *connection.Session, m *fcp.Message) error {
	opts, data, err := request.ParseOptions(m)
	if err != nil {
		return err
	}
	release := func() {
		if data != nil {
			data.Free()
		}
	}
	if err := requireAccess(session, opts.Global, opts.Identifier); err != nil {
		release()
		return err
	}
	if opts.Global && opts.Persistence == request.PersistConnection {
		release()
		return fcp.NewProtocolError(fcp.InvalidField, "global requests must be persistent", opts.Identifier, opts.Global)
	}
	if err := s.checkDiskAccess(session, opts); err != nil {
		release()
		return err
	}
	unlock := s.submit.lock(scopeKey(session, opts.Global))
	if s.identifierInUse(session, opts.Identifier, opts.Global) {
		unlock()
		release()
		session.Send(fcp.NewIdentifierCollisionMessage(opts.Identifier, opts.Global))
		return nil
	}

	reg := session.Client(opts.Persistence, opts.Global, true)
	requester, err := s.factory.NewRequester(opts, data)
	if err != nil {
		unlock()
		release()
		return fcp.NewProtocolError(fcp.InternalError, err.Error(), opts.Identifier, opts.Global)
	}
	rec := request.NewRecord(opts, requester, data, session.Log())
	if opts.Persistence == request.PersistConnection {
		rec.SetOrigin(session)
	}
	err = reg.Register(rec)
	unlock()
	if err != nil {
		rec.Stop()
		rec.FreeData()
		if errors.Is(err, registry.ErrIdentifierCollision) {
			session.Send(fcp.NewIdentifierCollisionMessage(opts.Identifier, opts.Global))
			return nil
		}
		return err
	}
	rec.Start(ctx)
	return nil
}

func identifierAndGlobal(m *fcp.Message) (string, bool, error) {
	id, err := fcp.RequireField(m, fcp.FieldIdentifier)
	if err != nil {
		return "", false, err
	}
	global, err := fcp.BoolField(m, fcp.FieldGlobal, false)
	if err != nil {
		return "", false, err
	}
	return id, global, nil
}

func noSuchIdentifier(id string, global bool) error {
	return fcp.NewProtocolError(fcp.NoSuchIdentifier, "", id, global)
}

func (s *Server) handleRemoveRequest(ctx context.Context, session *connection.Session, m *fcp.Message) error {
	id, global, err := identifierAndGlobal(m)
	if err != nil {
		return err
	}
	if err := requireAccess(session, global, id); err != nil {
		return err
	}
	for _, reg := range s.scope(session, global) {
		if reg.RemoveByIdentifier(ctx, id, true) {
			return nil
		}
	}
	return noSuchIdentifier(id, global)
}

func (s *Server) handleModifyPersistentRequest(_ context.Context, session *connection.Session, m *fcp.Message) error {
	id, global, err := identifierAndGlobal(m)
	if err != nil {
		return err
	}
	if err := requireAccess(session, global, id); err != nil {
		return err
	}
	var priority *int
	if m.Fields.Has("PriorityClass") {
		p, err := fcp.IntField(m, "PriorityClass", request.DefaultPriority)
		if err != nil {
			return err
		}
		if p < request.MinPriority || p > request.MaxPriority {
			return fcp.NewProtocolError(fcp.InvalidField, "PriorityClass out of range", id, global)
		}
		v := int(p)
		priority = &v
	}
	var token *string
	if t, ok := m.Fields.Lookup("ClientToken"); ok {
		token = &t
	}
	for _, reg := range s.scope(session, global) {
		err := reg.Modify(id, priority, token)
		if errors.Is(err, registry.ErrNotFound) {
			continue
		}
		return err
	}
	return noSuchIdentifier(id, global)
}

func (s *Server) handleRestartRequest(ctx context.Context, session *connection.Session, m *fcp.Message) error {
	id, global, err := identifierAndGlobal(m)
	if err != nil {
		return err
	}
	if err := requireAccess(session, global, id); err != nil {
		return err
	}
	followRedirect, err := fcp.BoolField(m, "FollowRedirect", true)
	if err != nil {
		return err
	}
	for _, reg := range s.scope(session, global) {
		err := reg.Restart(ctx, id, followRedirect)
		switch {
		case errors.Is(err, registry.ErrNotFound):
			continue
		case err != nil:
			return fcp.NewProtocolError(fcp.InvalidField, err.Error(), id, global)
		}
		return nil
	}
	return noSuchIdentifier(id, global)
}

func (s *Server) handleWatchGlobal(_ context.Context, session *connection.Session, m *fcp.Message) error {
	if !session.HasFullAccess() {
		return fcp.NewProtocolError(fcp.AccessDenied, "WatchGlobal requires full access", "", false)
	}
	enabled, err := fcp.BoolField(m, "Enabled", true)
	if err != nil {
		return err
	}
	mask, err := fcp.IntField(m, "VerbosityMask", math.MaxInt32)
	if err != nil {
		return err
	}
	session.SetWatchGlobal(enabled, request.Verbosity(mask))
	return nil
}

func (s *Server) handleListPersistentRequests(_ context.Context, session *connection.Session, m *fcp.Message) error {
	listID := m.Identifier()
	regs := s.scope(session, false)
	if reboot := session.RebootClient(); reboot != nil && reboot.WatchingGlobal() {
		regs = append(regs, s.scope(session, true)...)
	}
	for _, reg := range regs {
		reg.QueuePendingMessages(session, listID, false)
	}
	session.Send(fcp.NewEndListPersistentRequestsMessage(listID))
	return nil
}

func (s *Server) handleGetRequestStatus(_ context.Context, session *connection.Session, m *fcp.Message) error {
	id, global, err := identifierAndGlobal(m)
	if err != nil {
		return err
	}
	if err := requireAccess(session, global, id); err != nil {
		return err
	}
	onlyData, err := fcp.BoolField(m, "OnlyData", false)
	if err != nil {
		return err
	}
	for _, reg := range s.scope(session, global) {
		rec := reg.GetRequest(id)
		if rec == nil {
			continue
		}
		for _, msg := range rec.PendingMessages("", true, onlyData) {
			session.Send(msg)
		}
		return nil
	}
	return noSuchIdentifier(id, global)
}

func (s *Server) handlePluginMessage(_ context.Context, session *connection.Session, m *fcp.Message) error {
	name, msg, err := plugin.FromFCP(m)
	if err != nil {
		return err
	}
	noSuchPlugin := fcp.NewProtocolError(fcp.NoSuchPlugin, name, msg.Identifier, false)
	d, err := session.PluginDispatcher(name)
	if errors.Is(err, plugin.ErrNoSuchPlugin) {
		return noSuchPlugin
	}
	if err != nil {
		return err
	}
	err = d.Send(plugin.ToServer, msg)
	if errors.Is(err, plugin.ErrNoSuchPlugin) {
		return noSuchPlugin
	}
	return err
}
