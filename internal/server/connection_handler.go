package server

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/connection"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/fcp"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/logger"
)

// errDisconnect ends the reader loop without an error reply.
var errDisconnect = errors.New("client disconnected")

type ConnectionHandler struct {
	server  *Server
	session *connection.Session
	conn    net.Conn
	connId  string
	reader  *fcp.Reader
}

func newConnectionHandler(s *Server, session *connection.Session, conn net.Conn) *ConnectionHandler {
	return &ConnectionHandler{
		server:  s,
		session: session,
		conn:    conn,
		connId:  session.ID(),
		reader:  fcp.NewReader(conn, s.cfg.Server.MaxDataLength),
	}
}

func (c *ConnectionHandler) serve(ctx context.Context) {
	defer func() {
		logger.DebugF("[%s] Connection closed", c.connId)
		c.session.Close(context.WithoutCancel(ctx))
	}()
	if err := c.handleFirstMessage(ctx); err != nil {
		return
	}
	c.handleMessages(ctx)
}

func (c *ConnectionHandler) handleFirstMessage(ctx context.Context) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.FirstMessageTimeout()))
	msg, err := c.reader.ReadMessage()
	if err != nil {
		c.readFailed(err)
		return err
	}
	_ = c.conn.SetReadDeadline(time.Time{})

	if msg.Name != "ClientHello" {
		logger.ErrorF("[%s] Invalid first message, expected ClientHello, but got %s", c.connId, msg.Name)
		perr := fcp.NewProtocolError(fcp.ClientHelloMustBeFirst, "", msg.Identifier(), false).Fatally()
		c.session.Send(perr.Message())
		return perr
	}
	if err := c.server.handleClientHello(ctx, c.session, msg); err != nil {
		c.reportError(msg, err)
		return err
	}
	return nil
}

func (c *ConnectionHandler) handleMessages(ctx context.Context) {
	for {
		msg, err := c.reader.ReadMessage()
		if err != nil {
			c.readFailed(err)
			return
		}
		logger.DebugF("[%s] Receive %s message", c.connId, msg.Name)

		if err := c.server.dispatch(ctx, c.session, msg); err != nil {
			if errors.Is(err, errDisconnect) {
				logger.InfoF("[%s] Client disconnect", c.connId)
				return
			}
			if c.reportError(msg, err) {
				return
			}
		}
		if c.session.Closed() {
			return
		}
	}
}

// reportError sends err to the client and reports whether the session must end.
func (c *ConnectionHandler) reportError(msg *fcp.Message, err error) bool {
	perr, ok := fcp.AsProtocolError(err)
	if !ok {
		logger.ErrorF("[%s] Fail to handle %s message, details: %v", c.connId, msg.Name, err)
		perr = fcp.NewProtocolError(fcp.InternalError, err.Error(), msg.Identifier(), msg.Global())
	}
	c.session.Send(perr.Message())
	return perr.Fatal
}

func (c *ConnectionHandler) readFailed(err error) {
	if perr, ok := fcp.AsProtocolError(err); ok {
		logger.ErrorF("[%s] Malformed message, details: %v", c.connId, perr)
		c.session.Send(perr.Message())
		return
	}
	connection.HandleReadError(c.connId, err)
}
