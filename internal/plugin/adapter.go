package plugin

import (
	"context"
	"time"
)

// ServerConnection is the server plugin's handle on one client. It stores only the connection id
// and resolves the dispatcher through the tracker on every call, so holding it never keeps a client
// connection alive.
type ServerConnection struct {
	tracker *Tracker
	id      string
}

func (c *ServerConnection) ID() string { return c.id }

func (c *ServerConnection) Send(msg *Message) error {
	d, err := c.tracker.Lookup(c.id)
	if err != nil {
		return err
	}
	return d.Send(ToClient, msg)
}

func (c *ServerConnection) SendSynchronous(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	d, err := c.tracker.Lookup(c.id)
	if err != nil {
		return nil, err
	}
	return d.SendSynchronous(ctx, ToClient, msg, timeout)
}

// ClientConnection is the client's capability handle. The connection lives while the handle is
// reachable or until Close.
type ClientConnection struct {
	d *Dispatcher
}

func (c *ClientConnection) ID() string         { return c.d.ID() }
func (c *ClientConnection) ServerName() string { return c.d.ServerName() }

func (c *ClientConnection) Send(msg *Message) error {
	return c.d.Send(ToServer, msg)
}

func (c *ClientConnection) SendSynchronous(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	return c.d.SendSynchronous(ctx, ToServer, msg, timeout)
}

func (c *ClientConnection) Close() {
	c.d.Close()
}
