// Package plugin connects FCP plugins with each other: correlation-id based messages, synchronous
// sends with bounded waits, and the tracker that lets a server plugin reach its clients by id.
package plugin

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/fcp"
)

// Direction names the recipient of a message.
type Direction int

const (
	ToServer Direction = iota
	ToClient
)

func (d Direction) Invert() Direction {
	if d == ToServer {
		return ToClient
	}
	return ToServer
}

func (d Direction) String() string {
	if d == ToServer {
		return "to-server"
	}
	return "to-client"
}

// Permissions is the access level of the sender, stamped by the dispatcher on every send.
type Permissions int

const (
	// PermissionNone is used for messages from the server plugin to its client.
	PermissionNone Permissions = iota
	PermissionRestricted
	PermissionFull
	// PermissionDirect marks a client running inside the node.
	PermissionDirect
)

func (p Permissions) String() string {
	switch p {
	case PermissionNone:
		return "none"
	case PermissionRestricted:
		return "restricted"
	case PermissionFull:
		return "full"
	case PermissionDirect:
		return "direct"
	}
	return fmt.Sprintf("permissions(%d)", int(p))
}

// Message is one plugin message. A non-nil Success makes it a reply.
type Message struct {
	Permissions  Permissions
	Identifier   string
	Params       *fcp.FieldSet
	Data         []byte
	Success      *bool
	ErrorCode    string
	ErrorMessage string
}

// NewMessage builds a non-reply message with a fresh random identifier.
func NewMessage(params *fcp.FieldSet, data []byte) *Message {
	if params == nil {
		params = fcp.NewFieldSet()
	}
	return &Message{Identifier: uuid.NewString(), Params: params, Data: data}
}

func (m *Message) IsReply() bool {
	return m.Success != nil
}

func (m *Message) Succeeded() bool {
	return m.Success != nil && *m.Success
}

// NewReply answers original under its identifier. Replying to a reply is refused.
func NewReply(original *Message, params *fcp.FieldSet, data []byte, success bool, errorCode, errorMessage string) (*Message, error) {
	if original.IsReply() {
		return nil, fmt.Errorf("%w: %s", ErrReplyToReply, original.Identifier)
	}
	if params == nil {
		params = fcp.NewFieldSet()
	}
	reply := &Message{
		Identifier: original.Identifier,
		Params:     params,
		Data:       data,
		Success:    &success,
	}
	if !success {
		reply.ErrorCode = errorCode
		reply.ErrorMessage = errorMessage
	}
	return reply, nil
}

// NewErrorReply is a failed reply without parameters.
func NewErrorReply(original *Message, errorCode, errorMessage string) (*Message, error) {
	return NewReply(original, nil, nil, false, errorCode, errorMessage)
}

func (m *Message) String() string {
	kind := "message"
	if m.IsReply() {
		kind = fmt.Sprintf("reply(success=%t)", *m.Success)
	}
	params := 0
	if m.Params != nil {
		params = m.Params.Len()
	}
	return fmt.Sprintf("%s{id=%s permissions=%s params=%d data=%d}", kind, m.Identifier, m.Permissions, params, len(m.Data))
}
