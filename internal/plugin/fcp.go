package plugin

import (
	"fmt"
	"strings"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/fcp"
)

const (
	ClientMessageName = "FCPPluginMessage"
	ServerMessageName = "FCPPluginServerMessage"

	FieldPluginName   = "PluginName"
	FieldSuccess      = "Success"
	FieldErrorCode    = "ErrorCode"
	FieldErrorMessage = "ErrorMessage"
	paramPrefix       = "Param"
)

// FromFCP decodes an FCPPluginMessage from a networked client. Permissions are left to the
// dispatcher.
func FromFCP(m *fcp.Message) (string, *Message, error) {
	pluginName, err := fcp.RequireField(m, FieldPluginName)
	if err != nil {
		return "", nil, err
	}
	id, err := fcp.RequireField(m, fcp.FieldIdentifier)
	if err != nil {
		return "", nil, err
	}
	msg := &Message{
		Identifier: id,
		Params:     m.Fields.Subset(paramPrefix),
		Data:       m.Data,
	}
	if v, ok := m.Fields.Lookup(FieldSuccess); ok && v != "" {
		success, err := parseYesNo(v)
		if err != nil {
			return "", nil, fcp.NewProtocolError(fcp.InvalidField, err.Error(), id, false)
		}
		msg.Success = &success
		if !success {
			msg.ErrorCode = m.Fields.Get(FieldErrorCode)
			msg.ErrorMessage = m.Fields.Get(FieldErrorMessage)
		}
	}
	return pluginName, msg, nil
}

func parseYesNo(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "yes", "true":
		return true, nil
	case "no", "false":
		return false, nil
	}
	return false, fmt.Errorf("%s must be yes, no, true or false, got %q", FieldSuccess, v)
}

// ToFCP encodes a message for a networked client.
func ToFCP(pluginName string, msg *Message) *fcp.Message {
	out := fcp.NewMessage(ServerMessageName).
		Set(FieldPluginName, pluginName).
		Set(fcp.FieldIdentifier, msg.Identifier)
	if msg.IsReply() {
		out.SetBool(FieldSuccess, *msg.Success)
		if !*msg.Success {
			if msg.ErrorCode != "" {
				out.Set(FieldErrorCode, msg.ErrorCode)
			}
			if msg.ErrorMessage != "" {
				out.Set(FieldErrorMessage, msg.ErrorMessage)
			}
		}
	}
	out.Fields.PutSubset(paramPrefix, msg.Params)
	out.Data = msg.Data
	return out
}
