package fcp

// Protocol-level message constructors. Request progress messages live with the request records.

const (
	ProtocolVersion = "2.0"
	NodeName        = "Fred"
)

func NewNodeHelloMessage(connectionIdentifier, nodeVersion string) *Message {
	return NewMessage("NodeHello").
		Set("FCPVersion", ProtocolVersion).
		Set("Node", NodeName).
		Set("Version", nodeVersion).
		Set("ConnectionIdentifier", connectionIdentifier)
}

func NewCloseConnectionDuplicateClientNameMessage() *Message {
	return NewMessage("CloseConnectionDuplicateClientName")
}

func NewIdentifierCollisionMessage(identifier string, global bool) *Message {
	return NewMessage("IdentifierCollision").
		Set(FieldIdentifier, identifier).
		SetBool(FieldGlobal, global)
}

func NewPersistentRequestRemovedMessage(identifier string, global bool) *Message {
	return NewMessage("PersistentRequestRemoved").
		Set(FieldIdentifier, identifier).
		SetBool(FieldGlobal, global)
}

// NewPersistentRequestModifiedMessage reports changed fields; nil pointers are omitted.
func NewPersistentRequestModifiedMessage(identifier string, global bool, priority *int, clientToken *string) *Message {
	m := NewMessage("PersistentRequestModified").
		Set(FieldIdentifier, identifier).
		SetBool(FieldGlobal, global)
	if priority != nil {
		m.SetInt("PriorityClass", int64(*priority))
	}
	if clientToken != nil {
		m.Set("ClientToken", *clientToken)
	}
	return m
}

func NewEndListPersistentRequestsMessage(listIdentifier string) *Message {
	m := NewMessage("EndListPersistentRequests")
	if listIdentifier != "" {
		m.Set(FieldIdentifier, listIdentifier)
	}
	return m
}

func NewPluginRemovedMessage(pluginName string) *Message {
	return NewMessage("PluginRemoved").Set("PluginName", pluginName)
}

// RequireField returns the value of key or a MissingField error.
func RequireField(m *Message, key string) (string, error) {
	v, ok := m.Fields.Lookup(key)
	if !ok || v == "" {
		return "", NewProtocolError(MissingField, key, m.Identifier(), m.Global())
	}
	return v, nil
}

// BoolField parses key, mapping malformed values to InvalidField.
func BoolField(m *Message, key string, def bool) (bool, error) {
	v, err := m.Fields.Bool(key, def)
	if err != nil {
		return def, NewProtocolError(InvalidField, key+" must be true or false", m.Identifier(), m.Global())
	}
	return v, nil
}

// IntField parses key, mapping malformed values to ErrorParsingNumber.
func IntField(m *Message, key string, def int64) (int64, error) {
	v, err := m.Fields.Int(key, def)
	if err != nil {
		return def, NewProtocolError(ErrorParsingNumber, key, m.Identifier(), m.Global())
	}
	return v, nil
}
