package fcp

import (
	"fmt"
	"strings"
)

const (
	FieldIdentifier            = "Identifier"
	FieldGlobal                = "Global"
	FieldDataLength            = "DataLength"
	FieldListRequestIdentifier = "ListRequestIdentifier"

	EndMessage = "EndMessage"
	DataMarker = "Data"
)

// Message is one decoded FCP message: a name, its fields and an optional bulk payload.
type Message struct {
	Name   string
	Fields *FieldSet
	Data   []byte
}

func NewMessage(name string) *Message {
	return &Message{Name: name, Fields: NewFieldSet()}
}

func (m *Message) Identifier() string {
	return m.Fields.Get(FieldIdentifier)
}

// Global reports the Global flag. Malformed values read as false.
func (m *Message) Global() bool {
	v, _ := m.Fields.Bool(FieldGlobal, false)
	return v
}

func (m *Message) Set(key, value string) *Message {
	m.Fields.Set(key, value)
	return m
}

func (m *Message) SetBool(key string, value bool) *Message {
	m.Fields.SetBool(key, value)
	return m
}

func (m *Message) SetInt(key string, value int64) *Message {
	m.Fields.SetInt(key, value)
	return m
}

// Clone copies the fields. The payload is shared.
func (m *Message) Clone() *Message {
	return &Message{Name: m.Name, Fields: m.Fields.Clone(), Data: m.Data}
}

// WithListRequestIdentifier tags a replayed message with the ListPersistentRequests identifier.
func (m *Message) WithListRequestIdentifier(listID string) *Message {
	if listID == "" || m == nil {
		return m
	}
	c := m.Clone()
	c.Fields.Set(FieldListRequestIdentifier, listID)
	return c
}

func (m *Message) String() string {
	var b strings.Builder
	b.WriteString(m.Name)
	for _, k := range m.Fields.keys {
		fmt.Fprintf(&b, " %s=%s", k, m.Fields.values[k])
	}
	if m.Data != nil {
		fmt.Fprintf(&b, " <%d bytes>", len(m.Data))
	}
	return b.String()
}
