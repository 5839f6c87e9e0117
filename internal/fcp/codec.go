package fcp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Reader decodes messages from a byte stream.
type Reader struct {
	r             *bufio.Reader
	maxDataLength int64
}

func NewReader(r io.Reader, maxDataLength int64) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 4096), maxDataLength: maxDataLength}
}

func (r *Reader) readLine() (string, error) {
	line, err := r.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadMessage returns the next message. Malformed input yields a *ProtocolError; transport
// failures are returned unchanged so the caller can tell EOF from garbage.
func (r *Reader) ReadMessage() (*Message, error) {
	var name string
	for name == "" {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		name = strings.TrimSpace(line)
	}
	msg := NewMessage(name)
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if line == EndMessage {
			return msg, nil
		}
		if line == DataMarker {
			return msg, r.readData(msg)
		}
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok || key == "" {
			return nil, NewProtocolError(MessageParseError, fmt.Sprintf("no '=' in field line %q", line), "", false).Fatally()
		}
		msg.Fields.Set(key, value)
	}
}

func (r *Reader) readData(msg *Message) error {
	raw, ok := msg.Fields.Lookup(FieldDataLength)
	if !ok {
		return NewProtocolError(MissingField, "Data without DataLength", msg.Identifier(), msg.Global()).Fatally()
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return NewProtocolError(ErrorParsingNumber, "bad DataLength "+raw, msg.Identifier(), msg.Global()).Fatally()
	}
	if r.maxDataLength > 0 && n > r.maxDataLength {
		return NewProtocolError(InvalidField, fmt.Sprintf("DataLength %d exceeds limit %d", n, r.maxDataLength), msg.Identifier(), msg.Global()).Fatally()
	}
	msg.Data = make([]byte, n)
	if _, err := io.ReadFull(r.r, msg.Data); err != nil {
		return err
	}
	return nil
}

// WriteMessage encodes msg. A non-nil payload replaces any DataLength field with its own length and
// ends with "Data". Without a payload DataLength is written like any other field.
// msg is not modified, so one message may be written to several connections concurrently.
func WriteMessage(w io.Writer, msg *Message) error {
	var b strings.Builder
	b.WriteString(msg.Name)
	b.WriteByte('\n')
	for _, k := range msg.Fields.keys {
		if k == FieldDataLength && msg.Data != nil {
			continue
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(escapeValue(msg.Fields.values[k]))
		b.WriteByte('\n')
	}
	if msg.Data != nil {
		b.WriteString(FieldDataLength)
		b.WriteByte('=')
		b.WriteString(strconv.Itoa(len(msg.Data)))
		b.WriteByte('\n')
		b.WriteString(DataMarker)
	} else {
		b.WriteString(EndMessage)
	}
	b.WriteByte('\n')
	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}
	if msg.Data != nil {
		if _, err := w.Write(msg.Data); err != nil {
			return err
		}
	}
	return nil
}

// values are single-line on the wire
func escapeValue(v string) string {
	if !strings.ContainsAny(v, "\r\n") {
		return v
	}
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
