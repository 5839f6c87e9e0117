package request

import (
	"strconv"
	"time"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/fcp"
)

func millis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (r *Record) base(name string) *fcp.Message {
	return fcp.NewMessage(name).
		Set(fcp.FieldIdentifier, r.id).
		SetBool(fcp.FieldGlobal, r.global)
}

func (r *Record) progressMessageLocked(p Progress) *fcp.Message {
	switch p.Kind {
	case ProgressSimple:
		return r.base("SimpleProgress").
			SetInt("Total", int64(p.Total)).
			SetInt("Required", int64(p.Required)).
			SetInt("Failed", int64(p.Failed)).
			SetInt("FatallyFailed", int64(p.FatallyFailed)).
			SetInt("Succeeded", int64(p.Succeeded)).
			SetBool("FinalizedTotal", p.Finalized)
	case ProgressSendingToNetwork:
		return r.base("SendingToNetwork")
	case ProgressExpectedMIME:
		return r.base("ExpectedMIME").Set("Metadata.ContentType", p.ContentType)
	case ProgressExpectedDataLength:
		return r.base("ExpectedDataLength").SetInt(fcp.FieldDataLength, p.DataLength)
	case ProgressFetchable:
		return r.base("PutFetchable").Set("URI", p.URI)
	case ProgressURIGenerated:
		return r.base("URIGenerated").Set("URI", p.URI)
	}
	return nil
}

func (r *Record) terminalMessageLocked() *fcp.Message {
	if !r.finished {
		return nil
	}
	if r.kind == KindGet {
		if r.succeeded {
			return r.base("DataFound").
				SetInt(fcp.FieldDataLength, r.dataLength).
				Set("Metadata.ContentType", r.contentType).
				Set("StartupTime", millis(r.startTime)).
				Set("CompletionTime", millis(r.completionTime))
		}
		m := r.base("GetFailed")
		r.failureFields(m)
		if r.failure != nil && r.failure.RedirectURI != "" {
			m.Set("RedirectURI", r.failure.RedirectURI)
		}
		return m
	}
	if r.succeeded {
		return r.base("PutSuccessful").
			Set("URI", r.generatedURI).
			Set("StartupTime", millis(r.startTime)).
			Set("CompletionTime", millis(r.completionTime))
	}
	m := r.base("PutFailed")
	r.failureFields(m)
	return m
}

func (r *Record) failureFields(m *fcp.Message) {
	if r.failure == nil {
		return
	}
	m.SetInt("Code", int64(r.failure.Code)).
		Set("CodeDescription", r.failure.Description).
		SetBool("Fatal", r.failure.Fatal)
}

func (r *Record) allDataMessage(data []byte) *fcp.Message {
	m := r.base("AllData").
		Set("Metadata.ContentType", r.contentType).
		Set("StartupTime", millis(r.startTime)).
		Set("CompletionTime", millis(r.completionTime))
	m.Data = data
	return m
}

// takeAllDataLocked builds a one-shot AllData message and releases the bucket.
func (r *Record) takeAllDataLocked() *fcp.Message {
	if r.data == nil {
		return nil
	}
	b := r.data
	r.data = nil
	data, err := b.Bytes()
	b.Free()
	if err != nil {
		r.log.Error("fetched data unavailable", "error", err)
		return nil
	}
	return r.allDataMessage(data)
}

// PersistentMessage is the PersistentGet/PersistentPut/PersistentPutDir tag describing the request.
func (r *Record) PersistentMessage() *fcp.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistentMessageLocked()
}

func (r *Record) persistentMessageLocked() *fcp.Message {
	var m *fcp.Message
	switch r.kind {
	case KindGet:
		m = r.base("PersistentGet").
			Set("ReturnType", r.opts.ReturnType)
		if r.opts.MaxSize > 0 {
			m.SetInt("MaxSize", r.opts.MaxSize)
		}
	case KindPut:
		m = r.base("PersistentPut").
			Set("UploadFrom", r.opts.UploadFrom).
			Set("Metadata.ContentType", r.contentType)
		if r.data != nil {
			m.SetInt(fcp.FieldDataLength, r.data.Size())
		}
	case KindPutDir:
		m = r.base("PersistentPutDir").
			Set("UploadFrom", r.opts.UploadFrom)
		for i, f := range r.opts.Files {
			prefix := "Files." + strconv.Itoa(i)
			m.Set(prefix+".Name", f.Name).SetInt(prefix+".DataLength", f.DataLength)
			if f.ContentType != "" {
				m.Set(prefix+".Metadata.ContentType", f.ContentType)
			}
		}
	}
	m.Set("URI", r.opts.URI).
		SetInt("Verbosity", int64(r.opts.Verbosity)).
		Set("PersistenceType", r.persistence.String()).
		SetInt("PriorityClass", int64(r.opts.Priority)).
		SetBool("Started", r.started)
	if r.opts.ClientToken != "" {
		m.Set("ClientToken", r.opts.ClientToken)
	}
	if r.opts.Filename != "" {
		m.Set("Filename", r.opts.Filename)
	}
	return m
}

// PendingMessages replays the current state of the request for a (re)connecting or listing client.
// With onlyData only the AllData message is returned; a non-direct get then yields a
// WrongReturnType protocol error instead.
func (r *Record) PendingMessages(listID string, includeData, onlyData bool) []*fcp.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*fcp.Message
	if onlyData {
		if r.kind != KindGet || r.opts.ReturnType != ReturnDirect {
			return []*fcp.Message{fcp.NewProtocolError(fcp.WrongReturnType, "No AllData", r.id, r.global).Message()}
		}
	} else {
		out = append(out, r.persistentMessageLocked())
		if r.progress != nil {
			out = append(out, r.progressMessageLocked(*r.progress))
		}
		if r.sentToNetwork {
			out = append(out, r.base("SendingToNetwork"))
		}
		if r.generatedURI != "" && r.kind != KindGet {
			out = append(out, r.base("URIGenerated").Set("URI", r.generatedURI))
		}
		if r.finished {
			out = append(out, r.terminalMessageLocked())
		}
	}
	if includeData && r.finished && r.succeeded && r.kind == KindGet && r.data != nil {
		data, err := r.data.Bytes()
		if err == nil {
			out = append(out, r.allDataMessage(data))
		}
	}
	for i, m := range out {
		out[i] = m.WithListRequestIdentifier(listID)
	}
	return out
}
