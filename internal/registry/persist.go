package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/database"
	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/request"
)

const storeTimeout = 10 * time.Second

// RequesterFactory builds the engine side of a request.
type RequesterFactory interface {
	NewRequester(opts request.Options, data request.Bucket) (request.Requester, error)
}

func (r *Registry) persist(rec *request.Record) {
	if r.dir.store == nil || rec.Persistence() != request.PersistForever {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.dir.store.Save(ctx, documentFromRecord(r, rec)); err != nil {
		r.log.Error("failed to persist request", "identifier", rec.Identifier(), "error", err)
	}
}

func (r *Registry) unpersist(rec *request.Record) {
	if r.dir.store == nil || rec.Persistence() != request.PersistForever {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.dir.store.Delete(ctx, r.name, r.global, rec.Identifier()); err != nil {
		r.log.Error("failed to delete persisted request", "identifier", rec.Identifier(), "error", err)
	}
}

func documentFromRecord(r *Registry, rec *request.Record) *database.RequestDocument {
	st := rec.Status()
	o := st.Options
	doc := &database.RequestDocument{
		Client:         r.name,
		Global:         r.global,
		Identifier:     o.Identifier,
		Kind:           int(o.Kind),
		URI:            o.URI,
		Verbosity:      uint32(o.Verbosity),
		Priority:       o.Priority,
		ClientToken:    o.ClientToken,
		ReturnType:     o.ReturnType,
		UploadFrom:     o.UploadFrom,
		Filename:       o.Filename,
		ContentType:    st.ContentType,
		MaxSize:        o.MaxSize,
		Started:        st.Started,
		Finished:       st.Finished,
		Succeeded:      st.Succeeded,
		DataLength:     st.DataLength,
		GeneratedURI:   st.GeneratedURI,
		Data:           rec.DataSnapshot(),
		StartTime:      st.StartTime,
		CompletionTime: st.CompletionTime,
	}
	for _, f := range o.Files {
		doc.Files = append(doc.Files, database.FileEntry{Name: f.Name, DataLength: f.DataLength, ContentType: f.ContentType})
	}
	if st.Failure != nil {
		doc.Failure = &database.FailureEntry{
			Code:        st.Failure.Code,
			Description: st.Failure.Description,
			Fatal:       st.Failure.Fatal,
			RedirectURI: st.Failure.RedirectURI,
		}
	}
	return doc
}

func statusFromDocument(doc *database.RequestDocument) request.Status {
	st := request.Status{
		Options: request.Options{
			Identifier:  doc.Identifier,
			Kind:        request.Kind(doc.Kind),
			URI:         doc.URI,
			Persistence: request.PersistForever,
			Global:      doc.Global,
			Verbosity:   request.Verbosity(doc.Verbosity),
			Priority:    doc.Priority,
			ClientToken: doc.ClientToken,
			ReturnType:  doc.ReturnType,
			UploadFrom:  doc.UploadFrom,
			Filename:    doc.Filename,
			ContentType: doc.ContentType,
			MaxSize:     doc.MaxSize,
		},
		Started:        doc.Started,
		Finished:       doc.Finished,
		Succeeded:      doc.Succeeded,
		ContentType:    doc.ContentType,
		DataLength:     doc.DataLength,
		GeneratedURI:   doc.GeneratedURI,
		StartTime:      doc.StartTime,
		CompletionTime: doc.CompletionTime,
	}
	for _, f := range doc.Files {
		st.Options.Files = append(st.Options.Files, request.File{Name: f.Name, DataLength: f.DataLength, ContentType: f.ContentType})
	}
	if doc.Failure != nil {
		st.Failure = &request.Failure{
			Code:        doc.Failure.Code,
			Description: doc.Failure.Description,
			Fatal:       doc.Failure.Fatal,
			RedirectURI: doc.Failure.RedirectURI,
		}
	}
	return st
}

// Restore reloads forever requests from the store into their registries and restarts the
// unfinished ones. It returns the number of restored requests.
func (d *Directory) Restore(ctx context.Context, factory RequesterFactory) (int, error) {
	if d.store == nil {
		return 0, nil
	}
	docs, err := d.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load persisted requests: %w", err)
	}
	restored := 0
	for _, doc := range docs {
		st := statusFromDocument(doc)
		var data request.Bucket
		if doc.Data != nil {
			data = request.NewMemoryBucket(doc.Data)
		}
		var input request.Bucket
		if st.Options.Kind != request.KindGet {
			input = data
		}
		requester, err := factory.NewRequester(st.Options, input)
		if err != nil {
			d.log.Error("cannot restore request", "key", doc.Key(), "error", err)
			continue
		}
		reg := d.globalForever
		if !doc.Global {
			reg = d.ForeverRegistry(doc.Client, true)
		}
		rec := request.RestoreRecord(st, requester, data, d.log.With("client", doc.Client))
		if _, err := reg.insert(rec); err != nil {
			d.log.Error("cannot restore request", "key", doc.Key(), "error", err)
			rec.Stop()
			continue
		}
		if st.Finished {
			d.cache.Put(reg.cacheKey(st.Options.Identifier), st)
		} else {
			rec.Start(ctx)
		}
		restored++
	}
	d.log.Info("restored persistent requests", "count", restored)
	return restored, nil
}
