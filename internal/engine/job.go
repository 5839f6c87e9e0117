package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/request"
)

var errCancelled = errors.New("request cancelled")

// job runs one request. Each Start or Restart gets a fresh context that Cancel aborts.
type job struct {
	engine *Engine
	opts   request.Options
	data   request.Bucket
	log    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	run    int
}

func (j *job) Start(_ context.Context, cb request.Callbacks) error {
	j.launch(j.opts.URI, cb)
	return nil
}

func (j *job) Restart(_ context.Context, uri string, cb request.Callbacks) error {
	j.launch(uri, cb)
	return nil
}

func (j *job) Restartable() bool { return true }

func (j *job) Cancel(context.Context) {
	j.mu.Lock()
	cancel := j.cancel
	j.cancel = nil
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (j *job) launch(uri string, cb request.Callbacks) {
	ctx, cancel := context.WithCancel(context.Background())
	j.mu.Lock()
	if j.cancel != nil {
		j.cancel()
	}
	j.cancel = cancel
	j.run++
	run := j.run
	j.mu.Unlock()

	go func() {
		defer cancel()
		if err := j.engine.workers.Acquire(ctx, 1); err != nil {
			return
		}
		defer j.engine.workers.Release(1)
		j.log.Debug("request running", "kind", j.opts.Kind, "uri", uri, "run", run)
		switch j.opts.Kind {
		case request.KindGet:
			j.get(ctx, uri, cb)
		case request.KindPut:
			j.put(ctx, uri, cb)
		case request.KindPutDir:
			j.putDir(ctx, uri, cb)
		}
	}()
}

// step waits the configured delay. It fails once ctx is cancelled; a cancelled job reports nothing
// since the record has already failed itself.
func (j *job) step(ctx context.Context) error {
	if j.engine.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(j.engine.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errCancelled
	case <-t.C:
		return nil
	}
}

func (j *job) get(ctx context.Context, uri string, cb request.Callbacks) {
	cb.OnProgress(request.Progress{Kind: request.ProgressSimple, Total: 1, Required: 1})
	if j.step(ctx) != nil {
		return
	}
	if to, ok := j.engine.redirect(uri); ok {
		cb.OnFailure(request.Failure{
			Code:        request.GetPermanentRedirect,
			Description: "New URI",
			Fatal:       true,
			RedirectURI: to,
		})
		return
	}
	data, contentType, ok := j.engine.Lookup(uri)
	if !ok {
		cb.OnFailure(request.Failure{Code: request.GetDataNotFound, Description: "Data not found", Fatal: true})
		return
	}
	size := int64(len(data))
	if j.opts.MaxSize > 0 && size > j.opts.MaxSize {
		cb.OnFailure(request.Failure{
			Code:        request.GetTooBig,
			Description: fmt.Sprintf("Too big: %d bytes, limit %d", size, j.opts.MaxSize),
			Fatal:       true,
		})
		return
	}
	cb.OnProgress(request.Progress{Kind: request.ProgressExpectedMIME, ContentType: contentType})
	cb.OnProgress(request.Progress{Kind: request.ProgressExpectedDataLength, DataLength: size})
	cb.OnProgress(request.Progress{Kind: request.ProgressSimple, Total: 1, Required: 1, Succeeded: 1, Finalized: true})
	if j.step(ctx) != nil {
		return
	}

	res := request.Result{ContentType: contentType, DataLength: size, URI: uri}
	switch j.opts.ReturnType {
	case request.ReturnDisk:
		if err := os.WriteFile(j.opts.Filename, data, 0o644); err != nil {
			cb.OnFailure(request.BucketFailure(request.KindGet, err))
			return
		}
	case request.ReturnNone:
	default:
		res.Data = request.NewMemoryBucket(bytes.Clone(data))
	}
	cb.OnSuccess(res)
}

func (j *job) payload() ([]byte, error) {
	if j.opts.UploadFrom == request.UploadDisk {
		return os.ReadFile(j.opts.Filename)
	}
	return j.data.Bytes()
}

func (j *job) put(ctx context.Context, uri string, cb request.Callbacks) {
	data, err := j.payload()
	if err != nil {
		cb.OnFailure(request.BucketFailure(j.opts.Kind, err))
		return
	}
	final := insertURI(uri, data)
	cb.OnProgress(request.Progress{Kind: request.ProgressURIGenerated, URI: final})
	cb.OnProgress(request.Progress{Kind: request.ProgressSimple, Total: 1, Required: 1})
	if j.step(ctx) != nil {
		return
	}
	cb.OnProgress(request.Progress{Kind: request.ProgressSendingToNetwork})
	j.engine.Insert(final, bytes.Clone(data), j.opts.ContentType)
	cb.OnProgress(request.Progress{Kind: request.ProgressSimple, Total: 1, Required: 1, Succeeded: 1, Finalized: true})
	cb.OnProgress(request.Progress{Kind: request.ProgressFetchable, URI: final})
	if j.step(ctx) != nil {
		return
	}
	cb.OnSuccess(request.Result{URI: final})
}

type dirFile struct {
	name        string
	contentType string
	data        []byte
}

// files splits the concatenated payload of a complex dir, or reads the tree of a disk dir.
func (j *job) files() ([]dirFile, error) {
	if j.opts.UploadFrom == request.UploadDisk {
		return readTree(j.opts.Filename)
	}
	data, err := j.data.Bytes()
	if err != nil {
		return nil, err
	}
	out := make([]dirFile, 0, len(j.opts.Files))
	var offset int64
	for _, f := range j.opts.Files {
		end := offset + f.DataLength
		if end > int64(len(data)) {
			return nil, fmt.Errorf("payload too short for %s", f.Name)
		}
		out = append(out, dirFile{name: f.Name, contentType: f.ContentType, data: data[offset:end]})
		offset = end
	}
	return out, nil
}

func readTree(root string) ([]dirFile, error) {
	var out []dirFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, dirFile{name: filepath.ToSlash(rel), data: data})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s contains no files", root)
	}
	return out, nil
}

func (j *job) putDir(ctx context.Context, uri string, cb request.Callbacks) {
	files, err := j.files()
	if err != nil {
		cb.OnFailure(request.BucketFailure(j.opts.Kind, err))
		return
	}
	sort.Slice(files, func(a, b int) bool { return files[a].name < files[b].name })

	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.name)
	}
	manifest := []byte(strings.Join(names, "\n"))
	base := insertURI(uri, manifest)
	cb.OnProgress(request.Progress{Kind: request.ProgressURIGenerated, URI: base})
	total := len(files) + 1
	cb.OnProgress(request.Progress{Kind: request.ProgressSimple, Total: total, Required: total})
	cb.OnProgress(request.Progress{Kind: request.ProgressSendingToNetwork})

	for i, f := range files {
		if j.step(ctx) != nil {
			return
		}
		j.engine.Insert(fileURI(base, f.name), bytes.Clone(f.data), f.contentType)
		cb.OnProgress(request.Progress{Kind: request.ProgressSimple, Total: total, Required: total, Succeeded: i + 1})
	}
	j.engine.Insert(base, manifest, ManifestContentType)
	cb.OnProgress(request.Progress{Kind: request.ProgressSimple, Total: total, Required: total, Succeeded: total, Finalized: true})
	cb.OnProgress(request.Progress{Kind: request.ProgressFetchable, URI: base})
	cb.OnSuccess(request.Result{URI: base})
}
