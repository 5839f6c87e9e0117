// Package engine is a local stand-in for the node's fetch and insert machinery. Content lives in
// an expiring in-memory LRU keyed by URI; requests run on their own goroutines and report back
// through request.Callbacks like a real requester would.
package engine

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/semaphore"

	"github.com/life-stream-dev/life-stream-go-fcp-server/internal/request"
)

const (
	DefaultContentSize = 1024
	DefaultWorkers     = 64

	ManifestContentType = "application/x-fcp-manifest"
	DefaultContentType  = "application/octet-stream"
)

type Options struct {
	ContentSize int
	ContentTTL  time.Duration
	// Workers bounds how many requests run at once.
	Workers int64
	// StepDelay is waited between the stages of every request.
	StepDelay time.Duration
	Logger    *slog.Logger
}

type entry struct {
	data        []byte
	contentType string
}

// Engine stores inserted content and serves fetches from it.
type Engine struct {
	content *expirable.LRU[string, entry]
	workers *semaphore.Weighted
	delay   time.Duration
	log     *slog.Logger

	mu        sync.RWMutex
	redirects map[string]string
}

func New(opts Options) *Engine {
	if opts.ContentSize <= 0 {
		opts.ContentSize = DefaultContentSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		content:   expirable.NewLRU[string, entry](opts.ContentSize, nil, opts.ContentTTL),
		workers:   semaphore.NewWeighted(opts.Workers),
		delay:     opts.StepDelay,
		log:       log,
		redirects: make(map[string]string),
	}
}

// Insert stores data under uri directly, bypassing a request.
func (e *Engine) Insert(uri string, data []byte, contentType string) {
	if contentType == "" {
		contentType = DefaultContentType
	}
	e.content.Add(uri, entry{data: data, contentType: contentType})
}

// Lookup returns the content stored under uri.
func (e *Engine) Lookup(uri string) ([]byte, string, bool) {
	ent, ok := e.content.Get(uri)
	return ent.data, ent.contentType, ok
}

// Redirect makes fetches of from fail with a permanent redirect to to.
func (e *Engine) Redirect(from, to string) {
	e.mu.Lock()
	e.redirects[from] = to
	e.mu.Unlock()
}

func (e *Engine) redirect(uri string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	to, ok := e.redirects[uri]
	return to, ok
}

func (e *Engine) Len() int {
	return e.content.Len()
}

// NewRequester builds the requester for opts. data is the insert payload and may be nil for
// fetches and disk uploads.
func (e *Engine) NewRequester(opts request.Options, data request.Bucket) (request.Requester, error) {
	switch opts.Kind {
	case request.KindGet, request.KindPut, request.KindPutDir:
	default:
		return nil, fmt.Errorf("unsupported request kind %s", opts.Kind)
	}
	if opts.Kind != request.KindGet && opts.UploadFrom != request.UploadDisk && data == nil {
		return nil, fmt.Errorf("%s %s has no payload", opts.Kind, opts.Identifier)
	}
	return &job{engine: e, opts: opts, data: data, log: e.log.With("identifier", opts.Identifier)}, nil
}

// contentKey derives the URI a CHK insert ends up under.
func contentKey(data []byte) string {
	sum := sha256.Sum256(data)
	return "CHK@" + base64.RawURLEncoding.EncodeToString(sum[:])
}

// insertURI resolves the final URI of an insert to uri.
func insertURI(uri string, data []byte) string {
	if strings.HasPrefix(uri, "CHK@") && strings.TrimPrefix(uri, "CHK@") == "" {
		return contentKey(data)
	}
	return uri
}

func fileURI(base, name string) string {
	return strings.TrimSuffix(base, "/") + "/" + name
}
