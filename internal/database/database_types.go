package database

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	RequestCollectionName = "persistent_requests"
	requestsBucket        = "requests"
	metadataBucket        = "metadata"
)

var (
	ErrEmptyIdentifier = errors.New("identifier is empty")
	ErrNotFound        = errors.New("document does not exist")
)

type FileEntry struct {
	Name        string `bson:"name" cbor:"name"`
	DataLength  int64  `bson:"data_length" cbor:"data_length"`
	ContentType string `bson:"content_type,omitempty" cbor:"content_type,omitempty"`
}

type FailureEntry struct {
	Code        int    `bson:"code" cbor:"code"`
	Description string `bson:"description" cbor:"description"`
	Fatal       bool   `bson:"fatal" cbor:"fatal"`
	RedirectURI string `bson:"redirect_uri,omitempty" cbor:"redirect_uri,omitempty"`
}

// RequestDocument is the durable form of one forever-persistent request.
type RequestDocument struct {
	Client         string        `bson:"client" cbor:"client"`
	Global         bool          `bson:"global" cbor:"global"`
	Identifier     string        `bson:"identifier" cbor:"identifier"`
	Kind           int           `bson:"kind" cbor:"kind"`
	URI            string        `bson:"uri" cbor:"uri"`
	Verbosity      uint32        `bson:"verbosity" cbor:"verbosity"`
	Priority       int           `bson:"priority" cbor:"priority"`
	ClientToken    string        `bson:"client_token,omitempty" cbor:"client_token,omitempty"`
	ReturnType     string        `bson:"return_type,omitempty" cbor:"return_type,omitempty"`
	UploadFrom     string        `bson:"upload_from,omitempty" cbor:"upload_from,omitempty"`
	Filename       string        `bson:"filename,omitempty" cbor:"filename,omitempty"`
	ContentType    string        `bson:"content_type,omitempty" cbor:"content_type,omitempty"`
	MaxSize        int64         `bson:"max_size,omitempty" cbor:"max_size,omitempty"`
	Files          []FileEntry   `bson:"files,omitempty" cbor:"files,omitempty"`
	Started        bool          `bson:"started" cbor:"started"`
	Finished       bool          `bson:"finished" cbor:"finished"`
	Succeeded      bool          `bson:"succeeded" cbor:"succeeded"`
	Failure        *FailureEntry `bson:"failure,omitempty" cbor:"failure,omitempty"`
	DataLength     int64         `bson:"data_length" cbor:"data_length"`
	GeneratedURI   string        `bson:"generated_uri,omitempty" cbor:"generated_uri,omitempty"`
	Data           []byte        `bson:"data,omitempty" cbor:"data,omitempty"`
	StartTime      time.Time     `bson:"start_time" cbor:"start_time"`
	CompletionTime time.Time     `bson:"completion_time" cbor:"completion_time"`
	UpdatedAt      time.Time     `bson:"updated_at" cbor:"updated_at"`
}

// Key identifies a document across clients: global queue entries and named clients never clash.
func (d *RequestDocument) Key() string {
	return documentKey(d.Client, d.Global, d.Identifier)
}

func documentKey(client string, global bool, identifier string) string {
	if global {
		return "global/" + identifier
	}
	return fmt.Sprintf("client/%s/%s", client, identifier)
}

// RequestStore persists forever requests so they survive a restart.
type RequestStore interface {
	Save(ctx context.Context, doc *RequestDocument) error
	Delete(ctx context.Context, client string, global bool, identifier string) error
	Load(ctx context.Context) ([]*RequestDocument, error)
	Close(ctx context.Context) error
}
