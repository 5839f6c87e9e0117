// Package request holds the state of one asynchronous client operation (fetch, insert, directory
// insert) and translates requester callbacks into outbound FCP status messages.
package request

import (
	"fmt"
	"strings"
)

type Persistence int

const (
	PersistConnection Persistence = iota
	PersistReboot
	PersistForever
)

func (p Persistence) String() string {
	switch p {
	case PersistConnection:
		return "connection"
	case PersistReboot:
		return "reboot"
	case PersistForever:
		return "forever"
	}
	return fmt.Sprintf("persistence(%d)", int(p))
}

// ParsePersistence accepts the FCP Persistence field. Empty means connection.
func ParsePersistence(s string) (Persistence, error) {
	switch strings.ToLower(s) {
	case "", "connection":
		return PersistConnection, nil
	case "reboot":
		return PersistReboot, nil
	case "forever":
		return PersistForever, nil
	}
	return PersistConnection, fmt.Errorf("unknown persistence %q", s)
}

type Kind int

const (
	KindGet Kind = iota
	KindPut
	KindPutDir
)

func (k Kind) String() string {
	switch k {
	case KindGet:
		return "get"
	case KindPut:
		return "put"
	case KindPutDir:
		return "putdir"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

const (
	ReturnDirect = "direct"
	ReturnNone   = "none"
	ReturnDisk   = "disk"

	UploadDirect = "direct"
	UploadDisk   = "disk"
)

// Verbosity is the bit mask a client uses to select optional progress messages.
type Verbosity uint32

const (
	VerbositySimpleProgress     Verbosity = 1
	VerbositySendingToNetwork   Verbosity = 2
	VerbosityExpectedMIME       Verbosity = 32
	VerbosityExpectedDataLength Verbosity = 64
	VerbosityPutFetchable       Verbosity = 256
)

func (v Verbosity) Has(mask Verbosity) bool {
	return v&mask == mask
}

const (
	MinPriority     = 0
	MaxPriority     = 6
	DefaultPriority = 4
)

// File is one entry of a directory insert.
type File struct {
	Name        string `bson:"name" cbor:"name"`
	DataLength  int64  `bson:"data_length" cbor:"data_length"`
	ContentType string `bson:"content_type,omitempty" cbor:"content_type,omitempty"`
}

// Options are the client-supplied parameters of a request.
type Options struct {
	Identifier  string
	Kind        Kind
	URI         string
	Persistence Persistence
	Global      bool
	Verbosity   Verbosity
	Priority    int
	ClientToken string
	ReturnType  string
	UploadFrom  string
	Filename    string
	ContentType string
	MaxSize     int64
	Files       []File
}

// DiskAccess reports the path this request reads or writes directly, if any.
func (o Options) DiskAccess() (path string, write bool, ok bool) {
	switch o.Kind {
	case KindGet:
		return o.Filename, true, o.ReturnType == ReturnDisk
	default:
		return o.Filename, false, o.UploadFrom == UploadDisk
	}
}
