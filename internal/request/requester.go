package request

import (
	"context"
	"errors"
	"fmt"
)

// Requester is the engine side of a request: it performs the actual fetch or insert and reports
// back through Callbacks on its own goroutines.
type Requester interface {
	Start(ctx context.Context, cb Callbacks) error
	Cancel(ctx context.Context)
	// Restart re-runs a finished request, optionally against a redirected URI.
	Restart(ctx context.Context, uri string, cb Callbacks) error
	Restartable() bool
}

// Callbacks receives requester events. Implementations must be safe for concurrent use.
type Callbacks interface {
	OnSuccess(res Result)
	OnFailure(f Failure)
	OnProgress(p Progress)
}

// Result of a successful request. Data is handed over to the record.
type Result struct {
	Data        Bucket
	ContentType string
	DataLength  int64
	URI         string
}

// Failure codes reported in GetFailed.
const (
	GetBucketError       = 12
	GetDataNotFound      = 13
	GetInternalError     = 17
	GetCancelled         = 25
	GetPermanentRedirect = 27
	GetTooBig            = 21
)

// Failure codes reported in PutFailed.
const (
	PutBucketError   = 2
	PutInternalError = 3
	PutCancelled     = 10
)

type Failure struct {
	Code        int
	Description string
	Fatal       bool
	RedirectURI string
}

func (f Failure) Error() string {
	return fmt.Sprintf("request failed with code %d: %s", f.Code, f.Description)
}

func InternalErrorFailure(kind Kind, err error) Failure {
	code := GetInternalError
	if kind != KindGet {
		code = PutInternalError
	}
	return Failure{Code: code, Description: "Internal error: " + err.Error(), Fatal: true}
}

func CancelledFailure(kind Kind) Failure {
	code := GetCancelled
	if kind != KindGet {
		code = PutCancelled
	}
	return Failure{Code: code, Description: "Cancelled by user", Fatal: true}
}

func BucketFailure(kind Kind, err error) Failure {
	code := GetBucketError
	if kind != KindGet {
		code = PutBucketError
	}
	return Failure{Code: code, Description: "Bucket error: " + err.Error(), Fatal: true}
}

type ProgressKind int

const (
	ProgressSimple ProgressKind = iota
	ProgressSendingToNetwork
	ProgressExpectedMIME
	ProgressExpectedDataLength
	ProgressFetchable
	ProgressURIGenerated
)

// Progress is one non-terminal requester event.
type Progress struct {
	Kind          ProgressKind
	Total         int
	Required      int
	Failed        int
	FatallyFailed int
	Succeeded     int
	Finalized     bool
	ContentType   string
	DataLength    int64
	URI           string
}

func (p Progress) verbosity() Verbosity {
	switch p.Kind {
	case ProgressSimple:
		return VerbositySimpleProgress
	case ProgressSendingToNetwork:
		return VerbositySendingToNetwork
	case ProgressExpectedMIME:
		return VerbosityExpectedMIME
	case ProgressExpectedDataLength:
		return VerbosityExpectedDataLength
	case ProgressFetchable:
		return VerbosityPutFetchable
	}
	return 0
}

var (
	ErrNotRestartable   = errors.New("request cannot be restarted")
	ErrStillRunning     = errors.New("request is still running")
	ErrAlreadySucceeded = errors.New("request already succeeded")
	ErrRemoved          = errors.New("request has been removed")
)
