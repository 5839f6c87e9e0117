package plugin

import "errors"

var (
	// ErrDisconnected means the other side is gone for good. A dead connection and an id that never
	// existed are indistinguishable.
	ErrDisconnected        = errors.New("plugin connection is closed")
	ErrTimeout             = errors.New("synchronous send timed out waiting for reply")
	ErrCancelled           = errors.New("synchronous send cancelled")
	ErrProtocolViolation   = errors.New("plugin protocol violation")
	ErrReplyToReply        = errors.New("cannot reply to a reply message")
	ErrReplyNotAllowed     = errors.New("reply messages cannot be sent synchronously")
	ErrInvalidTimeout      = errors.New("invalid synchronous send timeout")
	ErrDuplicateIdentifier = errors.New("a synchronous send with this identifier is already waiting")
	ErrNoSuchPlugin        = errors.New("no such plugin")
	ErrAlreadyLoaded       = errors.New("plugin already loaded")
)

// InternalErrorCode is the error code of replies synthesised for failing handlers.
const InternalErrorCode = "InternalError"
