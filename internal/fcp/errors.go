package fcp

import (
	"errors"
	"fmt"
)

// ProtocolErrorCode values as defined by FCP 2.0.
type ProtocolErrorCode int

const (
	ClientHelloMustBeFirst ProtocolErrorCode = iota + 1
	NoLateClientHello
	MessageParseError
	URIParseError
	MissingField
	ErrorParsingNumber
	InvalidMessage
	InvalidField
	FileNotFound
	DiskTargetExists
	SameDirectoryExpected
	CouldNotCreateFile
	CouldNotWriteFile
	CouldNotRenameFile
	NoSuchIdentifier
	NotSupported
	InternalError
	ShuttingDown
	NoSuchNodeIdentifier
	URLParseError
	RefParseError
	FileParseError
	NotAFileError
	AccessDenied
	DDADenied
	CouldNotReadFile
	RefSignatureInvalid
	CannotPeerWithSelf
	DuplicatePeerRef
	OpennetDisabled
	DarknetOnly
	NoSuchPlugin
	PersistenceDisabled
	TooManyFilesInInsert
	BadMimeType
	WrongReturnType
)

var protocolErrorDescriptions = map[ProtocolErrorCode]string{
	ClientHelloMustBeFirst: "ClientHello must be first message",
	NoLateClientHello:      "No late ClientHello",
	MessageParseError:      "Unknown message parsing error",
	URIParseError:          "Error parsing URI",
	MissingField:           "Missing field",
	ErrorParsingNumber:     "Error parsing a numeric field",
	InvalidMessage:         "Don't know what to do with message",
	InvalidField:           "Invalid field value",
	FileNotFound:           "File not found, not a file or not readable",
	DiskTargetExists:       "Disk target exists, refusing to overwrite for security reasons",
	CouldNotCreateFile:     "Could not create file",
	CouldNotWriteFile:      "Could not write file",
	NoSuchIdentifier:       "No such identifier",
	NotSupported:           "Not supported",
	InternalError:          "Internal error",
	ShuttingDown:           "Shutting down",
	AccessDenied:           "Access denied",
	DDADenied:              "Direct Disk Access denied",
	CouldNotReadFile:       "Could not read file",
	NoSuchPlugin:           "No such plugin",
	PersistenceDisabled:    "Persistence is disabled",
	TooManyFilesInInsert:   "Too many files in insert",
	BadMimeType:            "Bad MIME type",
	WrongReturnType:        "Wrong return type",
}

func (c ProtocolErrorCode) String() string {
	if d, ok := protocolErrorDescriptions[c]; ok {
		return d
	}
	return fmt.Sprintf("protocol error %d", int(c))
}

// ProtocolError is reported synchronously to the sender. Fatal errors close the session.
type ProtocolError struct {
	Code       ProtocolErrorCode
	Extra      string
	Identifier string
	Global     bool
	Fatal      bool
}

func NewProtocolError(code ProtocolErrorCode, extra, identifier string, global bool) *ProtocolError {
	return &ProtocolError{Code: code, Extra: extra, Identifier: identifier, Global: global}
}

func (e *ProtocolError) Fatally() *ProtocolError {
	e.Fatal = true
	return e
}

func (e *ProtocolError) Error() string {
	if e.Extra != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Extra)
	}
	return e.Code.String()
}

func (e *ProtocolError) Message() *Message {
	m := NewMessage("ProtocolError").
		SetInt("Code", int64(e.Code)).
		Set("CodeDescription", e.Code.String()).
		SetBool("Fatal", e.Fatal).
		SetBool("Global", e.Global)
	if e.Extra != "" {
		m.Set("ExtraDescription", e.Extra)
	}
	if e.Identifier != "" {
		m.Set(FieldIdentifier, e.Identifier)
	}
	return m
}

// AsProtocolError unwraps err into a *ProtocolError when it is one.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
