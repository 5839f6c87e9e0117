package registry

import "errors"

var (
	ErrIdentifierCollision = errors.New("identifier already in use")
	ErrNotFound            = errors.New("no such identifier")
	ErrWrongPersistence    = errors.New("request persistence does not match registry")
)
