// Package apperr holds the failure kinds a relay can end in and the single
// table that turns them into HTTP statuses.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies why a relay failed.
type Kind string

const (
	KindMissingFile     Kind = "missing_file"
	KindTransport       Kind = "transport"
	KindSpoolIO         Kind = "spool_io"
	KindRemoteStore     Kind = "remote_store"
	KindEmptyBody       Kind = "empty_body"
	KindBodyTooLarge    Kind = "body_too_large"
	KindInvalidFilename Kind = "invalid_filename"
	KindBusy            Kind = "busy"
)

var statusByKind = map[Kind]int{
	KindMissingFile:     http.StatusInternalServerError,
	KindTransport:       http.StatusBadRequest,
	KindSpoolIO:         http.StatusInternalServerError,
	KindRemoteStore:     http.StatusInternalServerError,
	KindEmptyBody:       http.StatusBadRequest,
	KindBodyTooLarge:    http.StatusRequestEntityTooLarge,
	KindInvalidFilename: http.StatusBadRequest,
	KindBusy:            http.StatusServiceUnavailable,
}

var (
	ErrMissingFile = errors.New("no file field found in multipart body")
	ErrEmptyBody   = errors.New("body is empty")
)

// Error is a relay failure tagged with its Kind.
type Error struct {
	Kind Kind
	// Op is the step that failed, e.g. "spool.write" or "storage.put".
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New tags err with kind. A nil err yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind carried by err, or "" when err is untagged.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StatusOf maps an error to the HTTP status the client sees.
// Untagged errors are server-side failures.
func StatusOf(err error) int {
	if status, ok := statusByKind[KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// IsClientError reports whether the failure was caused by the request itself.
func IsClientError(err error) bool {
	status := StatusOf(err)
	return status >= 400 && status < 500
}
