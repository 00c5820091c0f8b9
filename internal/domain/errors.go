package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrAlreadyRunning   = errors.New("polling loop already running")
	ErrUnknownResource  = errors.New("unknown resource")
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

type ErrorKind string

const (
	KindNetwork ErrorKind = "network"
	KindClient  ErrorKind = "client_error"
	KindServer  ErrorKind = "server_error"
	KindFormat  ErrorKind = "format"
	KindTimeout ErrorKind = "timeout"
)

// FetchError is the failure of one resource fetch after local retries.
type FetchError struct {
	Kind     ErrorKind
	URL      string
	Status   int
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}

	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Auth reports a 401/403 answer. Those are never retried.
func (e *FetchError) Auth() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindServer, KindTimeout:
		return true
	case KindClient:
		return isTransientClientStatus(e.Status)
	default:
		return false
	}
}

func isTransientClientStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// KindOf returns the kind of a wrapped FetchError, or "" when err is not one.
func KindOf(err error) ErrorKind {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Kind
	}

	return ""
}
