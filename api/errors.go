package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/oasisprotocol/govkeeper/journal"
	"github.com/oasisprotocol/govkeeper/submission"
)

var (
	// ErrBadRequest is returned when the provided HTTP request
	// is malformed.
	ErrBadRequest = errors.New("invalid request parameters")
	// ErrNotFound is returned when neither the journal nor the controller
	// know the requested operation.
	ErrNotFound = errors.New("item not found")
)

// ErrStorageError wraps a journal failure.
type ErrStorageError struct{ Err error }

func (e ErrStorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage error: %s", e.Err.Error())
	}
	return "storage error: internal bug, incorrectly instantiated error object with nil"
}

func (e ErrStorageError) Unwrap() error { return e.Err }

// ErrUpstreamError wraps a failed read against the controller.
type ErrUpstreamError struct{ Err error }

func (e ErrUpstreamError) Error() string {
	return fmt.Sprintf("upstream error: %v", e.Err)
}

func (e ErrUpstreamError) Unwrap() error { return e.Err }

// HumanReadableError is the JSON body of every error response.
type HumanReadableError struct {
	Msg string `json:"msg"`
}

func HttpCodeForError(err error) int {
	var storageErr ErrStorageError
	var upstreamErr ErrUpstreamError
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, journal.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &storageErr):
		return http.StatusInternalServerError
	case errors.As(err, &upstreamErr):
		if errors.Is(err, submission.ErrNodeUnavailable) {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// A simple error handler that renders any error as human-readable JSON to
// the HTTP response stream `w`.
func HumanReadableJsonErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("x-content-type-options", "nosniff")
	w.WriteHeader(HttpCodeForError(err))

	_ = json.NewEncoder(w).Encode(HumanReadableError{Msg: err.Error()})
}
