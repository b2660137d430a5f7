package tracker

import (
	"errors"
	"fmt"

	"datatracker/pkg/feedclient"
)

var (
	// ErrMissingURL is returned by New when no source url is configured.
	ErrMissingURL = errors.New("tracker requires a url")

	// ErrStaleCycle marks a completed cycle that was not applied because
	// the engine was stopped or restarted while it ran.
	ErrStaleCycle = errors.New("stale cycle discarded")
)

// TransportError reports a failed request or a non-success status.
// StatusCode is 0 when no response was received.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ParseError reports a response body that could not be decoded.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ShapeError reports an item extractor that did not yield a sequence.
type ShapeError struct {
	Response string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("item extractor must return a sequence (response was %s)", e.Response)
}

func classify(err error) error {
	var transportErr *TransportError
	var parseErr *ParseError
	if errors.As(err, &transportErr) || errors.As(err, &parseErr) {
		return err
	}

	var decodeErr *feedclient.DecodeError
	if errors.As(err, &decodeErr) {
		return &ParseError{Err: err}
	}

	var statusErr *feedclient.StatusError
	if errors.As(err, &statusErr) {
		return &TransportError{StatusCode: statusErr.StatusCode, Err: err}
	}

	return &TransportError{Err: err}
}
