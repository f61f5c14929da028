package crawl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// ErrParse signals that a page was fetched but its structure could not be
// interpreted. Wrap it so Classify maps the failure to KindParse.
var ErrParse = errors.New("malformed page")

// StatusError reports a non-success HTTP status.
type StatusError struct {
	URL  string
	Code int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.Code, e.URL)
}

// StorageError marks a persistence failure. It is fatal to the run: without a
// writable store the crawl cannot guarantee resumability.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// EnumerationError reports that listing a country's targets failed. It
// carries the target the failure should be booked against, so the location
// page itself lands in the ledger and is retried on resume.
type EnumerationError struct {
	Target Target
	Err    error
}

// Error implements the error interface.
func (e *EnumerationError) Error() string {
	return fmt.Sprintf("enumerate %s: %v", e.Target.Key(), e.Err)
}

// Unwrap exposes the underlying cause.
func (e *EnumerationError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must terminate the run.
func IsFatal(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Classify converts an arbitrary handler error into exactly one ErrorKind.
// Every error a worker reports to the ledger passes through here.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Code == http.StatusTooManyRequests {
			return KindRateLimit
		}
		return KindNetwork
	}
	if errors.Is(err, ErrParse) {
		return KindParse
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindNetwork
	}
	return KindUnknown
}
