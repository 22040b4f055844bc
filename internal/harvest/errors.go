package harvest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// Sentinel errors. Typed errors below match them through errors.Is.
var (
	ErrSiteUnavailable   = errors.New("site unavailable")
	ErrRootAlreadyExists = errors.New("root directory already exists")
	ErrRetryExhausted    = errors.New("retry budget exhausted")
	ErrDuplicateItem     = errors.New("duplicate item directory")
	ErrMalformedPage     = errors.New("malformed page")
	ErrExtractionAbsent  = errors.New("extraction absent")
)

// Kind classifies a failure for reporting.
type Kind string

// Failure kinds.
const (
	KindNone            Kind = ""
	KindSiteUnavailable Kind = "site_unavailable"
	KindRootExists      Kind = "root_exists"
	KindRetryExhausted  Kind = "retry_exhausted"
	KindDuplicateItem   Kind = "duplicate_item"
	KindMalformedPage   Kind = "malformed_page"
	KindCanceled        Kind = "canceled"
	KindIO              Kind = "io"
)

// KindOf maps err onto the failure taxonomy.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrSiteUnavailable):
		return KindSiteUnavailable
	case errors.Is(err, ErrRootAlreadyExists):
		return KindRootExists
	case errors.Is(err, ErrRetryExhausted):
		return KindRetryExhausted
	case errors.Is(err, ErrDuplicateItem):
		return KindDuplicateItem
	case errors.Is(err, ErrMalformedPage):
		return KindMalformedPage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindIO
	}
}

// StatusError reports a response outside the 2xx range.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// RetryExhaustedError is returned once a fetch has used its attempt budget.
type RetryExhaustedError struct {
	URL      string
	Attempts int
	Cause    error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("fetch %s: %d attempts failed: %v", e.URL, e.Attempts, e.Cause)
}

// Unwrap exposes the last attempt's cause.
func (e *RetryExhaustedError) Unwrap() error {
	return e.Cause
}

// Is matches ErrRetryExhausted.
func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}

// DuplicateItemError reports an item whose directory already exists.
type DuplicateItemError struct {
	Name string
	Dir  string
}

func (e *DuplicateItemError) Error() string {
	return fmt.Sprintf("item %q: directory %s already exists", e.Name, e.Dir)
}

// Is matches ErrDuplicateItem.
func (e *DuplicateItemError) Is(target error) bool {
	return target == ErrDuplicateItem
}

// MalformedPageError reports an index page missing a structural container.
type MalformedPageError struct {
	URL     string
	Missing string
}

func (e *MalformedPageError) Error() string {
	return fmt.Sprintf("page %s: missing %s", e.URL, e.Missing)
}

// Is matches ErrMalformedPage.
func (e *MalformedPageError) Is(target error) bool {
	return target == ErrMalformedPage
}

// Unwrap reports the absent structure as the cause.
func (e *MalformedPageError) Unwrap() error {
	return ErrExtractionAbsent
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retryable reports whether a failed attempt may be repeated. Status errors,
// transport errors and per-attempt timeouts are retryable; cancellation,
// unparsable URLs and errors marked Permanent are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Op == "parse" {
		return false
	}
	var invalid url.InvalidHostError
	if errors.As(err, &invalid) {
		return false
	}
	return true
}
