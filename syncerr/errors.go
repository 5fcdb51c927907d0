// Package syncerr defines the error taxonomy shared by the upstream CRM
// client, the reconciler, and the destination publisher. Transient errors
// are retried with backoff, terminal errors dead-letter their task, and
// fatal errors are surfaced to the operator.
package syncerr

import (
	"errors"
	"fmt"
	"time"
)

// NotFound: the record is gone upstream (merged or deleted). Terminal no-op.
type NotFound struct {
	Kind string
	ID   string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s %q not found upstream", e.Kind, e.ID)
}

// RateLimited: the remote asked us to slow down. RetryAfter carries the
// server's delay hint; zero means the caller should use its default.
type RateLimited struct {
	RetryAfter time.Duration
}

func (e *RateLimited) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// Transient: a network or server failure worth retrying with capped backoff.
type Transient struct {
	Err error
}

func (e *Transient) Error() string { return "transient: " + e.Err.Error() }
func (e *Transient) Unwrap() error { return e.Err }

// Auth: credentials rejected. Fatal for the affected component; never
// retried per task, always operator-visible.
type Auth struct {
	Status int
	Body   string
}

func (e *Auth) Error() string {
	return fmt.Sprintf("authentication failed (status %d): %s", e.Status, e.Body)
}

// Validation: the payload itself is malformed or rejected by the remote
// schema. Retrying cannot succeed, so the task dead-letters with the
// offending field recorded.
type Validation struct {
	Field  string
	Detail string
}

func (e *Validation) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on field %q: %s", e.Field, e.Detail)
	}
	return "validation failed: " + e.Detail
}

func IsNotFound(err error) bool {
	var e *NotFound
	return errors.As(err, &e)
}

func IsAuth(err error) bool {
	var e *Auth
	return errors.As(err, &e)
}

func IsValidation(err error) bool {
	var e *Validation
	return errors.As(err, &e)
}

// RetryDelay reports whether err is retryable and, for rate limits, the
// server-provided delay hint (zero when the caller should use its own
// backoff schedule).
func RetryDelay(err error) (time.Duration, bool) {
	var rl *RateLimited
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	var tr *Transient
	if errors.As(err, &tr) {
		return 0, true
	}
	return 0, false
}
