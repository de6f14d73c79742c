/*
Package core runs the fetch, buffer and load pipeline: a dispatcher handing out index ranges,
short-lived fetch workers, the supervisor pacing them, and long-lived load workers.
*/
package core

/*
ctingest — load Certificate Transparency logs into analytical stores
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/x-stp/ctingest/internal/certlib"
)

// customError is an error that records whether the operation that produced it may be retried.
// It optionally wraps the underlying cause.
type customError struct {
	message   string
	retryable bool
	cause     error
}

// NewError creates an error with the given message and retryable status.
func NewError(msg string, retryable bool) error {
	return &customError{
		message:   msg,
		retryable: retryable,
	}
}

func (e *customError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *customError) Unwrap() error {
	return e.cause
}

// IsRetryable reports whether the error is designated as retryable.
func (e *customError) IsRetryable() bool {
	return e.retryable
}

// IsRetryable reports whether err, or an error it wraps, is a retryable customError.
// Unknown error types are not retryable.
func IsRetryable(err error) bool {
	var e *customError
	if errors.As(err, &e) {
		return e.IsRetryable()
	}
	return false
}

var (
	// ErrRetriesExhausted marks a range given up after max_retries failed attempts.
	ErrRetriesExhausted = NewError("retries exhausted", false)
	// ErrWorkerShutdown is returned when the run is cancelled while a worker holds work.
	ErrWorkerShutdown = NewError("worker shutdown", false)
	// ErrSinkFailed is returned by a load worker whose batch write kept failing. It ends the run.
	ErrSinkFailed = NewError("sink write failed", false)
)

// classifyFetchError wraps a get-entries failure. Every failure the log can cause is retried;
// only cancellation of the run is not.
func classifyFetchError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return &customError{message: "fetch cancelled", retryable: false, cause: err}
	}
	return &customError{message: "fetch failed", retryable: true, cause: err}
}

// isTimeout reports a per-request client timeout, which is retryable unlike a cancelled run.
func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// fetchStatus is the status label recorded for one get-entries attempt.
func fetchStatus(err error) string {
	if err == nil {
		return "ok"
	}
	var httpErr *certlib.HTTPError
	switch {
	case errors.As(err, &httpErr):
		return strconv.Itoa(httpErr.StatusCode)
	case errors.Is(err, certlib.ErrNoEntries):
		return "empty"
	case isTimeout(err):
		return "timeout"
	default:
		return "error"
	}
}

// wrapRange adds the log and range to an error.
func wrapRange(logURL string, r IndexRange, err error) error {
	return fmt.Errorf("%s %s: %w", logURL, r, err)
}
