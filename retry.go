/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package dbrest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgconn"
)

// RetryExhausted is raised once a RetryStrategy's attempts are used up; it
// carries every attempt's error, innermost (most recent) last, so the
// caller can log the full sequence without walking a wrapped chain.
type RetryExhausted struct {
	Attempts int
	Errors   []error
}

func (r *RetryExhausted) Error() string {
	last := "unknown error"
	if n := len(r.Errors); n > 0 {
		last = r.Errors[n-1].Error()
	}
	return fmt.Sprintf("retries exhausted after %d attempts: %s", r.Attempts, last)
}

func (r *RetryExhausted) Unwrap() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[len(r.Errors)-1]
}

// ErrorCodeProblem is raised when an endpoint's ErrorCodePolicy matches the
// SQL state of a database error; the executor renders it as an RFC-7807
// problem+json response rather than a generic 500.
type ErrorCodeProblem struct {
	Status  int
	Title   string
	Type    string
	Details string
	Cause   error
}

func (e *ErrorCodeProblem) Error() string { return e.Title + ": " + e.Details }
func (e *ErrorCodeProblem) Unwrap() error { return e.Cause }

// classify reports whether err is worth retrying, per spec.md §4.5:
//   - a context cancellation or deadline is never retried: the request
//     context is already dead (the per-endpoint command timeout is folded
//     into it), so the cancellation must propagate upward instead
//   - a *pgconn.PgError with a built-in transient SQLSTATE
//     (isTransientSQLState) or a SQLSTATE in the allowlist is retried
//   - a *pgconn.PgError with no SQLSTATE info (shouldn't normally happen,
//     kept for parity with the "driver exception with no SQL state" case)
//     is retried
//   - network/timeout errors (net.Error with Timeout()==true, or an error
//     whose text names a connection reset, broken pipe, refused
//     connection or EOF) are retried
//   - everything else is not retried
func classify(err error, allowlist map[string]struct{}) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "" {
			return true
		}
		if isTransientSQLState(pgErr.Code) {
			return true
		}
		_, ok := allowlist[pgErr.Code]
		return ok
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout() || isConnReset(err)
	}

	return isConnReset(err)
}

// isTransientSQLState reports true for the PostgreSQL error classes that
// are conventionally safe to retry without the endpoint declaring an
// explicit allowlist: connection exceptions (08*), insufficient resources
// (53*), and serialization/deadlock failures (40001, 40P01).
func isTransientSQLState(code string) bool {
	if strings.HasPrefix(code, "08") || strings.HasPrefix(code, "53") {
		return true
	}
	switch code {
	case "40001", "40P01":
		return true
	}
	return false
}

func isConnReset(err error) bool {
	s := err.Error()
	return strings.Contains(s, "connection reset") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "connection refused") ||
		strings.Contains(s, "EOF")
}

// runWithRetry executes fn, retrying per strategy's delay sequence whenever
// classify deems the error transient. The final error, if attempts are
// exhausted, is a *RetryExhausted wrapping every attempt's error.
func runWithRetry(ctx context.Context, strategy RetryStrategy, allowlist map[string]struct{}, fn func(ctx context.Context) error) error {
	maxAttempts := strategy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var errs []error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, err)

		if !classify(err, allowlist) {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}

		delay := time.Duration(0)
		if attempt < len(strategy.Delays) {
			delay = strategy.Delays[attempt]
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				errs = append(errs, ctx.Err())
				return &RetryExhausted{Attempts: len(errs), Errors: errs}
			case <-timer.C:
			}
		}
	}
	return &RetryExhausted{Attempts: len(errs), Errors: errs}
}

// classifyErrorCodePolicy looks up err's SQL state (if any) against the
// endpoint's ErrorCodePolicy, returning a *ErrorCodeProblem when a mapping
// exists, nil otherwise (in which case the caller falls back to generic
// 500 handling).
func classifyErrorCodePolicy(err error, policy ErrorCodePolicy) *ErrorCodeProblem {
	if len(policy.BySQLState) == 0 && policy.Default == 0 {
		return nil
	}
	var pgErr *pgconn.PgError
	status := policy.Default
	if errors.As(err, &pgErr) {
		if s, ok := policy.BySQLState[pgErr.Code]; ok {
			status = s
		}
	}
	if status == 0 {
		return nil
	}
	details := err.Error()
	return &ErrorCodeProblem{
		Status:  status,
		Title:   "database error",
		Type:    "about:blank",
		Details: details,
		Cause:   err,
	}
}
