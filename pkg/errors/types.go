// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for malformed cmdlet text, unknown action names or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
// Use this when a requested job or action does not exist in the cache or the store.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "job", "action")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// DuplicateError is returned when an equal job is already outstanding.
type DuplicateError struct {
	// Resource is the type of resource (e.g., "job")
	Resource string

	// Key identifies the duplicated resource, usually the canonical cmdlet text
	Key string
}

// Error implements the error interface.
func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate %s already in progress: %s", e.Resource, e.Key)
}

// IsUserVisible implements UserVisibleError.
func (e *DuplicateError) IsUserVisible() bool { return true }

// UserMessage implements UserVisibleError.
func (e *DuplicateError) UserMessage() string {
	return fmt.Sprintf("an identical %s is still running", e.Resource)
}

// Suggestion implements UserVisibleError.
func (e *DuplicateError) Suggestion() string {
	return "Wait for the running job to finish or delete it before resubmitting"
}

// ErrorType implements ErrorClassifier.
func (e *DuplicateError) ErrorType() string { return "duplicate" }

// IsRetryable implements ErrorClassifier.
func (e *DuplicateError) IsRetryable() bool { return true }

// QueueFullError is returned when the pending queue has reached its limit.
type QueueFullError struct {
	// Limit is the configured maximum number of pending jobs
	Limit int
}

// Error implements the error interface.
func (e *QueueFullError) Error() string {
	return fmt.Sprintf("pending job queue is full (limit %d)", e.Limit)
}

// ErrorType implements ErrorClassifier.
func (e *QueueFullError) ErrorType() string { return "queue_full" }

// IsRetryable implements ErrorClassifier.
func (e *QueueFullError) IsRetryable() bool { return true }

// ConfigError represents configuration problems.
// Use this for missing config, invalid settings, or config file issues.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "engine.executors")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for error chain inspection.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }

// TimeoutError represents operation timeouts.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "store connect", "job wait")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for error chain inspection.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }
