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

// UserVisibleError is an error the CLI prints with a suggestion.
type UserVisibleError interface {
	error

	// IsUserVisible returns false for errors whose details are internal.
	IsUserVisible() bool

	UserMessage() string

	// Suggestion returns what the user can do about it, or "".
	Suggestion() string
}

// ErrorClassifier lets callers branch on an error's category without type
// switches. ErrorType values label metrics, e.g. "validation", "not_found"
// or "queue_full".
type ErrorClassifier interface {
	error
	ErrorType() string
	IsRetryable() bool
}
