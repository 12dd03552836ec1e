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

package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	pkgerrors "github.com/tombee/smartjobs/pkg/errors"
)

// Exit codes for smartjobs commands
const (
	ExitSuccess         = 0
	ExitExecutionFailed = 1
	ExitInvalidInput    = 2
	ExitJobFailed       = 3
	ExitNotFound        = 4
	ExitTimeout         = 5
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewInvalidInputError creates an error for rejected arguments or config
func NewInvalidInputError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalidInput, Message: msg, Cause: cause}
}

// NewJobFailedError creates an error for a job that ended unsuccessfully
func NewJobFailedError(msg string) *ExitError {
	return &ExitError{Code: ExitJobFailed, Message: msg}
}

// NewTimeoutError creates an error for a wait that ran out of time
func NewTimeoutError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitTimeout, Message: msg, Cause: cause}
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var (
		validationErr *pkgerrors.ValidationError
		configErr     *pkgerrors.ConfigError
		timeoutErr    *pkgerrors.TimeoutError
	)
	switch {
	case errors.As(err, &validationErr), errors.As(err, &configErr):
		return ExitInvalidInput
	case pkgerrors.IsNotFound(err):
		return ExitNotFound
	case errors.As(err, &timeoutErr):
		return ExitTimeout
	}
	return ExitExecutionFailed
}

// HandleExitError prints err and exits with the code ExitCode assigns it
func HandleExitError(err error) {
	if err == nil {
		return
	}
	writeError(os.Stderr, err)
	os.Exit(ExitCode(err))
}

func writeError(w io.Writer, err error) {
	fmt.Fprintln(w, "Error:", err.Error())
	if s := suggestion(err); s != "" {
		fmt.Fprintf(w, "\nSuggestion: %s\n", s)
	}
}

// suggestion finds actionable guidance anywhere in the error chain.
func suggestion(err error) string {
	var validationErr *pkgerrors.ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Suggestion
	}

	var userErr pkgerrors.UserVisibleError
	if errors.As(err, &userErr) && userErr.IsUserVisible() {
		return userErr.Suggestion()
	}
	return ""
}
