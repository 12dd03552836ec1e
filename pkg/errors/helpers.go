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
	"errors"
	"fmt"
)

// Wrapf annotates err with a formatted message. It returns nil for a nil err.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// As is errors.As, re-exported so callers need only this package.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// IsNotFound reports whether err wraps a *NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsRetryable reports whether the operation that produced err may succeed
// if repeated. Errors that do not implement ErrorClassifier are assumed to
// be transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var c ErrorClassifier
	if errors.As(err, &c) {
		return c.IsRetryable()
	}
	return true
}
