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

// Package jq filters command output with jq expressions.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"

	joberrors "github.com/tombee/smartjobs/pkg/errors"
)

// DefaultTimeout bounds a single evaluation.
const DefaultTimeout = time.Second

// Filter is a compiled jq expression.
type Filter struct {
	code    *gojq.Code
	timeout time.Duration
}

// Compile parses and compiles expression.
func Compile(expression string) (*Filter, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, &joberrors.ValidationError{
			Field:      "jq",
			Message:    fmt.Sprintf("invalid jq expression: %v", err),
			Suggestion: "see https://jqlang.github.io/jq/manual/ for the expression syntax",
		}
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, &joberrors.ValidationError{
			Field:   "jq",
			Message: fmt.Sprintf("jq compilation failed: %v", err),
		}
	}
	return &Filter{code: code, timeout: DefaultTimeout}, nil
}

// Run evaluates the filter over v and returns every emitted value. v is
// round-tripped through JSON first so struct values match their JSON form.
func (f *Filter) Run(ctx context.Context, v any) ([]any, error) {
	input, err := normalize(v)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var out []any
	iter := f.code.RunWithContext(ctx, input)
	for {
		r, ok := iter.Next()
		if !ok {
			return out, nil
		}
		if err, isErr := r.(error); isErr {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("jq evaluation timed out after %v", f.timeout)
			}
			return nil, err
		}
		out = append(out, r)
	}
}

func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode jq input: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode jq input: %w", err)
	}
	return out, nil
}
