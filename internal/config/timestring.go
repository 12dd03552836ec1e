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

package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var timeStringPart = regexp.MustCompile(`([0-9]+)([a-z]+)`)

var timeStringUnits = map[string]time.Duration{
	"d":    24 * time.Hour,
	"day":  24 * time.Hour,
	"h":    time.Hour,
	"hour": time.Hour,
	"m":    time.Minute,
	"min":  time.Minute,
	"s":    time.Second,
	"sec":  time.Second,
	"ms":   time.Millisecond,
}

// ParseTimeString parses durations such as "30day", "1d12h" or "500ms".
// Parts are summed; text between parts is not allowed.
func ParseTimeString(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty time string")
	}

	matches := timeStringPart.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return 0, fmt.Errorf("invalid time string %q", s)
	}

	var total time.Duration
	pos := 0
	for _, m := range matches {
		if m[0] != pos {
			return 0, fmt.Errorf("invalid time string %q", s)
		}
		pos = m[1]

		n, err := strconv.ParseInt(s[m[2]:m[3]], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number in time string %q: %w", s, err)
		}
		unit, ok := timeStringUnits[s[m[4]:m[5]]]
		if !ok {
			return 0, fmt.Errorf("unknown unit %q in time string %q", s[m[4]:m[5]], s)
		}
		total += time.Duration(n) * unit
	}
	if pos != len(s) {
		return 0, fmt.Errorf("invalid time string %q", s)
	}
	if total <= 0 {
		return 0, fmt.Errorf("time string %q must be positive", s)
	}

	return total, nil
}
