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

package descriptor

import (
	"fmt"
	"regexp"
	"strings"

	joberrors "github.com/tombee/smartjobs/pkg/errors"
)

var actionNamePattern = regexp.MustCompile(`^[a-zA-Z]+[a-zA-Z0-9_]*$`)

// ParsedAction is one action of a parsed cmdlet.
type ParsedAction struct {
	Name string
	Args map[string]string
}

type parseState int

const (
	stateIdle parseState = iota
	stateToken
	stateLiteral
)

type parser struct {
	state   parseState
	escaped bool
	pos     int
	token   strings.Builder
	tokens  []string
	actions []ParsedAction
}

// Parse parses cmdlet text into a descriptor.
func Parse(text string) (*JobDescriptor, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, parseError(0, "cmdlet text is empty")
	}

	p := &parser{}
	for i, r := range text {
		p.pos = i
		if err := p.next(r); err != nil {
			return nil, err
		}
	}
	p.pos = len(text)

	switch {
	case p.escaped:
		return nil, parseError(p.pos, "dangling escape character")
	case p.state == stateLiteral:
		return nil, parseError(p.pos, "unexpected break of string literal")
	case p.state == stateToken:
		p.endToken()
	}
	if len(p.tokens) > 0 {
		if err := p.endAction(); err != nil {
			return nil, err
		}
	}
	if len(p.actions) == 0 {
		return nil, parseError(p.pos, "cmdlet should have at least one action")
	}

	return New(text, p.actions), nil
}

func (p *parser) next(r rune) error {
	if p.escaped {
		p.escaped = false
		p.add(r)
		return nil
	}

	switch r {
	case ' ', '\t':
		switch p.state {
		case stateLiteral:
			p.add(r)
		case stateToken:
			p.endToken()
		}
	case ';':
		switch p.state {
		case stateLiteral:
			return parseError(p.pos, "unexpected break of string literal")
		case stateToken:
			p.endToken()
		}
		return p.endAction()
	case '"':
		switch p.state {
		case stateToken:
			return parseError(p.pos, "unexpected \"")
		case stateLiteral:
			p.endToken()
		default:
			p.state = stateLiteral
		}
	case '\n', '\r':
		switch p.state {
		case stateLiteral:
			return parseError(p.pos, "multiline string literals are not supported")
		case stateToken:
			p.endToken()
		}
	case '\\':
		p.escaped = true
	default:
		p.add(r)
	}
	return nil
}

func (p *parser) add(r rune) {
	if p.state == stateIdle {
		p.state = stateToken
	}
	p.token.WriteRune(r)
}

func (p *parser) endToken() {
	p.tokens = append(p.tokens, p.token.String())
	p.token.Reset()
	p.state = stateIdle
}

func (p *parser) endAction() error {
	if len(p.tokens) == 0 {
		return parseError(p.pos, "cmdlet should have at least one action")
	}
	name := p.tokens[0]
	if !actionNamePattern.MatchString(name) {
		return parseError(p.pos, fmt.Sprintf("invalid action name: %s", name))
	}
	args, err := ArgMap(p.tokens[1:])
	if err != nil {
		return err
	}
	p.actions = append(p.actions, ParsedAction{Name: name, Args: args})
	p.tokens = nil
	return nil
}

// ArgMap turns "-key value" tokens into a map. A key with no value maps to
// the empty string; a value with no preceding key is an error.
func ArgMap(tokens []string) (map[string]string, error) {
	args := make(map[string]string, len(tokens))
	lastKey := ""
	for _, tok := range tokens {
		if strings.HasPrefix(tok, "-") {
			args[tok] = ""
			lastKey = tok
			continue
		}
		if lastKey == "" {
			return nil, &joberrors.ValidationError{
				Field:      "cmdlet",
				Message:    fmt.Sprintf("invalid action option format: '%s'", tok),
				Suggestion: "Arguments must be written as -key value",
			}
		}
		args[lastKey] = tok
		lastKey = ""
	}
	return args, nil
}

func parseError(pos int, msg string) error {
	return &joberrors.ValidationError{
		Field:   "cmdlet",
		Message: fmt.Sprintf("%s (at offset %d)", msg, pos),
	}
}
