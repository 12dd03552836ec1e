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

// Package descriptor parses cmdlet text into job descriptors.
//
// Cmdlet text is a sequence of actions separated by ';'. Each action is a
// name followed by "-key value" pairs:
//
//	echo -msg "hello world" ; sleep -ms 100
//
// Arguments shared by every action (such as the owning rule id) are held
// separately as common arguments.
package descriptor

import (
	"maps"
	"slices"
	"strconv"
	"strings"
)

// RuleIDKey is the common argument carrying the owning rule id.
const RuleIDKey = "-ruleId"

// Key is the equality key of a descriptor. Two descriptors describe the
// same logical job when their keys are equal.
type Key struct {
	RuleID int64
	Text   string
}

// JobDescriptor is a parsed, not yet materialized job submission.
type JobDescriptor struct {
	actionNames []string
	commonArgs  map[string]string
	actionArgs  []map[string]string
	text        string
}

// New builds a descriptor from parsed actions. text is the original cmdlet
// text; when empty the canonical rendering is used instead.
func New(text string, actions []ParsedAction) *JobDescriptor {
	d := &JobDescriptor{
		commonArgs: map[string]string{},
		text:       text,
	}
	for _, a := range actions {
		d.actionNames = append(d.actionNames, a.Name)
		args := maps.Clone(a.Args)
		if args == nil {
			args = map[string]string{}
		}
		d.actionArgs = append(d.actionArgs, args)
	}
	return d
}

// Clone returns a deep copy.
func (d *JobDescriptor) Clone() *JobDescriptor {
	c := &JobDescriptor{
		actionNames: slices.Clone(d.actionNames),
		commonArgs:  maps.Clone(d.commonArgs),
		actionArgs:  make([]map[string]string, len(d.actionArgs)),
		text:        d.text,
	}
	for i, args := range d.actionArgs {
		c.actionArgs[i] = maps.Clone(args)
	}
	return c
}

// ActionCount returns the number of actions.
func (d *JobDescriptor) ActionCount() int {
	return len(d.actionNames)
}

// ActionNames returns a copy of the action names in order.
func (d *JobDescriptor) ActionNames() []string {
	return slices.Clone(d.actionNames)
}

// ActionName returns the name of action i.
func (d *JobDescriptor) ActionName(i int) string {
	return d.actionNames[i]
}

// ActionArgs returns the common arguments merged with those of action i.
// Action arguments take precedence.
func (d *JobDescriptor) ActionArgs(i int) map[string]string {
	args := maps.Clone(d.commonArgs)
	maps.Copy(args, d.actionArgs[i])
	return args
}

// AddActionArg sets an argument on action i only.
func (d *JobDescriptor) AddActionArg(i int, key, value string) {
	d.actionArgs[i][key] = value
}

// SetParameter sets a common argument and recomputes the cmdlet text.
func (d *JobDescriptor) SetParameter(key, value string) {
	d.commonArgs[key] = value
	d.text = d.CanonicalString()
}

// RuleID returns the owning rule id, or 0 when absent or malformed.
func (d *JobDescriptor) RuleID() int64 {
	v, ok := d.commonArgs[RuleIDKey]
	if !ok {
		return 0
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// SetRuleID marks the descriptor as generated by rule id.
func (d *JobDescriptor) SetRuleID(id int64) {
	d.SetParameter(RuleIDKey, strconv.FormatInt(id, 10))
}

// IsRuleJob reports whether the descriptor carries a rule id argument.
func (d *JobDescriptor) IsRuleJob() bool {
	_, ok := d.commonArgs[RuleIDKey]
	return ok
}

// String returns the cmdlet text.
func (d *JobDescriptor) String() string {
	if d.text == "" {
		return d.CanonicalString()
	}
	return d.text
}

// CanonicalString renders every action with its full argument set, keys
// sorted, joined by " ; ".
func (d *JobDescriptor) CanonicalString() string {
	parts := make([]string, d.ActionCount())
	for i := range d.actionNames {
		parts[i] = ActionString(d.actionNames[i], d.ActionArgs(i))
	}
	return strings.Join(parts, " ; ")
}

// Key returns the equality key used for duplicate detection.
func (d *JobDescriptor) Key() Key {
	return Key{RuleID: d.RuleID(), Text: d.String()}
}

// Equal reports whether both descriptors have the same key.
func (d *JobDescriptor) Equal(other *JobDescriptor) bool {
	if other == nil {
		return false
	}
	return d.Key() == other.Key()
}

// ActionString renders one action as text that Parse accepts.
func ActionString(name string, args map[string]string) string {
	var b strings.Builder
	b.WriteString(name)
	for _, k := range slices.Sorted(maps.Keys(args)) {
		b.WriteByte(' ')
		b.WriteString(quote(k))
		if v := args[k]; v != "" {
			b.WriteByte(' ')
			b.WriteString(quote(v))
		}
	}
	return b.String()
}

// quote wraps s in a string literal when it contains characters the parser
// treats specially.
func quote(s string) string {
	if !strings.ContainsAny(s, " \t;\"\\") {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}
