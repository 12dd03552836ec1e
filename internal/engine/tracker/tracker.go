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

// Package tracker remembers in-progress rule jobs so identical submissions
// can be rejected.
package tracker

import (
	"sync"

	"github.com/tombee/smartjobs/internal/engine/descriptor"
)

// Tracker maps job ids to descriptor keys and back.
type Tracker struct {
	mu    sync.Mutex
	byID  map[int64]descriptor.Key
	byKey map[descriptor.Key]int64
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{
		byID:  make(map[int64]descriptor.Key),
		byKey: make(map[descriptor.Key]int64),
	}
}

// Track records that job id is running d.
func (t *Tracker) Track(id int64, d *descriptor.JobDescriptor) {
	key := d.Key()
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.byID[id]; ok {
		delete(t.byKey, old)
	}
	t.byID[id] = key
	t.byKey[key] = id
}

// Contains reports whether an equal descriptor is tracked.
func (t *Tracker) Contains(d *descriptor.JobDescriptor) bool {
	key := d.Key()
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byKey[key]
	return ok
}

// StopTracking forgets job id. Unknown ids are ignored.
func (t *Tracker) StopTracking(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byID, id)
	if t.byKey[key] == id {
		delete(t.byKey, key)
	}
}

// Len returns the number of tracked jobs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
