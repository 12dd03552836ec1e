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
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of distinct cmdlet texts kept parsed.
const DefaultCacheSize = 1024

// Cache memoizes Parse for repeated cmdlet text, which rule-generated
// submissions produce constantly. Descriptors handed out are clones, so
// callers may mutate them freely.
type Cache struct {
	entries *lru.Cache[string, *JobDescriptor]
}

// NewCache creates a parse cache holding at most size descriptors.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	entries, err := lru.New[string, *JobDescriptor](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create descriptor cache: %w", err)
	}
	return &Cache{entries: entries}, nil
}

// Parse returns a descriptor for text, parsing it only on a cache miss.
// Parse errors are not cached.
func (c *Cache) Parse(text string) (*JobDescriptor, error) {
	key := strings.TrimSpace(text)
	if d, ok := c.entries.Get(key); ok {
		return d.Clone(), nil
	}
	d, err := Parse(key)
	if err != nil {
		return nil, err
	}
	c.entries.Add(key, d.Clone())
	return d, nil
}

// Len returns the number of cached descriptors.
func (c *Cache) Len() int {
	return c.entries.Len()
}
