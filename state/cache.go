// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

// Package state keeps the last known signal values of one device and
// reports changes.
package state

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/riclolsen/go-serialcmd/clog"
)

var (
	ErrUnknownTag = errors.New("state: no decoder for response tag")
	ErrDecode     = errors.New("state: response decode failed")
)

// Signal is one named value derived from a response.
type Signal struct {
	Name  string
	Value any
}

// DecodeFunc turns a response payload into signals. It must not keep payload.
type DecodeFunc func(payload []byte) ([]Signal, error)

// Cache maps signal names to their last known values. Values change only
// through ApplyResponse, Set and Reset.
type Cache struct {
	mu        sync.RWMutex
	decoders  map[string]DecodeFunc
	values    map[string]any
	defaults  map[string]any
	updatedAt time.Time
	handlers  []func(name string, v any)
	clog.Clog
}

// NewCache creates a cache holding defaults.
func NewCache(name string, defaults map[string]any) *Cache {
	c := &Cache{
		decoders: make(map[string]DecodeFunc),
		values:   make(map[string]any, len(defaults)),
		defaults: make(map[string]any, len(defaults)),
		Clog:     clog.NewLogger(fmt.Sprintf("state [%s] => ", name)),
	}
	for k, v := range defaults {
		c.defaults[k] = v
		c.values[k] = v
	}
	c.Clog.LogMode(true)
	return c
}

// Register binds a decoder to a response tag.
func (c *Cache) Register(tag string, f DecodeFunc) *Cache {
	c.mu.Lock()
	c.decoders[tag] = f
	c.mu.Unlock()
	return c
}

// OnSignalChanged adds a handler called for every value that actually
// changed. Handlers run on the goroutine that applied the change and must
// not block.
func (c *Cache) OnSignalChanged(f func(name string, v any)) {
	if f == nil {
		return
	}
	c.mu.Lock()
	c.handlers = append(c.handlers, f)
	c.mu.Unlock()
}

// ApplyResponse decodes payload with the decoder registered for tag and
// stores the result. On error the cache is left untouched.
func (c *Cache) ApplyResponse(tag string, payload []byte) error {
	c.mu.RLock()
	dec, ok := c.decoders[tag]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	signals, err := dec(payload)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDecode, tag, err)
	}
	c.apply(signals)
	return nil
}

// Set stores a single value. It reports whether the value changed.
func (c *Cache) Set(name string, v any) bool {
	return len(c.apply([]Signal{{Name: name, Value: v}})) > 0
}

// Reset restores the defaults, e.g. after a disconnect.
func (c *Cache) Reset() {
	c.mu.RLock()
	signals := make([]Signal, 0, len(c.defaults))
	for k, v := range c.defaults {
		signals = append(signals, Signal{Name: k, Value: v})
	}
	c.mu.RUnlock()
	sort.Slice(signals, func(i, j int) bool { return signals[i].Name < signals[j].Name })
	c.apply(signals)
}

func (c *Cache) apply(signals []Signal) []Signal {
	var changed []Signal
	c.mu.Lock()
	for _, s := range signals {
		if old, ok := c.values[s.Name]; ok && reflect.DeepEqual(old, s.Value) {
			continue
		}
		c.values[s.Name] = s.Value
		changed = append(changed, s)
	}
	c.updatedAt = time.Now()
	handlers := c.handlers
	c.mu.Unlock()

	for _, s := range changed {
		c.Debug("%s = %v", s.Name, s.Value)
		for _, h := range handlers {
			h(s.Name, s.Value)
		}
	}
	return changed
}

// Get returns the value of name.
func (c *Cache) Get(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[name]
	return v, ok
}

// Snapshot returns a copy of all values.
func (c *Cache) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// UpdatedAt returns the time of the last applied update.
func (c *Cache) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updatedAt
}

// Value returns the value of name as T. It reports false when the signal is
// missing or has another type.
func Value[T any](c *Cache, name string) (T, bool) {
	v, ok := c.Get(name)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
