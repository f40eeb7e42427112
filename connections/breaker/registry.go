// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package breaker

import (
	"sort"
	"sync"
)

// Registry owns the breakers of one process component. It is constructed
// and passed explicitly; there is no package-level registry.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	opts     []Option
}

// NewRegistry creates an empty registry. opts apply to every breaker it
// creates.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		opts:     opts,
	}
}

// Get returns the breaker for key, creating it with settings on first use.
// Settings of an existing breaker are not changed.
func (r *Registry) Get(key string, settings Settings, opts ...Option) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	all := make([]Option, 0, len(r.opts)+len(opts))
	all = append(all, r.opts...)
	all = append(all, opts...)
	b = New(key, settings, all...)
	r.breakers[key] = b
	return b
}

// Lookup returns the breaker for key if it exists.
func (r *Registry) Lookup(key string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[key]
	return b, ok
}

// Remove drops the breaker for key. A later Get starts closed again.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	delete(r.breakers, key)
	r.mu.Unlock()
}

// Snapshots returns every breaker's state ordered by key.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
