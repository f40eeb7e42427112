// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package manager

import (
	"sync"

	"axonflow/tenantdb/connections/base"
	"axonflow/tenantdb/connections/pool"
)

// Handle is one leased session. It is used by a single request and must be
// passed to Manager.Release on every exit path.
type Handle struct {
	ConnectionID string
	Type         base.BackendType

	entry *entry
	lease *pool.Lease[base.Session]

	mu       sync.Mutex
	released bool
	poisoned bool
}

// Poisoned reports whether Release will destroy the session.
func (h *Handle) Poisoned() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.poisoned
}

func (h *Handle) poison() {
	h.mu.Lock()
	h.poisoned = true
	h.mu.Unlock()
}

func (h *Handle) isReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}
