// Package link manages VXI-11 link IDs: allocation, the per-link state
// table, and device-name lookup (spec.md §4.6 CREATE_LINK/DESTROY_LINK).
//
// Grounded on the teacher's devEntry/capToDev table in
// services/hal/hal.go: a plain map-of-structs guarded by one mutex, same
// "monotonic counter, never reused" id discipline the teacher's nextCapID
// uses per device kind.
package link

import (
	"sync"
	"sync/atomic"

	"vxi11gateway/internal/adapter"
)

// Link is the server-side state tracked per CREATE_LINK call.
type Link struct {
	ID          uint32
	DeviceName  string
	ClientID    int32
	Adapter     adapter.Adapter
	LockTimeout uint32
	IOTimeout   uint32
	HasLock     bool
}

// Table is the set of currently live links.
type Table struct {
	mu      sync.Mutex
	links   map[uint32]*Link
	counter atomic.Uint32
}

// New constructs an empty link table.
func New() *Table {
	return &Table{links: map[uint32]*Link{}}
}

// Create allocates a new link id and stores l under it. IDs are assigned
// monotonically and never reused within the process lifetime, so a stale
// link id from a destroyed link cannot alias a newer one.
func (t *Table) Create(deviceName string, clientID int32, a adapter.Adapter) *Link {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.counter.Add(1)
	l := &Link{ID: id, DeviceName: deviceName, ClientID: clientID, Adapter: a}
	t.links[id] = l
	return l
}

// Get returns the link for id, if it still exists.
func (t *Table) Get(id uint32) (*Link, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[id]
	return l, ok
}

// Destroy removes id from the table, returning the removed link if any.
func (t *Table) Destroy(id uint32) (*Link, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[id]
	if ok {
		delete(t.links, id)
	}
	return l, ok
}

// Len reports the number of currently live links.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.links)
}

// All returns a snapshot of every live link, used by destroyAll during
// server shutdown.
func (t *Table) All() []*Link {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Link, 0, len(t.links))
	for _, l := range t.links {
		out = append(out, l)
	}
	return out
}
