package config

import "sync/atomic"

// Holder publishes a *Snapshot behind a lock-free atomic pointer, giving
// readers replace-and-retire semantics: Load() is a single atomic pointer
// read with no torn updates and no locking on the hot path; Store()
// publishes a fully-built snapshot in one step and the previous value is
// simply dropped for the garbage collector once the last reader holding it
// finishes using it.
type Holder struct {
	p atomic.Pointer[Snapshot]
}

// NewHolder creates a Holder pre-populated with an initial snapshot. initial
// may be nil; Load then returns nil until the first Store.
func NewHolder(initial *Snapshot) *Holder {
	h := &Holder{}
	if initial != nil {
		h.p.Store(initial)
	}
	return h
}

// Load returns the currently published snapshot. Safe for concurrent use
// with Store from any number of goroutines; a single call's result is
// stable for as long as the caller holds the returned pointer, satisfying
// "a single message is processed entirely under one snapshot".
func (h *Holder) Load() *Snapshot {
	return h.p.Load()
}

// Store atomically publishes a new snapshot. It never blocks a concurrent
// Load.
func (h *Holder) Store(s *Snapshot) {
	h.p.Store(s)
}

// CompareAndSwap atomically replaces old with new, reporting whether the
// swap happened. The config-push path in internal/admin publishes with
// Store, not with CompareAndSwap.
func (h *Holder) CompareAndSwap(old, new *Snapshot) bool {
	return h.p.CompareAndSwap(old, new)
}
