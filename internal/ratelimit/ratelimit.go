// Package ratelimit implements the two process-local sliding-window
// limiters that gate incoming mention processing (per author) and outgoing
// reply dispatch (per target).
package ratelimit

import (
	"sync"
	"time"
)

const window = time.Hour

// Window is a pruned, monotonic-time sliding window counter keyed by an
// arbitrary string (author id or normalized target username). It is safe
// for concurrent use.
type Window struct {
	capacity int
	mu       sync.Mutex
	hits     map[string][]time.Time
	now      func() time.Time
}

// NewWindow builds a sliding-window limiter with the given capacity over a
// rolling 1-hour window.
func NewWindow(capacity int) *Window {
	return &Window{
		capacity: capacity,
		hits:     make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow prunes entries older than now-1h for key, then admits the call if
// fewer than capacity remain in the window, recording the admission.
func (w *Window) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-window)

	times := w.hits[key]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= w.capacity {
		w.hits[key] = kept
		return false
	}

	w.hits[key] = append(kept, now)
	return true
}

// Count returns the number of admissions currently counted for key within
// the rolling window, after pruning. Intended for tests and diagnostics.
func (w *Window) Count(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-window)
	n := 0
	for _, t := range w.hits[key] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

// Whitelist is a set of normalized handles exempt from a limiter.
type Whitelist map[string]struct{}

// NewWhitelist builds a Whitelist from a slice of (already normalized)
// handles.
func NewWhitelist(handles []string) Whitelist {
	w := make(Whitelist, len(handles))
	for _, h := range handles {
		w[h] = struct{}{}
	}
	return w
}

// Contains reports whether handle (normalized by the caller) is whitelisted.
func (w Whitelist) Contains(handle string) bool {
	_, ok := w[handle]
	return ok
}

// Incoming gates mention ingestion per author id. Whitelisted authors
// always pass.
type Incoming struct {
	win       *Window
	whitelist Whitelist
}

// NewIncoming builds the per-author incoming limiter.
func NewIncoming(capacity int, whitelist Whitelist) *Incoming {
	return &Incoming{win: NewWindow(capacity), whitelist: whitelist}
}

// Allow reports whether authorID (and its normalized handle, for the
// whitelist check) may have a mention processed this hour.
func (l *Incoming) Allow(authorID, authorHandleNormalized string) bool {
	if l.whitelist.Contains(authorHandleNormalized) {
		return true
	}
	return l.win.Allow(authorID)
}

// Outgoing gates reply dispatch per normalized target username. No
// whitelist bypass applies here; it is uniform for every target.
type Outgoing struct {
	win *Window
}

// NewOutgoing builds the per-target outgoing limiter.
func NewOutgoing(capacity int) *Outgoing {
	return &Outgoing{win: NewWindow(capacity)}
}

// Allow reports whether a reply may be sent to targetUsernameNormalized
// this hour.
func (l *Outgoing) Allow(targetUsernameNormalized string) bool {
	return l.win.Allow(targetUsernameNormalized)
}
