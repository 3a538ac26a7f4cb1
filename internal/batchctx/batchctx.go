package batchctx

import (
	"context"
	"sync"

	"github.com/Juliovivas99/crybb/internal/mention"
	perr "github.com/Juliovivas99/crybb/internal/platform/errors"
)

// LookupFunc performs the network user-by-username call (bearer-authed).
// Its error must be perr-classified: an ErrorCodeAbsentTarget error means
// "not found / suspended", any other error is treated as transient.
type LookupFunc func(ctx context.Context, username string) (mention.User, error)

// BatchContext is the per-poll resolution context: an immutable snapshot
// from the mentions expansion block, an overlay of users pinned during this
// batch by an on-demand lookup, and a reference to the process-wide TTL
// cache. It is built fresh each scheduler iteration and discarded after.
type BatchContext struct {
	snapshot mention.BatchSnapshot
	cache    *TTLCache
	lookup   LookupFunc

	mu      sync.Mutex
	overlay map[string]mention.User
}

// New builds a BatchContext over snapshot, backed by cache for cross-batch
// hits and lookup for cold misses.
func New(snapshot mention.BatchSnapshot, cache *TTLCache, lookup LookupFunc) *BatchContext {
	return &BatchContext{
		snapshot: snapshot,
		cache:    cache,
		lookup:   lookup,
		overlay:  make(map[string]mention.User),
	}
}

// AuthorHandle returns the username of authorID as carried in this batch's
// expansion block. Every mention's author is always present there (the
// mentions call requests expansions=author_id), so this never needs a
// network call.
func (b *BatchContext) AuthorHandle(authorID string) (string, bool) {
	u, ok := b.snapshot.LookupByID(authorID)
	return u.Username, ok
}

// ResolveUser implements the four-step lookup order. found is false
// only when the user is confirmed absent (404/suspended); err is non-nil
// only for a transient failure the caller should treat as "try again
// later", distinct from a confirmed absence.
func (b *BatchContext) ResolveUser(ctx context.Context, username string) (user mention.User, found bool, err error) {
	if u, ok := b.snapshot.Lookup(username); ok {
		return u, true, nil
	}

	key := mention.NormalizedUsername(username)
	b.mu.Lock()
	if u, ok := b.overlay[key]; ok {
		b.mu.Unlock()
		return u, true, nil
	}
	b.mu.Unlock()

	if u, ok := b.cache.Get(username); ok {
		return u, true, nil
	}

	u, lookupErr := b.lookup(ctx, username)
	if lookupErr != nil {
		if perr.IsCode(lookupErr, perr.ErrorCodeAbsentTarget) {
			return mention.User{}, false, nil
		}
		return mention.User{}, false, lookupErr
	}

	b.mu.Lock()
	b.overlay[key] = u
	b.mu.Unlock()
	b.cache.Set(u)

	return u, true, nil
}
