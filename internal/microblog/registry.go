package microblog

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitInfo is the last-observed rate-limit state for one logical
// endpoint.
type RateLimitInfo struct {
	Limit     int
	Remaining int
	ResetUnix int64
	LastSeen  time.Time
}

// Registry captures and enforces per-endpoint rate-limit quotas parsed from
// x-rate-limit-{limit,remaining,reset} response headers. It is shared
// across the scheduler loop and in-flight reply pipelines; every field
// access is guarded by mu.
type Registry struct {
	mu   sync.Mutex
	info map[string]RateLimitInfo

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewRegistry builds an empty registry. Entries are created lazily on the
// first observed response for an endpoint and are never evicted.
func NewRegistry() *Registry {
	return &Registry{
		info:  make(map[string]RateLimitInfo),
		now:   time.Now,
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Observe updates the registry from a response's rate-limit headers. A
// response with no rate-limit headers leaves the prior entry untouched
// except for LastSeen.
func (r *Registry) Observe(endpoint string, h http.Header) {
	limitS := h.Get("x-rate-limit-limit")
	remainingS := h.Get("x-rate-limit-remaining")
	resetS := h.Get("x-rate-limit-reset")
	if limitS == "" && remainingS == "" && resetS == "" {
		r.mu.Lock()
		if cur, ok := r.info[endpoint]; ok {
			cur.LastSeen = r.now()
			r.info[endpoint] = cur
		}
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.info[endpoint]
	if v, err := strconv.Atoi(limitS); err == nil {
		cur.Limit = v
	}
	if v, err := strconv.Atoi(remainingS); err == nil {
		cur.Remaining = v
	}
	if v, err := strconv.ParseInt(resetS, 10, 64); err == nil {
		cur.ResetUnix = v
	}
	cur.LastSeen = r.now()
	r.info[endpoint] = cur
}

// Get returns the last-known rate-limit info for endpoint.
func (r *Registry) Get(endpoint string) (RateLimitInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.info[endpoint]
	return info, ok
}

// MaybeSleep blocks the caller until reset+5s if the registry shows fewer
// than minRemaining calls left for endpoint. It returns immediately (no
// block) when there is no observed state yet, or remaining is sufficient.
func (r *Registry) MaybeSleep(ctx context.Context, endpoint string, minRemaining int) error {
	r.mu.Lock()
	info, ok := r.info[endpoint]
	r.mu.Unlock()
	if !ok || info.Remaining >= minRemaining {
		return nil
	}

	reset := time.Unix(info.ResetUnix, 0)
	wait := reset.Add(5 * time.Second).Sub(r.now())
	if wait <= 0 {
		return nil
	}
	return r.sleep(ctx, wait)
}
