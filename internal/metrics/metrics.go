// Package metrics exposes the mention-processing engine's observability
// counters on a private prometheus.Registry. The health/metrics HTTP
// surface that scrapes this registry is an external collaborator; this
// package only registers and increments the counters it reads.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters bundles every monotonic counter named in the external
// observability surface, plus the last_mention_time gauge.
type Counters struct {
	Processed         prometheus.Counter
	RepliesSent       prometheus.Counter
	AIFail            prometheus.Counter
	PostFail          prometheus.Counter
	RateLimitedIn     prometheus.Counter
	RateLimitedOut    prometheus.Counter
	SkipAbsentTarget  prometheus.Counter
	LastMentionTime   prometheus.Gauge

	lastMentionUnix atomic.Int64
}

// New registers the counters on reg and returns the bundle.
func New(reg *prometheus.Registry) *Counters {
	c := &Counters{
		Processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crybb_processed_total",
			Help: "Mentions fully handled with an image reply; skips, limiter refusals and text-only fallbacks are counted only by their own counters.",
		}),
		RepliesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crybb_replies_sent_total",
			Help: "Replies posted with a rendered image.",
		}),
		AIFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crybb_ai_fail_total",
			Help: "Mentions answered with the text-only fallback reply after a transform failure or a target-resolution error.",
		}),
		PostFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crybb_post_fail_total",
			Help: "Mentions left unprocessed after a terminal media-upload or post failure.",
		}),
		RateLimitedIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crybb_rate_limited_in_total",
			Help: "Mentions skipped by the incoming (per-author) limiter.",
		}),
		RateLimitedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crybb_rate_limited_out_total",
			Help: "Mentions marked processed after the outgoing (per-target) limiter rejected them.",
		}),
		SkipAbsentTarget: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crybb_skip_absent_target_total",
			Help: "Mentions skipped because the resolved target user was absent.",
		}),
		LastMentionTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crybb_last_mention_time_seconds",
			Help: "Unix timestamp of the most recently observed mention.",
		}),
	}
	reg.MustRegister(
		c.Processed, c.RepliesSent, c.AIFail, c.PostFail,
		c.RateLimitedIn, c.RateLimitedOut, c.SkipAbsentTarget, c.LastMentionTime,
	)
	return c
}

// ObserveMentionTime records t as the last-seen mention timestamp, ignoring
// out-of-order updates (a later batch's older mention never regresses it).
func (c *Counters) ObserveMentionTime(t time.Time) {
	unix := t.Unix()
	for {
		cur := c.lastMentionUnix.Load()
		if unix <= cur {
			return
		}
		if c.lastMentionUnix.CompareAndSwap(cur, unix) {
			c.LastMentionTime.Set(float64(unix))
			return
		}
	}
}
