// Package microblog is the HTTP client for the mention-responder's single
// external collaborator: the microblog platform's REST API. It owns
// request signing (BearerCredential / UserContextCredential), retry and
// backoff for transient failures, and rate-limit bookkeeping shared across
// the scheduler and reply pipeline. A 429 response never triggers an
// automatic retry here — it blocks until reset+5s and returns a typed
// error; the caller decides whether to try again.
package microblog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	// EndpointMentions is the "recent mentions of the bot" read endpoint.
	EndpointMentions = "mentions"
	// EndpointUserByUsername resolves a handle to a user id/profile.
	EndpointUserByUsername = "user_by_username"
	// EndpointMe resolves the authenticated bot account.
	EndpointMe = "me"
	// EndpointReply posts a reply (write).
	EndpointReply = "reply"
	// EndpointMediaUpload uploads an image for attachment to a reply (write).
	EndpointMediaUpload = "media_upload"
	// EndpointRepost re-shares a post (write).
	EndpointRepost = "repost"
	// EndpointUserPosts lists a user's recent posts (read).
	EndpointUserPosts = "user_posts"

	// defaultMinRemaining is the headroom Call proactively sleeps for
	// before issuing any request, read or write.
	defaultMinRemaining = 2
)

// Client is a rate-limit- and retry-aware HTTP client for the microblog API.
type Client struct {
	HTTP      *http.Client
	BaseURL   string
	Registry  *Registry
	Log       zerolog.Logger
	UserAgent string

	MaxRetries int
	RetryBase  time.Duration

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewClient builds a Client with sane retry defaults.
func NewClient(baseURL string, registry *Registry, log zerolog.Logger) *Client {
	return &Client{
		HTTP:       &http.Client{Timeout: 15 * time.Second},
		BaseURL:    baseURL,
		Registry:   registry,
		Log:        log,
		UserAgent:  "crybb/1.0",
		MaxRetries: 3,
		RetryBase:  500 * time.Millisecond,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// Call issues an HTTP request against the microblog API and classifies the
// response:
//
//   - before anything is sent, it proactively sleeps if the registry shows
//     fewer than defaultMinRemaining calls left for endpoint, so reads and
//     writes alike get ahead of a 429 instead of only reacting to one;
//   - network error or 5xx: retried up to MaxRetries times with exponential
//     backoff (±20% jitter), then returned as a terminal error;
//   - 429: the registry's rate-limit state is updated, the call blocks
//     until reset+5s, and a *RateLimitedError is returned immediately
//     after — the client never retries a 429 itself;
//   - other 4xx: returned immediately as a terminal *ClientError;
//   - 2xx: returned to the caller with the body intact for decoding.
//
// The caller owns closing resp.Body on a non-error return.
func (c *Client) Call(ctx context.Context, method, path, endpoint string, cred Credential, body io.Reader, contentType string) (*http.Response, error) {
	if err := c.Registry.MaybeSleep(ctx, endpoint, defaultMinRemaining); err != nil {
		return nil, err
	}

	var bodyBytes []byte
	if body != nil {
		b, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("microblog: read request body: %w", err)
		}
		bodyBytes = b
	}

	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoffFor(attempt)
			c.Log.Debug().Str("endpoint", endpoint).Int("attempt", attempt).Dur("backoff", backoff).Msg("retrying request")
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
		if err != nil {
			return nil, fmt.Errorf("microblog: build request: %w", err)
		}
		req.Header.Set("User-Agent", c.UserAgent)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if cred != nil {
			if err := cred.Apply(req); err != nil {
				return nil, fmt.Errorf("microblog: sign request: %w", err)
			}
		}

		resp, err := c.HTTP.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("microblog: %s: %w", endpoint, err)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		c.Registry.Observe(endpoint, resp.Header)

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return resp, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			defer resp.Body.Close()
			resetUnix, _ := strconv.ParseInt(resp.Header.Get("x-rate-limit-reset"), 10, 64)
			resetAt := time.Unix(resetUnix, 0)
			wait := resetAt.Add(5 * time.Second).Sub(c.now())
			if wait > 0 {
				if err := c.sleep(ctx, wait); err != nil {
					return nil, err
				}
			}
			return nil, &RateLimitedError{Endpoint: endpoint, ResetAt: resetAt}

		case resp.StatusCode >= 500:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			resp.Body.Close()
			lastErr = fmt.Errorf("microblog: %s returned %d: %s", endpoint, resp.StatusCode, string(msg))
			continue

		default:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			resp.Body.Close()
			return nil, &ClientError{Endpoint: endpoint, Status: resp.StatusCode, Body: string(msg)}
		}
	}

	return nil, lastErr
}

func (c *Client) backoffFor(attempt int) time.Duration {
	base := c.RetryBase * time.Duration(1<<uint(attempt-1))
	jitter := time.Duration(float64(base) * (0.8 + 0.4*rand.Float64()))
	return jitter
}
