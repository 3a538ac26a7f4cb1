package microblog

import (
	"fmt"
	"time"
)

// RateLimitedError is returned by Client.Call when the server answers 429.
// The client has already blocked the caller until ResetAt+5s before
// returning this; the client performs no automatic retry — the
// caller decides whether to retry (at most once).
type RateLimitedError struct {
	Endpoint string
	ResetAt  time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("microblog: %s rate limited, resets at %s", e.Endpoint, e.ResetAt.Format(time.RFC3339))
}

// ClientError wraps a non-429 4xx response: not retried, surfaced with
// status and parsed body for the caller to branch on (e.g. 404 -> absent
// target).
type ClientError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("microblog: %s returned %d: %s", e.Endpoint, e.Status, e.Body)
}

// HTTPStatus returns the HTTP status code of the rejected response.
func (e *ClientError) HTTPStatus() int { return e.Status }
