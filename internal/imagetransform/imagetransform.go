// Package imagetransform defines the contract for the external
// image-transformation service (an external collaborator), the AIClient
// that calls it over HTTP, a retry wrapper, and a placeholder
// implementation that lets the reply pipeline run without the real service.
package imagetransform

import (
	"context"
	"fmt"
	"time"

	perr "github.com/Juliovivas99/crybb/internal/platform/errors"
)

// Request is the ordered pair of image URLs sent to the transform service:
// the fixed style reference and the target's profile picture.
type Request struct {
	StyleURL    string
	TargetURL   string
	Prompt      string
}

// Client renders Request into raw image bytes. Implementations may poll an
// external job internally; Transform blocks until a result, an error, or
// ctx's deadline, whichever comes first.
type Client interface {
	Transform(ctx context.Context, req Request) ([]byte, error)
}

// WithRetries wraps a Client, calling Transform up to maxAttempts times in
// total while it keeps failing. Exhausting the budget returns a
// perr.TransformFailuref error for the caller to fall back on.
type WithRetries struct {
	Inner       Client
	MaxAttempts int
	sleep       func(context.Context, time.Duration) error
}

// NewWithRetries wraps inner with the given attempt budget.
func NewWithRetries(inner Client, maxAttempts int) *WithRetries {
	return &WithRetries{Inner: inner, MaxAttempts: maxAttempts, sleep: defaultSleep}
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Transform implements Client.
func (w *WithRetries) Transform(ctx context.Context, req Request) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= w.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := w.sleep(ctx, time.Duration(attempt-1)*time.Second); err != nil {
				return nil, err
			}
		}
		b, err := w.Inner.Transform(ctx, req)
		if err == nil {
			return b, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, perr.TransformFailuref("imagetransform: exhausted %d attempt(s): %v", w.MaxAttempts, lastErr)
}

// placeholderPNG is a minimal 1x1 transparent PNG, good enough to exercise
// the upload/post path end to end without the real transform service.
var placeholderPNG = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4,
	0x89, 0x00, 0x00, 0x00, 0x0a, 0x49, 0x44, 0x41,
	0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00,
	0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44, 0xae,
	0x42, 0x60, 0x82,
}

// Placeholder is the IMAGE_PIPELINE=placeholder backend: it never calls out
// and always returns the same fixed image.
type Placeholder struct{}

// Transform implements Client.
func (Placeholder) Transform(_ context.Context, req Request) ([]byte, error) {
	if req.StyleURL == "" || req.TargetURL == "" {
		return nil, fmt.Errorf("imagetransform: placeholder requires both style and target URLs")
	}
	return placeholderPNG, nil
}
