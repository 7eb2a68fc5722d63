// Package renderer holds the shared pieces of the page renderers: the
// unavailability sentinel, the retry decorator and per-domain rate limiting.
package renderer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/archiver"
)

// ErrUnavailable reports that the rendering backend itself is gone (browser
// failed to start, renderer closed). Sessions treat it as a batch failure.
var ErrUnavailable = errors.New("renderer unavailable")

// Func adapts a plain function to archiver.Renderer.
type Func func(ctx context.Context, target archiver.Target) (archiver.RenderResult, error)

// Render calls f.
func (f Func) Render(ctx context.Context, target archiver.Target) (archiver.RenderResult, error) {
	return f(ctx, target)
}

type retrying struct {
	next       archiver.Renderer
	maxRetries int
	logger     *zap.Logger
}

// WithRetry retries a failed render up to maxRetries extra times. Backend
// unavailability and context cancellation are never retried.
func WithRetry(next archiver.Renderer, maxRetries int, logger *zap.Logger) archiver.Renderer {
	if maxRetries <= 0 {
		return next
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retrying{next: next, maxRetries: maxRetries, logger: logger}
}

func (r *retrying) Render(ctx context.Context, target archiver.Target) (archiver.RenderResult, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		res, err := r.next.Render(ctx, target)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if errors.Is(err, ErrUnavailable) || ctx.Err() != nil {
			break
		}
		if attempt < r.maxRetries {
			r.logger.Debug("render failed, retrying",
				zap.String("url", target.URL),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
		}
	}
	return archiver.RenderResult{}, fmt.Errorf("render %s: %w", target.URL, lastErr)
}

type limited struct {
	next    archiver.Renderer
	limiter *Limiter
}

// WithRateLimit waits on the per-domain limiter before each render.
func WithRateLimit(next archiver.Renderer, limiter *Limiter) archiver.Renderer {
	if limiter == nil {
		return next
	}
	return &limited{next: next, limiter: limiter}
}

func (l *limited) Render(ctx context.Context, target archiver.Target) (archiver.RenderResult, error) {
	if err := l.limiter.Wait(ctx, target.URL); err != nil {
		return archiver.RenderResult{}, err
	}
	return l.next.Render(ctx, target)
}
