// Package headless renders listing pages in headless Chrome via chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/listing-archiver/internal/archiver"
	"github.com/JakeFAU/listing-archiver/internal/renderer"
)

const defaultNavTimeout = 45 * time.Second

// imagesScript collects every resolved image source on the page.
const imagesScript = `Array.from(document.images)
	.map(img => img.currentSrc || img.src)
	.filter(src => src && !src.startsWith('data:'))`

// Config controls the behavior of the headless renderer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	ScreenshotQuality int
}

// Renderer implements archiver.Renderer using chromedp and headless Chrome.
type Renderer struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// New creates a headless renderer backed by chromedp. The browser process
// starts lazily on the first render.
func New(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	if cfg.ScreenshotQuality <= 0 || cfg.ScreenshotQuality > 100 {
		cfg.ScreenshotQuality = 90
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down. Renders after Close fail with ErrUnavailable.
func (r *Renderer) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.allocCancel()
}

// Render navigates to the target and returns the rendered DOM, the page's
// image sources and, when requested, a full-page screenshot.
func (r *Renderer) Render(ctx context.Context, target archiver.Target) (archiver.RenderResult, error) {
	if err := r.available(); err != nil {
		return archiver.RenderResult{}, err
	}
	if err := r.acquire(ctx); err != nil {
		return archiver.RenderResult{}, err
	}
	defer r.release()

	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, r.navTimeout(target.Options))
	defer cancel()

	var (
		res  archiver.RenderResult
		shot []byte
	)
	actions := []chromedp.Action{
		r.networkSetupAction(),
		chromedp.Navigate(target.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&res.FinalURL),
		chromedp.OuterHTML("html", &res.HTML, chromedp.ByQuery),
		chromedp.Evaluate(imagesScript, &res.ImageURLs),
	}
	if target.Options.Screenshot {
		actions = append(actions, chromedp.FullScreenshot(&shot, r.cfg.ScreenshotQuality))
	}
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return archiver.RenderResult{}, r.classify(err)
	}
	if res.FinalURL == "" {
		res.FinalURL = target.URL
	}
	res.ImageURLs = dedupe(res.ImageURLs)
	res.Screenshot = shot
	return res, nil
}

func (r *Renderer) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// classify maps browser-level failures to ErrUnavailable; everything else is
// a per-target failure.
func (r *Renderer) classify(err error) error {
	if r.allocator.Err() != nil || errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("chromedp run: %w: %w", renderer.ErrUnavailable, err)
	}
	return fmt.Errorf("chromedp run: %w", err)
}

func (r *Renderer) available() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return fmt.Errorf("headless renderer closed: %w", renderer.ErrUnavailable)
	}
	return nil
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

func (r *Renderer) navTimeout(opts archiver.RenderOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	if r.cfg.NavigationTimeout > 0 {
		return r.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

func dedupe(urls []string) []string {
	if len(urls) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
