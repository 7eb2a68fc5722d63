// Package static renders listing pages without JavaScript using gocolly.
package static

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/listing-archiver/internal/archiver"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Renderer implements archiver.Renderer using the Colly collector. It fetches
// the raw HTML and resolves every <img src> against the final URL.
type Renderer struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnHTML(string, colly.HTMLCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Renderer.
func New(cfg Config) *Renderer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.AllowURLRevisit = true
	c.WithTransport(newHTTPTransport())
	// Clones share the backend client, so the timeout is fixed here and
	// per-target deadlines go through the context instead.
	c.SetRequestTimeout(cfg.Timeout)
	return &Renderer{cfg: cfg, baseCollector: c}
}

// Render executes a single HTTP GET using Colly.
func (r *Renderer) Render(ctx context.Context, target archiver.Target) (archiver.RenderResult, error) {
	var (
		result    archiver.RenderResult
		renderErr error
	)
	if target.Options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, target.Options.Timeout)
		defer cancel()
	}
	collector := r.buildCollector()
	seen := map[string]struct{}{}
	r.configureCollectorHooks(collector, &result, seen, &renderErr)

	if err := r.runCollector(ctx, collector, target.URL, &renderErr); err != nil {
		return archiver.RenderResult{}, err
	}
	if result.ImageURLs == nil {
		result.ImageURLs = []string{}
	}
	return result, nil
}

func (r *Renderer) buildCollector() *colly.Collector {
	collector := r.baseCollector.Clone()
	if r.cfg.UserAgent != "" {
		collector.UserAgent = r.cfg.UserAgent
	}
	return collector
}

func (r *Renderer) configureCollectorHooks(
	hooks collectorHooks,
	result *archiver.RenderResult,
	seen map[string]struct{},
	renderErr *error,
) {
	hooks.OnResponse(func(resp *colly.Response) {
		result.FinalURL = resp.Request.URL.String()
		result.HTML = string(resp.Body)
	})

	hooks.OnHTML("img[src]", func(e *colly.HTMLElement) {
		src := e.Request.AbsoluteURL(e.Attr("src"))
		if src == "" {
			return
		}
		if _, ok := seen[src]; ok {
			return
		}
		seen[src] = struct{}{}
		result.ImageURLs = append(result.ImageURLs, src)
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*renderErr = err
	})
}

func (r *Renderer) runCollector(ctx context.Context, collector *colly.Collector, url string, renderErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly render canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *renderErr != nil {
			return fmt.Errorf("colly response failed: %w", *renderErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
