// Package page implements the page fetch executor: plain HTTP GET via a
// Colly collector, optional headless rendering, and attachment harvesting.
package page

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/chainscope/harvester/internal/harvest"
	"github.com/chainscope/harvester/internal/metrics"
	"github.com/chainscope/harvester/internal/ratelimit"
)

// Service is the rate-limiter bucket consumed by page fetches.
const Service = "pages"

// Renderer drives a headless browser for sources marked render: true.
type Renderer interface {
	Render(ctx context.Context, pageURL string) (html string, text string, err error)
}

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxAttachments bounds how many linked documents one page may pull in.
	MaxAttachments int
}

// Fetcher implements harvest.Fetcher for pages.
type Fetcher struct {
	cfg           Config
	limiter       *ratelimit.Registry
	store         harvest.RawStore
	clock         harvest.Clock
	renderer      Renderer
	logger        *zap.Logger
	baseCollector *colly.Collector
}

// New builds a Fetcher. The renderer may be nil when no catalog source
// requires scripted rendering.
func New(cfg Config, limiter *ratelimit.Registry, store harvest.RawStore, clock harvest.Clock, renderer Renderer, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttachments <= 0 {
		cfg.MaxAttachments = 10
	}
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		store:         store,
		clock:         clock,
		renderer:      renderer,
		logger:        logger,
		baseCollector: c,
	}
}

// Kind implements harvest.Fetcher.
func (f *Fetcher) Kind() harvest.SourceKind {
	return harvest.KindPage
}

// Fetch always persists the verbatim raw response; sources marked for
// rendering additionally persist the extracted rendered text. Linked PDF
// attachments land under a dedicated sub-path keyed by the same content
// hash scheme.
func (f *Fetcher) Fetch(ctx context.Context, src harvest.Source) ([]harvest.RawArtifact, error) {
	if _, err := url.ParseRequestURI(src.Endpoint); err != nil {
		metrics.CountFetch(string(f.Kind()), "malformed")
		return nil, harvest.MalformedSource(fmt.Errorf("page endpoint %q: %w", src.Endpoint, err))
	}

	if err := f.limiter.Acquire(ctx, Service); err != nil {
		return nil, err
	}

	body, contentType, links, err := f.get(ctx, src.Endpoint, true)
	if err != nil {
		metrics.CountFetch(string(f.Kind()), "failed")
		return nil, err
	}
	metrics.AddFetchBytes(string(f.Kind()), int64(len(body)))

	var artifacts []harvest.RawArtifact
	raw, err := f.store.Put(ctx, harvest.PutRequest{
		SourceID:    src.ID,
		Kind:        harvest.KindPage,
		ContentKind: contentKindFor(contentType),
		Data:        body,
		FetchedAt:   f.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	artifacts = append(artifacts, raw)

	if src.Render {
		rendered, err := f.renderPage(ctx, src)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, rendered...)
	}

	attachments, err := f.fetchAttachments(ctx, src, links)
	if err != nil {
		return nil, err
	}
	artifacts = append(artifacts, attachments...)

	metrics.CountFetch(string(f.Kind()), "succeeded")
	return artifacts, nil
}

// get executes one GET through a cloned collector. When collectLinks is
// set, PDF anchors found in the document are returned resolved absolute.
func (f *Fetcher) get(ctx context.Context, pageURL string, collectLinks bool) (body []byte, contentType string, links []string, err error) {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)

	var (
		statusCode int
		fetchErr   error
	)
	collector.OnResponse(func(r *colly.Response) {
		statusCode = r.StatusCode
		contentType = r.Headers.Get("Content-Type")
		body = append([]byte(nil), r.Body...)
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			statusCode = r.StatusCode
		}
		fetchErr = err
	})
	if collectLinks {
		collector.OnHTML(`a[href$=".pdf"]`, func(e *colly.HTMLElement) {
			if link := e.Request.AbsoluteURL(e.Attr("href")); link != "" {
				links = append(links, link)
			}
		})
	}

	if err := f.visit(ctx, collector, pageURL); err != nil {
		return nil, "", nil, err
	}
	if fetchErr != nil {
		if statusCode != 0 {
			if clsErr := harvest.FromStatus(statusCode, pageURL); clsErr != nil {
				return nil, "", nil, clsErr
			}
		}
		return nil, "", nil, harvest.Transient(fmt.Errorf("fetch %s: %w", pageURL, fetchErr))
	}
	if clsErr := harvest.FromStatus(statusCode, pageURL); clsErr != nil {
		return nil, "", nil, clsErr
	}
	return body, contentType, dedupeLinks(links), nil
}

func (f *Fetcher) visit(ctx context.Context, collector *colly.Collector, pageURL string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(pageURL)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("page fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return harvest.Transient(fmt.Errorf("visit %s: %w", pageURL, err))
		}
		return nil
	}
}

func (f *Fetcher) renderPage(ctx context.Context, src harvest.Source) ([]harvest.RawArtifact, error) {
	if f.renderer == nil {
		return nil, harvest.MalformedSource(fmt.Errorf("source %s requires rendering but no renderer is configured", src.ID))
	}
	html, text, err := f.renderer.Render(ctx, src.Endpoint)
	if err != nil {
		return nil, err
	}

	dom, err := f.store.Put(ctx, harvest.PutRequest{
		SourceID:    src.ID,
		Kind:        harvest.KindPage,
		ContentKind: "html",
		Sub:         "rendered",
		Data:        []byte(html),
		FetchedAt:   f.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	txt, err := f.store.Put(ctx, harvest.PutRequest{
		SourceID:    src.ID,
		Kind:        harvest.KindPage,
		ContentKind: "text",
		Sub:         "rendered",
		Data:        []byte(text),
		FetchedAt:   f.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	return []harvest.RawArtifact{dom, txt}, nil
}

// fetchAttachments pulls each linked document. A failed attachment is
// logged and skipped rather than failing the page.
func (f *Fetcher) fetchAttachments(ctx context.Context, src harvest.Source, links []string) ([]harvest.RawArtifact, error) {
	if len(links) > f.cfg.MaxAttachments {
		links = links[:f.cfg.MaxAttachments]
	}
	var artifacts []harvest.RawArtifact
	for _, link := range links {
		if err := f.limiter.Acquire(ctx, Service); err != nil {
			return nil, err
		}
		body, contentType, _, err := f.get(ctx, link, false)
		if err != nil {
			f.logger.Warn("attachment fetch failed",
				zap.String("source", src.ID),
				zap.String("url", link),
				zap.Error(err),
			)
			continue
		}
		if !strings.Contains(strings.ToLower(contentType), "pdf") && !strings.HasSuffix(strings.ToLower(link), ".pdf") {
			continue
		}
		art, err := f.store.Put(ctx, harvest.PutRequest{
			SourceID:    src.ID,
			Kind:        harvest.KindPage,
			ContentKind: "pdf",
			Sub:         "attachments",
			Data:        body,
			FetchedAt:   f.clock.Now(),
		})
		if err != nil {
			return nil, err
		}
		metrics.AddFetchBytes(string(f.Kind()), int64(len(body)))
		artifacts = append(artifacts, art)
	}
	return artifacts, nil
}

func dedupeLinks(links []string) []string {
	seen := make(map[string]struct{}, len(links))
	var out []string
	for _, link := range links {
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		out = append(out, link)
	}
	return out
}

func contentKindFor(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		return "json"
	case strings.Contains(ct, "html"):
		return "html"
	case strings.Contains(ct, "pdf"):
		return "pdf"
	case strings.Contains(ct, "text"):
		return "text"
	default:
		return "bin"
	}
}
