package extractor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/mangaleech/mangaleech/internal/leech"
)

// SourceTruyenQQ is the registry name for this extractor.
const SourceTruyenQQ = "truyenqq"

// Attributes checked for the real image URL, in priority order. Lazy
// loading sites park the CDN URL in data-* attributes.
var imagePriorityAttrs = []string{"src", "data-cdn", "data-original", "data-src", "data-url"}

// TruyenQQConfig controls the TruyenQQ extractor.
type TruyenQQConfig struct {
	UserAgent string
	Timeout   time.Duration
	// TrustedDomains restricts page images to known CDN hosts; empty
	// means any host passes.
	TrustedDomains []string
	Referer        string
}

// DefaultTruyenQQConfig returns the production rules for the site.
func DefaultTruyenQQConfig() TruyenQQConfig {
	return TruyenQQConfig{
		Timeout:        30 * time.Second,
		TrustedDomains: []string{"hinhhinh.com", "tintruyen.net", "truyenqqgo.com"},
		Referer:        "https://truyenqqgo.com/",
	}
}

// TruyenQQ extracts chapter and page lists from truyenqq series pages.
type TruyenQQ struct {
	cfg      TruyenQQConfig
	renderer *HeadlessRenderer
	logger   *zap.Logger
}

// NewTruyenQQ builds the extractor. renderer may be nil; when present
// it is used as a fallback for chapter pages that yield no images from
// the static HTML.
func NewTruyenQQ(cfg TruyenQQConfig, renderer *HeadlessRenderer, logger *zap.Logger) *TruyenQQ {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &TruyenQQ{cfg: cfg, renderer: renderer, logger: logger}
}

// ImageHeaders returns the headers image downloads must carry; the CDN
// rejects requests without the site referer.
func (t *TruyenQQ) ImageHeaders() http.Header {
	h := http.Header{}
	if t.cfg.Referer != "" {
		h.Set("Referer", t.cfg.Referer)
	}
	return h
}

// ListChapters returns the chapter descriptors for a series page,
// oldest first. The site lists newest first, so the scraped order is
// reversed.
func (t *TruyenQQ) ListChapters(ctx context.Context, seriesURL string) ([]leech.ChapterRef, error) {
	var refs []leech.ChapterRef

	collector := t.newCollector()
	collector.OnHTML(".works-chapter-list .works-chapter-item", func(e *colly.HTMLElement) {
		href := e.ChildAttr(".name-chap a", "href")
		if href == "" {
			return
		}
		text := cleanText(e.ChildText(".name-chap a"))
		refs = append(refs, leech.ChapterRef{
			URL:    e.Request.AbsoluteURL(href),
			Number: extractChapterNumber(text),
			Title:  text,
		})
	})

	if err := t.visit(ctx, collector, seriesURL); err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}

	for i, j := 0, len(refs)-1; i < j; i, j = i+1, j-1 {
		refs[i], refs[j] = refs[j], refs[i]
	}
	return refs, nil
}

// ListPageURLs returns the deduplicated, ordered image URLs for a
// chapter page. When the static HTML carries no valid images and a
// headless renderer is configured, the page is rendered once and
// re-parsed before giving up.
func (t *TruyenQQ) ListPageURLs(ctx context.Context, chapterURL string) ([]string, error) {
	var urls []string

	collector := t.newCollector()
	collector.OnHTML(".page-chapter img", func(e *colly.HTMLElement) {
		for _, attr := range imagePriorityAttrs {
			if v := e.Attr(attr); validImageURL(v, t.cfg.TrustedDomains) {
				urls = append(urls, e.Request.AbsoluteURL(v))
				return
			}
		}
	})

	if err := t.visit(ctx, collector, chapterURL); err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}

	if len(urls) == 0 && t.renderer != nil {
		rendered, err := t.renderPages(ctx, chapterURL)
		if err != nil {
			return nil, err
		}
		urls = rendered
	}
	return dedupeAndSortPages(urls), nil
}

func (t *TruyenQQ) renderPages(ctx context.Context, chapterURL string) ([]string, error) {
	t.logger.Info("static page had no images, promoting to headless render",
		zap.String("url", chapterURL))

	doc, err := t.renderer.RenderDocument(ctx, chapterURL)
	if err != nil {
		return nil, fmt.Errorf("headless render: %w", err)
	}

	var urls []string
	doc.Find(".page-chapter img").Each(func(_ int, sel *goquery.Selection) {
		for _, attr := range imagePriorityAttrs {
			if v, ok := sel.Attr(attr); ok && validImageURL(v, t.cfg.TrustedDomains) {
				urls = append(urls, absoluteURL(chapterURL, v))
				return
			}
		}
	})
	return urls, nil
}

func (t *TruyenQQ) newCollector() *colly.Collector {
	c := colly.NewCollector()
	if t.cfg.UserAgent != "" {
		c.UserAgent = t.cfg.UserAgent
	}
	c.SetRequestTimeout(t.cfg.Timeout)
	return c
}

// visit runs the collector against url, honoring ctx cancellation.
func (t *TruyenQQ) visit(ctx context.Context, collector *colly.Collector, url string) error {
	var fetchErr error
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("visit canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", url, err)
		}
		if fetchErr != nil {
			return fmt.Errorf("visit %s: %w", url, fetchErr)
		}
		return nil
	}
}
