// Package fetch retrieves single pages and extracts the title, visible
// text, and outgoing links.
package fetch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Page is the parsed result of fetching one URL.
type Page struct {
	URL        string
	Title      string
	Text       string
	Links      []string
	StatusCode int
}

// Config controls fetcher behavior.
type Config struct {
	// Timeout bounds a single request.
	Timeout   time.Duration
	UserAgent string
	// GlobalRPS caps requests per second across all domains. Zero disables
	// the cap; per-domain politeness is enforced by the rate limiter, not
	// here.
	GlobalRPS float64
	Logger    *zap.Logger
}

// Fetcher downloads and parses pages. A fresh collector is built per fetch
// so callbacks capture per-page state without locking.
type Fetcher struct {
	timeout   time.Duration
	userAgent string
	global    *rate.Limiter
	logger    *zap.Logger
}

// New constructs a Fetcher from the config.
func New(cfg Config) *Fetcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var global *rate.Limiter
	if cfg.GlobalRPS > 0 {
		global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), 1)
	}
	return &Fetcher{
		timeout:   timeout,
		userAgent: cfg.UserAgent,
		global:    global,
		logger:    logger,
	}
}

// Fetch downloads the URL and returns the parsed page. Non-2xx responses
// and transport failures are returned as errors, with the status code set
// on the page when one was received.
func (f *Fetcher) Fetch(ctx context.Context, url string) (Page, error) {
	if f.global != nil {
		if err := f.global.Wait(ctx); err != nil {
			return Page{}, err
		}
	}

	opts := []colly.CollectorOption{colly.Async(false)}
	if f.userAgent != "" {
		opts = append(opts, colly.UserAgent(f.userAgent))
	}
	collector := colly.NewCollector(opts...)
	collector.SetRequestTimeout(f.timeout)

	page := Page{URL: url}
	var fetchErr error

	collector.OnRequest(func(r *colly.Request) {
		select {
		case <-ctx.Done():
			r.Abort()
		default:
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		page.StatusCode = r.StatusCode
	})

	collector.OnHTML("html", func(e *colly.HTMLElement) {
		page.Title = strings.TrimSpace(e.DOM.Find("title").First().Text())
		body := e.DOM.Find("body").Clone()
		body.Find("script, style, noscript").Remove()
		page.Text = collapseSpace(body.Text())
		e.DOM.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
			href, _ := sel.Attr("href")
			href = resolvableHref(href)
			if href == "" {
				return
			}
			if link := e.Request.AbsoluteURL(href); link != "" {
				page.Links = append(page.Links, link)
			}
		})
	})

	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			page.StatusCode = r.StatusCode
		}
		fetchErr = err
	})

	visitErr := collector.Visit(url)
	if err := ctx.Err(); err != nil {
		return page, err
	}
	if fetchErr != nil {
		if page.StatusCode != 0 {
			return page, fmt.Errorf("fetch %s: status %d: %w", url, page.StatusCode, fetchErr)
		}
		return page, fmt.Errorf("fetch %s: %w", url, fetchErr)
	}
	if visitErr != nil {
		return page, fmt.Errorf("fetch %s: %w", url, visitErr)
	}

	f.logger.Debug("fetched page",
		zap.String("url", url),
		zap.Int("status_code", page.StatusCode),
		zap.Int("links", len(page.Links)),
	)
	return page, nil
}

// resolvableHref filters out hrefs that can never become crawlable URLs.
func resolvableHref(href string) string {
	href = strings.TrimSpace(href)
	lower := strings.ToLower(href)
	switch {
	case href == "", strings.HasPrefix(href, "#"):
		return ""
	case strings.HasPrefix(lower, "mailto:"), strings.HasPrefix(lower, "javascript:"), strings.HasPrefix(lower, "tel:"):
		return ""
	}
	return href
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
