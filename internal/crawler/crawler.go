// Package crawler walks paginated search results and yields deduplicated
// listing summaries.
package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/maltedev/olx-scraper/internal/dom"
	"github.com/maltedev/olx-scraper/internal/fetch"
	"github.com/maltedev/olx-scraper/internal/metrics"
	"github.com/maltedev/olx-scraper/internal/models"
	"github.com/maltedev/olx-scraper/internal/scrapeerr"
	"github.com/maltedev/olx-scraper/internal/selector"
	"github.com/maltedev/olx-scraper/internal/site"
)

// ErrSequenceConsumed is yielded when a summary sequence is ranged twice.
var ErrSequenceConsumed = errors.New("summary sequence already consumed")

type Fetcher interface {
	Get(ctx context.Context, url, proxy string, timeout time.Duration) (*fetch.Response, error)
}

type Limiter interface {
	Wait(ctx context.Context) error
	RecordSuccess()
	RecordFailure()
}

// Proxies is the part of the proxy pool the crawler uses. A nil Proxies
// fetches directly.
type Proxies interface {
	CurrentAddress() string
	Fail(ctx context.Context) (*models.ProxyRecord, error)
}

// Options bounds the crawl.
type Options struct {
	MaxPages    int
	PageRetries int
	// MaxSkipped consecutive failed pages end the crawl.
	MaxSkipped int
	Timeout    time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxPages:    50,
		PageRetries: 3,
		MaxSkipped:  2,
		Timeout:     30 * time.Second,
	}
}

type Crawler struct {
	fetcher Fetcher
	profile *site.Profile
	limiter Limiter
	proxies Proxies
	opts    Options
	logger  *slog.Logger
}

// New returns a crawler for profile. proxies may be nil.
func New(fetcher Fetcher, profile *site.Profile, limiter Limiter, proxies Proxies, opts Options) *Crawler {
	def := DefaultOptions()
	if opts.MaxPages <= 0 {
		opts.MaxPages = def.MaxPages
	}
	if opts.PageRetries <= 0 {
		opts.PageRetries = def.PageRetries
	}
	if opts.MaxSkipped <= 0 {
		opts.MaxSkipped = def.MaxSkipped
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	return &Crawler{
		fetcher: fetcher,
		profile: profile,
		limiter: limiter,
		proxies: proxies,
		opts:    opts,
		logger:  slog.Default().With("component", "crawler"),
	}
}

// ListSummaries lazily walks the result pages of searchURL. The sequence can
// be ranged once; it ends on a page without accepted listings, without a
// next-page link, after MaxPages, or after MaxSkipped failed pages in a row.
// Errors are yielded with a zero summary and end the sequence.
func (c *Crawler) ListSummaries(ctx context.Context, searchURL string) iter.Seq2[models.ListingSummary, error] {
	var used atomic.Bool
	return func(yield func(models.ListingSummary, error) bool) {
		if used.Swap(true) {
			yield(models.ListingSummary{}, ErrSequenceConsumed)
			return
		}
		c.walk(ctx, searchURL, yield)
	}
}

func (c *Crawler) walk(ctx context.Context, searchURL string, yield func(models.ListingSummary, error) bool) {
	seen := make(map[string]bool)
	skipped := 0
	total := 0

	for n := 1; n <= c.opts.MaxPages; n++ {
		if err := ctx.Err(); err != nil {
			yield(models.ListingSummary{}, err)
			return
		}

		pageURL, err := PageURL(searchURL, c.profile.PageParam, n)
		if err != nil {
			yield(models.ListingSummary{}, err)
			return
		}

		doc, err := c.fetchPage(ctx, pageURL)
		if err != nil {
			if ctx.Err() != nil {
				yield(models.ListingSummary{}, ctx.Err())
				return
			}
			skipped++
			metrics.PagesTotal.WithLabelValues("skipped").Inc()
			c.logger.Warn("page skipped", "page", n, "category", scrapeerr.Category(err), "error", err)
			if skipped >= c.opts.MaxSkipped {
				yield(models.ListingSummary{}, fmt.Errorf("crawl stopped after %d failed pages: %w", skipped, err))
				return
			}
			continue
		}
		skipped = 0
		metrics.PagesTotal.WithLabelValues("ok").Inc()

		accepted := 0
		for _, s := range c.extract(ctx, doc) {
			if seen[s.Link] {
				metrics.ListingsTotal.WithLabelValues("duplicate").Inc()
				continue
			}
			seen[s.Link] = true
			accepted++
			metrics.ListingsTotal.WithLabelValues("accepted").Inc()
			if !yield(s, nil) {
				return
			}
		}
		total += accepted
		c.logger.Info("page processed", "page", n, "accepted", accepted, "total", total)

		if accepted == 0 {
			c.logger.Info("no new listings, stopping", "page", n)
			return
		}
		if _, _, err := c.profile.NextPage.First(ctx, doc); err != nil {
			c.logger.Info("no next page, stopping", "page", n)
			return
		}
	}
	c.logger.Info("page limit reached", "max_pages", c.opts.MaxPages, "total", total)
}

// extract returns the valid, allowed summaries of a page in document order.
func (c *Crawler) extract(ctx context.Context, doc *dom.Document) []models.ListingSummary {
	items, loc, err := c.profile.Container.All(ctx, doc)
	if err != nil {
		return nil
	}
	c.logger.Debug("containers found", "count", len(items), "locator", loc.String())

	out := make([]models.ListingSummary, 0, len(items))
	for _, item := range items {
		s := c.summary(ctx, doc, item)
		if !s.Valid() {
			metrics.ListingsTotal.WithLabelValues("invalid").Inc()
			c.logger.Debug("invalid listing discarded", "link", s.Link, "name", s.Name)
			continue
		}
		if !c.profile.AllowsLink(s.Link) {
			metrics.ListingsTotal.WithLabelValues("foreign").Inc()
			continue
		}
		out = append(out, s)
	}
	return out
}

func (c *Crawler) summary(ctx context.Context, doc *dom.Document, item selector.Element) models.ListingSummary {
	var s models.ListingSummary
	if link, ok := c.profile.Link.Resolve(ctx, item); ok {
		s.Link = doc.Resolve(link)
	}
	s.Name, _ = c.profile.Title.Resolve(ctx, item)
	s.Price, _ = c.profile.Price.Resolve(ctx, item)
	s.SellerName, _ = c.profile.Seller.Resolve(ctx, item)
	return s
}

// fetchPage loads one result page, rotating the proxy and retrying on
// transient failures.
func (c *Crawler) fetchPage(ctx context.Context, pageURL string) (*dom.Document, error) {
	var lastErr error

	for attempt := 1; attempt <= c.opts.PageRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		proxy := ""
		if c.proxies != nil {
			proxy = c.proxies.CurrentAddress()
		}

		resp, err := c.fetcher.Get(ctx, pageURL, proxy, c.opts.Timeout)
		if err == nil && resp.StatusCode != http.StatusOK {
			err = fmt.Errorf("%s returned %d", pageURL, resp.StatusCode)
		}
		if err == nil {
			doc, perr := dom.Parse(bytes.NewReader(resp.Body), resp.URL)
			if perr != nil {
				return nil, perr
			}
			c.limiter.RecordSuccess()
			return doc, nil
		}

		lastErr = err
		c.limiter.RecordFailure()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !scrapeerr.RequiresRotation(err) {
			return nil, err
		}

		metrics.PagesTotal.WithLabelValues("retried").Inc()
		c.logger.Warn("page fetch failed", "url", pageURL, "attempt", attempt, "proxy", proxy, "error", err)

		if c.proxies != nil && proxy != "" {
			if next, rerr := c.proxies.Fail(ctx); rerr == nil {
				c.logger.Info("rotated proxy", "proxy", next.Address)
			}
		}
	}
	return nil, lastErr
}

// PageURL returns the address of result page n. Page 1 is the search URL
// itself.
func PageURL(searchURL, param string, n int) (string, error) {
	if n <= 1 {
		return searchURL, nil
	}
	u, err := url.Parse(searchURL)
	if err != nil {
		return "", fmt.Errorf("invalid search url %q: %w", searchURL, err)
	}
	q := u.Query()
	q.Set(param, strconv.Itoa(n))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Collect drains seq. Summaries gathered before an error are returned with it.
func Collect(seq iter.Seq2[models.ListingSummary, error]) ([]models.ListingSummary, error) {
	var out []models.ListingSummary
	for s, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, nil
}
