// Package proxypool discovers, validates and rotates egress proxies for one
// extraction run.
package proxypool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/maltedev/olx-scraper/internal/fetch"
	"github.com/maltedev/olx-scraper/internal/metrics"
	"github.com/maltedev/olx-scraper/internal/models"
	"github.com/maltedev/olx-scraper/internal/scrapeerr"
)

// Options configures discovery and validation of proxies.
type Options struct {
	Sources []Source

	// SampleSize bounds how many fresh candidates are tested per Acquire.
	SampleSize int
	// Testers is the number of concurrent canary requests.
	Testers int
	// SourceFetchers is the number of sources fetched in parallel.
	SourceFetchers int
	// MaxActive caps the validated set.
	MaxActive int
	// MaxFails blacklists a proxy once its failure count reaches it.
	MaxFails int

	TestTimeout    time.Duration
	RecheckTimeout time.Duration
	CacheTTL       time.Duration

	CanaryURL    string
	CanaryMarker string

	// TestRate paces canary requests across all testers.
	TestRate  rate.Limit
	TestBurst int
}

// DefaultOptions returns the settings used against olx.pt.
func DefaultOptions() Options {
	return Options{
		SampleSize:     25,
		Testers:        5,
		SourceFetchers: 3,
		MaxActive:      10,
		MaxFails:       3,
		TestTimeout:    10 * time.Second,
		RecheckTimeout: 5 * time.Second,
		CacheTTL:       30 * time.Minute,
		CanaryURL:      "https://www.olx.pt/",
		CanaryMarker:   "OLX",
		TestRate:       rate.Limit(5),
		TestBurst:      5,
	}
}

// Pool owns the rotation state of a run. All methods are safe for concurrent
// use.
type Pool struct {
	opts    Options
	client  *fetch.Client
	cache   Cache
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.Mutex
	records []*models.ProxyRecord
	current *models.ProxyRecord
	rnd     *rand.Rand
}

// New builds a pool with defaults for unset options. client and cache may be
// nil.
func New(opts Options, client *fetch.Client, cache Cache) *Pool {
	def := DefaultOptions()
	if opts.SampleSize <= 0 {
		opts.SampleSize = def.SampleSize
	}
	if opts.Testers <= 0 {
		opts.Testers = def.Testers
	}
	if opts.SourceFetchers <= 0 {
		opts.SourceFetchers = def.SourceFetchers
	}
	if opts.MaxActive <= 0 {
		opts.MaxActive = def.MaxActive
	}
	if opts.MaxFails <= 0 {
		opts.MaxFails = def.MaxFails
	}
	if opts.TestTimeout <= 0 {
		opts.TestTimeout = def.TestTimeout
	}
	if opts.RecheckTimeout <= 0 {
		opts.RecheckTimeout = opts.TestTimeout / 2
	}
	if opts.TestRate <= 0 {
		opts.TestRate = rate.Inf
	}
	if opts.TestBurst <= 0 {
		opts.TestBurst = opts.Testers
	}
	if client == nil {
		client = fetch.NewClient(nil)
	}

	return &Pool{
		opts:    opts,
		client:  client,
		cache:   cache,
		limiter: rate.NewLimiter(opts.TestRate, opts.TestBurst),
		logger:  slog.Default().With("component", "proxypool"),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Acquire rebuilds the rotation set: cached proxies that pass a quick
// re-check first, then a tested sample of fresh candidates, up to MaxActive.
func (p *Pool) Acquire(ctx context.Context) ([]models.ProxyRecord, error) {
	validated := p.recheckCached(ctx)
	seen := make(map[string]bool, len(validated))
	for _, r := range validated {
		seen[r.Address] = true
	}

	if len(validated) < p.opts.MaxActive {
		candidates, err := p.candidates(ctx)
		if err != nil {
			return nil, err
		}

		fresh := candidates[:0]
		for _, addr := range candidates {
			if !seen[addr] {
				fresh = append(fresh, addr)
			}
		}

		p.mu.Lock()
		p.rnd.Shuffle(len(fresh), func(i, j int) { fresh[i], fresh[j] = fresh[j], fresh[i] })
		p.mu.Unlock()
		if len(fresh) > p.opts.SampleSize {
			fresh = fresh[:p.opts.SampleSize]
		}

		tested := p.testAll(ctx, fresh, p.opts.TestTimeout, p.opts.MaxActive-len(validated))
		for _, r := range tested {
			if p.cache != nil {
				if err := p.cache.Put(ctx, r.Address, p.opts.CacheTTL); err != nil {
					p.logger.Warn("failed to cache proxy", "proxy", r.Address, "error", err)
				}
			}
		}
		validated = append(validated, tested...)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(validated) > p.opts.MaxActive {
		validated = validated[:p.opts.MaxActive]
	}

	p.mu.Lock()
	p.records = validated
	p.current = nil
	if len(validated) > 0 {
		p.current = validated[0]
	}
	out := p.snapshotLocked()
	p.mu.Unlock()

	metrics.ActiveProxies.Set(float64(len(out)))
	p.logger.Info("proxies acquired", "active", len(out))

	if len(out) == 0 {
		return nil, fmt.Errorf("no proxy passed validation: %w", scrapeerr.ErrProxyExhausted)
	}
	return out, nil
}

func (p *Pool) recheckCached(ctx context.Context) []*models.ProxyRecord {
	if p.cache == nil {
		return nil
	}
	addrs, err := p.cache.List(ctx)
	if err != nil {
		p.logger.Warn("failed to read proxy cache", "error", err)
		return nil
	}
	if len(addrs) == 0 {
		return nil
	}

	fresh := p.testAll(ctx, addrs, p.opts.RecheckTimeout, p.opts.MaxActive)
	alive := make(map[string]bool, len(fresh))
	for _, r := range fresh {
		r.Source = "cache"
		alive[r.Address] = true
	}
	for _, addr := range addrs {
		if !alive[addr] {
			_ = p.cache.Remove(ctx, addr)
		}
	}
	p.logger.Debug("cached proxies rechecked", "cached", len(addrs), "alive", len(fresh))
	return fresh
}

// candidates fetches every source with bounded fan-out. A failing source is
// logged and skipped.
func (p *Pool) candidates(ctx context.Context) ([]string, error) {
	results := make([][]string, len(p.opts.Sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.SourceFetchers)
	for i, src := range p.opts.Sources {
		g.Go(func() error {
			if err := p.limiter.Wait(gctx); err != nil {
				return err
			}
			addrs, err := src.Fetch(gctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				p.logger.Warn("proxy source failed", "source", src.Name(), "error", err)
				return nil
			}
			p.logger.Debug("proxy source fetched", "source", src.Name(), "count", len(addrs))
			results[i] = addrs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to fetch proxy candidates: %w", err)
	}

	seen := make(map[string]bool)
	var out []string
	for _, addrs := range results {
		for _, a := range addrs {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out, nil
}

// testAll tests addrs with a bounded worker pool and returns at most limit
// working proxies, in input order.
func (p *Pool) testAll(ctx context.Context, addrs []string, timeout time.Duration, limit int) []*models.ProxyRecord {
	if limit <= 0 || len(addrs) == 0 {
		return nil
	}

	passed := make([]*models.ProxyRecord, len(addrs))
	var found atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Testers)
	for i, addr := range addrs {
		if int(found.Load()) >= limit {
			break
		}
		g.Go(func() error {
			if int(found.Load()) >= limit {
				return nil
			}
			if err := p.limiter.Wait(gctx); err != nil {
				return nil
			}
			rec := models.NewProxyRecord(addr, "")
			if p.Test(gctx, rec, timeout) {
				passed[i] = rec
				found.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*models.ProxyRecord, 0, limit)
	for _, rec := range passed {
		if rec != nil && len(out) < limit {
			out = append(out, rec)
		}
	}
	return out
}

// Test sends a canary request through rec. It passes only on a 200 whose body
// contains the canary marker and no anti-bot marker. A failed canary counts
// against rec like any other failed request.
func (p *Pool) Test(ctx context.Context, rec *models.ProxyRecord, timeout time.Duration) bool {
	rec.LastTestedAt = time.Now()

	resp, err := p.client.Get(ctx, p.opts.CanaryURL, rec.Address, timeout)
	ok := err == nil && resp.StatusCode == 200 &&
		(p.opts.CanaryMarker == "" || strings.Contains(string(resp.Body), p.opts.CanaryMarker))

	if ok {
		metrics.ProxyTestsTotal.WithLabelValues("ok").Inc()
	} else {
		metrics.ProxyTestsTotal.WithLabelValues("failed").Inc()
		p.logger.Debug("proxy failed canary", "proxy", rec.Address, "category", scrapeerr.Category(err))
		if ctx.Err() == nil {
			p.charge(ctx, rec)
		}
	}
	return ok
}

// charge records a failed canary. Records in the rotation set go through
// RecordFailure and rec mirrors the pooled state afterwards.
func (p *Pool) charge(ctx context.Context, rec *models.ProxyRecord) {
	p.mu.Lock()
	pooled := p.findLocked(rec.Address) != nil
	p.mu.Unlock()

	if !pooled {
		rec.FailureCount++
		if rec.FailureCount >= p.opts.MaxFails {
			rec.State = models.ProxyBlacklisted
		}
		return
	}

	p.RecordFailure(ctx, rec)
	p.mu.Lock()
	if r := p.findLocked(rec.Address); r != nil {
		rec.FailureCount = r.FailureCount
		rec.State = r.State
	}
	p.mu.Unlock()
}

// Use replaces the rotation set with addresses that are trusted without a
// canary test.
func (p *Pool) Use(addresses ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.records = p.records[:0]
	for _, a := range addresses {
		if addr, ok := normalizeAddress(a); ok {
			p.records = append(p.records, models.NewProxyRecord(addr, "static"))
		}
	}
	p.current = nil
	if len(p.records) > 0 {
		p.current = p.records[0]
	}
	metrics.ActiveProxies.Set(float64(len(p.records)))
}

// Rotate picks a uniformly random Active proxy other than current. If no other
// Active proxy exists the still-active current is kept. If nothing is Active
// every record is reset and reactivated. Only an empty pool is exhausted.
func (p *Pool) Rotate(current *models.ProxyRecord) (*models.ProxyRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rotateLocked(current)
}

func (p *Pool) rotateLocked(current *models.ProxyRecord) (*models.ProxyRecord, error) {
	if len(p.records) == 0 {
		return nil, scrapeerr.ErrProxyExhausted
	}

	var (
		others    []*models.ProxyRecord
		curRecord *models.ProxyRecord
	)
	for _, r := range p.records {
		if current != nil && r.Address == current.Address {
			curRecord = r
			continue
		}
		if r.Active() {
			others = append(others, r)
		}
	}

	var next *models.ProxyRecord
	switch {
	case len(others) > 0:
		next = others[p.rnd.Intn(len(others))]
	case curRecord != nil && curRecord.Active():
		next = curRecord
	default:
		p.logger.Warn("all proxies blacklisted, resetting failure counts", "proxies", len(p.records))
		for _, r := range p.records {
			r.FailureCount = 0
			r.State = models.ProxyActive
		}
		next = p.records[p.rnd.Intn(len(p.records))]
	}

	p.current = next
	metrics.ActiveProxies.Set(float64(p.activeLocked()))
	cp := *next
	return &cp, nil
}

// RecordFailure counts a failed request through rec and blacklists it once
// the threshold is reached.
func (p *Pool) RecordFailure(ctx context.Context, rec *models.ProxyRecord) {
	if rec == nil {
		return
	}

	p.mu.Lock()
	target := p.findLocked(rec.Address)
	if target == nil {
		p.mu.Unlock()
		return
	}

	target.FailureCount++
	blacklisted := false
	if target.FailureCount >= p.opts.MaxFails && target.Active() {
		target.State = models.ProxyBlacklisted
		blacklisted = true
	}
	failures := target.FailureCount
	active := p.activeLocked()
	p.mu.Unlock()

	metrics.ProxyFailuresTotal.Inc()
	metrics.ActiveProxies.Set(float64(active))

	if blacklisted {
		p.logger.Info("proxy blacklisted", "proxy", rec.Address, "failures", failures)
		if p.cache != nil {
			if err := p.cache.Remove(ctx, rec.Address); err != nil {
				p.logger.Warn("failed to evict proxy", "proxy", rec.Address, "error", err)
			}
		}
	}
}

// Fail records a failure against the current proxy and rotates away from it.
func (p *Pool) Fail(ctx context.Context) (*models.ProxyRecord, error) {
	cur := p.Current()
	p.RecordFailure(ctx, cur)

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rotateLocked(cur)
}

// Current returns a copy of the proxy in use, or nil.
func (p *Pool) Current() *models.ProxyRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	cp := *p.current
	return &cp
}

// CurrentAddress returns the address of the proxy in use, "" for direct.
func (p *Pool) CurrentAddress() string {
	if cur := p.Current(); cur != nil {
		return cur.Address
	}
	return ""
}

// Records returns copies of every record in the rotation set.
func (p *Pool) Records() []models.ProxyRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// Len returns the size of the rotation set, blacklisted records included.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// Close drops idle canary connections.
func (p *Pool) Close() error {
	p.client.CloseIdle()
	return nil
}

func (p *Pool) snapshotLocked() []models.ProxyRecord {
	out := make([]models.ProxyRecord, 0, len(p.records))
	for _, r := range p.records {
		out = append(out, *r)
	}
	return out
}

func (p *Pool) findLocked(address string) *models.ProxyRecord {
	for _, r := range p.records {
		if r.Address == address {
			return r
		}
	}
	return nil
}

func (p *Pool) activeLocked() int {
	n := 0
	for _, r := range p.records {
		if r.Active() {
			n++
		}
	}
	return n
}
