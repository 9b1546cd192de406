// Package pipeline wires the proxy pool, crawler, session and detail stages
// into a single extraction run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/olx-scraper/internal/browser"
	"github.com/maltedev/olx-scraper/internal/crawler"
	"github.com/maltedev/olx-scraper/internal/detail"
	"github.com/maltedev/olx-scraper/internal/metrics"
	"github.com/maltedev/olx-scraper/internal/models"
	"github.com/maltedev/olx-scraper/internal/proxypool"
	"github.com/maltedev/olx-scraper/internal/ratelimit"
	"github.com/maltedev/olx-scraper/internal/retry"
	"github.com/maltedev/olx-scraper/internal/scrapeerr"
	"github.com/maltedev/olx-scraper/internal/session"
	"github.com/maltedev/olx-scraper/internal/site"
)

// Stage is the position of a run in the extraction flow.
type Stage int

const (
	Init Stage = iota
	ProxiesAcquired
	ListingsExtracted
	DetailsProcessing
	Completed
	Aborted
)

func (s Stage) String() string {
	switch s {
	case Init:
		return "init"
	case ProxiesAcquired:
		return "proxies_acquired"
	case ListingsExtracted:
		return "listings_extracted"
	case DetailsProcessing:
		return "details_processing"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// AbortError reports the stage a run was aborted in. It matches
// scrapeerr.ErrAborted and unwraps to the cause.
type AbortError struct {
	Stage Stage
	Cause error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("run aborted in stage %s: %v", e.Stage, e.Cause)
}

func (e *AbortError) Unwrap() error { return e.Cause }

func (e *AbortError) Is(target error) bool { return target == scrapeerr.ErrAborted }

// ProgressFunc receives a completion percentage and a short message.
type ProgressFunc func(percent int, message string)

// CredentialsProvider supplies login credentials for a run.
type CredentialsProvider interface {
	Get() (*models.Credentials, error)
}

// Options selects which stages run and how they retry.
type Options struct {
	// UseProxies acquires a validated proxy set before crawling.
	UseProxies bool
	// RequireProxies aborts the run when no proxy passes validation.
	RequireProxies bool
	// RequireLogin logs in before visiting detail pages.
	RequireLogin bool

	Retry   retry.Policy
	Crawler crawler.Options
	Session session.Options
	Detail  detail.Options
}

func DefaultOptions() Options {
	return Options{
		UseProxies:   true,
		RequireLogin: true,
		Retry:        retry.DefaultPolicy(),
		Crawler:      crawler.DefaultOptions(),
		Session:      session.DefaultOptions(),
		Detail:       detail.DefaultOptions(),
	}
}

// Deps are the collaborators of a pipeline. Pool and Limiter default to
// fresh instances when nil.
type Deps struct {
	Profile     *site.Profile
	Fetcher     crawler.Fetcher
	Launcher    browser.Launcher
	Pool        *proxypool.Pool
	Limiter     *ratelimit.AdaptiveRateLimiter
	Credentials CredentialsProvider
}

// Pipeline runs one extraction per Extract call.
type Pipeline struct {
	deps     Deps
	opts     Options
	sessions *session.Manager
	logger   *slog.Logger
}

// New wires a pipeline from deps.
func New(deps Deps, opts Options) *Pipeline {
	if deps.Pool == nil {
		deps.Pool = proxypool.New(proxypool.DefaultOptions(), nil, nil)
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewAdaptiveRateLimiter(ratelimit.DefaultOptions())
	}
	return &Pipeline{
		deps:     deps,
		opts:     opts,
		sessions: session.NewManager(deps.Profile, opts.Session, deps.Limiter),
		logger:   slog.Default().With("component", "pipeline"),
	}
}

// run holds the state of one Extract call.
type run struct {
	p        *Pipeline
	url      string
	stage    Stage
	progress ProgressFunc
	session  *session.Session
	result   *models.ScrapeResult
	logger   *slog.Logger
}

// Extract crawls searchURL and visits every listing found. On abort the
// listings processed so far are returned together with an *AbortError.
func (p *Pipeline) Extract(ctx context.Context, searchURL string, progress ProgressFunc) (*models.ScrapeResult, error) {
	r := &run{
		p:        p,
		url:      searchURL,
		stage:    Init,
		progress: progress,
		result:   &models.ScrapeResult{SourceURL: searchURL},
		logger:   p.logger.With("url", searchURL),
	}

	start := time.Now()
	defer func() {
		r.closeSession()
		if err := p.deps.Pool.Close(); err != nil {
			r.logger.Warn("failed to release proxy pool", "error", err)
		}
		metrics.RunDuration.Observe(time.Since(start).Seconds())
	}()

	err := r.execute(ctx)
	if err != nil {
		abort := &AbortError{Stage: r.stage, Cause: err}
		r.stage = Aborted
		metrics.RunsTotal.WithLabelValues("aborted", scrapeerr.Category(err)).Inc()
		r.logger.Error("run aborted", "stage", abort.Stage.String(), "category", scrapeerr.Category(err), "listings", len(r.result.Data), "error", err)
		return r.result, abort
	}

	metrics.RunsTotal.WithLabelValues("completed", "none").Inc()
	r.logger.Info("run completed", "listings", len(r.result.Data), "duration", time.Since(start))
	return r.result, nil
}

func (r *run) execute(ctx context.Context) error {
	r.report(0, "starting")

	var creds *models.Credentials
	if r.p.opts.RequireLogin {
		c, err := r.p.credentials()
		if err != nil {
			return err
		}
		creds = c
	}

	if err := r.acquireProxies(ctx); err != nil {
		return err
	}
	r.stage = ProxiesAcquired
	r.report(10, fmt.Sprintf("%d proxies ready", r.p.deps.Pool.Len()))

	items, err := r.listSummaries(ctx)
	if err != nil {
		return err
	}
	r.stage = ListingsExtracted
	r.report(20, fmt.Sprintf("%d listings found", len(items)))

	if err := r.openSession(ctx, creds); err != nil {
		return err
	}
	r.stage = DetailsProcessing

	ext := detail.New(r.session, r.p.sessions, r.p.deps.Profile, r.p.deps.Limiter, r.p.opts.Detail)
	ext.OnBlocked(func(ctx context.Context) (*session.Session, error) {
		r.rotate(ctx, scrapeerr.ErrBlockDetected)
		r.closeSession()
		if err := r.startSession(ctx, creds); err != nil {
			return nil, err
		}
		return r.session, nil
	})

	details, err := ext.ProcessAll(ctx, items, func(done, total int) {
		r.report(20+75*done/total, fmt.Sprintf("listing %d of %d", done, total))
	})
	r.result.Data = details
	if err != nil {
		return err
	}

	r.stage = Completed
	r.report(100, "completed")
	return nil
}

func (p *Pipeline) credentials() (*models.Credentials, error) {
	if p.deps.Credentials == nil {
		return nil, fmt.Errorf("no credentials configured: %w", scrapeerr.ErrLoginFailure)
	}
	c, err := p.deps.Credentials.Get()
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", errors.Join(scrapeerr.ErrLoginFailure, err))
	}
	if !c.Complete() {
		return nil, fmt.Errorf("credentials incomplete: %w", scrapeerr.ErrLoginFailure)
	}
	return c, nil
}

func (r *run) acquireProxies(ctx context.Context) error {
	if !r.p.opts.UseProxies {
		return nil
	}

	err := r.p.opts.Retry.Do(ctx, "acquire proxies", func(ctx context.Context, _ int) error {
		_, err := r.p.deps.Pool.Acquire(ctx)
		return err
	}, nil)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || r.p.opts.RequireProxies {
		return err
	}
	r.logger.Warn("continuing without proxies", "error", err)
	return nil
}

func (r *run) listSummaries(ctx context.Context) ([]models.ListingSummary, error) {
	c := crawler.New(r.p.deps.Fetcher, r.p.deps.Profile, r.p.deps.Limiter, r.p.deps.Pool, r.p.opts.Crawler)

	var best []models.ListingSummary
	err := r.p.opts.Retry.Do(ctx, "list summaries", func(ctx context.Context, attempt int) error {
		items, err := crawler.Collect(c.ListSummaries(ctx, r.url))
		if len(items) > len(best) {
			best = items
		}
		if len(items) == 0 {
			if err == nil {
				err = fmt.Errorf("no listings on %s: %w", r.url, scrapeerr.ErrSelectorNotFound)
			}
			return err
		}
		if err != nil {
			r.logger.Warn("crawl ended early", "attempt", attempt, "listings", len(items), "error", err)
		}
		return nil
	}, r.rotate)

	if len(best) > 0 {
		return best, nil
	}
	return nil, err
}

// openSession establishes the detail session, rotating the proxy between
// attempts.
func (r *run) openSession(ctx context.Context, creds *models.Credentials) error {
	return r.p.opts.Retry.Do(ctx, "open session", func(ctx context.Context, _ int) error {
		r.closeSession()
		return r.startSession(ctx, creds)
	}, r.rotate)
}

func (r *run) startSession(ctx context.Context, creds *models.Credentials) error {
	proxy := r.p.deps.Pool.CurrentAddress()
	page, err := r.p.deps.Launcher.Open(ctx, proxy)
	if err != nil {
		return fmt.Errorf("failed to open page: %w", scrapeerr.Network(err))
	}

	if !r.p.opts.RequireLogin {
		r.session = session.NewAnonymous(page, proxy)
		return nil
	}

	sess, err := r.p.sessions.Login(ctx, page, proxy, creds)
	if err != nil {
		page.Close()
		return err
	}
	r.session = sess
	return nil
}

func (r *run) closeSession() {
	if r.session == nil {
		return
	}
	if err := r.session.Page.Close(); err != nil {
		r.logger.Debug("failed to close page", "error", err)
	}
	r.session = nil
}

// rotate is the retry hook: the failing proxy is charged and replaced.
func (r *run) rotate(ctx context.Context, err error) {
	if !scrapeerr.RequiresRotation(err) || r.p.deps.Pool.Len() == 0 {
		return
	}
	next, rerr := r.p.deps.Pool.Fail(ctx)
	if rerr != nil {
		r.logger.Warn("proxy rotation failed", "error", rerr)
		return
	}
	r.logger.Info("rotated proxy", "proxy", next.Address, "cause", scrapeerr.Category(err))
}

func (r *run) report(percent int, message string) {
	if r.progress != nil {
		r.progress(percent, message)
	}
}
