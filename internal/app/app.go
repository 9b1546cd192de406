// Package app assembles the extraction stack from configuration. Both
// commands share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/olx-scraper/internal/browser"
	"github.com/maltedev/olx-scraper/internal/config"
	"github.com/maltedev/olx-scraper/internal/crawler"
	"github.com/maltedev/olx-scraper/internal/credentials"
	"github.com/maltedev/olx-scraper/internal/detail"
	"github.com/maltedev/olx-scraper/internal/fetch"
	"github.com/maltedev/olx-scraper/internal/models"
	"github.com/maltedev/olx-scraper/internal/pipeline"
	"github.com/maltedev/olx-scraper/internal/proxypool"
	"github.com/maltedev/olx-scraper/internal/ratelimit"
	"github.com/maltedev/olx-scraper/internal/retry"
	"github.com/maltedev/olx-scraper/internal/session"
	"github.com/maltedev/olx-scraper/internal/site"
	"github.com/maltedev/olx-scraper/internal/storage"
)

// App holds the long-lived collaborators shared by all runs.
type App struct {
	Config      *config.Config
	Profile     *site.Profile
	Repository  storage.Repository
	Credentials *credentials.Manager

	fetchOpts *fetch.Options
	launcher  browser.Launcher
	cache     proxypool.Cache
	closers   []func() error
	logger    *slog.Logger
}

// New connects the configured backends. Close releases them.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{
		Config: cfg,
		logger: slog.Default().With("component", "app"),
	}

	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	a.Profile = site.OLX()
	if cfg.Scraper.ProfilePath != "" {
		p, err := site.Load(cfg.Scraper.ProfilePath)
		if err != nil {
			return err
		}
		a.Profile = p
	}

	a.fetchOpts = fetch.DefaultOptions()
	a.fetchOpts.BlockMarkers = a.Profile.BlockMarkers
	if cfg.Browser.UserAgent != "" {
		a.fetchOpts.UserAgent = cfg.Browser.UserAgent
	}

	launcher, err := a.newLauncher()
	if err != nil {
		return err
	}
	a.launcher = launcher
	a.closers = append(a.closers, launcher.Close)

	repo, err := a.newRepository(ctx)
	if err != nil {
		return err
	}
	a.Repository = repo

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.cache = proxypool.NewRedisCache(client, cfg.Redis.ProxyKey)
	}

	a.Credentials = credentials.NewManager(
		credentials.EnvSource{DotenvPath: cfg.Credentials.DotenvPath},
		credentials.NewEncryptedStore(cfg.Credentials.Dir),
	)
	return nil
}

func (a *App) newLauncher() (browser.Launcher, error) {
	cfg := a.Config.Browser
	if cfg.Backend == "static" {
		return browser.NewStaticLauncher(a.fetchOpts, cfg.Timeout), nil
	}

	opts := browser.DefaultOptions()
	opts.Headless = cfg.Headless
	opts.Timeout = cfg.Timeout
	opts.ViewportWidth = cfg.ViewportWidth
	opts.ViewportHeight = cfg.ViewportHeight
	opts.AcceptLanguage = cfg.AcceptLanguage
	opts.TimezoneID = cfg.TimezoneID
	opts.Locale = cfg.Locale
	opts.BlockMarkers = a.Profile.BlockMarkers
	if cfg.UserAgent != "" {
		opts.UserAgent = cfg.UserAgent
	}

	b, err := browser.New(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize browser: %w", err)
	}
	return b, nil
}

func (a *App) newRepository(ctx context.Context) (storage.Repository, error) {
	cfg := a.Config
	if cfg.Storage.Backend != "postgres" {
		return storage.NewJSONRepository(cfg.Storage.ResultsFile), nil
	}

	repo, err := storage.NewPostgresRepository(ctx, storage.PostgresConfig{
		URL:      cfg.Database.URL,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.DBName,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.closers = append(a.closers, func() error { repo.Close(); return nil })

	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

// PipelineOptions maps the configuration onto the pipeline stages.
func (a *App) PipelineOptions() pipeline.Options {
	cfg := a.Config
	return pipeline.Options{
		UseProxies:     cfg.Proxy.Enabled,
		RequireProxies: cfg.Proxy.Required,
		RequireLogin:   cfg.Scraper.RequireLogin,
		Retry: retry.Policy{
			MaxAttempts: cfg.Scraper.MaxRetries,
			Base:        cfg.Scraper.RetryDelay,
			Cap:         cfg.Scraper.RetryDelayMax,
		},
		Crawler: crawler.Options{
			MaxPages:    cfg.Scraper.MaxPages,
			PageRetries: cfg.Scraper.PageRetries,
			MaxSkipped:  cfg.Scraper.MaxSkipped,
			Timeout:     cfg.Scraper.PageTimeout,
		},
		Session: session.Options{
			VerifyTimeout: cfg.Session.VerifyTimeout,
			EffectTimeout: cfg.Session.EffectTimeout,
			PollInterval:  session.DefaultOptions().PollInterval,
			TypeDelayMin:  session.DefaultOptions().TypeDelayMin,
			TypeDelayMax:  session.DefaultOptions().TypeDelayMax,
		},
		Detail: detail.Options{
			PhoneWait:      cfg.Detail.PhoneWait,
			PollInterval:   detail.DefaultOptions().PollInterval,
			Cooldown:       cfg.Detail.Cooldown,
			ReplaySlowdown: cfg.Detail.ReplaySlowdown,
		},
	}
}

func (a *App) PoolOptions(client *fetch.Client) proxypool.Options {
	cfg := a.Config.Proxy

	sourceURLs := cfg.Sources
	if len(sourceURLs) == 0 {
		sourceURLs = proxypool.DefaultSourceURLs
	}
	sources := make([]proxypool.Source, 0, len(sourceURLs)+1)
	for _, u := range sourceURLs {
		sources = append(sources, proxypool.NewListSource(u, client))
	}
	if len(cfg.Static) > 0 {
		sources = append(sources, proxypool.StaticSource(cfg.Static))
	}

	opts := proxypool.DefaultOptions()
	opts.Sources = sources
	opts.SampleSize = cfg.SampleSize
	opts.Testers = cfg.Testers
	opts.SourceFetchers = cfg.SourceFetchers
	opts.MaxActive = cfg.MaxActive
	opts.MaxFails = cfg.MaxFails
	opts.TestTimeout = cfg.TestTimeout
	opts.CacheTTL = cfg.CacheTTL
	opts.CanaryURL = a.Profile.CanaryURL
	opts.CanaryMarker = a.Profile.CanaryMarker
	return opts
}

// Run performs one extraction with its own proxy pool and rate limiter, so
// concurrent runs do not share rotation state.
func (a *App) Run(ctx context.Context, searchURL string, progress pipeline.ProgressFunc) (*models.ScrapeResult, error) {
	client := fetch.NewClient(a.fetchOpts)
	defer client.CloseIdle()

	limiter := ratelimit.NewAdaptiveRateLimiter(ratelimit.Options{
		Floor:         a.Config.Scraper.RateLimitMin,
		Max:           a.Config.Scraper.RateLimitMax,
		Jitter:        a.Config.Scraper.RateJitter,
		BackoffFactor: ratelimit.DefaultOptions().BackoffFactor,
		DecayAfter:    ratelimit.DefaultOptions().DecayAfter,
	})

	p := pipeline.New(pipeline.Deps{
		Profile:     a.Profile,
		Fetcher:     client,
		Launcher:    a.launcher,
		Pool:        proxypool.New(a.PoolOptions(client), client, a.cache),
		Limiter:     limiter,
		Credentials: a.Credentials,
	}, a.PipelineOptions())

	return p.Extract(ctx, searchURL, progress)
}

// AllowURL reports whether a search URL belongs to the configured site.
func (a *App) AllowURL(u string) bool {
	return a.Profile.AllowsLink(u)
}

// ExportPath returns path, or a default next to the results file.
func (a *App) ExportPath(path string) string {
	if path != "" {
		return path
	}
	return filepath.Join(filepath.Dir(a.Config.Storage.ResultsFile), "olx_results.xlsx")
}

// Close releases everything New opened, in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
