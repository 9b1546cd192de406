package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/olx-scraper/internal/browser"
	"github.com/maltedev/olx-scraper/internal/crawler"
	"github.com/maltedev/olx-scraper/internal/detail"
	"github.com/maltedev/olx-scraper/internal/fetch"
	"github.com/maltedev/olx-scraper/internal/models"
	"github.com/maltedev/olx-scraper/internal/proxypool"
	"github.com/maltedev/olx-scraper/internal/ratelimit"
	"github.com/maltedev/olx-scraper/internal/retry"
	"github.com/maltedev/olx-scraper/internal/scrapeerr"
	"github.com/maltedev/olx-scraper/internal/session"
	"github.com/maltedev/olx-scraper/internal/sitetest"
)

type staticCredentials struct {
	creds *models.Credentials
	err   error
}

func (s staticCredentials) Get() (*models.Credentials, error) { return s.creds, s.err }

func testOptions() Options {
	return Options{
		RequireLogin: true,
		Retry:        retry.Policy{MaxAttempts: 3, Base: time.Millisecond, Cap: 5 * time.Millisecond},
		Crawler:      crawler.Options{MaxPages: 10, PageRetries: 2, MaxSkipped: 2, Timeout: time.Second},
		Session: session.Options{
			VerifyTimeout: 200 * time.Millisecond,
			EffectTimeout: 100 * time.Millisecond,
			PollInterval:  10 * time.Millisecond,
		},
		Detail: detail.Options{PhoneWait: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond, ReplaySlowdown: 1.5},
	}
}

func newPipeline(srv *sitetest.Server, opts Options, creds CredentialsProvider) *Pipeline {
	return New(Deps{
		Profile:     srv.Profile(),
		Fetcher:     fetch.NewClient(nil),
		Launcher:    browser.NewStaticLauncher(nil, time.Second),
		Pool:        proxypool.New(proxypool.Options{TestTimeout: 100 * time.Millisecond}, nil, nil),
		Limiter:     ratelimit.NewAdaptiveRateLimiter(ratelimit.Options{}),
		Credentials: creds,
	}, opts)
}

func validCredentials(srv *sitetest.Server) CredentialsProvider {
	return staticCredentials{creds: &models.Credentials{Email: srv.Email, Password: srv.Password}}
}

func TestExtractCompletes(t *testing.T) {
	srv := sitetest.New(t)
	srv.Pages = 2
	srv.PerPage = 3

	var percents []int
	p := newPipeline(srv, testOptions(), validCredentials(srv))
	res, err := p.Extract(context.Background(), srv.SearchURL(), func(percent int, _ string) {
		percents = append(percents, percent)
	})
	require.NoError(t, err)

	require.Len(t, res.Data, 6)
	assert.Equal(t, srv.SearchURL(), res.SourceURL)
	for i, d := range res.Data {
		assert.True(t, d.HasPhone(), "listing %d", i+1)
	}
	assert.Equal(t, "+351912000001", res.Data[0].Phone)
	assert.Equal(t, 1, srv.Hits("/login"))

	require.NotEmpty(t, percents)
	assert.Equal(t, 0, percents[0])
	assert.Equal(t, 100, percents[len(percents)-1])
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1])
	}
}

func TestExtractAnonymous(t *testing.T) {
	srv := sitetest.New(t)
	opts := testOptions()
	opts.RequireLogin = false

	res, err := newPipeline(srv, opts, nil).Extract(context.Background(), srv.SearchURL(), nil)
	require.NoError(t, err)
	assert.Len(t, res.Data, srv.Total())
	assert.Zero(t, srv.Hits("/login"))
}

func TestExtractAborts(t *testing.T) {
	tests := []struct {
		name  string
		setup func(srv *sitetest.Server, opts *Options) CredentialsProvider
		stage Stage
		cause error
	}{
		{
			name: "missing credentials",
			setup: func(*sitetest.Server, *Options) CredentialsProvider {
				return nil
			},
			stage: Init,
			cause: scrapeerr.ErrLoginFailure,
		},
		{
			name: "incomplete credentials",
			setup: func(*sitetest.Server, *Options) CredentialsProvider {
				return staticCredentials{creds: &models.Credentials{Email: "ana@example.pt"}}
			},
			stage: Init,
			cause: scrapeerr.ErrLoginFailure,
		},
		{
			name: "no proxy passes validation",
			setup: func(srv *sitetest.Server, opts *Options) CredentialsProvider {
				opts.UseProxies = true
				opts.RequireProxies = true
				return validCredentials(srv)
			},
			stage: Init,
			cause: scrapeerr.ErrProxyExhausted,
		},
		{
			name: "no listings",
			setup: func(srv *sitetest.Server, _ *Options) CredentialsProvider {
				srv.Pages = 0
				return validCredentials(srv)
			},
			stage: ProxiesAcquired,
			cause: scrapeerr.ErrSelectorNotFound,
		},
		{
			name: "wrong password",
			setup: func(srv *sitetest.Server, _ *Options) CredentialsProvider {
				return staticCredentials{creds: &models.Credentials{Email: srv.Email, Password: "errada"}}
			},
			stage: ListingsExtracted,
			cause: scrapeerr.ErrLoginFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := sitetest.New(t)
			opts := testOptions()
			creds := tt.setup(srv, &opts)

			res, err := newPipeline(srv, opts, creds).Extract(context.Background(), srv.SearchURL(), nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, scrapeerr.ErrAborted)
			assert.ErrorIs(t, err, tt.cause)

			var abort *AbortError
			require.True(t, errors.As(err, &abort))
			assert.Equal(t, tt.stage, abort.Stage)

			require.NotNil(t, res)
			assert.Empty(t, res.Data)
		})
	}
}

func TestExtractContinuesWithoutOptionalProxies(t *testing.T) {
	srv := sitetest.New(t)
	opts := testOptions()
	opts.UseProxies = true
	opts.RequireLogin = false

	res, err := newPipeline(srv, opts, nil).Extract(context.Background(), srv.SearchURL(), nil)
	require.NoError(t, err)
	assert.Len(t, res.Data, srv.Total())
}

func TestExtractRetriesFailingPages(t *testing.T) {
	srv := sitetest.New(t)
	srv.Pages = 2
	srv.Failures[2] = 1
	opts := testOptions()
	opts.RequireLogin = false

	res, err := newPipeline(srv, opts, nil).Extract(context.Background(), srv.SearchURL(), nil)
	require.NoError(t, err)
	assert.Len(t, res.Data, srv.Total())
}

func TestExtractCancelled(t *testing.T) {
	srv := sitetest.New(t)
	opts := testOptions()
	opts.RequireLogin = false

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newPipeline(srv, opts, nil).Extract(ctx, srv.SearchURL(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, scrapeerr.ErrAborted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, res.Data)
}

func TestAbortErrorMessage(t *testing.T) {
	err := &AbortError{Stage: DetailsProcessing, Cause: scrapeerr.ErrBlockDetected}
	assert.Equal(t, "run aborted in stage details_processing: anti-bot challenge detected", err.Error())
	assert.ErrorIs(t, err, scrapeerr.ErrAborted)
	assert.ErrorIs(t, err, scrapeerr.ErrBlockDetected)
	assert.Equal(t, "Stage(9)", Stage(9).String())
}
