package app

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/olx-scraper/internal/config"
	"github.com/maltedev/olx-scraper/internal/credentials"
	"github.com/maltedev/olx-scraper/internal/models"
	"github.com/maltedev/olx-scraper/internal/sitetest"
)

func testConfig(t *testing.T, srv *sitetest.Server) *config.Config {
	t.Helper()
	dir := t.TempDir()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	profile := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(profile, []byte(fmt.Sprintf(
		"host: %s\nentry_url: %s/\ncanary_url: %s/\n", u.Hostname(), srv.URL, srv.URL)), 0644))

	cfg, err := config.Load()
	require.NoError(t, err)

	cfg.Scraper.ProfilePath = profile
	cfg.Scraper.RateLimitMin = time.Millisecond
	cfg.Scraper.RateLimitMax = 10 * time.Millisecond
	cfg.Scraper.RateJitter = 0
	cfg.Scraper.RetryDelay = time.Millisecond
	cfg.Scraper.RetryDelayMax = 5 * time.Millisecond
	cfg.Browser.Backend = "static"
	cfg.Browser.Timeout = time.Second
	cfg.Proxy.Enabled = false
	cfg.Session.VerifyTimeout = 500 * time.Millisecond
	cfg.Session.EffectTimeout = 200 * time.Millisecond
	cfg.Detail.PhoneWait = 100 * time.Millisecond
	cfg.Detail.Cooldown = 0
	cfg.Storage.ResultsFile = filepath.Join(dir, "results.json")
	cfg.Credentials.Dir = filepath.Join(dir, "creds")
	cfg.Credentials.DotenvPath = filepath.Join(dir, "missing.env")
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestRunAgainstSite(t *testing.T) {
	t.Setenv(credentials.EnvEmail, "")
	t.Setenv(credentials.EnvPassword, "")

	srv := sitetest.New(t)
	srv.Pages = 2
	srv.PerPage = 2
	cfg := testConfig(t, srv)

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	assert.True(t, a.AllowURL(srv.SearchURL()))
	assert.False(t, a.AllowURL("https://www.standvirtual.com/"))

	_, err = a.Run(context.Background(), srv.SearchURL(), nil)
	require.Error(t, err, "no credentials yet")

	require.NoError(t, a.Credentials.Save(&models.Credentials{Email: srv.Email, Password: srv.Password}))
	res, err := a.Run(context.Background(), srv.SearchURL(), nil)
	require.NoError(t, err)
	require.Len(t, res.Data, 4)
	assert.Equal(t, "+351912000004", res.Data[3].Phone)

	require.NoError(t, a.Repository.Save(context.Background(), res))
	out := a.ExportPath("")
	require.NoError(t, a.Repository.ExportSpreadsheet(context.Background(), out))
	_, err = os.Stat(out)
	assert.NoError(t, err)
}

func TestPoolOptions(t *testing.T) {
	srv := sitetest.New(t)
	cfg := testConfig(t, srv)
	cfg.Proxy.Static = []string{"10.0.0.1:8080"}

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	opts := a.PoolOptions(nil)
	assert.Len(t, opts.Sources, 4, "three default lists plus the static source")
	assert.Equal(t, srv.URL+"/", opts.CanaryURL)
	assert.Equal(t, cfg.Proxy.MaxFails, opts.MaxFails)

	po := a.PipelineOptions()
	assert.Equal(t, cfg.Scraper.MaxPages, po.Crawler.MaxPages)
	assert.Equal(t, cfg.Scraper.MaxRetries, po.Retry.MaxAttempts)
	assert.False(t, po.UseProxies)
}

func TestNewRejectsBadProfile(t *testing.T) {
	srv := sitetest.New(t)
	cfg := testConfig(t, srv)
	cfg.Scraper.ProfilePath = filepath.Join(t.TempDir(), "nope.yaml")

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}
