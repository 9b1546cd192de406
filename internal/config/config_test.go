package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 50, cfg.Scraper.MaxPages)
	assert.Equal(t, 3, cfg.Proxy.MaxFails)
	assert.Equal(t, 10, cfg.Proxy.MaxActive)
	assert.Equal(t, 2*time.Second, cfg.Scraper.RetryDelay)
	assert.Equal(t, 6*time.Second, cfg.Scraper.RetryDelayMax)
	assert.Equal(t, "Europe/Lisbon", cfg.Browser.TimezoneID)
	assert.Equal(t, "json", cfg.Storage.Backend)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SCRAPER_MAX_PAGES", "7")
	t.Setenv("PROXY_STATIC", "1.2.3.4:8080, 5.6.7.8:3128,")
	t.Setenv("DETAIL_COOLDOWN", "1s")
	t.Setenv("DETAIL_REPLAY_SLOWDOWN", "2.5")
	t.Setenv("BROWSER_HEADLESS", "false")
	t.Setenv("SERVER_MAX_JOBS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Scraper.MaxPages)
	assert.Equal(t, []string{"1.2.3.4:8080", "5.6.7.8:3128"}, cfg.Proxy.Static)
	assert.Equal(t, time.Second, cfg.Detail.Cooldown)
	assert.Equal(t, 2.5, cfg.Detail.ReplaySlowdown)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, 1, cfg.Server.MaxJobs)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"max pages", func(c *Config) { c.Scraper.MaxPages = 0 }, "SCRAPER_MAX_PAGES"},
		{"rate limits", func(c *Config) { c.Scraper.RateLimitMin = time.Minute; c.Scraper.RateLimitMax = time.Second }, "SCRAPER_RATE_LIMIT_MIN"},
		{"retry delay", func(c *Config) { c.Scraper.RetryDelay = time.Minute }, "SCRAPER_RETRY_DELAY"},
		{"required proxies", func(c *Config) { c.Proxy.Enabled = false; c.Proxy.Required = true }, "PROXY_REQUIRED"},
		{"slowdown", func(c *Config) { c.Detail.ReplaySlowdown = 0.5 }, "DETAIL_REPLAY_SLOWDOWN"},
		{"browser backend", func(c *Config) { c.Browser.Backend = "chromedp" }, "BROWSER_BACKEND"},
		{"storage backend", func(c *Config) { c.Storage.Backend = "sqlite" }, "STORAGE_BACKEND"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
