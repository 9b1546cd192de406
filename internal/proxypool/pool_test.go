package proxypool

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/olx-scraper/internal/models"
	"github.com/maltedev/olx-scraper/internal/scrapeerr"
)

const canaryURL = "http://canary.olx.test/"

// fakeProxy answers every forwarded request with body.
func fakeProxy(t *testing.T, status int, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv.Listener.Addr().String()
}

func deadProxy(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()
	return addr
}

func goodProxy(t *testing.T) string {
	return fakeProxy(t, http.StatusOK, "<title>OLX Portugal</title>")
}

func testOptions(sources ...Source) Options {
	opts := DefaultOptions()
	opts.Sources = sources
	opts.CanaryURL = canaryURL
	opts.TestTimeout = time.Second
	opts.RecheckTimeout = 500 * time.Millisecond
	opts.TestRate = 0
	return opts
}

func addresses(recs []models.ProxyRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Address)
	}
	return out
}

func TestAcquireKeepsOnlyValidatedProxies(t *testing.T) {
	good1, good2 := goodProxy(t), goodProxy(t)
	liar := fakeProxy(t, http.StatusOK, "<title>Welcome to nginx</title>")
	challenge := fakeProxy(t, http.StatusOK, `OLX <div id="px-captcha"></div>`)
	forbidden := fakeProxy(t, http.StatusForbidden, "OLX")

	pool := New(testOptions(StaticSource{good1, liar, challenge, forbidden, deadProxy(t), good2, good1}), nil, nil)

	recs, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{good1, good2}, addresses(recs))
	for _, r := range recs {
		assert.Equal(t, models.ProxyActive, r.State)
		assert.False(t, r.LastTestedAt.IsZero())
	}
	assert.NotNil(t, pool.Current())
}

func TestAcquireCapsActiveSet(t *testing.T) {
	var src StaticSource
	for i := 0; i < 6; i++ {
		src = append(src, goodProxy(t))
	}
	opts := testOptions(src)
	opts.MaxActive = 3

	recs, err := New(opts, nil, nil).Acquire(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestAcquireSamplesCandidates(t *testing.T) {
	var src StaticSource
	for i := 0; i < 8; i++ {
		src = append(src, goodProxy(t))
	}
	opts := testOptions(src)
	opts.SampleSize = 2

	recs, err := New(opts, nil, nil).Acquire(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestAcquireWithoutWorkingProxy(t *testing.T) {
	pool := New(testOptions(StaticSource{deadProxy(t)}), nil, nil)

	_, err := pool.Acquire(context.Background())
	assert.ErrorIs(t, err, scrapeerr.ErrProxyExhausted)
	assert.Nil(t, pool.Current())
}

func TestAcquireReusesRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "")

	good := goodProxy(t)
	stale := fakeProxy(t, http.StatusOK, "no marker")

	_, err := New(testOptions(StaticSource{good}), nil, cache).Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, cache.Put(context.Background(), stale, time.Hour))

	// second run has no sources and lives off the cache
	recs, err := New(testOptions(), nil, cache).Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{good}, addresses(recs))
	assert.Equal(t, "cache", recs[0].Source)

	cached, err := cache.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{good}, cached, "failed re-check evicts the entry")
}

func TestRecordFailureBlacklistsAtThreshold(t *testing.T) {
	pool := New(testOptions(), nil, nil)
	pool.Use("10.0.0.1:8080", "10.0.0.2:8080", "10.0.0.3:8080")
	bad := &models.ProxyRecord{Address: "10.0.0.1:8080"}

	for i := 0; i < 2; i++ {
		pool.RecordFailure(context.Background(), bad)
	}
	assert.Equal(t, models.ProxyActive, pool.Records()[0].State)

	pool.RecordFailure(context.Background(), bad)
	rec := pool.Records()[0]
	assert.Equal(t, 3, rec.FailureCount)
	assert.Equal(t, models.ProxyBlacklisted, rec.State)

	for i := 0; i < 200; i++ {
		next, err := pool.Rotate(nil)
		require.NoError(t, err)
		assert.NotEqual(t, bad.Address, next.Address)
	}
}

func TestRecordFailureEvictsFromCache(t *testing.T) {
	cache := NewMemoryCache()
	require.NoError(t, cache.Put(context.Background(), "10.0.0.1:8080", time.Hour))

	opts := testOptions()
	opts.MaxFails = 1
	pool := New(opts, nil, cache)
	pool.Use("10.0.0.1:8080")

	pool.RecordFailure(context.Background(), &models.ProxyRecord{Address: "10.0.0.1:8080"})

	cached, err := cache.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cached)
}

func TestFailedCanariesBlacklistPooledProxy(t *testing.T) {
	dead, good := deadProxy(t), goodProxy(t)
	pool := New(testOptions(), nil, nil)
	pool.Use(dead, good)

	rec := models.NewProxyRecord(dead, "static")
	for i := 0; i < 3; i++ {
		assert.False(t, pool.Test(context.Background(), rec, 200*time.Millisecond))
	}
	assert.Equal(t, 3, rec.FailureCount)
	assert.Equal(t, models.ProxyBlacklisted, rec.State)

	for _, r := range pool.Records() {
		if r.Address == dead {
			assert.Equal(t, models.ProxyBlacklisted, r.State)
		}
	}
	for i := 0; i < 100; i++ {
		next, err := pool.Rotate(nil)
		require.NoError(t, err)
		assert.Equal(t, good, next.Address)
	}
}

func TestFailedCanaryOfUnpooledProxy(t *testing.T) {
	pool := New(testOptions(), nil, nil)
	rec := models.NewProxyRecord(deadProxy(t), "")

	assert.False(t, pool.Test(context.Background(), rec, 200*time.Millisecond))
	assert.Equal(t, 1, rec.FailureCount)
	assert.Equal(t, models.ProxyActive, rec.State)
	assert.Zero(t, pool.Len())
}

func TestRotate(t *testing.T) {
	t.Run("excludes current", func(t *testing.T) {
		pool := New(testOptions(), nil, nil)
		pool.Use("10.0.0.1:1", "10.0.0.2:2")

		for i := 0; i < 50; i++ {
			next, err := pool.Rotate(&models.ProxyRecord{Address: "10.0.0.1:1"})
			require.NoError(t, err)
			assert.Equal(t, "10.0.0.2:2", next.Address)
		}
	})

	t.Run("keeps current when it is the only active one", func(t *testing.T) {
		pool := New(testOptions(), nil, nil)
		pool.Use("10.0.0.1:1", "10.0.0.2:2")
		for i := 0; i < 3; i++ {
			pool.RecordFailure(context.Background(), &models.ProxyRecord{Address: "10.0.0.2:2"})
		}

		next, err := pool.Rotate(&models.ProxyRecord{Address: "10.0.0.1:1"})
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.1:1", next.Address)
	})

	t.Run("resets when every proxy is blacklisted", func(t *testing.T) {
		pool := New(testOptions(), nil, nil)
		pool.Use("10.0.0.1:1", "10.0.0.2:2")
		for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:2"} {
			for i := 0; i < 3; i++ {
				pool.RecordFailure(context.Background(), &models.ProxyRecord{Address: addr})
			}
		}

		next, err := pool.Rotate(pool.Current())
		require.NoError(t, err)
		require.NotNil(t, next)
		for _, r := range pool.Records() {
			assert.Equal(t, models.ProxyActive, r.State)
			assert.Zero(t, r.FailureCount)
		}
	})

	t.Run("empty pool is exhausted", func(t *testing.T) {
		_, err := New(testOptions(), nil, nil).Rotate(nil)
		assert.ErrorIs(t, err, scrapeerr.ErrProxyExhausted)
	})
}

func TestFailRotatesAwayFromCurrent(t *testing.T) {
	pool := New(testOptions(), nil, nil)
	pool.Use("10.0.0.1:1", "10.0.0.2:2")
	first := pool.CurrentAddress()

	next, err := pool.Fail(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, next.Address)
	assert.Equal(t, next.Address, pool.CurrentAddress())

	for _, r := range pool.Records() {
		if r.Address == first {
			assert.Equal(t, 1, r.FailureCount)
		}
	}
}
