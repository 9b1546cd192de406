package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/maltedev/olx-scraper/internal/credentials"
	"github.com/maltedev/olx-scraper/internal/jobs"
	"github.com/maltedev/olx-scraper/internal/logger"
	"github.com/maltedev/olx-scraper/internal/models"
	"github.com/maltedev/olx-scraper/internal/pipeline"
	"github.com/maltedev/olx-scraper/internal/storage"
)

type fixture struct {
	srv   *httptest.Server
	jobs  *jobs.Manager
	repo  *storage.JSONRepository
	store *credentials.EncryptedStore
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	run := func(_ context.Context, url string, progress pipeline.ProgressFunc) (*models.ScrapeResult, error) {
		progress(50, "halfway")
		d := models.NewListingDetail(models.ListingSummary{
			Link: "https://www.olx.pt/d/anuncio/a.html", Name: "Mota", Price: "2.500 €",
		})
		d.Phone = "+351912345678"
		return &models.ScrapeResult{SourceURL: url, Data: []models.ListingDetail{d}}, nil
	}

	repo := storage.NewJSONRepository(filepath.Join(dir, "results.json"))
	store := credentials.NewEncryptedStore(dir)
	m := jobs.NewManager(run, repo, jobs.Options{
		AllowURL: func(u string) bool { return strings.HasPrefix(u, "https://www.olx.pt/") },
	}, logger.Discard())
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	h := NewHandlers(m, repo, credentials.NewManager(credentials.EnvSource{}, store), logger.Discard())
	srv := httptest.NewServer(NewRouter(h, RouterOptions{}))
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, jobs: m, repo: repo, store: store}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestCreateScrape(t *testing.T) {
	f := setup(t)

	resp := f.do(t, http.MethodPost, "/api/v1/scrapes", `{"url":"https://www.olx.pt/carros-motos-e-barcos/"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	job := decode[jobs.Job](t, resp)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "/api/v1/scrapes/"+job.ID, resp.Header.Get("Location"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := f.jobs.Wait(ctx, job.ID)
	require.NoError(t, err)

	resp = f.do(t, http.MethodGet, "/api/v1/scrapes/"+job.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[jobs.Job](t, resp)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.Listings)

	resp = f.do(t, http.MethodGet, "/api/v1/scrapes", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]jobs.Job](t, resp), 1)

	resp = f.do(t, http.MethodGet, "/api/v1/results", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := decode[[]models.ScrapeResult](t, resp)
	require.Len(t, results, 1)
	assert.Equal(t, "+351912345678", results[0].Data[0].Phone)
}

func TestCreateScrapeRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed body", `{"url":`},
		{"missing url", `{}`},
		{"foreign host", `{"url":"https://www.standvirtual.com/"}`},
		{"not a url", `{"url":"olx"}`},
	}

	f := setup(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/v1/scrapes", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, decode[map[string]string](t, resp)["error"])
		})
	}
}

func TestGetUnknownScrape(t *testing.T) {
	f := setup(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/scrapes/nope", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/api/v1/scrapes/nope", "").StatusCode)
}

func TestResultsEmpty(t *testing.T) {
	f := setup(t)
	resp := f.do(t, http.MethodGet, "/api/v1/results", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(body))
}

func TestExport(t *testing.T) {
	f := setup(t)
	d := models.NewListingDetail(models.ListingSummary{Link: "https://www.olx.pt/d/a.html", Name: "Mota", Price: "2.500 €"})
	require.NoError(t, f.repo.Save(context.Background(), &models.ScrapeResult{SourceURL: "https://www.olx.pt/", Data: []models.ListingDetail{d}}))

	resp := f.do(t, http.MethodGet, "/api/v1/export", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), ".xlsx")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	wb, err := excelize.OpenReader(bytes.NewReader(body))
	require.NoError(t, err)
	defer wb.Close()

	rows, err := wb.GetRows("Listings")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2500", rows[1][6])
}

func TestPutCredentials(t *testing.T) {
	f := setup(t)

	resp := f.do(t, http.MethodPut, "/api/v1/credentials", `{"email":"ana@example.pt","password":"s3gredo"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	c, err := f.store.Get()
	require.NoError(t, err)
	assert.Equal(t, "ana@example.pt", c.Email)

	resp = f.do(t, http.MethodPut, "/api/v1/credentials", `{"email":"ana@example.pt"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := setup(t)

	resp := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]any](t, resp)["status"])

	resp = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}
