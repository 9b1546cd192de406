package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/olx-scraper/internal/jobs"
	"github.com/maltedev/olx-scraper/internal/models"
	"github.com/maltedev/olx-scraper/internal/storage"
)

// CredentialsSaver stores the login account used by future runs.
type CredentialsSaver interface {
	Save(c *models.Credentials) error
}

// Handlers serves the scrape API.
type Handlers struct {
	jobs        *jobs.Manager
	repo        storage.Repository
	credentials CredentialsSaver
	logger      *slog.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(jobs *jobs.Manager, repo storage.Repository, credentials CredentialsSaver, logger *slog.Logger) *Handlers {
	return &Handlers{
		jobs:        jobs,
		repo:        repo,
		credentials: credentials,
		logger:      logger.With("component", "api"),
	}
}

// CreateScrapeRequest represents a new extraction request
type CreateScrapeRequest struct {
	URL string `json:"url"`
}

// CreateScrape queues an extraction and answers with the pending job
func (h *Handlers) CreateScrape(w http.ResponseWriter, r *http.Request) {
	var req CreateScrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		h.respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	job, err := h.jobs.Submit(req.URL)
	switch {
	case errors.Is(err, jobs.ErrInvalidURL):
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, jobs.ErrClosed):
		h.respondError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	case err != nil:
		h.logger.Error("failed to create job", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	w.Header().Set("Location", "/api/v1/scrapes/"+job.ID)
	h.respondJSON(w, http.StatusAccepted, job)
}

// GetScrape returns one job.
func (h *Handlers) GetScrape(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		h.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	h.respondJSON(w, http.StatusOK, job)
}

// ListScrapes returns all jobs, newest first.
func (h *Handlers) ListScrapes(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.jobs.List())
}

// CancelScrape cancels a job.
func (h *Handlers) CancelScrape(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Cancel(chi.URLParam(r, "jobID")); err != nil {
		h.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListResults returns every stored result as {url, data} objects
func (h *Handlers) ListResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.repo.Load(r.Context())
	if err != nil {
		h.logger.Error("failed to load results", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load results")
		return
	}
	if results == nil {
		results = []models.ScrapeResult{}
	}
	h.respondJSON(w, http.StatusOK, results)
}

// Export streams all stored results as an xlsx workbook
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	results, err := h.repo.Load(r.Context())
	if err != nil {
		h.logger.Error("failed to load results", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load results")
		return
	}

	name := "olx-" + time.Now().Format("20060102-150405") + ".xlsx"
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	if err := storage.WriteSpreadsheet(w, results); err != nil {
		h.logger.Error("failed to write export", "error", err)
	}
}

// PutCredentials stores the login credentials.
func (h *Handlers) PutCredentials(w http.ResponseWriter, r *http.Request) {
	var req models.Credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.Complete() {
		h.respondError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	if err := h.credentials.Save(&req); err != nil {
		h.logger.Error("failed to save credentials", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to save credentials")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health reports that the service is up.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	running := 0
	for _, j := range h.jobs.List() {
		if j.Status == jobs.StatusRunning {
			running++
		}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"running_jobs": running,
	})
}

// Helper methods
func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
