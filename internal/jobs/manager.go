// Package jobs runs extractions in the background and tracks their progress.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/olx-scraper/internal/models"
	"github.com/maltedev/olx-scraper/internal/pipeline"
	"github.com/maltedev/olx-scraper/internal/scrapeerr"
	"github.com/maltedev/olx-scraper/internal/storage"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var (
	ErrNotFound   = errors.New("job not found")
	ErrInvalidURL = errors.New("invalid search url")
	ErrClosed     = errors.New("job manager closed")
)

// Job is a snapshot of a background extraction.
type Job struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Status      Status     `json:"status"`
	Percent     int        `json:"percent"`
	Message     string     `json:"message,omitempty"`
	Listings    int        `json:"listings"`
	ErrorType   string     `json:"error_type,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (j *Job) Done() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed || j.Status == StatusCancelled
}

// RunFunc performs one extraction. Each call must use its own proxy pool and
// browser page.
type RunFunc func(ctx context.Context, searchURL string, progress pipeline.ProgressFunc) (*models.ScrapeResult, error)

type Options struct {
	// MaxConcurrent bounds running jobs; further jobs wait as pending.
	MaxConcurrent int
	// AllowURL rejects search URLs outside the configured site.
	AllowURL func(string) bool
}

type entry struct {
	job    Job
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager runs scrape jobs in the background.
type Manager struct {
	run    RunFunc
	repo   storage.Repository
	opts   Options
	logger *slog.Logger

	sem    chan struct{}
	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex
	jobs   map[string]*entry
	closed bool
}

// NewManager creates a manager. repo may be nil, in which case results are
// not persisted.
func NewManager(run RunFunc, repo storage.Repository, opts Options, logger *slog.Logger) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		run:    run,
		repo:   repo,
		opts:   opts,
		logger: logger.With("component", "job_manager"),
		sem:    make(chan struct{}, opts.MaxConcurrent),
		ctx:    ctx,
		stop:   stop,
		jobs:   make(map[string]*entry),
	}
}

// Submit validates searchURL and queues an extraction for it.
func (m *Manager) Submit(searchURL string) (*Job, error) {
	u, err := url.Parse(searchURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, searchURL)
	}
	if m.opts.AllowURL != nil && !m.opts.AllowURL(searchURL) {
		return nil, fmt.Errorf("%w: host %s not allowed", ErrInvalidURL, u.Host)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(m.ctx)
	e := &entry{
		job: Job{
			ID:        uuid.New().String(),
			URL:       searchURL,
			Status:    StatusPending,
			CreatedAt: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.jobs[e.job.ID] = e

	m.wg.Add(1)
	go m.process(ctx, e)

	m.logger.Info("job created", "id", e.job.ID, "url", searchURL)
	job := e.job
	return &job, nil
}

// Get returns a snapshot of the job.
func (m *Manager) Get(id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	job := e.job
	return &job, nil
}

// List returns all jobs, newest first.
func (m *Manager) List() []*Job {
	m.mu.RLock()
	out := make([]*Job, 0, len(m.jobs))
	for _, e := range m.jobs {
		job := e.job
		out = append(out, &job)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Cancel stops the job. Finished jobs are left as they are.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	e.cancel()
	return nil
}

// Wait blocks until the job has finished or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	e, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	select {
	case <-e.done:
		return m.Get(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown cancels running jobs and waits for them to finish.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) process(ctx context.Context, e *entry) {
	defer m.wg.Done()
	defer close(e.done)
	defer e.cancel()

	id := e.job.ID
	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		m.finish(id, nil, ctx.Err())
		return
	}

	now := time.Now()
	m.update(id, func(j *Job) {
		j.Status = StatusRunning
		j.StartedAt = &now
	})
	m.logger.Info("processing job", "id", id, "url", e.job.URL)

	result, err := m.run(ctx, e.job.URL, func(percent int, message string) {
		m.update(id, func(j *Job) {
			j.Percent = percent
			j.Message = message
		})
	})

	if result != nil && len(result.Data) > 0 && m.repo != nil {
		// results are persisted even when the run was cut short
		if serr := m.repo.Save(context.WithoutCancel(ctx), result); serr != nil {
			m.logger.Error("failed to save results", "id", id, "error", serr)
			if err == nil {
				err = fmt.Errorf("failed to save results: %w", serr)
			}
		}
	}
	m.finish(id, result, err)
}

func (m *Manager) finish(id string, result *models.ScrapeResult, err error) {
	now := time.Now()
	m.update(id, func(j *Job) {
		j.CompletedAt = &now
		if result != nil {
			j.Listings = len(result.Data)
		}
		switch {
		case err == nil:
			j.Status = StatusCompleted
			j.Percent = 100
		case errors.Is(err, context.Canceled):
			j.Status = StatusCancelled
			j.Error = err.Error()
		default:
			j.Status = StatusFailed
			j.ErrorType = scrapeerr.Category(err)
			j.Error = err.Error()
		}
	})

	if err != nil {
		m.logger.Error("job failed", "id", id, "category", scrapeerr.Category(err), "error", err)
		return
	}
	m.logger.Info("job completed", "id", id)
}

func (m *Manager) update(id string, fn func(*Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.jobs[id]; ok {
		fn(&e.job)
	}
}
