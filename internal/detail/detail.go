// Package detail visits listing pages and reveals the seller's phone number.
package detail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maltedev/olx-scraper/internal/browser"
	"github.com/maltedev/olx-scraper/internal/metrics"
	"github.com/maltedev/olx-scraper/internal/models"
	"github.com/maltedev/olx-scraper/internal/scrapeerr"
	"github.com/maltedev/olx-scraper/internal/selector"
	"github.com/maltedev/olx-scraper/internal/session"
	"github.com/maltedev/olx-scraper/internal/site"
)

var ErrSessionUnusable = fmt.Errorf("session is not usable: %w", scrapeerr.ErrLoginFailure)

type Limiter interface {
	Wait(ctx context.Context) error
	RecordSuccess()
	RecordFailure()
	Increase(factor float64)
}

type ConsentHandler interface {
	AcceptConsent(ctx context.Context, page browser.Page) (selector.Locator, bool)
}

// RenewFunc replaces a session whose proxy got blocked.
type RenewFunc func(ctx context.Context) (*session.Session, error)

// Options tunes phone extraction.
type Options struct {
	// PhoneWait bounds the wait for the phone after the reveal click.
	PhoneWait    time.Duration
	PollInterval time.Duration
	// Cooldown is slept before the N/A queue is replayed.
	Cooldown time.Duration
	// ReplaySlowdown multiplies the rate limiter interval for the replay.
	ReplaySlowdown float64
}

func DefaultOptions() Options {
	return Options{
		PhoneWait:      10 * time.Second,
		PollInterval:   250 * time.Millisecond,
		Cooldown:       5 * time.Second,
		ReplaySlowdown: 1.5,
	}
}

// Extractor reads listing pages through one session at a time.
type Extractor struct {
	session *session.Session
	consent ConsentHandler
	profile *site.Profile
	limiter Limiter
	opts    Options
	renew   RenewFunc
	logger  *slog.Logger
}

// New returns an extractor bound to sess. consent is used to dismiss
// banners on every listing page.
func New(sess *session.Session, consent ConsentHandler, profile *site.Profile, limiter Limiter, opts Options) *Extractor {
	return &Extractor{
		session: sess,
		consent: consent,
		profile: profile,
		limiter: limiter,
		opts:    opts,
		logger:  slog.Default().With("component", "detail"),
	}
}

// OnBlocked installs the hook used to obtain a fresh session after a block
// or network failure.
func (e *Extractor) OnBlocked(fn RenewFunc) {
	e.renew = fn
}

// Session returns the session currently in use.
func (e *Extractor) Session() *session.Session {
	return e.session
}

// Detail visits one listing. A missing phone or a removed listing is not an
// error: the detail is returned with PhoneNA. Errors are returned for
// navigation failures.
func (e *Extractor) Detail(ctx context.Context, s models.ListingSummary) (models.ListingDetail, error) {
	d := models.NewListingDetail(s)
	if !e.session.Usable() {
		return d, ErrSessionUnusable
	}
	page := e.session.Page

	if err := e.limiter.Wait(ctx); err != nil {
		return d, err
	}
	if err := page.Navigate(ctx, s.Link); err != nil {
		if errors.Is(err, browser.ErrPageUnavailable) {
			e.logger.Info("listing unavailable", "link", s.Link, "error", err)
			return d, nil
		}
		e.limiter.RecordFailure()
		return d, fmt.Errorf("failed to open listing: %w", scrapeerr.Network(err))
	}
	e.limiter.RecordSuccess()

	e.consent.AcceptConsent(ctx, page)
	e.reveal(ctx, page)

	el, loc, err := e.profile.PhoneValue.Wait(ctx, page, e.opts.PhoneWait, e.opts.PollInterval)
	if err != nil {
		if ctx.Err() != nil {
			return d, ctx.Err()
		}
		e.logger.Debug("phone not shown", "link", s.Link)
		return d, nil
	}
	d.Phone = models.NormalizePhone(selector.Value(ctx, el, loc))
	return d, nil
}

// reveal clicks the first visible reveal control, trying a scripted click
// when the direct one is rejected.
func (e *Extractor) reveal(ctx context.Context, page browser.Page) bool {
	for _, loc := range e.profile.PhoneShow.Locators {
		found, err := page.QueryAll(ctx, loc)
		if err != nil {
			continue
		}
		for _, f := range found {
			el, err := browser.AsElement(f)
			if err != nil {
				continue
			}
			if visible, err := el.Visible(ctx); err != nil || !visible {
				continue
			}
			for _, method := range []browser.ClickMethod{browser.ClickDirect, browser.ClickScript} {
				if err := el.Click(ctx, method); err == nil {
					return true
				}
			}
		}
	}
	return false
}

// ProcessAll extracts every item in order. Items left without a phone are
// queued and replayed once, after a cooldown and at a slower pace, provided
// fewer than half of all items are queued. progress is called after each
// first-pass item.
func (e *Extractor) ProcessAll(ctx context.Context, items []models.ListingSummary, progress func(done, total int)) ([]models.ListingDetail, error) {
	results := make([]models.ListingDetail, 0, len(items))
	var queue []int

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		d, err := e.Detail(ctx, item)
		if err != nil && ctx.Err() != nil {
			return results, ctx.Err()
		}
		if err != nil {
			e.logger.Warn("detail failed", "link", item.Link, "category", scrapeerr.Category(err), "error", err)
			e.recover(ctx, err)
		}

		results = append(results, d)
		if d.HasPhone() {
			metrics.DetailsTotal.WithLabelValues("phone").Inc()
		} else {
			metrics.DetailsTotal.WithLabelValues("na").Inc()
			queue = append(queue, i)
		}

		if progress != nil {
			progress(i+1, len(items))
		}
	}

	if len(queue) == 0 {
		return results, nil
	}
	if len(queue)*2 >= len(items) {
		e.logger.Info("too many listings without phone, not replaying", "na", len(queue), "total", len(items))
		return results, nil
	}

	e.logger.Info("replaying listings without phone", "count", len(queue), "cooldown", e.opts.Cooldown)
	if err := sleep(ctx, e.opts.Cooldown); err != nil {
		return results, err
	}
	slowdown := e.opts.ReplaySlowdown
	if slowdown <= 1 {
		slowdown = 1.5
	}
	e.limiter.Increase(slowdown)

	for _, i := range queue {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		metrics.DetailsTotal.WithLabelValues("replayed").Inc()

		d, err := e.Detail(ctx, items[i])
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			e.recover(ctx, err)
			continue
		}
		if d.HasPhone() {
			results[i] = d
		}
	}
	return results, nil
}

func (e *Extractor) recover(ctx context.Context, err error) {
	if e.renew == nil || !scrapeerr.RequiresRotation(err) {
		return
	}
	sess, rerr := e.renew(ctx)
	if rerr != nil {
		e.logger.Warn("failed to renew session", "error", rerr)
		return
	}
	e.session = sess
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
