// Package session drives the login state machine against a browser page.
package session

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/maltedev/olx-scraper/internal/browser"
	"github.com/maltedev/olx-scraper/internal/metrics"
	"github.com/maltedev/olx-scraper/internal/models"
	"github.com/maltedev/olx-scraper/internal/ratelimit"
	"github.com/maltedev/olx-scraper/internal/scrapeerr"
	"github.com/maltedev/olx-scraper/internal/selector"
	"github.com/maltedev/olx-scraper/internal/site"
)

type State int

const (
	LoggedOut State = iota
	Navigated
	ConsentHandled
	CredentialsEntered
	Submitted
	Verified
	Failed
)

func (s State) String() string {
	switch s {
	case LoggedOut:
		return "logged_out"
	case Navigated:
		return "navigated"
	case ConsentHandled:
		return "consent_handled"
	case CredentialsEntered:
		return "credentials_entered"
	case Submitted:
		return "submitted"
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is a page bound to one proxy, either logged in or anonymous.
type Session struct {
	Page  browser.Page
	Proxy string

	state     State
	history   []State
	anonymous bool
}

// NewAnonymous wraps a page that is used without logging in.
func NewAnonymous(page browser.Page, proxy string) *Session {
	return &Session{Page: page, Proxy: proxy, state: ConsentHandled, history: []State{LoggedOut, ConsentHandled}, anonymous: true}
}

func (s *Session) State() State { return s.state }

// History lists every state the session went through, in order.
func (s *Session) History() []State {
	return append([]State(nil), s.history...)
}

func (s *Session) Anonymous() bool { return s.anonymous }

// Usable reports whether detail pages may be visited with this session.
func (s *Session) Usable() bool {
	if s == nil || s.Page == nil || s.state == Failed {
		return false
	}
	return s.state == Verified || s.anonymous
}

func (s *Session) transition(to State) {
	s.state = to
	s.history = append(s.history, to)
}

type Options struct {
	// VerifyTimeout bounds the wait for a logged-in indicator and for the
	// login form to appear after the trigger click.
	VerifyTimeout time.Duration
	// EffectTimeout bounds the wait for a submit click to change the page.
	EffectTimeout time.Duration
	PollInterval  time.Duration
	// TypeDelayMin and TypeDelayMax bound the pause between keystrokes.
	TypeDelayMin time.Duration
	TypeDelayMax time.Duration
}

func DefaultOptions() Options {
	return Options{
		VerifyTimeout: 15 * time.Second,
		EffectTimeout: 5 * time.Second,
		PollInterval:  250 * time.Millisecond,
		TypeDelayMin:  50 * time.Millisecond,
		TypeDelayMax:  200 * time.Millisecond,
	}
}

// Manager drives logins for one site profile.
type Manager struct {
	profile *site.Profile
	opts    Options
	limiter ratelimit.RateLimiter
	logger  *slog.Logger
	rnd     *rand.Rand
}

// NewManager creates a login manager pacing page loads with limiter.
func NewManager(profile *site.Profile, opts Options, limiter ratelimit.RateLimiter) *Manager {
	return &Manager{
		profile: profile,
		opts:    opts,
		limiter: limiter,
		logger:  slog.Default().With("component", "session"),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Login runs one pass of the state machine. Every pass that ends in Failed
// reports ErrLoginFailure, with the underlying cause kept in the chain.
// Retrying with another proxy is up to the caller.
func (m *Manager) Login(ctx context.Context, page browser.Page, proxy string, creds *models.Credentials) (*Session, error) {
	s := &Session{Page: page, Proxy: proxy, state: LoggedOut, history: []State{LoggedOut}}

	err := m.login(ctx, s, creds)
	if err != nil {
		s.transition(Failed)
		metrics.LoginsTotal.WithLabelValues(scrapeerr.Category(err)).Inc()
		m.logger.Warn("login failed", "state", s.history[len(s.history)-2].String(), "error", err)
		if ctx.Err() == nil && !errors.Is(err, scrapeerr.ErrLoginFailure) {
			err = fmt.Errorf("%w: %w", scrapeerr.ErrLoginFailure, err)
		}
		return s, err
	}

	metrics.LoginsTotal.WithLabelValues("ok").Inc()
	m.logger.Info("logged in", "proxy", proxy)
	return s, nil
}

func (m *Manager) login(ctx context.Context, s *Session, creds *models.Credentials) error {
	if !creds.Complete() {
		return fmt.Errorf("credentials incomplete: %w", scrapeerr.ErrLoginFailure)
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := s.Page.Navigate(ctx, m.profile.EntryURL); err != nil {
		return fmt.Errorf("failed to open %s: %w", m.profile.EntryURL, scrapeerr.Network(err))
	}
	s.transition(Navigated)

	m.AcceptConsent(ctx, s.Page)
	s.transition(ConsentHandled)

	if err := m.enterCredentials(ctx, s.Page, creds); err != nil {
		return err
	}
	s.transition(CredentialsEntered)

	if err := m.submit(ctx, s.Page); err != nil {
		return err
	}
	s.transition(Submitted)

	_, loc, err := m.profile.LoggedIn.Wait(ctx, s.Page, m.opts.VerifyTimeout, m.opts.PollInterval)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("no logged-in indicator: %w", errors.Join(scrapeerr.ErrLoginFailure, err))
	}
	m.logger.Debug("logged-in indicator found", "locator", loc.String())
	s.transition(Verified)
	return nil
}

// AcceptConsent clicks the first visible consent control. A missing banner is
// not an error; the matched locator is returned for diagnostics.
func (m *Manager) AcceptConsent(ctx context.Context, page browser.Page) (selector.Locator, bool) {
	for _, loc := range m.profile.Consent.Locators {
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
			if err := el.Click(ctx, browser.ClickDirect); err != nil {
				m.logger.Debug("consent click failed", "locator", loc.String(), "error", err)
				continue
			}
			m.logger.Debug("consent accepted", "locator", loc.String())
			return loc, true
		}
	}
	return selector.Locator{}, false
}

func (m *Manager) enterCredentials(ctx context.Context, page browser.Page, creds *models.Credentials) error {
	if _, _, err := m.profile.EmailField.First(ctx, page); err != nil {
		m.clickLoginTrigger(ctx, page)
	}

	emailFound, _, err := m.profile.EmailField.Wait(ctx, page, m.opts.VerifyTimeout, m.opts.PollInterval)
	if err != nil {
		return fmt.Errorf("login form: %w", err)
	}
	passFound, _, err := m.profile.PasswordField.Wait(ctx, page, m.opts.VerifyTimeout, m.opts.PollInterval)
	if err != nil {
		return fmt.Errorf("login form: %w", err)
	}

	email, err := browser.AsElement(emailFound)
	if err != nil {
		return err
	}
	pass, err := browser.AsElement(passFound)
	if err != nil {
		return err
	}

	if err := m.typeSlowly(ctx, email, creds.Email); err != nil {
		return fmt.Errorf("failed to type email: %w", err)
	}
	if err := m.typeSlowly(ctx, pass, creds.Password); err != nil {
		return fmt.Errorf("failed to type password: %w", err)
	}
	return nil
}

func (m *Manager) clickLoginTrigger(ctx context.Context, page browser.Page) {
	found, loc, err := m.profile.LoginTrigger.First(ctx, page)
	if err != nil {
		return
	}
	el, err := browser.AsElement(found)
	if err != nil {
		return
	}
	if err := el.Click(ctx, browser.ClickDirect); err != nil {
		m.logger.Debug("login trigger click failed", "locator", loc.String(), "error", err)
	}
}

// typeSlowly replaces the field value one character at a time.
func (m *Manager) typeSlowly(ctx context.Context, el browser.Element, text string) error {
	if err := el.Clear(ctx); err != nil {
		return err
	}
	for _, r := range text {
		if err := el.Type(ctx, string(r)); err != nil {
			return err
		}
		if err := sleep(ctx, m.keystrokeDelay()); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) keystrokeDelay() time.Duration {
	lo, hi := m.opts.TypeDelayMin, m.opts.TypeDelayMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(m.rnd.Int63n(int64(hi-lo)))
}

// submit tries each click method until one visibly changes the page.
func (m *Manager) submit(ctx context.Context, page browser.Page) error {
	found, loc, err := m.profile.Submit.First(ctx, page)
	if err != nil {
		return fmt.Errorf("submit control: %w", err)
	}
	el, err := browser.AsElement(found)
	if err != nil {
		return err
	}

	for _, method := range browser.ClickMethods {
		before := fingerprint(ctx, page)

		if err := el.Click(ctx, method); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Debug("submit click failed", "method", method.String(), "error", err)
			continue
		}

		if m.waitForEffect(ctx, page, before) {
			m.logger.Debug("login submitted", "method", method.String(), "locator", loc.String())
			return nil
		}
	}
	return fmt.Errorf("submit had no observable effect: %w", scrapeerr.ErrLoginFailure)
}

func (m *Manager) waitForEffect(ctx context.Context, page browser.Page, before string) bool {
	deadline := time.Now().Add(m.opts.EffectTimeout)
	for {
		if fingerprint(ctx, page) != before {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		if err := sleep(ctx, m.opts.PollInterval); err != nil {
			return false
		}
	}
}

func fingerprint(ctx context.Context, page browser.Page) string {
	content, _ := page.Content(ctx)
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s#%x", page.CurrentURL(), sum[:8])
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
