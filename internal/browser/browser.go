package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/maltedev/olx-scraper/internal/fetch"
	"github.com/maltedev/olx-scraper/internal/scrapeerr"
	"github.com/maltedev/olx-scraper/internal/selector"
)

// Options configures the playwright backend.
type Options struct {
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ExtraHeaders   map[string]string
	BlockMarkers   []string
	// Humanize moves the pointer and scrolls a little after every navigation.
	Humanize bool
}

// DefaultOptions returns a headless chromium setup.
func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "pt-PT,pt;q=0.9,en;q=0.8",
		TimezoneID:     "Europe/Lisbon",
		Locale:         "pt-PT",
		ExtraHeaders: map[string]string{
			"Accept": "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"DNT":    "1",
		},
		BlockMarkers: fetch.DefaultBlockMarkers,
		Humanize:     true,
	}
}

// Browser is a playwright-driven Chromium. Every Open call gets its own
// browser context so cookies and the proxy are isolated per session.
type Browser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	opts    *Options
	logger  *slog.Logger
}

// New starts playwright and launches the browser.
func New(opts *Options) (*Browser, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-setuid-sandbox",
			fmt.Sprintf("--window-size=%d,%d", opts.ViewportWidth, opts.ViewportHeight),
			"--user-agent=" + opts.UserAgent,
		},
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &Browser{
		pw:      pw,
		browser: browser,
		opts:    opts,
		logger:  slog.Default().With("component", "browser"),
	}, nil
}

// Open creates a browser context routed through proxy ("" for direct) and
// opens a page in it.
func (b *Browser) Open(_ context.Context, proxy string) (Page, error) {
	headers := map[string]string{"Accept-Language": b.opts.AcceptLanguage}
	for k, v := range b.opts.ExtraHeaders {
		headers[k] = v
	}

	contextOpts := playwright.BrowserNewContextOptions{
		UserAgent:         &b.opts.UserAgent,
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            &b.opts.Locale,
		TimezoneId:        &b.opts.TimezoneID,
		Viewport: &playwright.Size{
			Width:  b.opts.ViewportWidth,
			Height: b.opts.ViewportHeight,
		},
		ExtraHttpHeaders: headers,
	}
	if proxy != "" {
		server := proxy
		if !strings.Contains(server, "://") {
			server = "http://" + server
		}
		contextOpts.Proxy = &playwright.Proxy{Server: server}
	}

	bctx, err := b.browser.NewContext(contextOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}
	page.SetDefaultTimeout(float64(b.opts.Timeout.Milliseconds()))

	return &pwPage{
		page:    page,
		context: bctx,
		opts:    b.opts,
		logger:  b.logger.With("proxy", proxy),
	}, nil
}

// Close shuts down the browser and the playwright driver.
func (b *Browser) Close() error {
	var errs []error

	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	return errors.Join(errs...)
}

type pwPage struct {
	page    playwright.Page
	context playwright.BrowserContext
	opts    *Options
	logger  *slog.Logger

	closeOnce sync.Once
}

func (p *pwPage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	resp, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(p.opts.Timeout.Milliseconds())),
	})
	if err != nil {
		return scrapeerr.Network(fmt.Errorf("failed to navigate to %s: %w", url, err))
	}

	if resp != nil {
		switch status := resp.Status(); {
		case status == http.StatusForbidden, status == http.StatusTooManyRequests:
			return fmt.Errorf("%s returned %d: %w", url, status, scrapeerr.ErrBlockDetected)
		case status >= 500:
			return fmt.Errorf("%s returned %d: %w", url, status, scrapeerr.ErrNetwork)
		case status >= http.StatusBadRequest:
			return fmt.Errorf("%s returned %d: %w", url, status, ErrPageUnavailable)
		}
	}

	if err := p.checkBotProtection(); err != nil {
		return err
	}

	if p.opts.Humanize {
		p.humanizeInteraction()
	}
	return nil
}

// checkBotProtection inspects the rendered page for a known challenge.
func (p *pwPage) checkBotProtection() error {
	content, err := p.page.Content()
	if err != nil {
		return fmt.Errorf("failed to get page content: %w", err)
	}

	if marker, ok := fetch.DetectBlock([]byte(content), p.opts.BlockMarkers); ok {
		title, _ := p.page.Title()
		p.logger.Warn("bot protection detected", "marker", marker, "title", title)
		return fmt.Errorf("challenge page at %s: %w", p.page.URL(), scrapeerr.ErrBlockDetected)
	}
	return nil
}

// humanizeInteraction adds a few pointer moves and a scroll.
func (p *pwPage) humanizeInteraction() {
	for i := 0; i < 3; i++ {
		x := float64(100 + i*200)
		y := float64(100 + i*150)
		_ = p.page.Mouse().Move(x, y)
		time.Sleep(time.Millisecond * time.Duration(100+i*50))
	}
	_, _ = p.page.Evaluate(`window.scrollBy(0, Math.random() * 300)`)
}

func (p *pwPage) CurrentURL() string {
	return p.page.URL()
}

func (p *pwPage) Content(_ context.Context) (string, error) {
	return p.page.Content()
}

func (p *pwPage) QueryAll(ctx context.Context, loc selector.Locator) ([]selector.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.wrap(p.page.Locator(locatorString(loc)))
}

func (p *pwPage) wrap(l playwright.Locator) ([]selector.Element, error) {
	all, err := l.All()
	if err != nil {
		return nil, err
	}
	out := make([]selector.Element, 0, len(all))
	for _, one := range all {
		out = append(out, &pwElement{page: p, loc: one})
	}
	return out, nil
}

func (p *pwPage) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.context.Close()
	})
	return err
}

type pwElement struct {
	page *pwPage
	loc  playwright.Locator
}

func (e *pwElement) QueryAll(ctx context.Context, loc selector.Locator) ([]selector.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.page.wrap(e.loc.Locator(locatorString(loc)))
}

func (e *pwElement) Text(_ context.Context) (string, error) {
	return e.loc.TextContent()
}

func (e *pwElement) Attr(_ context.Context, name string) (string, bool, error) {
	v, err := e.loc.GetAttribute(name)
	if err != nil {
		return "", false, err
	}
	return v, v != "", nil
}

func (e *pwElement) Click(_ context.Context, method ClickMethod) error {
	timeout := playwright.Float(float64(e.page.opts.Timeout.Milliseconds()))

	switch method {
	case ClickDirect:
		return e.loc.Click(playwright.LocatorClickOptions{Timeout: timeout})
	case ClickScript:
		_, err := e.loc.Evaluate("el => el.click()", nil)
		return err
	case ClickPointer:
		box, err := e.loc.BoundingBox()
		if err != nil {
			return err
		}
		if box == nil {
			return errors.New("element has no bounding box")
		}
		return e.page.page.Mouse().Click(box.X+box.Width/2, box.Y+box.Height/2)
	default:
		return fmt.Errorf("unsupported click method %s", method)
	}
}

func (e *pwElement) Type(_ context.Context, text string) error {
	return e.loc.PressSequentially(text)
}

func (e *pwElement) Clear(_ context.Context) error {
	return e.loc.Clear()
}

func (e *pwElement) Visible(_ context.Context) (bool, error) {
	return e.loc.IsVisible()
}

func locatorString(loc selector.Locator) string {
	loc = loc.Normalized()
	return string(loc.Kind) + "=" + loc.Expr
}
