package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/maltedev/olx-scraper/internal/dom"
	"github.com/maltedev/olx-scraper/internal/fetch"
	"github.com/maltedev/olx-scraper/internal/selector"
)

// StaticLauncher serves pages over plain HTTP. Links are followed and forms
// are submitted on click; no script runs, so all click methods behave alike.
type StaticLauncher struct {
	Options *fetch.Options
	Timeout time.Duration
}

// NewStaticLauncher returns a launcher whose pages fetch with opts. A
// non-positive timeout means 30s per request.
func NewStaticLauncher(opts *fetch.Options, timeout time.Duration) *StaticLauncher {
	return &StaticLauncher{Options: opts, Timeout: timeout}
}

// Open returns a fresh page with its own cookie jar.
func (l *StaticLauncher) Open(ctx context.Context, proxy string) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StaticPage{
		client:  fetch.NewClient(l.Options),
		proxy:   proxy,
		timeout: timeout,
	}, nil
}

func (l *StaticLauncher) Close() error { return nil }

// StaticPage holds the last document loaded over HTTP.
type StaticPage struct {
	client  *fetch.Client
	proxy   string
	timeout time.Duration

	mu  sync.RWMutex
	doc *dom.Document
	url string
}

// Navigate loads rawURL. Client errors other than 403 and 429 are reported
// as ErrPageUnavailable.
func (p *StaticPage) Navigate(ctx context.Context, rawURL string) error {
	resp, err := p.client.Get(ctx, rawURL, p.proxy, p.timeout)
	return p.load(resp, err, rawURL)
}

func (p *StaticPage) load(resp *fetch.Response, err error, rawURL string) error {
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s returned %d: %w", rawURL, resp.StatusCode, ErrPageUnavailable)
	}

	doc, err := dom.Parse(bytes.NewReader(resp.Body), resp.URL)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.doc = doc
	p.url = resp.URL.String()
	p.mu.Unlock()
	return nil
}

func (p *StaticPage) CurrentURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.url
}

func (p *StaticPage) Content(_ context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.doc == nil {
		return "", nil
	}
	return p.doc.HTML()
}

// QueryAll matches loc against the current document.
func (p *StaticPage) QueryAll(ctx context.Context, loc selector.Locator) ([]selector.Element, error) {
	p.mu.RLock()
	doc := p.doc
	p.mu.RUnlock()
	if doc == nil {
		return nil, nil
	}

	found, err := doc.QueryAll(ctx, loc)
	if err != nil {
		return nil, err
	}
	return p.wrap(found), nil
}

func (p *StaticPage) wrap(found []selector.Element) []selector.Element {
	out := make([]selector.Element, 0, len(found))
	for _, el := range found {
		out = append(out, &staticElement{page: p, node: el.(*dom.Node)})
	}
	return out
}

func (p *StaticPage) Close() error {
	p.client.CloseIdle()
	return nil
}

func (p *StaticPage) resolve(href string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.doc == nil {
		return href
	}
	return p.doc.Resolve(href)
}

type staticElement struct {
	page *StaticPage
	node *dom.Node
}

func (e *staticElement) QueryAll(ctx context.Context, loc selector.Locator) ([]selector.Element, error) {
	found, err := e.node.QueryAll(ctx, loc)
	if err != nil {
		return nil, err
	}
	return e.page.wrap(found), nil
}

func (e *staticElement) Text(ctx context.Context) (string, error) {
	return e.node.Text(ctx)
}

func (e *staticElement) Attr(ctx context.Context, name string) (string, bool, error) {
	return e.node.Attr(ctx, name)
}

// Click follows a link or submits the enclosing form. Clicking anything else
// has no effect.
func (e *staticElement) Click(ctx context.Context, _ ClickMethod) error {
	if link := e.node.Closest("a"); link != nil {
		if href, ok, _ := link.Attr(ctx, "href"); ok && !strings.HasPrefix(href, "#") && !strings.HasPrefix(href, "javascript:") {
			return e.page.Navigate(ctx, e.page.resolve(href))
		}
	}

	if !e.submits(ctx) {
		return nil
	}
	form := e.node.Closest("form")
	if form == nil {
		return nil
	}
	return e.submit(ctx, form)
}

func (e *staticElement) submits(ctx context.Context) bool {
	typ, _, _ := e.node.Attr(ctx, "type")
	switch e.node.Tag() {
	case "button":
		return typ == "" || strings.EqualFold(typ, "submit")
	case "input":
		return strings.EqualFold(typ, "submit") || strings.EqualFold(typ, "image")
	}
	return false
}

func (e *staticElement) submit(ctx context.Context, form *dom.Node) error {
	values := url.Values{}
	for _, in := range form.Find("input[name], textarea[name], select[name]") {
		name, _, _ := in.Attr(ctx, "name")
		typ, _, _ := in.Attr(ctx, "type")
		if strings.EqualFold(typ, "submit") || strings.EqualFold(typ, "button") {
			continue
		}
		if strings.EqualFold(typ, "checkbox") || strings.EqualFold(typ, "radio") {
			if _, checked, _ := in.Attr(ctx, "checked"); !checked {
				continue
			}
		}
		v, _, _ := in.Attr(ctx, "value")
		values.Add(name, v)
	}
	if name, ok, _ := e.node.Attr(ctx, "name"); ok && name != "" {
		v, _, _ := e.node.Attr(ctx, "value")
		values.Add(name, v)
	}

	action, _, _ := form.Attr(ctx, "action")
	target := e.page.resolve(action)
	if target == "" {
		target = e.page.CurrentURL()
	}

	method, _, _ := form.Attr(ctx, "method")
	if strings.EqualFold(method, http.MethodPost) {
		resp, err := e.page.client.PostForm(ctx, target, e.page.proxy, values, e.page.timeout)
		return e.page.load(resp, err, target)
	}

	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid form action %q: %w", target, err)
	}
	q := u.Query()
	for k, vs := range values {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return e.page.Navigate(ctx, u.String())
}

// Type appends text to the element's value.
func (e *staticElement) Type(ctx context.Context, text string) error {
	if !e.editable() {
		return errors.New("element is not editable")
	}
	cur, _, _ := e.node.Attr(ctx, "value")
	e.node.SetAttr("value", cur+text)
	return nil
}

func (e *staticElement) Clear(_ context.Context) error {
	if !e.editable() {
		return errors.New("element is not editable")
	}
	e.node.SetAttr("value", "")
	return nil
}

func (e *staticElement) editable() bool {
	tag := e.node.Tag()
	return tag == "input" || tag == "textarea"
}

func (e *staticElement) Visible(ctx context.Context) (bool, error) {
	if _, hidden, _ := e.node.Attr(ctx, "hidden"); hidden {
		return false, nil
	}
	if typ, _, _ := e.node.Attr(ctx, "type"); strings.EqualFold(typ, "hidden") {
		return false, nil
	}
	style, _, _ := e.node.Attr(ctx, "style")
	style = strings.ReplaceAll(strings.ToLower(style), " ", "")
	return !strings.Contains(style, "display:none") && !strings.Contains(style, "visibility:hidden"), nil
}
