// Package fetch performs plain HTTP GETs, optionally through a proxy, and
// classifies the outcome into the scraper's error categories.
package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/maltedev/olx-scraper/internal/scrapeerr"
)

const maxBodySize = 10 << 20

// DefaultBlockMarkers are fragments of known anti-bot interstitials.
var DefaultBlockMarkers = []string{
	"px-captcha",
	"cf-chl-",
	"Attention Required! | Cloudflare",
	"Please verify you are a human",
	"<title>Access Denied</title>",
}

// Options configures outgoing requests.
type Options struct {
	UserAgent    string
	Headers      map[string]string
	BlockMarkers []string
	// InsecureProxyTLS skips certificate checks on proxied connections. Free
	// proxies frequently intercept TLS.
	InsecureProxyTLS bool
}

func DefaultOptions() *Options {
	return &Options{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		Headers: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			"Accept-Language": "pt-PT,pt;q=0.9,en;q=0.8",
		},
		BlockMarkers:     DefaultBlockMarkers,
		InsecureProxyTLS: true,
	}
}

type Response struct {
	StatusCode int
	Body       []byte
	URL        *url.URL
	Header     http.Header
}

func (r *Response) String() string {
	return string(r.Body)
}

// Client keeps one transport per proxy and a shared cookie jar.
type Client struct {
	opts   *Options
	jar    http.CookieJar
	logger *slog.Logger

	mu         sync.Mutex
	transports map[string]*http.Transport
}

// NewClient creates a client. A nil opts uses DefaultOptions.
func NewClient(opts *Options) *Client {
	if opts == nil {
		opts = DefaultOptions()
	}
	jar, _ := cookiejar.New(nil)
	return &Client{
		opts:       opts,
		jar:        jar,
		logger:     slog.Default().With("component", "fetch"),
		transports: make(map[string]*http.Transport),
	}
}

// Get fetches rawURL through proxy ("" for a direct connection). A 403, 429 or
// a body containing a block marker is reported as ErrBlockDetected, 5xx and
// transport failures as ErrNetwork. The response is returned alongside
// classification errors when one was received.
func (c *Client) Get(ctx context.Context, rawURL, proxy string, timeout time.Duration) (*Response, error) {
	return c.do(ctx, http.MethodGet, rawURL, proxy, nil, timeout)
}

// PostForm submits form values, following the same rules as Get.
func (c *Client) PostForm(ctx context.Context, rawURL, proxy string, form url.Values, timeout time.Duration) (*Response, error) {
	return c.do(ctx, http.MethodPost, rawURL, proxy, form, timeout)
}

func (c *Client) do(ctx context.Context, method, rawURL, proxy string, form url.Values, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	transport, err := c.transport(proxy)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Transport: transport, Jar: c.jar}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, scrapeerr.Network(fmt.Errorf("%s %s: %w", method, rawURL, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, scrapeerr.Network(fmt.Errorf("failed to read body of %s: %w", rawURL, err))
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Body:       data,
		URL:        resp.Request.URL,
		Header:     resp.Header,
	}

	c.logger.Debug("fetched", "url", rawURL, "status", resp.StatusCode, "bytes", len(data), "proxy", proxy != "")

	switch {
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests:
		return out, fmt.Errorf("%s returned %d: %w", rawURL, resp.StatusCode, scrapeerr.ErrBlockDetected)
	case resp.StatusCode >= 500:
		return out, fmt.Errorf("%s returned %d: %w", rawURL, resp.StatusCode, scrapeerr.ErrNetwork)
	}

	if marker, ok := DetectBlock(data, c.opts.BlockMarkers); ok {
		return out, fmt.Errorf("%s contains %q: %w", rawURL, marker, scrapeerr.ErrBlockDetected)
	}

	return out, nil
}

func (c *Client) transport(proxy string) (*http.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := proxy
	if t, ok := c.transports[key]; ok {
		return t, nil
	}

	dialer := &net.Dialer{Timeout: 15 * time.Second, KeepAlive: 30 * time.Second}
	t := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	if proxy != "" {
		if !strings.Contains(proxy, "://") {
			proxy = "http://" + proxy
		}
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", proxy, err)
		}
		t.Proxy = http.ProxyURL(proxyURL)
		if c.opts.InsecureProxyTLS {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
	}

	c.transports[key] = t
	return t, nil
}

// CloseIdle drops pooled connections of every transport.
func (c *Client) CloseIdle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.transports {
		t.CloseIdleConnections()
	}
}

// DetectBlock reports the first block marker contained in body.
func DetectBlock(body []byte, markers []string) (string, bool) {
	for _, m := range markers {
		if m != "" && bytes.Contains(body, []byte(m)) {
			return m, true
		}
	}
	return "", false
}
