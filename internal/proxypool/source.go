package proxypool

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/maltedev/olx-scraper/internal/fetch"
)

// Source yields candidate proxy addresses (host:port). Implementations only
// fetch and parse; validation is the pool's job.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]string, error)
}

// DefaultSourceURLs are public plain-text proxy lists.
var DefaultSourceURLs = []string{
	"https://api.proxyscrape.com/v2/?request=getproxies&protocol=http&timeout=1000&country=all&ssl=all&anonymity=all",
	"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt",
	"https://raw.githubusercontent.com/ShiftyTR/Proxy-List/master/http.txt",
}

// ListSource downloads a newline separated host:port list.
type ListSource struct {
	URL     string
	Client  *fetch.Client
	Timeout time.Duration
}

// NewListSource reads host:port lines from url.
func NewListSource(url string, client *fetch.Client) *ListSource {
	return &ListSource{URL: url, Client: client, Timeout: 10 * time.Second}
}

func (s *ListSource) Name() string { return s.URL }

// Fetch downloads the list and returns the well-formed addresses in it.
func (s *ListSource) Fetch(ctx context.Context) ([]string, error) {
	resp, err := s.Client.Get(ctx, s.URL, "", s.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch proxy list %s: %w", s.URL, err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("proxy list %s returned %d", s.URL, resp.StatusCode)
	}
	return ParseList(resp.Body), nil
}

// StaticSource returns a fixed set of addresses, e.g. from configuration.
type StaticSource []string

func (s StaticSource) Name() string { return "static" }

// Fetch returns the configured addresses, normalized.
func (s StaticSource) Fetch(context.Context) ([]string, error) {
	var out []string
	for _, a := range s {
		if addr, ok := normalizeAddress(a); ok {
			out = append(out, addr)
		}
	}
	return out, nil
}

// ParseList extracts valid host:port entries from a plain-text list.
func ParseList(body []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		if addr, ok := normalizeAddress(sc.Text()); ok {
			out = append(out, addr)
		}
	}
	return out
}

func normalizeAddress(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "http://")
	raw = strings.TrimPrefix(raw, "https://")
	if raw == "" || strings.HasPrefix(raw, "#") {
		return "", false
	}
	host, port, err := net.SplitHostPort(raw)
	if err != nil || host == "" {
		return "", false
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return "", false
	}
	return net.JoinHostPort(host, port), true
}
