package scrapeerr

import (
	"context"
	"errors"
	"net"
	"strings"
)

var (
	ErrNetwork          = errors.New("network error")
	ErrSelectorNotFound = errors.New("no locator in chain matched")
	ErrLoginFailure     = errors.New("login failed")
	ErrProxyExhausted   = errors.New("no usable proxy left")
	ErrBlockDetected    = errors.New("anti-bot challenge detected")
	ErrAborted          = errors.New("run aborted")
)

// Network wraps err as a network failure unless it already carries a category.
func Network(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrNetwork, ErrSelectorNotFound, ErrLoginFailure, ErrProxyExhausted, ErrBlockDetected, context.Canceled} {
		if errors.Is(err, kind) {
			return err
		}
	}
	return &classified{kind: ErrNetwork, cause: err}
}

type classified struct {
	kind  error
	cause error
}

func (c *classified) Error() string { return c.kind.Error() + ": " + c.cause.Error() }

func (c *classified) Unwrap() []error { return []error{c.kind, c.cause} }

// Retryable reports whether a failure is worth another attempt, possibly on a
// different proxy.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch {
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrBlockDetected),
		errors.Is(err, ErrLoginFailure),
		errors.Is(err, ErrSelectorNotFound),
		errors.Is(err, ErrProxyExhausted),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// RequiresRotation reports whether the next attempt must use another proxy.
func RequiresRotation(err error) bool {
	return errors.Is(err, ErrBlockDetected) || errors.Is(err, ErrNetwork) || errors.Is(err, ErrLoginFailure)
}

// Category maps an error to a short label for logs and job status.
func Category(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, ErrBlockDetected):
		return "block_detected"
	case errors.Is(err, ErrProxyExhausted):
		return "proxy_exhausted"
	case errors.Is(err, ErrLoginFailure):
		return "login_failure"
	case errors.Is(err, ErrSelectorNotFound):
		return "selector_not_found"
	case errors.Is(err, ErrNetwork), errors.Is(err, context.DeadlineExceeded):
		return "network"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return "network"
	}

	msg := err.Error()
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "Timeout") || strings.Contains(msg, "timeout") {
		return "network"
	}

	return "unknown"
}
