// Package selector separates logical page fields from the physical locators
// used to find them. A Chain lists locators in priority order and resolves to
// the first one that produces a non-empty value.
package selector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maltedev/olx-scraper/internal/scrapeerr"
)

type Kind string

const (
	CSS   Kind = "css"
	XPath Kind = "xpath"
)

// Locator describes how to find an element. When Attr is set the value is read
// from that attribute instead of the element text.
type Locator struct {
	Kind Kind   `yaml:"kind" json:"kind"`
	Expr string `yaml:"expr" json:"expr"`
	Attr string `yaml:"attr,omitempty" json:"attr,omitempty"`
}

func (l Locator) String() string {
	if l.Attr != "" {
		return fmt.Sprintf("%s:%s@%s", l.kind(), l.Expr, l.Attr)
	}
	return fmt.Sprintf("%s:%s", l.kind(), l.Expr)
}

func (l Locator) kind() Kind {
	if l.Kind == "" {
		return CSS
	}
	return l.Kind
}

// Normalized returns the locator with its default kind filled in.
func (l Locator) Normalized() Locator {
	l.Kind = l.kind()
	return l
}

// Css returns a CSS locator reading the element text.
func Css(expr string) Locator { return Locator{Kind: CSS, Expr: expr} }

// CssAttr returns a CSS locator reading attribute attr.
func CssAttr(expr, attr string) Locator { return Locator{Kind: CSS, Expr: expr, Attr: attr} }

// X returns an XPath locator reading the element text.
func X(expr string) Locator { return Locator{Kind: XPath, Expr: expr} }

// XAttr returns an XPath locator reading attribute attr.
func XAttr(expr, attr string) Locator { return Locator{Kind: XPath, Expr: expr, Attr: attr} }

// Element is a matched node. Elements are scopes themselves so chains can be
// resolved relative to an item container.
type Element interface {
	Scope
	Text(ctx context.Context) (string, error)
	Attr(ctx context.Context, name string) (string, bool, error)
}

// Scope is anything locators can be evaluated against: a document, a live
// browser page or an element. Matches are returned in document order.
type Scope interface {
	QueryAll(ctx context.Context, loc Locator) ([]Element, error)
}

// Chain is an ordered list of locators for one field.
type Chain struct {
	Field    string    `yaml:"field" json:"field"`
	Locators []Locator `yaml:"locators" json:"locators"`
}

// NewChain builds a chain tried in the given order.
func NewChain(field string, locators ...Locator) Chain {
	return Chain{Field: field, Locators: locators}
}

// Resolve returns the first non-empty value produced by the chain's locators,
// trimmed and with inner whitespace collapsed.
func (c Chain) Resolve(ctx context.Context, scope Scope) (string, bool) {
	for _, loc := range c.Locators {
		elems, err := scope.QueryAll(ctx, loc)
		if err != nil {
			continue
		}
		for _, el := range elems {
			if v := value(ctx, el, loc); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

// First returns the first element matched by the highest-priority locator that
// matches anything.
func (c Chain) First(ctx context.Context, scope Scope) (Element, Locator, error) {
	elems, loc, err := c.All(ctx, scope)
	if err != nil {
		return nil, Locator{}, err
	}
	return elems[0], loc, nil
}

// All returns every element of the first locator that matches at least one
// element. Different layouts use different container classes, so the locators
// are not merged.
func (c Chain) All(ctx context.Context, scope Scope) ([]Element, Locator, error) {
	for _, loc := range c.Locators {
		elems, err := scope.QueryAll(ctx, loc)
		if err != nil {
			if ctx.Err() != nil {
				return nil, Locator{}, ctx.Err()
			}
			continue
		}
		if len(elems) > 0 {
			return elems, loc, nil
		}
	}
	return nil, Locator{}, fmt.Errorf("%s: %w", c.Field, scrapeerr.ErrSelectorNotFound)
}

// Wait polls the chain until any locator matches or timeout elapses.
func (c Chain) Wait(ctx context.Context, scope Scope, timeout, interval time.Duration) (Element, Locator, error) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if el, loc, err := c.First(ctx, scope); err == nil {
			return el, loc, nil
		}

		select {
		case <-ctx.Done():
			return nil, Locator{}, ctx.Err()
		case <-deadline.C:
			return nil, Locator{}, fmt.Errorf("%s: waited %s: %w", c.Field, timeout, scrapeerr.ErrSelectorNotFound)
		case <-ticker.C:
		}
	}
}

// Value reads the locator's value from an element.
func Value(ctx context.Context, el Element, loc Locator) string {
	return value(ctx, el, loc)
}

func value(ctx context.Context, el Element, loc Locator) string {
	var (
		raw string
		err error
	)
	if loc.Attr != "" {
		raw, _, err = el.Attr(ctx, loc.Attr)
	} else {
		raw, err = el.Text(ctx)
	}
	if err != nil {
		return ""
	}
	return Clean(raw)
}

// Clean trims s and collapses runs of whitespace into single spaces.
func Clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
