// Package dom is the static HTML backend for selector chains. CSS locators are
// evaluated with goquery, XPath locators with htmlquery; both work on the same
// parsed node tree.
package dom

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/maltedev/olx-scraper/internal/selector"
)

// Document is a parsed page. Compiled CSS selectors are cached per document.
type Document struct {
	doc  *goquery.Document
	base *url.URL
	css  *cssCache
}

// Parse reads an HTML document. base is used to resolve relative links and
// may be nil.
func Parse(r io.Reader, base *url.URL) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return &Document{doc: doc, base: base, css: newCSSCache()}, nil
}

// ParseString is Parse for an in-memory document.
func ParseString(s string, base *url.URL) (*Document, error) {
	return Parse(strings.NewReader(s), base)
}

// URL is the address the document was loaded from, or nil.
func (d *Document) URL() *url.URL {
	return d.base
}

// Root returns the document node.
func (d *Document) Root() *Node {
	return &Node{node: d.doc.Nodes[0], css: d.css}
}

// QueryAll matches loc from the document root.
func (d *Document) QueryAll(ctx context.Context, loc selector.Locator) ([]selector.Element, error) {
	return d.Root().QueryAll(ctx, loc)
}

func (d *Document) HTML() (string, error) {
	return d.doc.Html()
}

// Resolve turns href into an absolute URL against the document address.
func (d *Document) Resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || d.base == nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return d.base.ResolveReference(ref).String()
}

// Node wraps an html.Node so it can be used both as an element and as a scope.
type Node struct {
	node *html.Node
	css  *cssCache
}

// NewNode wraps n outside of any Document.
func NewNode(n *html.Node) *Node {
	return &Node{node: n}
}

func (n *Node) HTMLNode() *html.Node {
	return n.node
}

// Text returns the text content of the node and its descendants.
func (n *Node) Text(_ context.Context) (string, error) {
	return goquery.NewDocumentFromNode(n.node).Text(), nil
}

func (n *Node) Attr(_ context.Context, name string) (string, bool, error) {
	for _, a := range n.node.Attr {
		if a.Key == name {
			return a.Val, true, nil
		}
	}
	return "", false, nil
}

// SetAttr overwrites or adds an attribute on the node.
func (n *Node) SetAttr(name, value string) {
	for i, a := range n.node.Attr {
		if a.Key == name {
			n.node.Attr[i].Val = value
			return
		}
	}
	n.node.Attr = append(n.node.Attr, html.Attribute{Key: name, Val: value})
}

func (n *Node) Tag() string {
	if n.node.Type != html.ElementNode {
		return ""
	}
	return strings.ToLower(n.node.Data)
}

// Closest returns the nearest ancestor (or the node itself) with the given tag.
func (n *Node) Closest(tag string) *Node {
	for cur := n.node; cur != nil; cur = cur.Parent {
		if cur.Type == html.ElementNode && strings.EqualFold(cur.Data, tag) {
			return &Node{node: cur, css: n.css}
		}
	}
	return nil
}

// Find returns descendant nodes matching a CSS expression.
func (n *Node) Find(css string) []*Node {
	var out []*Node
	goquery.NewDocumentFromNode(n.node).Find(css).Each(func(_ int, s *goquery.Selection) {
		out = append(out, &Node{node: s.Nodes[0], css: n.css})
	})
	return out
}

// QueryAll matches loc below n. CSS goes through goquery, XPath through
// htmlquery.
func (n *Node) QueryAll(ctx context.Context, loc selector.Locator) ([]selector.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	loc = loc.Normalized()
	switch loc.Kind {
	case selector.CSS:
		sel, err := n.css.compile(loc.Expr)
		if err != nil {
			return nil, err
		}
		var out []selector.Element
		goquery.NewDocumentFromNode(n.node).FindMatcher(sel).Each(func(_ int, s *goquery.Selection) {
			out = append(out, &Node{node: s.Nodes[0], css: n.css})
		})
		return out, nil
	case selector.XPath:
		nodes, err := htmlquery.QueryAll(n.node, loc.Expr)
		if err != nil {
			return nil, fmt.Errorf("invalid xpath %q: %w", loc.Expr, err)
		}
		out := make([]selector.Element, 0, len(nodes))
		for _, hn := range nodes {
			if hn.Type != html.ElementNode {
				continue
			}
			out = append(out, &Node{node: hn, css: n.css})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported locator kind %q", loc.Kind)
	}
}
