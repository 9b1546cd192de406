package dom

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/olx-scraper/internal/selector"
)

func TestDocumentResolve(t *testing.T) {
	base, err := url.Parse("https://www.olx.pt/imoveis/?page=2")
	require.NoError(t, err)

	doc, err := ParseString(`<html><body></body></html>`, base)
	require.NoError(t, err)

	assert.Equal(t, "https://www.olx.pt/d/anuncio/x.html", doc.Resolve("/d/anuncio/x.html"))
	assert.Equal(t, "https://other.example/a", doc.Resolve("https://other.example/a"))
	assert.Equal(t, "", doc.Resolve("  "))
}

func TestQueryAllRejectsInvalidExpressions(t *testing.T) {
	ctx := context.Background()
	doc, err := ParseString(`<html><body><p>x</p></body></html>`, nil)
	require.NoError(t, err)

	_, err = doc.QueryAll(ctx, selector.Css("p[["))
	assert.Error(t, err)

	_, err = doc.QueryAll(ctx, selector.X("//p[("))
	assert.Error(t, err)

	_, err = doc.QueryAll(ctx, selector.Locator{Kind: "regex", Expr: "x"})
	assert.Error(t, err)
}

func TestNodeAttributesAndClosest(t *testing.T) {
	ctx := context.Background()
	doc, err := ParseString(`<form action="/login"><input name="email" type="email"></form>`, nil)
	require.NoError(t, err)

	elems, err := doc.QueryAll(ctx, selector.Css(`input[name="email"]`))
	require.NoError(t, err)
	require.Len(t, elems, 1)

	node := elems[0].(*Node)
	assert.Equal(t, "input", node.Tag())

	node.SetAttr("value", "a@b.pt")
	v, ok, err := node.Attr(ctx, "value")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a@b.pt", v)

	form := node.Closest("form")
	require.NotNil(t, form)
	action, _, _ := form.Attr(ctx, "action")
	assert.Equal(t, "/login", action)
	assert.Len(t, form.Find("input"), 1)
}

func TestQueryAllHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	doc, err := ParseString(`<p>x</p>`, nil)
	require.NoError(t, err)

	_, err = doc.QueryAll(ctx, selector.Css("p"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSelectorCacheIsPerDocument(t *testing.T) {
	ctx := context.Background()
	first, err := ParseString(`<ul><li class="a">1</li><li class="a">2</li></ul>`, nil)
	require.NoError(t, err)
	second, err := ParseString(`<ul><li class="a">3</li></ul>`, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		items, err := first.QueryAll(ctx, selector.Css("li.a"))
		require.NoError(t, err)
		assert.Len(t, items, 2)

		// nodes share their document's cache
		_, err = items[0].(*Node).QueryAll(ctx, selector.Css("b"))
		require.NoError(t, err)
	}

	assert.Equal(t, 2, first.css.len())
	assert.Zero(t, second.css.len())

	items, err := NewNode(first.Root().HTMLNode()).QueryAll(ctx, selector.Css("li"))
	require.NoError(t, err)
	assert.Len(t, items, 2)
}
