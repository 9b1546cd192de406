package dom

import (
	"fmt"
	"sync"

	"github.com/andybalholm/cascadia"
)

// cssCache memoizes compiled selectors for the nodes of one document.
type cssCache struct {
	mu  sync.Mutex
	sel map[string]cascadia.Selector
}

func newCSSCache() *cssCache {
	return &cssCache{sel: make(map[string]cascadia.Selector)}
}

// compile returns the selector for expr. A nil cache compiles every time.
func (c *cssCache) compile(expr string) (cascadia.Selector, error) {
	if c == nil {
		return compileCSS(expr)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if sel, ok := c.sel[expr]; ok {
		return sel, nil
	}
	sel, err := compileCSS(expr)
	if err != nil {
		return nil, err
	}
	c.sel[expr] = sel
	return sel, nil
}

func (c *cssCache) len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sel)
}

func compileCSS(expr string) (cascadia.Selector, error) {
	sel, err := cascadia.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid css selector %q: %w", expr, err)
	}
	return sel, nil
}
