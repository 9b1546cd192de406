// Package browser defines the narrow page capability the session and detail
// stages need, with a playwright backend and a plain-HTTP static backend.
package browser

import (
	"context"
	"errors"
	"fmt"

	"github.com/maltedev/olx-scraper/internal/selector"
)

// ErrPageUnavailable reports a page the site answered with a client error
// other than a block, such as a removed listing. It is not a proxy failure.
var ErrPageUnavailable = errors.New("page unavailable")

type ClickMethod int

const (
	// ClickDirect is a native click on the element.
	ClickDirect ClickMethod = iota
	// ClickScript dispatches el.click() from page script.
	ClickScript
	// ClickPointer moves the pointer to the element centre and presses.
	ClickPointer
)

// ClickMethods lists the activation methods in the order they should be tried.
var ClickMethods = []ClickMethod{ClickDirect, ClickScript, ClickPointer}

func (m ClickMethod) String() string {
	switch m {
	case ClickDirect:
		return "direct"
	case ClickScript:
		return "script"
	case ClickPointer:
		return "pointer"
	default:
		return fmt.Sprintf("ClickMethod(%d)", int(m))
	}
}

// Element is a matched node that can be clicked and typed into.
type Element interface {
	selector.Element
	Click(ctx context.Context, method ClickMethod) error
	Type(ctx context.Context, text string) error
	Clear(ctx context.Context) error
	Visible(ctx context.Context) (bool, error)
}

// Page is one open document.
type Page interface {
	selector.Scope
	Navigate(ctx context.Context, url string) error
	CurrentURL() string
	Content(ctx context.Context) (string, error)
	Close() error
}

// Launcher opens pages bound to one egress proxy ("" for direct).
type Launcher interface {
	Open(ctx context.Context, proxy string) (Page, error)
	Close() error
}

// AsElement converts a selector match into an interactive element.
func AsElement(el selector.Element) (Element, error) {
	e, ok := el.(Element)
	if !ok {
		return nil, fmt.Errorf("element %T is not interactive", el)
	}
	return e, nil
}
