// Package driver defines the capability set a browser backend implements.
//
// Every backend provides the Driver interface. Extensions such as cookies,
// viewport control or frame switching are separate interfaces a backend may
// also satisfy; callers obtain them through the Require helpers, which turn
// a missing capability into an explicit Unsupported error.
package driver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Page is an opaque handle to one page (tab) owned by a backend.
type Page interface {
	ID() string
}

// Response is the metadata of the last document response for a page.
type Response struct {
	URL         string
	Status      int
	StatusText  string
	Headers     http.Header
	ContentType string
}

// NavigateOptions customise a navigation request. An empty Method means GET.
type NavigateOptions struct {
	Method  string
	Body    []byte
	Headers http.Header
}

// MethodOrGet returns the request method, defaulting to GET.
func (o NavigateOptions) MethodOrGet() string {
	if o.Method == "" {
		return http.MethodGet
	}
	return o.Method
}

// Cookie is a browser cookie. A zero Expires is a session cookie.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"httpOnly,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
}

// Viewport is the page's layout size in CSS pixels.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ScreenshotOptions control screenshot capture.
type ScreenshotOptions struct {
	FullPage bool
}

// Driver is the capability set required of every backend.
type Driver interface {
	// Name identifies the backend in logs and errors.
	Name() string
	// CreatePage opens a new page. The engine is started on first use and a
	// failure to start within the configured window is an engine error.
	CreatePage(ctx context.Context) (Page, error)
	// Evaluate runs fn, given as function source, in the page with args
	// passed by value and returns its JSON-encoded result.
	Evaluate(ctx context.Context, p Page, fn string, args ...any) (json.RawMessage, error)
	// Navigate loads url in the page and returns the document response.
	Navigate(ctx context.Context, p Page, url string, opts NavigateOptions) (*Response, error)
	IsLoading(ctx context.Context, p Page) (bool, error)
	ClosePage(ctx context.Context, p Page) error
	// Close releases every page and terminates the engine.
	Close(ctx context.Context) error
}
