// Package fake is an in-memory driver backed by scripted documents. Elements
// can be configured to appear some time after navigation, which makes it the
// backend of choice for exercising waits and the step queue in tests.
package fake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/xkilldash9x/navchain/pkg/driver"
	"github.com/xkilldash9x/navchain/pkg/errs"
)

// Element is a node in a Document, addressed by its exact selector string.
type Element struct {
	Selector    string
	Text        string
	HTML        string
	Attrs       map[string]string
	Value       string
	Hidden      bool
	Checked     bool
	Options     []string
	Files       []string
	Clicks      int
	Submits     int
	AppearAfter time.Duration
}

// Document is what a URL serves.
type Document struct {
	Title    string
	Status   int
	Headers  http.Header
	Elements []Element
	// LoadTime keeps the page loading for this long after navigation.
	LoadTime time.Duration
}

// Request records a navigation as the page received it.
type Request struct {
	URL     string
	Method  string
	Body    []byte
	Headers http.Header
}

// EvalFunc answers Evaluate calls.
type EvalFunc func(ctx context.Context, p *Page, fn string, args []any) (any, error)

// Option configures a Driver.
type Option func(*Driver)

func WithDocument(url string, doc Document) Option {
	return func(d *Driver) { d.site[url] = doc }
}

func WithEval(fn EvalFunc) Option {
	return func(d *Driver) { d.eval = fn }
}

// WithCreateError makes every CreatePage call fail with err.
func WithCreateError(err error) Option {
	return func(d *Driver) { d.createErr = err }
}

// WithCloseError makes every ClosePage call fail with err.
func WithCloseError(err error) Option {
	return func(d *Driver) { d.closeErr = err }
}

// Driver implements driver.Driver and every optional capability.
type Driver struct {
	mu        sync.Mutex
	site      map[string]Document
	pages     map[string]*Page
	created   int
	closed    bool
	cookies   []driver.Cookie
	eval      EvalFunc
	createErr error
	closeErr  error
}

// New returns an empty fake backend.
func New(opts ...Option) *Driver {
	d := &Driver{
		site:  make(map[string]Document),
		pages: make(map[string]*Page),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var (
	_ driver.Driver        = (*Driver)(nil)
	_ driver.Reloader      = (*Driver)(nil)
	_ driver.Historian     = (*Driver)(nil)
	_ driver.CookieJar     = (*Driver)(nil)
	_ driver.Viewporter    = (*Driver)(nil)
	_ driver.UserAgenter   = (*Driver)(nil)
	_ driver.Zoomer        = (*Driver)(nil)
	_ driver.FrameSwitcher = (*Driver)(nil)
	_ driver.Screenshotter = (*Driver)(nil)
	_ driver.Uploader      = (*Driver)(nil)
	_ driver.Querier       = (*Driver)(nil)
)

func (d *Driver) Name() string { return "fake" }

// Serve adds or replaces the document served at url.
func (d *Driver) Serve(url string, doc Document) {
	d.mu.Lock()
	d.site[url] = doc
	d.mu.Unlock()
}

// Pages returns the open pages in creation order.
func (d *Driver) Pages() []*Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Page, 0, len(d.pages))
	for i := 1; i <= d.created; i++ {
		if p, ok := d.pages[pageID(i)]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Closed reports whether Close has been called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Driver) CreatePage(ctx context.Context) (driver.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return nil, errs.Wrap(errs.KindEngine, "create page", d.createErr)
	}
	if d.closed {
		return nil, errs.New(errs.KindEngine, "create page", "driver is closed")
	}
	d.created++
	p := &Page{id: pageID(d.created), url: "about:blank", pos: -1, zoom: 1}
	d.pages[p.id] = p
	return p, nil
}

func pageID(n int) string { return fmt.Sprintf("fake-%d", n) }

func (d *Driver) page(p driver.Page) (*Page, error) {
	fp, ok := p.(*Page)
	if !ok || fp == nil {
		return nil, errs.Newf(errs.KindConfiguration, "fake", "foreign page handle %T", p)
	}
	if _, open := d.pages[fp.id]; !open {
		return nil, errs.Newf(errs.KindNotFound, "fake", "page %s is closed", fp.id)
	}
	return fp, nil
}

func (d *Driver) Evaluate(ctx context.Context, p driver.Page, fn string, args ...any) (json.RawMessage, error) {
	d.mu.Lock()
	fp, err := d.page(p)
	eval := d.eval
	if err == nil {
		fp.Evaluated = append(fp.Evaluated, fn)
	}
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if eval == nil {
		return json.RawMessage("null"), nil
	}
	v, err := eval(ctx, fp, fn, args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (d *Driver) Navigate(ctx context.Context, p driver.Page, url string, opts driver.NavigateOptions) (*driver.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fp, err := d.page(p)
	if err != nil {
		return nil, err
	}
	fp.Requests = append(fp.Requests, Request{
		URL:     url,
		Method:  opts.MethodOrGet(),
		Body:    opts.Body,
		Headers: opts.Headers.Clone(),
	})
	fp.history = append(fp.history[:fp.pos+1], url)
	fp.pos = len(fp.history) - 1
	return d.load(fp, url), nil
}

// load must be called with d.mu held.
func (d *Driver) load(fp *Page, url string) *driver.Response {
	doc, ok := d.site[url]
	if !ok {
		doc = Document{Status: http.StatusNotFound, Title: "Not Found"}
	}
	status := doc.Status
	if status == 0 {
		status = http.StatusOK
	}
	headers := doc.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", "text/html; charset=utf-8")
	}

	fp.url = url
	fp.title = doc.Title
	fp.loadedAt = time.Now()
	fp.loadTime = doc.LoadTime
	fp.frames = nil
	fp.elements = make(map[string]*Element, len(doc.Elements))
	for i := range doc.Elements {
		el := doc.Elements[i]
		el.Attrs = maps.Clone(el.Attrs)
		el.Options = append([]string(nil), el.Options...)
		fp.elements[el.Selector] = &el
	}
	return &driver.Response{
		URL:         url,
		Status:      status,
		StatusText:  http.StatusText(status),
		Headers:     headers,
		ContentType: headers.Get("Content-Type"),
	}
}

func (d *Driver) IsLoading(ctx context.Context, p driver.Page) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fp, err := d.page(p)
	if err != nil {
		return false, err
	}
	return time.Since(fp.loadedAt) < fp.loadTime, nil
}

func (d *Driver) ClosePage(ctx context.Context, p driver.Page) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closeErr != nil {
		return d.closeErr
	}
	fp, err := d.page(p)
	if err != nil {
		return err
	}
	delete(d.pages, fp.id)
	return nil
}

func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.pages = make(map[string]*Page)
	return nil
}

func (d *Driver) Reload(ctx context.Context, p driver.Page) (*driver.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fp, err := d.page(p)
	if err != nil {
		return nil, err
	}
	return d.load(fp, fp.url), nil
}

func (d *Driver) Back(ctx context.Context, p driver.Page) (*driver.Response, error) {
	return d.step(p, -1)
}

func (d *Driver) Forward(ctx context.Context, p driver.Page) (*driver.Response, error) {
	return d.step(p, 1)
}

func (d *Driver) step(p driver.Page, delta int) (*driver.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fp, err := d.page(p)
	if err != nil {
		return nil, err
	}
	next := fp.pos + delta
	if next < 0 || next >= len(fp.history) {
		return nil, errs.New(errs.KindNotFound, "history", "no history entry in that direction")
	}
	fp.pos = next
	return d.load(fp, fp.history[next]), nil
}

func (d *Driver) Cookies(ctx context.Context, p driver.Page) ([]driver.Cookie, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.page(p); err != nil {
		return nil, err
	}
	return append([]driver.Cookie(nil), d.cookies...), nil
}

func (d *Driver) SetCookies(ctx context.Context, p driver.Page, cookies []driver.Cookie) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.page(p); err != nil {
		return err
	}
	for _, c := range cookies {
		replaced := false
		for i := range d.cookies {
			if d.cookies[i].Name == c.Name && d.cookies[i].Domain == c.Domain && d.cookies[i].Path == c.Path {
				d.cookies[i] = c
				replaced = true
			}
		}
		if !replaced {
			d.cookies = append(d.cookies, c)
		}
	}
	return nil
}

func (d *Driver) ClearCookies(ctx context.Context, p driver.Page) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.page(p); err != nil {
		return err
	}
	d.cookies = nil
	return nil
}

func (d *Driver) SetViewport(ctx context.Context, p driver.Page, v driver.Viewport) error {
	return d.with(p, func(fp *Page) error { fp.viewport = v; return nil })
}

func (d *Driver) SetUserAgent(ctx context.Context, p driver.Page, ua string) error {
	return d.with(p, func(fp *Page) error { fp.userAgent = ua; return nil })
}

func (d *Driver) SetZoom(ctx context.Context, p driver.Page, factor float64) error {
	return d.with(p, func(fp *Page) error { fp.zoom = factor; return nil })
}

func (d *Driver) SwitchFrame(ctx context.Context, p driver.Page, selector string) error {
	return d.with(p, func(fp *Page) error {
		if fp.visible(selector) == nil {
			return errs.Newf(errs.KindNotFound, "frame", "no frame matches %q", selector)
		}
		fp.frames = append(fp.frames, selector)
		return nil
	})
}

func (d *Driver) SwitchParentFrame(ctx context.Context, p driver.Page) error {
	return d.with(p, func(fp *Page) error {
		if len(fp.frames) > 0 {
			fp.frames = fp.frames[:len(fp.frames)-1]
		}
		return nil
	})
}

func (d *Driver) Screenshot(ctx context.Context, p driver.Page, opts driver.ScreenshotOptions) ([]byte, error) {
	var out []byte
	err := d.with(p, func(fp *Page) error {
		w, h := fp.viewport.Width, fp.viewport.Height
		if w <= 0 || h <= 0 {
			w, h = 1, 1
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
			return err
		}
		out = buf.Bytes()
		return nil
	})
	return out, err
}

func (d *Driver) SetFiles(ctx context.Context, p driver.Page, selector string, files []string) error {
	return d.with(p, func(fp *Page) error {
		el := fp.visible(selector)
		if el == nil {
			return errs.Newf(errs.KindNotFound, "upload", "no element matches %q", selector)
		}
		el.Files = append([]string(nil), files...)
		return nil
	})
}

func (d *Driver) with(p driver.Page, fn func(*Page) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	fp, err := d.page(p)
	if err != nil {
		return err
	}
	return fn(fp)
}
