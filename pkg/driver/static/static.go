// Package static is a script-less backend that fetches documents over HTTP
// and answers DOM queries with goquery. Forms, links and cookies work; page
// scripts never run, so Evaluate and script-backed waits report Unsupported.
package static

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/navchain/pkg/driver"
	"github.com/xkilldash9x/navchain/pkg/errs"
)

const name = "static"

// DefaultUserAgent identifies requests when no user agent is set.
const DefaultUserAgent = "navchain-static/1.0"

// Option configures a Driver.
type Option func(*Driver)

// WithClient replaces the HTTP client. Its Jar, if nil, is filled in.
func WithClient(c *http.Client) Option {
	return func(d *Driver) { d.client = c }
}

func WithUserAgent(ua string) Option {
	return func(d *Driver) { d.userAgent = ua }
}

// WithTimeout bounds each request.
func WithTimeout(t time.Duration) Option {
	return func(d *Driver) { d.timeout = t }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// Driver implements driver.Driver over net/http.
type Driver struct {
	mu        sync.Mutex
	client    *http.Client
	userAgent string
	timeout   time.Duration
	logger    *zap.Logger
	pages     map[string]*page
}

var (
	_ driver.Driver      = (*Driver)(nil)
	_ driver.Reloader    = (*Driver)(nil)
	_ driver.Historian   = (*Driver)(nil)
	_ driver.CookieJar   = (*Driver)(nil)
	_ driver.UserAgenter = (*Driver)(nil)
	_ driver.Querier     = (*Driver)(nil)
)

// New returns a static backend.
func New(opts ...Option) *Driver {
	d := &Driver{
		userAgent: DefaultUserAgent,
		timeout:   30 * time.Second,
		logger:    zap.NewNop(),
		pages:     make(map[string]*page),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.client.Jar == nil {
		d.client.Jar = newJar()
	}
	d.logger = d.logger.Named(name)
	return d
}

func newJar() http.CookieJar {
	// cookiejar.New only fails for a nil-safe options struct, never here.
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return jar
}

type entry struct {
	url  string
	opts driver.NavigateOptions
}

type page struct {
	id        string
	doc       *goquery.Document
	url       *url.URL
	userAgent string
	history   []entry
	pos       int
}

func (p *page) ID() string { return p.id }

func (d *Driver) Name() string { return name }

func (d *Driver) CreatePage(ctx context.Context) (driver.Page, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(""))
	if err != nil {
		return nil, err
	}
	p := &page{id: uuid.NewString(), doc: doc, pos: -1}
	d.mu.Lock()
	d.pages[p.id] = p
	d.mu.Unlock()
	return p, nil
}

func (d *Driver) page(p driver.Page) (*page, error) {
	sp, ok := p.(*page)
	if !ok || sp == nil {
		return nil, errs.Newf(errs.KindConfiguration, name, "foreign page handle %T", p)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, open := d.pages[sp.id]; !open {
		return nil, errs.Newf(errs.KindNotFound, name, "page %s is closed", sp.id)
	}
	return sp, nil
}

// Evaluate always fails: this backend has no script engine.
func (d *Driver) Evaluate(ctx context.Context, p driver.Page, fn string, args ...any) (json.RawMessage, error) {
	return nil, errs.Unsupported(name, "script evaluation")
}

func (d *Driver) Navigate(ctx context.Context, p driver.Page, rawURL string, opts driver.NavigateOptions) (*driver.Response, error) {
	sp, err := d.page(p)
	if err != nil {
		return nil, err
	}
	resp, err := d.fetch(ctx, sp, rawURL, opts)
	if err != nil {
		return nil, err
	}
	sp.history = append(sp.history[:sp.pos+1], entry{url: resp.URL, opts: opts})
	sp.pos = len(sp.history) - 1
	return resp, nil
}

// fetch performs the request and replaces the page's document.
func (d *Driver) fetch(ctx context.Context, sp *page, rawURL string, opts driver.NavigateOptions) (*driver.Response, error) {
	target, err := sp.resolve(rawURL)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "navigate", err)
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, opts.MethodOrGet(), target.String(), body)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "navigate", err)
	}
	for k, v := range opts.Headers {
		req.Header[k] = append([]string(nil), v...)
	}
	if req.Header.Get("User-Agent") == "" {
		ua := sp.userAgent
		if ua == "" {
			ua = d.userAgent
		}
		req.Header.Set("User-Agent", ua)
	}
	if len(opts.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	d.logger.Debug("Fetching document.", zap.String("method", req.Method), zap.String("url", req.URL.String()))
	res, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", target, err)
	}
	defer res.Body.Close()

	doc, err := goquery.NewDocumentFromReader(res.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", target, err)
	}
	final := res.Request.URL
	doc.Url = final
	sp.doc = doc
	sp.url = final

	return &driver.Response{
		URL:         final.String(),
		Status:      res.StatusCode,
		StatusText:  http.StatusText(res.StatusCode),
		Headers:     res.Header.Clone(),
		ContentType: res.Header.Get("Content-Type"),
	}, nil
}

func (p *page) resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if p.url != nil {
		u = p.url.ResolveReference(u)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("cannot resolve relative URL %q without a current document", raw)
	}
	return u, nil
}

// IsLoading is always false; fetches complete before Navigate returns.
func (d *Driver) IsLoading(ctx context.Context, p driver.Page) (bool, error) {
	_, err := d.page(p)
	return false, err
}

func (d *Driver) ClosePage(ctx context.Context, p driver.Page) error {
	sp, err := d.page(p)
	if err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.pages, sp.id)
	d.mu.Unlock()
	return nil
}

func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	d.pages = make(map[string]*page)
	d.mu.Unlock()
	d.client.CloseIdleConnections()
	return nil
}

func (d *Driver) Reload(ctx context.Context, p driver.Page) (*driver.Response, error) {
	sp, err := d.page(p)
	if err != nil {
		return nil, err
	}
	if sp.pos < 0 {
		return nil, errs.New(errs.KindNotFound, "reload", "nothing to reload")
	}
	e := sp.history[sp.pos]
	return d.fetch(ctx, sp, e.url, e.opts)
}

func (d *Driver) Back(ctx context.Context, p driver.Page) (*driver.Response, error) {
	return d.move(ctx, p, -1)
}

func (d *Driver) Forward(ctx context.Context, p driver.Page) (*driver.Response, error) {
	return d.move(ctx, p, 1)
}

// move revisits a history entry with a plain GET, as a browser would
// without resubmitting a form.
func (d *Driver) move(ctx context.Context, p driver.Page, delta int) (*driver.Response, error) {
	sp, err := d.page(p)
	if err != nil {
		return nil, err
	}
	next := sp.pos + delta
	if next < 0 || next >= len(sp.history) {
		return nil, errs.New(errs.KindNotFound, "history", "no history entry in that direction")
	}
	resp, err := d.fetch(ctx, sp, sp.history[next].url, driver.NavigateOptions{})
	if err != nil {
		return nil, err
	}
	sp.pos = next
	return resp, nil
}

func (d *Driver) SetUserAgent(ctx context.Context, p driver.Page, ua string) error {
	sp, err := d.page(p)
	if err != nil {
		return err
	}
	sp.userAgent = ua
	return nil
}

func (d *Driver) Cookies(ctx context.Context, p driver.Page) ([]driver.Cookie, error) {
	sp, err := d.page(p)
	if err != nil {
		return nil, err
	}
	if sp.url == nil {
		return nil, nil
	}
	var out []driver.Cookie
	for _, c := range d.client.Jar.Cookies(sp.url) {
		out = append(out, driver.Cookie{Name: c.Name, Value: c.Value, Domain: sp.url.Hostname()})
	}
	return out, nil
}

func (d *Driver) SetCookies(ctx context.Context, p driver.Page, cookies []driver.Cookie) error {
	sp, err := d.page(p)
	if err != nil {
		return err
	}
	for _, c := range cookies {
		u := sp.url
		if c.Domain != "" {
			scheme := "http"
			if c.Secure {
				scheme = "https"
			}
			u = &url.URL{Scheme: scheme, Host: strings.TrimPrefix(c.Domain, "."), Path: "/"}
		}
		if u == nil {
			return errs.Newf(errs.KindConfiguration, "set.cookie", "cookie %q needs a domain before any page is loaded", c.Name)
		}
		d.client.Jar.SetCookies(u, []*http.Cookie{{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HttpOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}})
	}
	return nil
}

// ClearCookies replaces the jar, dropping cookies for every page.
func (d *Driver) ClearCookies(ctx context.Context, p driver.Page) error {
	if _, err := d.page(p); err != nil {
		return err
	}
	d.client.Jar = newJar()
	return nil
}
