// Package rodriver drives Chromium through go-rod. It is the only
// browser backend that supports switching into iframes.
package rodriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
	"go.uber.org/zap"

	"github.com/xkilldash9x/navchain/pkg/driver"
	"github.com/xkilldash9x/navchain/pkg/errs"
)

const name = "rod"

type Option func(*Driver)

func WithLaunchOptions(o driver.LaunchOptions) Option {
	return func(d *Driver) { d.cfg = o }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// Driver is the go-rod backend.
type Driver struct {
	cfg    driver.LaunchOptions
	logger *zap.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	tabs     map[string]*tab
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
)

func New(opts ...Option) *Driver {
	d := &Driver{
		cfg:    driver.DefaultLaunchOptions(),
		logger: zap.NewNop(),
		tabs:   make(map[string]*tab),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named(name)
	return d
}

// tab holds the top-level page and the stack of frames entered from it.
// The last element of frames is where queries run.
type tab struct {
	mu     sync.Mutex
	top    *rod.Page
	frames []*rod.Page
}

func (t *tab) ID() string { return string(t.top.TargetID) }

func (t *tab) current() *rod.Page {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.frames); n > 0 {
		return t.frames[n-1]
	}
	return t.top
}

func (t *tab) resetFrames() {
	t.mu.Lock()
	t.frames = nil
	t.mu.Unlock()
}

func (d *Driver) Name() string { return name }

func newLauncher(o driver.LaunchOptions) *launcher.Launcher {
	l := launcher.New().Headless(o.Headless).Set(flags.NoSandbox)
	if o.Bin != "" {
		l = l.Bin(o.Bin)
	}
	if o.UserDataDir != "" {
		l = l.UserDataDir(o.UserDataDir)
	}
	sw := o.Switches()
	for _, name := range driver.SwitchNames(sw) {
		if v := sw[name]; v != "" {
			l = l.Set(flags.Flag(name), v)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

// bounded runs fn but gives up after the start timeout. The launcher's own
// context controls the process lifetime and must not carry the deadline.
func (d *Driver) bounded(ctx context.Context, what string, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	timer := time.NewTimer(d.cfg.Timeout())
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return errs.Wrap(errs.KindEngine, what, err)
		}
		return nil
	case <-timer.C:
		return errs.Newf(errs.KindEngine, what, "no response within %s", d.cfg.Timeout())
	case <-ctx.Done():
		return errs.Wrap(errs.KindEngine, what, ctx.Err())
	}
}

func (d *Driver) start(ctx context.Context) (*rod.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser != nil {
		return d.browser, nil
	}

	l := newLauncher(d.cfg)
	var browser *rod.Browser
	err := d.bounded(ctx, "start", func() error {
		u, err := l.Launch()
		if err != nil {
			return err
		}
		b := rod.New().ControlURL(u)
		if err := b.Connect(); err != nil {
			return err
		}
		browser = b
		return nil
	})
	if err != nil {
		l.Kill()
		l.Cleanup()
		return nil, err
	}
	d.logger.Info("Browser started.", zap.Bool("headless", d.cfg.Headless))
	d.launcher, d.browser = l, browser
	return browser, nil
}

func (d *Driver) CreatePage(ctx context.Context) (driver.Page, error) {
	browser, err := d.start(ctx)
	if err != nil {
		return nil, err
	}
	var p *rod.Page
	err = d.bounded(ctx, "create page", func() error {
		var err error
		p, err = browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
		if err != nil {
			return err
		}
		return proto.NetworkEnable{}.Call(p)
	})
	if err != nil {
		return nil, err
	}
	t := &tab{top: p}
	d.mu.Lock()
	d.tabs[t.ID()] = t
	d.mu.Unlock()
	return t, nil
}

func (d *Driver) tab(p driver.Page) (*tab, error) {
	t, ok := p.(*tab)
	if !ok || t == nil {
		return nil, errs.Newf(errs.KindConfiguration, name, "foreign page handle %T", p)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, open := d.tabs[t.ID()]; !open {
		return nil, errs.Newf(errs.KindNotFound, name, "page %s is closed", t.ID())
	}
	return t, nil
}

// Evaluate runs fn in the current frame. rod wraps the source as
// function() { return (fn).apply(this, arguments) }.
func (d *Driver) Evaluate(ctx context.Context, p driver.Page, fn string, args ...any) (json.RawMessage, error) {
	t, err := d.tab(p)
	if err != nil {
		return nil, err
	}
	res, err := t.current().Context(ctx).Evaluate(rod.Eval(fn, args...).ByPromise())
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	return remoteJSON(res)
}

func remoteJSON(res *proto.RuntimeRemoteObject) (json.RawMessage, error) {
	if res == nil || res.Value.Nil() {
		return json.RawMessage("null"), nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return raw, nil
}

func (d *Driver) Navigate(ctx context.Context, p driver.Page, url string, opts driver.NavigateOptions) (*driver.Response, error) {
	t, err := d.tab(p)
	if err != nil {
		return nil, err
	}
	t.resetFrames()
	page := t.top.Context(ctx)

	extra := proto.NetworkHeaders{}
	for k, v := range opts.Headers {
		extra[k] = gson.New(strings.Join(v, ", "))
	}
	if err := (proto.NetworkSetExtraHTTPHeaders{Headers: extra}).Call(page); err != nil {
		return nil, fmt.Errorf("setting headers: %w", err)
	}

	if opts.MethodOrGet() != http.MethodGet || len(opts.Body) > 0 {
		router, err := rewrite(page, opts)
		if err != nil {
			return nil, err
		}
		go router.Run()
		defer func() {
			if err := router.Stop(); err != nil {
				d.logger.Debug("Could not stop request router.", zap.Error(err))
			}
		}()
	}

	return awaitDocument(page, url, func(pg *rod.Page) error { return pg.Navigate(url) })
}

// rewrite continues the next document request with the given method, body
// and headers. Later requests pass through untouched.
func rewrite(page *rod.Page, opts driver.NavigateOptions) (*rod.HijackRouter, error) {
	var once sync.Once
	router := page.HijackRequests()
	err := router.Add("*", proto.NetworkResourceTypeDocument, func(h *rod.Hijack) {
		cont := &proto.FetchContinueRequest{}
		once.Do(func() {
			cont.Method = opts.MethodOrGet()
			cont.PostData = opts.Body
			cont.Headers = headerEntries(h.Request.Headers(), opts)
		})
		h.ContinueRequest(cont)
	})
	if err != nil {
		return nil, fmt.Errorf("enabling interception: %w", err)
	}
	return router, nil
}

func headerEntries(orig proto.NetworkHeaders, opts driver.NavigateOptions) []*proto.FetchHeaderEntry {
	merged := http.Header{}
	for k, v := range orig {
		merged.Set(k, v.String())
	}
	for k, v := range opts.Headers {
		merged[http.CanonicalHeaderKey(k)] = v
	}
	if len(opts.Body) > 0 && merged.Get("Content-Type") == "" {
		merged.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	var out []*proto.FetchHeaderEntry
	for k, vs := range merged {
		for _, v := range vs {
			out = append(out, &proto.FetchHeaderEntry{Name: k, Value: v})
		}
	}
	return out
}

// awaitDocument runs trigger and returns the response of the main frame's
// next document. A same-document navigation yields a response without a
// status.
func awaitDocument(page *rod.Page, requested string, trigger func(*rod.Page) error) (*driver.Response, error) {
	page, cancel := page.WithCancel()
	defer cancel()

	var (
		resp   *proto.NetworkResponse
		inPage string
	)
	wait := page.EachEvent(
		func(e *proto.NetworkResponseReceived) bool {
			if e.Type == proto.NetworkResourceTypeDocument && e.FrameID == page.FrameID {
				resp = e.Response
				return true
			}
			return false
		},
		func(e *proto.PageNavigatedWithinDocument) bool {
			if e.FrameID == page.FrameID {
				inPage = e.URL
				return true
			}
			return false
		},
	)
	if err := trigger(page); err != nil {
		return nil, fmt.Errorf("navigating to %s: %w", requested, err)
	}
	wait()
	if err := page.GetContext().Err(); err != nil {
		return nil, err
	}
	if resp == nil {
		if inPage == "" {
			inPage = requested
		}
		return &driver.Response{URL: inPage, Headers: http.Header{}}, nil
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("waiting for load: %w", err)
	}
	return toResponse(resp), nil
}

func toResponse(r *proto.NetworkResponse) *driver.Response {
	h := http.Header{}
	for k, v := range r.Headers {
		for _, part := range strings.Split(v.String(), "\n") {
			h.Add(k, part)
		}
	}
	ct := h.Get("Content-Type")
	if ct == "" {
		ct = r.MIMEType
	}
	text := r.StatusText
	if text == "" {
		text = http.StatusText(r.Status)
	}
	return &driver.Response{URL: r.URL, Status: r.Status, StatusText: text, Headers: h, ContentType: ct}
}

func (d *Driver) IsLoading(ctx context.Context, p driver.Page) (bool, error) {
	t, err := d.tab(p)
	if err != nil {
		return false, err
	}
	res, err := t.top.Context(ctx).Eval(`() => document.readyState !== "complete"`)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (d *Driver) ClosePage(ctx context.Context, p driver.Page) error {
	t, err := d.tab(p)
	if err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.tabs, t.ID())
	d.mu.Unlock()
	if err := t.top.Context(ctx).Close(); err != nil {
		return errs.Wrap(errs.KindEngine, "close page", err)
	}
	return nil
}

// Close shuts the browser down. The driver can be started again.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	browser, l := d.browser, d.launcher
	d.browser, d.launcher = nil, nil
	d.tabs = make(map[string]*tab)
	d.mu.Unlock()
	if browser == nil {
		return nil
	}
	err := browser.Context(ctx).Close()
	l.Kill()
	l.Cleanup()
	if err != nil && !errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindEngine, "close", err)
	}
	d.logger.Info("Browser stopped.")
	return nil
}

func (d *Driver) Reload(ctx context.Context, p driver.Page) (*driver.Response, error) {
	t, err := d.tab(p)
	if err != nil {
		return nil, err
	}
	t.resetFrames()
	return awaitDocument(t.top.Context(ctx), "", func(pg *rod.Page) error {
		return proto.PageReload{}.Call(pg)
	})
}

func (d *Driver) Back(ctx context.Context, p driver.Page) (*driver.Response, error) {
	return d.move(ctx, p, -1)
}

func (d *Driver) Forward(ctx context.Context, p driver.Page) (*driver.Response, error) {
	return d.move(ctx, p, 1)
}

func (d *Driver) move(ctx context.Context, p driver.Page, delta int) (*driver.Response, error) {
	t, err := d.tab(p)
	if err != nil {
		return nil, err
	}
	page := t.top.Context(ctx)
	hist, err := page.GetNavigationHistory()
	if err != nil {
		return nil, err
	}
	next := hist.CurrentIndex + delta
	if next < 0 || next >= len(hist.Entries) {
		return nil, errs.New(errs.KindNotFound, "history", "no history entry in that direction")
	}
	t.resetFrames()
	entry := hist.Entries[next]
	return awaitDocument(page, entry.URL, func(pg *rod.Page) error {
		return proto.PageNavigateToHistoryEntry{EntryID: entry.ID}.Call(pg)
	})
}

func (d *Driver) Cookies(ctx context.Context, p driver.Page) ([]driver.Cookie, error) {
	t, err := d.tab(p)
	if err != nil {
		return nil, err
	}
	raw, err := t.top.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, err
	}
	out := make([]driver.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, fromProtocolCookie(c))
	}
	return out, nil
}

func fromProtocolCookie(c *proto.NetworkCookie) driver.Cookie {
	out := driver.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
	}
	if !c.Session && c.Expires > 0 {
		out.Expires = c.Expires.Time().UTC()
	}
	return out
}

func toProtocolCookie(c driver.Cookie, pageURL string) *proto.NetworkCookieParam {
	param := &proto.NetworkCookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		Secure:   c.Secure,
		HTTPOnly: c.HTTPOnly,
	}
	if c.Domain == "" {
		param.URL = pageURL
	}
	if !c.Expires.IsZero() {
		param.Expires = proto.TimeSinceEpoch(float64(c.Expires.UnixNano()) / 1e9)
	}
	return param
}

func (d *Driver) SetCookies(ctx context.Context, p driver.Page, cookies []driver.Cookie) error {
	t, err := d.tab(p)
	if err != nil {
		return err
	}
	page := t.top.Context(ctx)
	info, err := page.Info()
	if err != nil {
		return err
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		if c.Domain == "" && !strings.HasPrefix(info.URL, "http") {
			return errs.Newf(errs.KindConfiguration, "set.cookie", "cookie %q needs a domain before any page is loaded", c.Name)
		}
		params = append(params, toProtocolCookie(c, info.URL))
	}
	// rod treats a nil slice as "clear all".
	if len(params) == 0 {
		return nil
	}
	return page.SetCookies(params)
}

func (d *Driver) ClearCookies(ctx context.Context, p driver.Page) error {
	t, err := d.tab(p)
	if err != nil {
		return err
	}
	return proto.NetworkClearBrowserCookies{}.Call(t.top.Context(ctx))
}

func (d *Driver) SetViewport(ctx context.Context, p driver.Page, v driver.Viewport) error {
	t, err := d.tab(p)
	if err != nil {
		return err
	}
	return t.top.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             v.Width,
		Height:            v.Height,
		DeviceScaleFactor: 1,
	})
}

func (d *Driver) SetUserAgent(ctx context.Context, p driver.Page, ua string) error {
	t, err := d.tab(p)
	if err != nil {
		return err
	}
	return t.top.Context(ctx).SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua})
}

func (d *Driver) SetZoom(ctx context.Context, p driver.Page, factor float64) error {
	t, err := d.tab(p)
	if err != nil {
		return err
	}
	return proto.EmulationSetPageScaleFactor{PageScaleFactor: factor}.Call(t.top.Context(ctx))
}

// SwitchFrame enters the iframe matched by selector in the current frame.
func (d *Driver) SwitchFrame(ctx context.Context, p driver.Page, selector string) error {
	t, err := d.tab(p)
	if err != nil {
		return err
	}
	el, err := element(ctx, t.current(), "frame", selector)
	if err != nil {
		return err
	}
	frame, err := el.Frame()
	if err != nil {
		return errs.Wrapf(errs.KindNotFound, "frame", err, "%q is not a frame", selector)
	}
	t.mu.Lock()
	t.frames = append(t.frames, frame)
	t.mu.Unlock()
	return nil
}

// SwitchParentFrame leaves the current frame. At the top level it does
// nothing.
func (d *Driver) SwitchParentFrame(ctx context.Context, p driver.Page) error {
	t, err := d.tab(p)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if n := len(t.frames); n > 0 {
		t.frames = t.frames[:n-1]
	}
	t.mu.Unlock()
	return nil
}

// element finds selector without rod's retrying sleeper.
func element(ctx context.Context, page *rod.Page, op, selector string) (*rod.Element, error) {
	has, el, err := page.Context(ctx).Has(selector)
	if err != nil {
		return nil, err
	}
	if !has {
		return nil, errs.Newf(errs.KindNotFound, op, "no element matches %q", selector)
	}
	return el, nil
}

func (d *Driver) Screenshot(ctx context.Context, p driver.Page, opts driver.ScreenshotOptions) ([]byte, error) {
	t, err := d.tab(p)
	if err != nil {
		return nil, err
	}
	return t.top.Context(ctx).Screenshot(opts.FullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

func (d *Driver) SetFiles(ctx context.Context, p driver.Page, selector string, files []string) error {
	t, err := d.tab(p)
	if err != nil {
		return err
	}
	el, err := element(ctx, t.current(), "upload", selector)
	if err != nil {
		return err
	}
	return el.SetFiles(files)
}
