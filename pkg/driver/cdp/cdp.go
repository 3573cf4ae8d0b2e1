// Package cdp drives Chromium over the DevTools protocol with chromedp.
// The browser process starts on the first CreatePage and every page is a
// separate tab of that one process.
package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	proto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/navchain/pkg/driver"
	"github.com/xkilldash9x/navchain/pkg/errs"
)

const name = "cdp"

// Driver is the chromedp backend.
type Driver struct {
	cfg    driver.LaunchOptions
	logger *zap.Logger
	slots  *semaphore.Weighted

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	tabs          map[string]*tab
}

var (
	_ driver.Driver        = (*Driver)(nil)
	_ driver.Reloader      = (*Driver)(nil)
	_ driver.Historian     = (*Driver)(nil)
	_ driver.CookieJar     = (*Driver)(nil)
	_ driver.Viewporter    = (*Driver)(nil)
	_ driver.UserAgenter   = (*Driver)(nil)
	_ driver.Zoomer        = (*Driver)(nil)
	_ driver.Screenshotter = (*Driver)(nil)
	_ driver.Uploader      = (*Driver)(nil)
)

// New returns an unstarted driver.
func New(opts ...Option) *Driver {
	d := &Driver{
		cfg:    driver.DefaultLaunchOptions(),
		logger: zap.NewNop(),
		tabs:   make(map[string]*tab),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cfg.MaxPages > 0 {
		d.slots = semaphore.NewWeighted(int64(d.cfg.MaxPages))
	}
	d.logger = d.logger.Named(name)
	return d
}

type tab struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu      sync.Mutex
	rewrite *driver.NavigateOptions
}

func (t *tab) ID() string { return t.id }

func (d *Driver) Name() string { return name }

// bounded runs fn but gives up after the start timeout. chromedp ties a
// browser or tab to the context of its first Run, so the first Run cannot
// carry a deadline itself.
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

func (d *Driver) start(ctx context.Context) (context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browserCtx != nil {
		return d.browserCtx, nil
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), execOptions(d.cfg)...)
	sugar := d.logger.Sugar()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Warnf),
	)
	if err := d.bounded(ctx, "start", func() error { return chromedp.Run(browserCtx) }); err != nil {
		browserCancel()
		allocCancel()
		return nil, err
	}
	d.logger.Info("Browser started.", zap.Bool("headless", d.cfg.Headless))
	d.allocCancel, d.browserCtx, d.browserCancel = allocCancel, browserCtx, browserCancel
	return browserCtx, nil
}

func (d *Driver) CreatePage(ctx context.Context) (driver.Page, error) {
	browserCtx, err := d.start(ctx)
	if err != nil {
		return nil, err
	}
	if d.slots != nil {
		if err := d.slots.Acquire(ctx, 1); err != nil {
			return nil, errs.Wrap(errs.KindEngine, "create page", err)
		}
	}

	tctx, cancel := chromedp.NewContext(browserCtx)
	t := &tab{ctx: tctx, cancel: cancel}
	chromedp.ListenTarget(tctx, t.onEvent)
	if err := d.bounded(ctx, "create page", func() error { return chromedp.Run(tctx, network.Enable()) }); err != nil {
		cancel()
		d.release()
		return nil, err
	}
	t.id = string(chromedp.FromContext(tctx).Target.TargetID)
	t.logger = d.logger.With(zap.String("page", t.id))

	d.mu.Lock()
	d.tabs[t.id] = t
	d.mu.Unlock()
	return t, nil
}

func (d *Driver) release() {
	if d.slots != nil {
		d.slots.Release(1)
	}
}

func (d *Driver) tab(p driver.Page) (*tab, error) {
	t, ok := p.(*tab)
	if !ok || t == nil {
		return nil, errs.Newf(errs.KindConfiguration, name, "foreign page handle %T", p)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, open := d.tabs[t.id]; !open {
		return nil, errs.Newf(errs.KindNotFound, name, "page %s is closed", t.id)
	}
	return t, nil
}

// run executes actions against the page, bounded by ctx.
func (d *Driver) run(ctx context.Context, p driver.Page, actions ...chromedp.Action) error {
	t, err := d.tab(p)
	if err != nil {
		return err
	}
	opCtx, cancel := combine(t.ctx, ctx)
	defer cancel()
	return chromedp.Run(opCtx, actions...)
}

func (d *Driver) Evaluate(ctx context.Context, p driver.Page, fn string, args ...any) (json.RawMessage, error) {
	expr, err := callExpression(fn, args)
	if err != nil {
		return nil, err
	}
	var raw []byte
	awaitPromise := func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}
	if err := d.run(ctx, p, chromedp.Evaluate(expr, &raw, awaitPromise)); err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	return raw, nil
}

// callExpression applies fn to args passed by value as JSON literals.
func callExpression(fn string, args []any) (string, error) {
	if args == nil {
		args = []any{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", errs.Wrap(errs.KindConfiguration, "evaluate", err)
	}
	return "(" + fn + ").apply(null, " + string(encoded) + ")", nil
}

func (d *Driver) Navigate(ctx context.Context, p driver.Page, url string, opts driver.NavigateOptions) (*driver.Response, error) {
	t, err := d.tab(p)
	if err != nil {
		return nil, err
	}
	opCtx, cancel := combine(t.ctx, ctx)
	defer cancel()

	extra := network.Headers{}
	for k, v := range opts.Headers {
		extra[k] = strings.Join(v, ", ")
	}
	if err := chromedp.Run(opCtx, network.SetExtraHTTPHeaders(extra)); err != nil {
		return nil, fmt.Errorf("setting headers: %w", err)
	}

	if opts.MethodOrGet() != http.MethodGet || len(opts.Body) > 0 {
		t.mu.Lock()
		o := opts
		t.rewrite = &o
		t.mu.Unlock()
		patterns := []*fetch.RequestPattern{{
			URLPattern:   "*",
			ResourceType: network.ResourceTypeDocument,
			RequestStage: fetch.RequestStageRequest,
		}}
		if err := chromedp.Run(opCtx, fetch.Enable().WithPatterns(patterns)); err != nil {
			return nil, fmt.Errorf("enabling interception: %w", err)
		}
		defer func() {
			t.mu.Lock()
			t.rewrite = nil
			t.mu.Unlock()
			if err := chromedp.Run(t.ctx, fetch.Disable()); err != nil {
				t.logger.Debug("Could not disable interception.", zap.Error(err))
			}
		}()
	}

	resp, err := chromedp.RunResponse(opCtx, chromedp.Navigate(url))
	if err != nil {
		return nil, fmt.Errorf("navigating to %s: %w", url, err)
	}
	return toResponse(resp, url), nil
}

// onEvent must not block; commands go out from a new goroutine.
func (t *tab) onEvent(ev any) {
	if ev, ok := ev.(*fetch.EventRequestPaused); ok {
		go t.resume(ev)
	}
}

// resume lets a paused document request continue, rewritten with the
// pending navigation's method and body.
func (t *tab) resume(ev *fetch.EventRequestPaused) {
	t.mu.Lock()
	opts := t.rewrite
	t.rewrite = nil
	t.mu.Unlock()

	req := fetch.ContinueRequest(ev.RequestID)
	if opts != nil {
		req = req.WithMethod(opts.MethodOrGet())
		if len(opts.Body) > 0 {
			req = req.WithPostData(base64.StdEncoding.EncodeToString(opts.Body))
		}
		req = req.WithHeaders(requestHeaders(ev.Request.Headers, *opts))
	}
	if err := chromedp.Run(t.ctx, req); err != nil && t.logger != nil {
		t.logger.Debug("Could not continue paused request.", zap.Error(err))
	}
}

func requestHeaders(orig network.Headers, opts driver.NavigateOptions) []*fetch.HeaderEntry {
	merged := http.Header{}
	for k, v := range orig {
		merged.Set(k, fmt.Sprint(v))
	}
	for k, v := range opts.Headers {
		merged[http.CanonicalHeaderKey(k)] = v
	}
	if len(opts.Body) > 0 && merged.Get("Content-Type") == "" {
		merged.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	var out []*fetch.HeaderEntry
	for k, vs := range merged {
		for _, v := range vs {
			out = append(out, &fetch.HeaderEntry{Name: k, Value: v})
		}
	}
	return out
}

// toResponse converts the protocol response. Same-document navigations
// produce no response; those report the requested URL only.
func toResponse(r *network.Response, requested string) *driver.Response {
	if r == nil {
		return &driver.Response{URL: requested, Headers: http.Header{}}
	}
	h := http.Header{}
	for k, v := range r.Headers {
		// Chromium joins repeated headers with newlines.
		for _, part := range strings.Split(fmt.Sprint(v), "\n") {
			h.Add(k, part)
		}
	}
	ct := h.Get("Content-Type")
	if ct == "" {
		ct = r.MimeType
	}
	text := r.StatusText
	if text == "" {
		text = http.StatusText(int(r.Status))
	}
	return &driver.Response{
		URL:         r.URL,
		Status:      int(r.Status),
		StatusText:  text,
		Headers:     h,
		ContentType: ct,
	}
}

func (d *Driver) IsLoading(ctx context.Context, p driver.Page) (bool, error) {
	var loading bool
	err := d.run(ctx, p, chromedp.Evaluate(`document.readyState !== "complete"`, &loading))
	return loading, err
}

func (d *Driver) ClosePage(ctx context.Context, p driver.Page) error {
	t, err := d.tab(p)
	if err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.tabs, t.id)
	d.mu.Unlock()
	defer d.release()
	if err := chromedp.Cancel(t.ctx); err != nil {
		return errs.Wrap(errs.KindEngine, "close page", err)
	}
	return nil
}

// Close shuts the browser down. The driver can be started again.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	tabs := d.tabs
	d.tabs = make(map[string]*tab)
	browserCtx, browserCancel, allocCancel := d.browserCtx, d.browserCancel, d.allocCancel
	d.browserCtx, d.browserCancel, d.allocCancel = nil, nil, nil
	d.mu.Unlock()

	for _, t := range tabs {
		t.cancel()
		d.release()
	}
	if browserCtx == nil {
		return nil
	}
	err := chromedp.Cancel(browserCtx)
	browserCancel()
	allocCancel()
	if err != nil {
		return errs.Wrap(errs.KindEngine, "close", err)
	}
	d.logger.Info("Browser stopped.")
	return nil
}

func (d *Driver) Reload(ctx context.Context, p driver.Page) (*driver.Response, error) {
	return d.navigateBy(ctx, p, "reload", page.Reload())
}

func (d *Driver) Back(ctx context.Context, p driver.Page) (*driver.Response, error) {
	return d.move(ctx, p, -1)
}

func (d *Driver) Forward(ctx context.Context, p driver.Page) (*driver.Response, error) {
	return d.move(ctx, p, 1)
}

func (d *Driver) move(ctx context.Context, p driver.Page, delta int) (*driver.Response, error) {
	var (
		cur     int64
		entries []*page.NavigationEntry
	)
	err := d.run(ctx, p, chromedp.ActionFunc(func(ctx context.Context) (err error) {
		cur, entries, err = page.GetNavigationHistory().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	next := cur + int64(delta)
	if next < 0 || next >= int64(len(entries)) {
		return nil, errs.New(errs.KindNotFound, "history", "no history entry in that direction")
	}
	return d.navigateBy(ctx, p, "history", page.NavigateToHistoryEntry(entries[next].ID))
}

func (d *Driver) navigateBy(ctx context.Context, p driver.Page, op string, action chromedp.Action) (*driver.Response, error) {
	t, err := d.tab(p)
	if err != nil {
		return nil, err
	}
	opCtx, cancel := combine(t.ctx, ctx)
	defer cancel()
	resp, err := chromedp.RunResponse(opCtx, action)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var loc string
	if resp == nil {
		_ = chromedp.Run(opCtx, chromedp.Location(&loc))
	}
	return toResponse(resp, loc), nil
}

func (d *Driver) Cookies(ctx context.Context, p driver.Page) ([]driver.Cookie, error) {
	var raw []*network.Cookie
	err := d.run(ctx, p, chromedp.ActionFunc(func(ctx context.Context) (err error) {
		raw, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	out := make([]driver.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, fromProtocolCookie(c))
	}
	return out, nil
}

func fromProtocolCookie(c *network.Cookie) driver.Cookie {
	out := driver.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
	}
	if !c.Session && c.Expires > 0 {
		sec := int64(c.Expires)
		out.Expires = time.Unix(sec, int64((c.Expires-float64(sec))*1e9)).UTC()
	}
	return out
}

func toProtocolCookie(c driver.Cookie, pageURL string) *network.CookieParam {
	param := &network.CookieParam{
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
		at := proto.TimeSinceEpoch(c.Expires)
		param.Expires = &at
	}
	return param
}

func (d *Driver) SetCookies(ctx context.Context, p driver.Page, cookies []driver.Cookie) error {
	var loc string
	if err := d.run(ctx, p, chromedp.Location(&loc)); err != nil {
		return err
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		if c.Domain == "" && !strings.HasPrefix(loc, "http") {
			return errs.Newf(errs.KindConfiguration, "set.cookie", "cookie %q needs a domain before any page is loaded", c.Name)
		}
		params = append(params, toProtocolCookie(c, loc))
	}
	return d.run(ctx, p, network.SetCookies(params))
}

func (d *Driver) ClearCookies(ctx context.Context, p driver.Page) error {
	return d.run(ctx, p, network.ClearBrowserCookies())
}

func (d *Driver) SetViewport(ctx context.Context, p driver.Page, v driver.Viewport) error {
	return d.run(ctx, p, chromedp.EmulateViewport(int64(v.Width), int64(v.Height)))
}

func (d *Driver) SetUserAgent(ctx context.Context, p driver.Page, ua string) error {
	return d.run(ctx, p, emulation.SetUserAgentOverride(ua))
}

func (d *Driver) SetZoom(ctx context.Context, p driver.Page, factor float64) error {
	return d.run(ctx, p, emulation.SetPageScaleFactor(factor))
}

// Screenshot captures PNG bytes of the viewport or the whole page.
func (d *Driver) Screenshot(ctx context.Context, p driver.Page, opts driver.ScreenshotOptions) ([]byte, error) {
	var buf []byte
	action := chromedp.CaptureScreenshot(&buf)
	if opts.FullPage {
		// Quality 100 selects PNG encoding.
		action = chromedp.FullScreenshot(&buf, 100)
	}
	if err := d.run(ctx, p, action); err != nil {
		return nil, err
	}
	return buf, nil
}

// SetFiles attaches local files to a file input. The element must exist
// already; chromedp would otherwise wait for it until ctx expires.
func (d *Driver) SetFiles(ctx context.Context, p driver.Page, selector string, files []string) error {
	n, err := driver.DOM{Driver: d}.Count(ctx, p, selector)
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.Newf(errs.KindNotFound, "upload", "no element matches %q", selector)
	}
	return d.run(ctx, p, chromedp.SetUploadFiles(selector, files, chromedp.ByQuery))
}
