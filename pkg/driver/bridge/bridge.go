package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/navchain/pkg/driver"
	"github.com/xkilldash9x/navchain/pkg/errs"
)

const name = "bridge"

// OptionsEnv carries the JSON-encoded launch options to the child.
const OptionsEnv = "NAVCHAIN_BRIDGE_OPTIONS"

// maxLine bounds one message; screenshots travel inline.
const maxLine = 64 << 20

var errExited = errors.New("bridge process exited")

// Config names the child process.
type Config struct {
	Command string
	Args    []string
	// Env is appended to the current environment.
	Env    []string
	Launch driver.LaunchOptions
}

type Option func(*Driver)

func WithConfig(cfg Config) Option {
	return func(d *Driver) { d.cfg = cfg }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// Driver talks to a bridge child process.
type Driver struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	proc *process
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

// New returns a driver whose process starts on the first CreatePage.
func New(opts ...Option) *Driver {
	d := &Driver{
		cfg:    Config{Launch: driver.DefaultLaunchOptions()},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named(name)
	return d
}

type page struct{ id string }

func (p page) ID() string { return p.id }

func (d *Driver) Name() string { return name }

// process is one running child and its pending callers.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *zap.Logger
	group  *errgroup.Group

	wmu sync.Mutex

	pmu     sync.Mutex
	pending map[string]chan Message

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	orphans      rate.Sometimes
	quietOrphans atomic.Int64
}

func (d *Driver) start(ctx context.Context) (*process, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.proc != nil {
		select {
		case <-d.proc.done:
			// Reap the exited child before replacing it.
			if err := d.proc.shutdown(0); err != nil {
				d.logger.Debug("Previous bridge process exited.", zap.Error(err))
			}
			d.proc = nil
		default:
			return d.proc, nil
		}
	}
	if d.cfg.Command == "" {
		return nil, errs.New(errs.KindConfiguration, "start", "no bridge command configured")
	}

	launch, err := wire.Marshal(d.cfg.Launch)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "start", err)
	}
	cmd := exec.Command(d.cfg.Command, d.cfg.Args...)
	cmd.Env = append(append(os.Environ(), d.cfg.Env...), OptionsEnv+"="+string(launch))
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.Wrap(errs.KindEngine, "start", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap(errs.KindEngine, "start", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errs.Wrap(errs.KindEngine, "start", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.KindEngine, "start", err)
	}

	p := &process{
		cmd:     cmd,
		stdin:   stdin,
		logger:  d.logger.With(zap.Int("pid", cmd.Process.Pid)),
		group:   &errgroup.Group{},
		pending: make(map[string]chan Message),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		orphans: rate.Sometimes{Interval: time.Second},
	}
	p.group.Go(func() error { return p.read(stdout) })
	p.group.Go(func() error { return p.drainStderr(stderr) })

	timeout := d.cfg.Launch.Timeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.ready:
	case <-p.done:
		p.shutdown(time.Second)
		return nil, errs.New(errs.KindEngine, "start", "bridge process exited before signalling readiness")
	case <-timer.C:
		p.shutdown(0)
		return nil, errs.Newf(errs.KindEngine, "start", "bridge process not ready within %s", timeout)
	case <-ctx.Done():
		p.shutdown(0)
		return nil, errs.Wrap(errs.KindEngine, "start", ctx.Err())
	}
	p.logger.Info("Bridge process ready.", zap.String("command", d.cfg.Command))
	d.proc = p
	return p, nil
}

// read dispatches every line from the child. Responses resolve their
// caller exactly once; responses nobody waits for are dropped.
func (p *process) read(r io.Reader) error {
	defer func() {
		close(p.done)
		p.pmu.Lock()
		for id, ch := range p.pending {
			close(ch)
			delete(p.pending, id)
		}
		p.pmu.Unlock()
	}()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	for sc.Scan() {
		var msg Message
		if err := wire.Unmarshal(sc.Bytes(), &msg); err != nil {
			p.logger.Warn("Dropping malformed bridge message.", zap.Error(err))
			continue
		}
		switch {
		case msg.Event == EventReady && msg.CallerID == "":
			p.readyOnce.Do(func() { close(p.ready) })
		case msg.CallerID == "":
			p.logger.Debug("Bridge event.", zap.String("event", msg.Event), zap.ByteString("data", msg.Data))
		default:
			p.resolve(msg)
		}
	}
	return sc.Err()
}

func (p *process) resolve(msg Message) {
	p.pmu.Lock()
	ch, ok := p.pending[msg.CallerID]
	delete(p.pending, msg.CallerID)
	p.pmu.Unlock()
	if !ok {
		p.logOrphan(msg)
		return
	}
	ch <- msg
}

// logOrphan records every response nobody waits for. At most one per
// second is a warning carrying the count of quieter ones before it; the
// rest go out at debug level.
func (p *process) logOrphan(msg Message) {
	fields := []zap.Field{zap.String("event", msg.Event), zap.String("caller_id", msg.CallerID)}
	warned := false
	p.orphans.Do(func() {
		warned = true
		p.logger.Warn("Dropping response with no pending caller.",
			append(fields, zap.Int64("suppressed_since_last_warning", p.quietOrphans.Swap(0)))...)
	})
	if !warned {
		p.quietOrphans.Add(1)
		p.logger.Debug("Dropping response with no pending caller.", fields...)
	}
}

func (p *process) drainStderr(r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.logger.Debug("Bridge stderr.", zap.String("line", sc.Text()))
	}
	return nil
}

// call sends one request and waits for its answer.
func (p *process) call(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	id := uuid.NewString()
	req := Message{Event: event, CallerID: id}
	if payload != nil {
		data, err := wire.Marshal(payload)
		if err != nil {
			return nil, errs.Wrap(errs.KindConfiguration, event, err)
		}
		req.Data = data
	}
	line, err := wire.Marshal(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, event, err)
	}

	ch := make(chan Message, 1)
	p.pmu.Lock()
	select {
	case <-p.done:
		p.pmu.Unlock()
		return nil, errs.Wrap(errs.KindEngine, event, errExited)
	default:
	}
	p.pending[id] = ch
	p.pmu.Unlock()

	p.wmu.Lock()
	_, err = p.stdin.Write(append(line, '\n'))
	p.wmu.Unlock()
	if err != nil {
		p.forget(id)
		return nil, errs.Wrap(errs.KindEngine, event, err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, errs.Wrap(errs.KindEngine, event, errExited)
		}
		if msg.Error != "" {
			if msg.Kind != errs.KindUnknown {
				return nil, errs.New(msg.Kind, event, msg.Error)
			}
			return nil, fmt.Errorf("%s: %s", event, msg.Error)
		}
		return msg.Data, nil
	case <-ctx.Done():
		p.forget(id)
		return nil, ctx.Err()
	}
}

func (p *process) forget(id string) {
	p.pmu.Lock()
	delete(p.pending, id)
	p.pmu.Unlock()
}

// shutdown closes stdin, which asks the child to exit, and kills it if
// it has not closed its output after grace.
func (p *process) shutdown(grace time.Duration) error {
	_ = p.stdin.Close()
	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-p.done:
		case <-timer.C:
			_ = p.cmd.Process.Kill()
		}
	} else {
		_ = p.cmd.Process.Kill()
	}
	// Readers must finish before Wait closes the pipes.
	gerr := p.group.Wait()
	err := p.cmd.Wait()
	if err == nil {
		err = gerr
	}
	return err
}

func (d *Driver) current() (*process, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.proc == nil {
		return nil, errs.New(errs.KindEngine, name, "bridge process is not running")
	}
	return d.proc, nil
}

func (d *Driver) CreatePage(ctx context.Context) (driver.Page, error) {
	p, err := d.start(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := p.call(ctx, EventCreatePage, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindEngine, "create page", err)
	}
	var created Created
	if err := wire.Unmarshal(raw, &created); err != nil || created.PageID == "" {
		return nil, errs.Newf(errs.KindEngine, "create page", "bad createPage answer %s", raw)
	}
	return page{id: created.PageID}, nil
}

func pageID(p driver.Page) (string, error) {
	bp, ok := p.(page)
	if !ok {
		return "", errs.Newf(errs.KindConfiguration, name, "foreign page handle %T", p)
	}
	return bp.id, nil
}

// exec runs op on the page and decodes the answer into out, if non-nil.
func (d *Driver) exec(ctx context.Context, pg driver.Page, op Op, params, out any) error {
	id, err := pageID(pg)
	if err != nil {
		return err
	}
	proc, err := d.current()
	if err != nil {
		return err
	}
	req := Exec{PageID: id, Op: op}
	if params != nil {
		if req.Params, err = wire.Marshal(params); err != nil {
			return errs.Wrap(errs.KindConfiguration, string(op), err)
		}
	}
	event := EventPageExec
	if op.async() {
		event = EventPageExecAsync
	}
	raw, err := proc.call(ctx, event, req)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := wire.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s answer: %w", op, err)
	}
	return nil
}

func (d *Driver) Evaluate(ctx context.Context, p driver.Page, fn string, args ...any) (json.RawMessage, error) {
	id, err := pageID(p)
	if err != nil {
		return nil, err
	}
	proc, err := d.current()
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = []any{}
	}
	raw, err := proc.call(ctx, EventPageEvaluate, Evaluate{PageID: id, Fn: fn, Args: args})
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	return raw, nil
}

func (d *Driver) navigation(ctx context.Context, p driver.Page, op Op, params any) (*driver.Response, error) {
	var resp Response
	if err := d.exec(ctx, p, op, params, &resp); err != nil {
		return nil, err
	}
	return resp.toDriver(), nil
}

func (d *Driver) Navigate(ctx context.Context, p driver.Page, url string, opts driver.NavigateOptions) (*driver.Response, error) {
	if err := d.exec(ctx, p, OpSetHeaders, headersParams{Headers: opts.Headers}, nil); err != nil {
		return nil, err
	}
	return d.navigation(ctx, p, OpNavigate, NavigateParams{
		URL:     url,
		Method:  opts.MethodOrGet(),
		Body:    opts.Body,
		Headers: opts.Headers,
	})
}

func (d *Driver) Reload(ctx context.Context, p driver.Page) (*driver.Response, error) {
	return d.navigation(ctx, p, OpReload, nil)
}

func (d *Driver) Back(ctx context.Context, p driver.Page) (*driver.Response, error) {
	return d.navigation(ctx, p, OpBack, nil)
}

func (d *Driver) Forward(ctx context.Context, p driver.Page) (*driver.Response, error) {
	return d.navigation(ctx, p, OpForward, nil)
}

func (d *Driver) IsLoading(ctx context.Context, p driver.Page) (bool, error) {
	var loading bool
	err := d.exec(ctx, p, OpIsLoading, nil, &loading)
	return loading, err
}

// URL returns the page's current location.
func (d *Driver) URL(ctx context.Context, p driver.Page) (string, error) {
	var u string
	err := d.exec(ctx, p, OpURL, nil, &u)
	return u, err
}

func (d *Driver) ClosePage(ctx context.Context, p driver.Page) error {
	return d.exec(ctx, p, OpClose, nil, nil)
}

// Close stops the child process.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	p := d.proc
	d.proc = nil
	d.mu.Unlock()
	if p == nil {
		return nil
	}
	grace := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		grace = time.Until(dl)
	}
	err := p.shutdown(grace)
	var exit *exec.ExitError
	if err != nil && !errors.As(err, &exit) {
		return errs.Wrap(errs.KindEngine, "close", err)
	}
	p.logger.Info("Bridge process stopped.")
	return nil
}

func (d *Driver) Cookies(ctx context.Context, p driver.Page) ([]driver.Cookie, error) {
	var out cookiesParams
	err := d.exec(ctx, p, OpGetCookies, nil, &out)
	return out.Cookies, err
}

func (d *Driver) SetCookies(ctx context.Context, p driver.Page, cookies []driver.Cookie) error {
	return d.exec(ctx, p, OpSetCookies, cookiesParams{Cookies: cookies}, nil)
}

func (d *Driver) ClearCookies(ctx context.Context, p driver.Page) error {
	return d.exec(ctx, p, OpClearCookies, nil, nil)
}

func (d *Driver) SetViewport(ctx context.Context, p driver.Page, v driver.Viewport) error {
	return d.exec(ctx, p, OpSetViewport, v, nil)
}

func (d *Driver) SetUserAgent(ctx context.Context, p driver.Page, ua string) error {
	return d.exec(ctx, p, OpSetUserAgent, userAgentParams{UserAgent: ua}, nil)
}

func (d *Driver) SetZoom(ctx context.Context, p driver.Page, factor float64) error {
	return d.exec(ctx, p, OpSetZoom, zoomParams{Factor: factor}, nil)
}

func (d *Driver) Screenshot(ctx context.Context, p driver.Page, opts driver.ScreenshotOptions) ([]byte, error) {
	var png []byte
	err := d.exec(ctx, p, OpScreenshot, screenshotParams{FullPage: opts.FullPage}, &png)
	return png, err
}

func (d *Driver) SetFiles(ctx context.Context, p driver.Page, selector string, files []string) error {
	return d.exec(ctx, p, OpSetFiles, filesParams{Selector: selector, Files: files}, nil)
}
