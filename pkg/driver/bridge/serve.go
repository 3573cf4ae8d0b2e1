package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/navchain/pkg/driver"
	"github.com/xkilldash9x/navchain/pkg/errs"
)

// LaunchOptionsFromEnv decodes the launch options a parent Driver passed
// through OptionsEnv. ok is false when the variable is unset.
func LaunchOptionsFromEnv() (opts driver.LaunchOptions, ok bool, err error) {
	raw, ok := os.LookupEnv(OptionsEnv)
	if !ok || raw == "" {
		return driver.LaunchOptions{}, false, nil
	}
	if err := wire.UnmarshalFromString(raw, &opts); err != nil {
		return driver.LaunchOptions{}, true, errs.Wrapf(errs.KindConfiguration, "serve", err, "decoding %s", OptionsEnv)
	}
	return opts, true, nil
}

// Serve is the child side of the protocol: it announces readiness on out,
// then answers requests read from in using drv. Requests run concurrently
// and answers may arrive in any order. Serve returns when in is exhausted
// and every request has been answered.
func Serve(ctx context.Context, in io.Reader, out io.Writer, drv driver.Driver, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &server{
		drv:     drv,
		out:     out,
		logger:  logger.Named("bridge.serve"),
		pages:   make(map[string]driver.Page),
		headers: make(map[string]http.Header),
	}
	if err := s.send(Message{Event: EventReady}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	for sc.Scan() {
		var msg Message
		if err := wire.Unmarshal(sc.Bytes(), &msg); err != nil {
			s.logger.Warn("Dropping malformed request.", zap.Error(err))
			continue
		}
		g.Go(func() error {
			s.answer(gctx, msg)
			return nil
		})
	}
	_ = g.Wait()
	return sc.Err()
}

type server struct {
	drv    driver.Driver
	logger *zap.Logger

	wmu sync.Mutex
	out io.Writer

	mu      sync.Mutex
	pages   map[string]driver.Page
	headers map[string]http.Header
}

func (s *server) send(msg Message) error {
	line, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_, err = s.out.Write(append(line, '\n'))
	return err
}

func (s *server) answer(ctx context.Context, req Message) {
	data, err := s.handle(ctx, req)
	reply := Message{Event: req.Event, CallerID: req.CallerID}
	if err != nil {
		reply.Error = err.Error()
		reply.Kind = errs.KindOf(err)
	} else if data != nil {
		raw, merr := wire.Marshal(data)
		if merr != nil {
			reply.Error = merr.Error()
		} else {
			reply.Data = raw
		}
	}
	if err := s.send(reply); err != nil {
		s.logger.Warn("Could not send reply.", zap.String("event", req.Event), zap.Error(err))
	}
}

func (s *server) page(id string) (driver.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[id]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, name, "unknown page %q", id)
	}
	return p, nil
}

func (s *server) handle(ctx context.Context, req Message) (any, error) {
	switch req.Event {
	case EventCreatePage:
		p, err := s.drv.CreatePage(ctx)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.pages[p.ID()] = p
		s.mu.Unlock()
		return Created{PageID: p.ID()}, nil

	case EventPageEvaluate:
		var ev Evaluate
		if err := wire.Unmarshal(req.Data, &ev); err != nil {
			return nil, err
		}
		p, err := s.page(ev.PageID)
		if err != nil {
			return nil, err
		}
		return s.drv.Evaluate(ctx, p, ev.Fn, ev.Args...)

	case EventPageExec, EventPageExecAsync:
		var ex Exec
		if err := wire.Unmarshal(req.Data, &ex); err != nil {
			return nil, err
		}
		if !ex.Op.Valid() {
			return nil, fmt.Errorf("unknown operation %q", ex.Op)
		}
		p, err := s.page(ex.PageID)
		if err != nil {
			return nil, err
		}
		return s.exec(ctx, p, ex)
	}
	return nil, fmt.Errorf("unknown event %q", req.Event)
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return wire.Unmarshal(raw, v)
}

func (s *server) exec(ctx context.Context, p driver.Page, ex Exec) (any, error) {
	d := s.drv
	switch ex.Op {
	case OpNavigate:
		var np NavigateParams
		if err := decode(ex.Params, &np); err != nil {
			return nil, err
		}
		h := np.Headers
		if h == nil {
			s.mu.Lock()
			h = s.headers[ex.PageID]
			s.mu.Unlock()
		}
		resp, err := d.Navigate(ctx, p, np.URL, driver.NavigateOptions{Method: np.Method, Body: np.Body, Headers: h})
		if err != nil {
			return nil, err
		}
		return responseFrom(resp), nil

	case OpReload:
		r, err := driver.RequireReloader(d)
		if err != nil {
			return nil, err
		}
		return navigated(r.Reload(ctx, p))

	case OpBack, OpForward:
		h, err := driver.RequireHistorian(d)
		if err != nil {
			return nil, err
		}
		if ex.Op == OpBack {
			return navigated(h.Back(ctx, p))
		}
		return navigated(h.Forward(ctx, p))

	case OpClose:
		s.mu.Lock()
		delete(s.pages, ex.PageID)
		delete(s.headers, ex.PageID)
		s.mu.Unlock()
		return nil, d.ClosePage(ctx, p)

	case OpURL:
		return driver.DOM{Driver: d}.Read(ctx, p, driver.Query{Op: driver.OpURL})

	case OpIsLoading:
		return d.IsLoading(ctx, p)

	case OpSetHeaders:
		var hp headersParams
		if err := decode(ex.Params, &hp); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.headers[ex.PageID] = hp.Headers
		s.mu.Unlock()
		return nil, nil

	case OpSetViewport:
		v, err := driver.RequireViewporter(d)
		if err != nil {
			return nil, err
		}
		var vp driver.Viewport
		if err := decode(ex.Params, &vp); err != nil {
			return nil, err
		}
		return nil, v.SetViewport(ctx, p, vp)

	case OpSetUserAgent:
		u, err := driver.RequireUserAgenter(d)
		if err != nil {
			return nil, err
		}
		var up userAgentParams
		if err := decode(ex.Params, &up); err != nil {
			return nil, err
		}
		return nil, u.SetUserAgent(ctx, p, up.UserAgent)

	case OpGetCookies, OpSetCookies, OpClearCookies:
		jar, err := driver.RequireCookieJar(d)
		if err != nil {
			return nil, err
		}
		switch ex.Op {
		case OpGetCookies:
			cookies, err := jar.Cookies(ctx, p)
			if err != nil {
				return nil, err
			}
			return cookiesParams{Cookies: cookies}, nil
		case OpSetCookies:
			var cp cookiesParams
			if err := decode(ex.Params, &cp); err != nil {
				return nil, err
			}
			return nil, jar.SetCookies(ctx, p, cp.Cookies)
		}
		return nil, jar.ClearCookies(ctx, p)

	case OpSetZoom:
		z, err := driver.RequireZoomer(d)
		if err != nil {
			return nil, err
		}
		var zp zoomParams
		if err := decode(ex.Params, &zp); err != nil {
			return nil, err
		}
		return nil, z.SetZoom(ctx, p, zp.Factor)

	case OpScreenshot:
		sh, err := driver.RequireScreenshotter(d)
		if err != nil {
			return nil, err
		}
		var sp screenshotParams
		if err := decode(ex.Params, &sp); err != nil {
			return nil, err
		}
		return sh.Screenshot(ctx, p, driver.ScreenshotOptions{FullPage: sp.FullPage})

	case OpSetFiles:
		up, err := driver.RequireUploader(d)
		if err != nil {
			return nil, err
		}
		var fp filesParams
		if err := decode(ex.Params, &fp); err != nil {
			return nil, err
		}
		return nil, up.SetFiles(ctx, p, fp.Selector, fp.Files)
	}
	return nil, fmt.Errorf("unknown operation %q", ex.Op)
}

func navigated(resp *driver.Response, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return responseFrom(resp), nil
}
