package navchain

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/navchain/pkg/driver"
	"github.com/xkilldash9x/navchain/pkg/errs"
	"github.com/xkilldash9x/navchain/pkg/registry"
	"github.com/xkilldash9x/navchain/pkg/wait"
)

type handler = registry.Handler[*Session]

// both registers a do.* route alongside its shorthand.
func both(name string) []string { return []string{name, "do." + name} }

func doRoutes() []registry.Entry[*Session] {
	return []registry.Entry[*Session]{
		{Routes: both("open"), Handler: doOpen},
		{Routes: both("reload"), Handler: navAction("reload", func(ctx context.Context, s *Session, p driver.Page) (*driver.Response, error) {
			r, err := driver.RequireReloader(s.drv)
			if err != nil {
				return nil, err
			}
			return r.Reload(ctx, p)
		})},
		{Routes: both("back"), Handler: navAction("back", func(ctx context.Context, s *Session, p driver.Page) (*driver.Response, error) {
			h, err := driver.RequireHistorian(s.drv)
			if err != nil {
				return nil, err
			}
			return h.Back(ctx, p)
		})},
		{Routes: both("forward"), Handler: navAction("forward", func(ctx context.Context, s *Session, p driver.Page) (*driver.Response, error) {
			h, err := driver.RequireHistorian(s.drv)
			if err != nil {
				return nil, err
			}
			return h.Forward(ctx, p)
		})},
		{Routes: both("click"), Handler: domAction("click", driver.OpClick, false, false)},
		{Routes: both("type"), Handler: domAction("type", driver.OpType, true, false)},
		{Routes: both("fill"), Handler: domAction("fill", driver.OpFill, true, false)},
		{Routes: both("clear"), Handler: domAction("clear", driver.OpFill, false, false)},
		{Routes: both("select"), Handler: domAction("select", driver.OpSelect, true, false)},
		{Routes: both("check"), Handler: domAction("check", driver.OpCheck, false, true)},
		{Routes: both("uncheck"), Handler: domAction("uncheck", driver.OpCheck, false, false)},
		{Routes: both("submit"), Handler: domAction("submit", driver.OpSubmit, false, false)},
		{Routes: both("scroll.to"), Handler: domAction("scroll.to", driver.OpScrollTo, false, false)},
		{Routes: both("scroll"), Handler: doScroll},
		{Routes: both("upload"), Handler: doUpload},
		{Routes: both("screenshot"), Handler: doScreenshot},
		{Routes: both("inject"), Handler: doInject},
		{Routes: both("evaluate"), Handler: doEvaluate},
		{Routes: both("frame"), Handler: doFrame},
		{Routes: both("frame.parent"), Handler: doParentFrame},
		{Routes: both("wait"), Handler: doWait},
		{Routes: both("close"), Handler: doClose},
		{Routes: both("log"), Handler: doLog},
	}
}

func arity(op string, args []any, lo, hi int) error {
	if len(args) < lo || hi >= 0 && len(args) > hi {
		switch {
		case lo == hi:
			return errs.Newf(errs.KindConfiguration, op, "takes %d argument(s), got %d", lo, len(args))
		case hi < 0:
			return errs.Newf(errs.KindConfiguration, op, "takes at least %d argument(s), got %d", lo, len(args))
		}
		return errs.Newf(errs.KindConfiguration, op, "takes %d to %d arguments, got %d", lo, hi, len(args))
	}
	return nil
}

// pushPage queues fn against the page active when the step runs.
func (s *Session) pushPage(route string, fn func(ctx context.Context, s *Session, p driver.Page) error) {
	s.Push(route, func(ctx context.Context, s *Session) error {
		p, err := s.Page()
		if err != nil {
			return err
		}
		return fn(ctx, s, p)
	})
}

func doOpen(s *Session, args ...any) error {
	if err := arity("open", args, 1, 2); err != nil {
		return err
	}
	var opts driver.NavigateOptions
	if len(args) == 2 {
		o, ok := args[1].(driver.NavigateOptions)
		if !ok {
			return errs.Newf(errs.KindConfiguration, "open", "options must be driver.NavigateOptions, got %T", args[1])
		}
		opts = o
	}
	target := args[0]
	s.pushPage("open", func(ctx context.Context, s *Session, p driver.Page) error {
		u, err := resolveString("open", target)
		if err != nil {
			return err
		}
		return s.navigate(ctx, p, u, opts)
	})
	return nil
}

func (s *Session) navigate(ctx context.Context, p driver.Page, rawURL string, opts driver.NavigateOptions) error {
	target := s.absolute(rawURL)
	headers := s.headerSnapshot()
	for k, v := range opts.Headers {
		headers[k] = v
	}
	opts.Headers = headers

	s.logger.Debug("Navigating.", zap.String("url", target), zap.String("method", opts.MethodOrGet()))
	resp, err := s.drv.Navigate(ctx, p, target, opts)
	if err != nil {
		return err
	}
	s.tabs.SetResponse(resp)
	return s.injectAll(ctx, p)
}

// absolute applies the configured prefix to relative URLs.
func (s *Session) absolute(raw string) string {
	if s.opts.prefix == "" {
		return raw
	}
	if u, err := url.Parse(raw); err == nil && (u.IsAbs() || u.Host != "") {
		return raw
	}
	if strings.HasSuffix(s.opts.prefix, "/") && strings.HasPrefix(raw, "/") {
		return s.opts.prefix + raw[1:]
	}
	return s.opts.prefix + raw
}

func navAction(route string, fn func(ctx context.Context, s *Session, p driver.Page) (*driver.Response, error)) handler {
	return func(s *Session, args ...any) error {
		if err := arity(route, args, 0, 0); err != nil {
			return err
		}
		s.pushPage(route, func(ctx context.Context, s *Session, p driver.Page) error {
			resp, err := fn(ctx, s, p)
			if err != nil {
				return err
			}
			s.tabs.SetResponse(resp)
			return s.injectAll(ctx, p)
		})
		return nil
	}
}

func (s *Session) injectAll(ctx context.Context, p driver.Page) error {
	for _, path := range s.opts.inject {
		if err := s.inject(ctx, p, path); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) inject(ctx context.Context, p driver.Page, path string) error {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return errs.Wrap(errs.KindConfiguration, "inject", err)
	}
	src, err := os.ReadFile(expanded)
	if err != nil {
		return errs.Wrap(errs.KindNotFound, "inject", err)
	}
	if _, err := s.drv.Evaluate(ctx, p, "function () {\n"+string(src)+"\n}"); err != nil {
		return fmt.Errorf("injecting %s: %w", path, err)
	}
	return nil
}

func domAction(route string, op driver.Op, withText, checked bool) handler {
	want := 1
	if withText {
		want = 2
	}
	return func(s *Session, args ...any) error {
		if err := arity(route, args, want, want); err != nil {
			return err
		}
		s.pushPage(route, func(ctx context.Context, s *Session, p driver.Page) error {
			sel, err := resolveString(route, args[0])
			if err != nil {
				return err
			}
			q := driver.Query{Op: op, Selector: sel, Checked: checked}
			if withText {
				if q.Text, err = resolveString(route, args[1]); err != nil {
					return err
				}
			}
			return s.dom.Act(ctx, p, q)
		})
		return nil
	}
}

func doScroll(s *Session, args ...any) error {
	if err := arity("scroll", args, 2, 2); err != nil {
		return err
	}
	s.pushPage("scroll", func(ctx context.Context, s *Session, p driver.Page) error {
		x, err := resolveInt("scroll", args[0])
		if err != nil {
			return err
		}
		y, err := resolveInt("scroll", args[1])
		if err != nil {
			return err
		}
		return s.dom.Act(ctx, p, driver.Query{Op: driver.OpScroll, X: x, Y: y})
	})
	return nil
}

func doUpload(s *Session, args ...any) error {
	if err := arity("upload", args, 2, -1); err != nil {
		return err
	}
	s.pushPage("upload", func(ctx context.Context, s *Session, p driver.Page) error {
		up, err := driver.RequireUploader(s.drv)
		if err != nil {
			return err
		}
		sel, err := resolveString("upload", args[0])
		if err != nil {
			return err
		}
		files := make([]string, 0, len(args)-1)
		for _, a := range args[1:] {
			f, err := resolveString("upload", a)
			if err != nil {
				return err
			}
			if f, err = localPath(f); err != nil {
				return errs.Wrap(errs.KindConfiguration, "upload", err)
			}
			files = append(files, f)
		}
		return up.SetFiles(ctx, p, sel, files)
	})
	return nil
}

func localPath(p string) (string, error) {
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", err
	}
	return filepath.Abs(expanded)
}

// doScreenshot takes a destination path or a result sink, and an optional
// full-page flag.
func doScreenshot(s *Session, args ...any) error {
	if err := arity("screenshot", args, 1, 2); err != nil {
		return err
	}
	var full bool
	if len(args) == 2 {
		b, ok := args[1].(bool)
		if !ok {
			return errs.Newf(errs.KindConfiguration, "screenshot", "full-page flag must be a bool, got %T", args[1])
		}
		full = b
	}
	var sink Sink
	if _, isPath := args[0].(string); !isPath {
		var err error
		if sink, err = sinkFrom("screenshot", args[0]); err != nil {
			return err
		}
	}
	s.pushPage("screenshot", func(ctx context.Context, s *Session, p driver.Page) error {
		shot, err := driver.RequireScreenshotter(s.drv)
		if err != nil {
			return err
		}
		png, err := shot.Screenshot(ctx, p, driver.ScreenshotOptions{FullPage: full})
		if err != nil {
			return err
		}
		if sink != nil {
			return sink.deliver(ctx, png)
		}
		path, err := localPath(args[0].(string))
		if err != nil {
			return errs.Wrap(errs.KindConfiguration, "screenshot", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, png, 0o644)
	})
	return nil
}

func doInject(s *Session, args ...any) error {
	if err := arity("inject", args, 1, 1); err != nil {
		return err
	}
	s.pushPage("inject", func(ctx context.Context, s *Session, p driver.Page) error {
		path, err := resolveString("inject", args[0])
		if err != nil {
			return err
		}
		return s.inject(ctx, p, path)
	})
	return nil
}

func doEvaluate(s *Session, args ...any) error {
	if err := arity("evaluate", args, 1, -1); err != nil {
		return err
	}
	src, err := funcSource("evaluate", args[0])
	if err != nil {
		return err
	}
	s.pushPage("evaluate", func(ctx context.Context, s *Session, p driver.Page) error {
		resolved, err := resolveAll(args[1:])
		if err != nil {
			return err
		}
		_, err = s.drv.Evaluate(ctx, p, src, resolved...)
		return err
	})
	return nil
}

func doFrame(s *Session, args ...any) error {
	if err := arity("frame", args, 1, 1); err != nil {
		return err
	}
	s.pushPage("frame", func(ctx context.Context, s *Session, p driver.Page) error {
		fs, err := driver.RequireFrameSwitcher(s.drv)
		if err != nil {
			return err
		}
		sel, err := resolveString("frame", args[0])
		if err != nil {
			return err
		}
		return fs.SwitchFrame(ctx, p, sel)
	})
	return nil
}

func doParentFrame(s *Session, args ...any) error {
	if err := arity("frame.parent", args, 0, 0); err != nil {
		return err
	}
	s.pushPage("frame.parent", func(ctx context.Context, s *Session, p driver.Page) error {
		fs, err := driver.RequireFrameSwitcher(s.drv)
		if err != nil {
			return err
		}
		return fs.SwitchParentFrame(ctx, p)
	})
	return nil
}

func doWait(s *Session, args ...any) error {
	spec, err := wait.ParseArgs(args)
	if err != nil {
		return err
	}
	s.pushPage("wait", func(ctx context.Context, s *Session, p driver.Page) error {
		return s.waiter.Await(ctx, probe{s: s, page: p}, spec)
	})
	return nil
}

func doClose(s *Session, args ...any) error {
	if err := arity("close", args, 0, 0); err != nil {
		return err
	}
	s.Push("close", func(ctx context.Context, s *Session) error {
		return s.tabs.CloseActive(ctx)
	})
	return nil
}

func doLog(s *Session, args ...any) error {
	s.Push("log", func(ctx context.Context, s *Session) error {
		resolved, err := resolveAll(args)
		if err != nil {
			return err
		}
		s.logger.Info(fmt.Sprint(resolved...))
		return nil
	})
	return nil
}

// Open navigates the active tab to url, which may be relative to the
// configured prefix.
func (s *Session) Open(url any) *Session { return s.Call("open", url) }

// OpenWith navigates with a custom method, body or headers.
func (s *Session) OpenWith(url any, opts driver.NavigateOptions) *Session {
	return s.Call("open", url, opts)
}

func (s *Session) Reload() *Session  { return s.Call("reload") }
func (s *Session) Back() *Session    { return s.Call("back") }
func (s *Session) Forward() *Session { return s.Call("forward") }

func (s *Session) Click(selector any) *Session { return s.Call("click", selector) }

// Type appends text to the element's value one key at a time.
func (s *Session) Type(selector, text any) *Session { return s.Call("type", selector, text) }

// Fill replaces the element's value.
func (s *Session) Fill(selector, text any) *Session { return s.Call("fill", selector, text) }

func (s *Session) Clear(selector any) *Session         { return s.Call("clear", selector) }
func (s *Session) Select(selector, value any) *Session { return s.Call("select", selector, value) }
func (s *Session) Check(selector any) *Session         { return s.Call("check", selector) }
func (s *Session) Uncheck(selector any) *Session       { return s.Call("uncheck", selector) }
func (s *Session) Submit(selector any) *Session        { return s.Call("submit", selector) }
func (s *Session) Scroll(x, y any) *Session            { return s.Call("scroll", x, y) }
func (s *Session) ScrollTo(selector any) *Session      { return s.Call("scroll.to", selector) }
func (s *Session) Inject(path any) *Session            { return s.Call("inject", path) }
func (s *Session) Frame(selector any) *Session         { return s.Call("frame", selector) }
func (s *Session) ParentFrame() *Session               { return s.Call("frame.parent") }
func (s *Session) CloseTab() *Session                  { return s.Call("close") }
func (s *Session) Log(args ...any) *Session            { return s.Call("log", args...) }
func (s *Session) Wait(args ...any) *Session           { return s.Call("wait", args...) }
func (s *Session) Screenshot(dst any, full ...bool) *Session {
	args := []any{dst}
	if len(full) > 0 {
		args = append(args, full[0])
	}
	return s.Call("screenshot", args...)
}

// Upload attaches local files to a file input.
func (s *Session) Upload(selector any, files ...string) *Session {
	args := []any{selector}
	for _, f := range files {
		args = append(args, f)
	}
	return s.Call("upload", args...)
}

// Evaluate runs fn in the page for its side effects.
func (s *Session) Evaluate(fn any, args ...any) *Session {
	return s.Call("evaluate", append([]any{fn}, args...)...)
}
