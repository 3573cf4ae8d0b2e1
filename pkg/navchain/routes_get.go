package navchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/xkilldash9x/navchain/pkg/driver"
	"github.com/xkilldash9x/navchain/pkg/errs"
	"github.com/xkilldash9x/navchain/pkg/registry"
)

// reader fetches one value from the active tab. It consumes the first
// nargs call arguments; nargs < 0 means all of them.
type reader struct {
	name  string
	nargs int
	read  func(ctx context.Context, s *Session, p driver.Page, args []any) (any, error)
	// truthy readers are asserted without an explicit expectation.
	truthy bool
}

// errAbsent marks a read whose named value does not exist. Negated
// assertions count it as a mismatch.
var errAbsent = errors.New("value is absent")

func readString(ctx context.Context, s *Session, p driver.Page, q driver.Query) (any, error) {
	raw, err := s.dom.Read(ctx, p, q)
	if err != nil {
		return nil, err
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", q.Op, err)
	}
	return out, nil
}

func selectorReader(name string, op driver.Op) reader {
	return reader{name: name, nargs: 1, read: func(ctx context.Context, s *Session, p driver.Page, args []any) (any, error) {
		sel, err := resolveString(name, args[0])
		if err != nil {
			return nil, err
		}
		return readString(ctx, s, p, driver.Query{Op: op, Selector: sel})
	}}
}

var readers = []reader{
	{name: "title", read: func(ctx context.Context, s *Session, p driver.Page, _ []any) (any, error) {
		return readString(ctx, s, p, driver.Query{Op: driver.OpTitle})
	}},
	{name: "url", read: func(ctx context.Context, s *Session, p driver.Page, _ []any) (any, error) {
		return readString(ctx, s, p, driver.Query{Op: driver.OpURL})
	}},
	selectorReader("text", driver.OpText),
	selectorReader("html", driver.OpHTML),
	selectorReader("value", driver.OpValue),
	{name: "attribute", nargs: 2, read: func(ctx context.Context, s *Session, p driver.Page, args []any) (any, error) {
		sel, err := resolveString("attribute", args[0])
		if err != nil {
			return nil, err
		}
		attr, err := resolveString("attribute", args[1])
		if err != nil {
			return nil, err
		}
		return readString(ctx, s, p, driver.Query{Op: driver.OpAttribute, Selector: sel, Name: attr})
	}},
	{name: "count", nargs: 1, read: func(ctx context.Context, s *Session, p driver.Page, args []any) (any, error) {
		sel, err := resolveString("count", args[0])
		if err != nil {
			return nil, err
		}
		return s.dom.Count(ctx, p, sel)
	}},
	{name: "status", read: func(_ context.Context, s *Session, _ driver.Page, _ []any) (any, error) {
		resp, err := s.response()
		if err != nil {
			return nil, err
		}
		return resp.Status, nil
	}},
	{name: "header", nargs: 1, read: func(_ context.Context, s *Session, _ driver.Page, args []any) (any, error) {
		name, err := resolveString("header", args[0])
		if err != nil {
			return nil, err
		}
		resp, err := s.response()
		if err != nil {
			return nil, err
		}
		values := resp.Headers.Values(name)
		if len(values) == 0 {
			return nil, errs.Wrapf(errs.KindNotFound, "header", errAbsent, "response has no %q header", name)
		}
		return values[0], nil
	}},
	{name: "headers", read: func(_ context.Context, s *Session, _ driver.Page, _ []any) (any, error) {
		resp, err := s.response()
		if err != nil {
			return nil, err
		}
		if resp.Headers == nil {
			return http.Header{}, nil
		}
		return resp.Headers.Clone(), nil
	}},
	{name: "cookie", nargs: 1, read: func(ctx context.Context, s *Session, p driver.Page, args []any) (any, error) {
		name, err := resolveString("cookie", args[0])
		if err != nil {
			return nil, err
		}
		jar, err := driver.RequireCookieJar(s.drv)
		if err != nil {
			return nil, err
		}
		cookies, err := jar.Cookies(ctx, p)
		if err != nil {
			return nil, err
		}
		for _, c := range cookies {
			if c.Name == name {
				return c.Value, nil
			}
		}
		return nil, errs.Wrapf(errs.KindNotFound, "cookie", errAbsent, "no cookie named %q", name)
	}},
	{name: "cookies", read: func(ctx context.Context, s *Session, p driver.Page, _ []any) (any, error) {
		jar, err := driver.RequireCookieJar(s.drv)
		if err != nil {
			return nil, err
		}
		return jar.Cookies(ctx, p)
	}},
	{name: "evaluate", nargs: -1, truthy: true, read: func(ctx context.Context, s *Session, p driver.Page, args []any) (any, error) {
		if len(args) == 0 {
			return nil, errs.New(errs.KindConfiguration, "evaluate", "missing function")
		}
		src, err := funcSource("evaluate", args[0])
		if err != nil {
			return nil, err
		}
		resolved, err := resolveAll(args[1:])
		if err != nil {
			return nil, err
		}
		return s.drv.Evaluate(ctx, p, src, resolved...)
	}},
}

// assertOnly readers exist under test.* but not get.*.
var assertOnly = []reader{
	{name: "exists", nargs: 1, truthy: true, read: func(ctx context.Context, s *Session, p driver.Page, args []any) (any, error) {
		sel, err := resolveString("exists", args[0])
		if err != nil {
			return nil, err
		}
		n, err := s.dom.Count(ctx, p, sel)
		return n > 0, err
	}},
	{name: "visible", nargs: 1, truthy: true, read: func(ctx context.Context, s *Session, p driver.Page, args []any) (any, error) {
		sel, err := resolveString("visible", args[0])
		if err != nil {
			return nil, err
		}
		raw, err := s.dom.Read(ctx, p, driver.Query{Op: driver.OpVisible, Selector: sel})
		if err != nil {
			return nil, err
		}
		return driver.Truthy(raw), nil
	}},
}

func getRoutes() []registry.Entry[*Session] {
	var out []registry.Entry[*Session]
	for _, r := range readers {
		out = append(out, registry.Entry[*Session]{Routes: []string{"get." + r.name}, Handler: getHandler(r)})
	}
	return out
}

// getHandler expects the reader's arguments followed by a result sink.
func getHandler(r reader) handler {
	route := "get." + r.name
	return func(s *Session, args ...any) error {
		if r.nargs >= 0 {
			if err := arity(route, args, r.nargs+1, r.nargs+1); err != nil {
				return err
			}
		} else if err := arity(route, args, 2, -1); err != nil {
			return err
		}
		sink, err := sinkFrom(route, args[len(args)-1])
		if err != nil {
			return err
		}
		in := args[:len(args)-1]
		s.pushPage(route, func(ctx context.Context, s *Session, p driver.Page) error {
			v, err := r.read(ctx, s, p, in)
			if err != nil {
				return err
			}
			return sink.deliver(ctx, v)
		})
		return nil
	}
}

func testRoutes() []registry.Entry[*Session] {
	var out []registry.Entry[*Session]
	for _, r := range append(append([]reader(nil), readers...), assertOnly...) {
		if r.name == "headers" || r.name == "cookies" {
			continue
		}
		out = append(out,
			registry.Entry[*Session]{Routes: []string{"test." + r.name}, Handler: testHandler(r, false)},
			registry.Entry[*Session]{Routes: []string{"test.not." + r.name}, Handler: testHandler(r, true)},
		)
		if r.name == "evaluate" {
			out = append(out,
				registry.Entry[*Session]{Routes: []string{"test"}, Handler: testHandler(r, false)},
				registry.Entry[*Session]{Routes: []string{"test.not"}, Handler: testHandler(r, true)},
			)
		}
	}
	return out
}

// testHandler expects the reader's arguments followed by an expectation,
// except for truthy readers, which assert the value itself.
func testHandler(r reader, negate bool) handler {
	route := "test." + r.name
	if negate {
		route = "test.not." + r.name
	}
	return func(s *Session, args ...any) error {
		var in []any
		var exp expectation
		switch {
		case r.truthy:
			n := r.nargs
			if n < 0 {
				n = 1
				if err := arity(route, args, n, -1); err != nil {
					return err
				}
			} else if err := arity(route, args, n, n); err != nil {
				return err
			}
			in = args
			exp = expectation{truthy: true}
		default:
			if err := arity(route, args, r.nargs+1, r.nargs+1); err != nil {
				return err
			}
			in = args[:r.nargs]
			exp = expectFrom(args[r.nargs])
		}
		s.pushPage(route, func(ctx context.Context, s *Session, p driver.Page) error {
			v, err := r.read(ctx, s, p, in)
			if negate && errors.Is(err, errAbsent) {
				return nil
			}
			if err != nil {
				return err
			}
			msg, err := exp.check(v, negate)
			if err != nil {
				return err
			}
			if msg != "" {
				return errs.New(errs.KindAssertion, route, msg)
			}
			return nil
		})
		return nil
	}
}
