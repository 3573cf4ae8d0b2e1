package navchain

import (
	"context"

	"github.com/xkilldash9x/navchain/pkg/driver"
	"github.com/xkilldash9x/navchain/pkg/errs"
	"github.com/xkilldash9x/navchain/pkg/queue"
	"github.com/xkilldash9x/navchain/pkg/registry"
)

func tabRoutes() []registry.Entry[*Session] {
	return []registry.Entry[*Session]{
		{Routes: []string{"tab", "tab.switch"}, Handler: tabSwitch},
		{Routes: []string{"tab.open"}, Handler: tabOpen},
		{Routes: []string{"tab.count"}, Handler: tabCount},
		{Routes: []string{"tab.close"}, Handler: tabClose},
	}
}

// tabOpen opens a tab and, given a URL, queues its navigation right after.
func tabOpen(s *Session, args ...any) error {
	if err := arity("tab.open", args, 0, 2); err != nil {
		return err
	}
	s.Push("tab.open", func(ctx context.Context, s *Session) error {
		_, err := s.tabs.Open(ctx)
		return err
	})
	if len(args) > 0 {
		return doOpen(s, args...)
	}
	return nil
}

func tabCount(s *Session, args ...any) error {
	if err := arity("tab.count", args, 1, 1); err != nil {
		return err
	}
	sink, err := sinkFrom("tab.count", args[0])
	if err != nil {
		return err
	}
	s.Push("tab.count", func(ctx context.Context, s *Session) error {
		return sink.deliver(ctx, s.tabs.Count())
	})
	return nil
}

func tabSwitch(s *Session, args ...any) error {
	if err := arity("tab.switch", args, 1, 1); err != nil {
		return err
	}
	s.Push("tab.switch", func(ctx context.Context, s *Session) error {
		i, err := resolveInt("tab.switch", args[0])
		if err != nil {
			return err
		}
		_, err = s.tabs.Switch(i)
		return err
	})
	return nil
}

// tabClose closes the tab at the given index, or the active tab.
func tabClose(s *Session, args ...any) error {
	if err := arity("tab.close", args, 0, 1); err != nil {
		return err
	}
	s.Push("tab.close", func(ctx context.Context, s *Session) error {
		if len(args) == 0 {
			return s.tabs.CloseActive(ctx)
		}
		i, err := resolveInt("tab.close", args[0])
		if err != nil {
			return err
		}
		return s.tabs.Close(ctx, i)
	})
	return nil
}

func batchRoutes() []registry.Entry[*Session] {
	return []registry.Entry[*Session]{
		{Routes: []string{"batch", "batch.run"}, Handler: batchRun},
		{Routes: []string{"batch.create"}, Handler: batchCreate},
	}
}

// batchCreate runs the builder immediately against an empty queue and
// stores the steps it pushed. The session's own queue is restored on every
// exit path, including a panicking builder.
func batchCreate(s *Session, args ...any) error {
	if err := arity("batch.create", args, 2, 2); err != nil {
		return err
	}
	name, err := resolveString("batch.create", args[0])
	if err != nil {
		return err
	}
	builder, ok := args[1].(func(*Session))
	if !ok || builder == nil {
		return errs.Newf(errs.KindConfiguration, "batch.create", "builder must be a func(*Session), got %T", args[1])
	}
	steps := s.queue.Capture(func() { builder(s) })
	s.batches.Store(name, steps)
	return nil
}

// batchRun queues one step that replays the named batch. The name is looked
// up when the step runs, so a batch may be created after it is referenced.
func batchRun(s *Session, args ...any) error {
	if err := arity("batch", args, 1, 1); err != nil {
		return err
	}
	s.Push("batch", func(ctx context.Context, s *Session) error {
		name, err := resolveString("batch", args[0])
		if err != nil {
			return err
		}
		steps, ok := s.batches.Load(name)
		if !ok {
			return errs.Newf(errs.KindNotFound, "batch", "batch not found: %q", name)
		}
		return queue.Drain(ctx, s, steps)
	})
	return nil
}

func routeTable() []registry.Entry[*Session] {
	var table []registry.Entry[*Session]
	for _, part := range [][]registry.Entry[*Session]{
		doRoutes(), getRoutes(), setRoutes(), testRoutes(), tabRoutes(), batchRoutes(),
	} {
		table = append(table, part...)
	}
	return table
}

// Getter exposes the get.* routes. Each takes a result sink last: a slice
// pointer, a function of one argument, or a function of a value and a
// completion callback.
type Getter struct{ s *Session }

func (s *Session) Get() Getter { return Getter{s} }

func (g Getter) Title(sink any) *Session           { return g.s.Call("get.title", sink) }
func (g Getter) URL(sink any) *Session             { return g.s.Call("get.url", sink) }
func (g Getter) Text(selector, sink any) *Session  { return g.s.Call("get.text", selector, sink) }
func (g Getter) HTML(selector, sink any) *Session  { return g.s.Call("get.html", selector, sink) }
func (g Getter) Value(selector, sink any) *Session { return g.s.Call("get.value", selector, sink) }
func (g Getter) Count(selector, sink any) *Session { return g.s.Call("get.count", selector, sink) }
func (g Getter) Status(sink any) *Session          { return g.s.Call("get.status", sink) }
func (g Getter) Header(name, sink any) *Session    { return g.s.Call("get.header", name, sink) }
func (g Getter) Headers(sink any) *Session         { return g.s.Call("get.headers", sink) }
func (g Getter) Cookie(name, sink any) *Session    { return g.s.Call("get.cookie", name, sink) }
func (g Getter) Cookies(sink any) *Session         { return g.s.Call("get.cookies", sink) }
func (g Getter) Attribute(selector, name, sink any) *Session {
	return g.s.Call("get.attribute", selector, name, sink)
}

// Evaluate runs fn with args in the page and delivers its result.
func (g Getter) Evaluate(fn, sink any, args ...any) *Session {
	return g.s.Call("get.evaluate", append(append([]any{fn}, args...), sink)...)
}

// Setter exposes the set.* routes.
type Setter struct{ s *Session }

func (s *Session) Set() Setter { return Setter{s} }

func (st Setter) Header(name, value any) *Session  { return st.s.Call("set.header", name, value) }
func (st Setter) Headers(headers any) *Session     { return st.s.Call("set.headers", headers) }
func (st Setter) Auth(user, password any) *Session { return st.s.Call("set.auth", user, password) }
func (st Setter) Cookie(c driver.Cookie) *Session  { return st.s.Call("set.cookie", c) }
func (st Setter) ClearCookies() *Session           { return st.s.Call("set.cookies.clear") }
func (st Setter) Viewport(width, height any) *Session {
	return st.s.Call("set.viewport", width, height)
}
func (st Setter) UserAgent(ua any) *Session { return st.s.Call("set.useragent", ua) }
func (st Setter) Zoom(factor any) *Session  { return st.s.Call("set.zoom", factor) }

// Asserter exposes the test.* routes. Expectations are literals, a
// *regexp.Regexp, or a func(actual) bool.
type Asserter struct {
	s      *Session
	prefix string
}

func (s *Session) Test() Asserter { return Asserter{s: s, prefix: "test."} }

// Not negates every assertion made through the returned Asserter.
func (a Asserter) Not() Asserter { return Asserter{s: a.s, prefix: "test.not."} }

func (a Asserter) call(name string, args ...any) *Session { return a.s.Call(a.prefix+name, args...) }

func (a Asserter) Title(expect any) *Session           { return a.call("title", expect) }
func (a Asserter) URL(expect any) *Session             { return a.call("url", expect) }
func (a Asserter) Text(selector, expect any) *Session  { return a.call("text", selector, expect) }
func (a Asserter) HTML(selector, expect any) *Session  { return a.call("html", selector, expect) }
func (a Asserter) Value(selector, expect any) *Session { return a.call("value", selector, expect) }
func (a Asserter) Count(selector, expect any) *Session { return a.call("count", selector, expect) }
func (a Asserter) Status(expect any) *Session          { return a.call("status", expect) }
func (a Asserter) Header(name, expect any) *Session    { return a.call("header", name, expect) }
func (a Asserter) Cookie(name, expect any) *Session    { return a.call("cookie", name, expect) }
func (a Asserter) Exists(selector any) *Session        { return a.call("exists", selector) }
func (a Asserter) Visible(selector any) *Session       { return a.call("visible", selector) }
func (a Asserter) Evaluate(fn any, args ...any) *Session {
	return a.call("evaluate", append([]any{fn}, args...)...)
}
func (a Asserter) Attribute(selector, name, expect any) *Session {
	return a.call("attribute", selector, name, expect)
}

// TabControl exposes the tab.* routes.
type TabControl struct{ s *Session }

func (s *Session) Tab() TabControl { return TabControl{s} }

// Open opens a new tab, navigating it to url when one is given.
func (t TabControl) Open(url ...any) *Session    { return t.s.Call("tab.open", url...) }
func (t TabControl) Count(sink any) *Session     { return t.s.Call("tab.count", sink) }
func (t TabControl) Switch(index any) *Session   { return t.s.Call("tab.switch", index) }
func (t TabControl) Close(index ...any) *Session { return t.s.Call("tab.close", index...) }

// BatchControl exposes named, reusable step sequences.
type BatchControl struct{ s *Session }

func (s *Session) Batch() BatchControl { return BatchControl{s} }

// Create captures the steps builder queues and stores them under name.
func (b BatchControl) Create(name string, builder func(*Session)) *Session {
	return b.s.Call("batch.create", name, builder)
}

// Run queues a replay of the named batch.
func (b BatchControl) Run(name string) *Session { return b.s.Call("batch", name) }

// Names lists the stored batches.
func (b BatchControl) Names() []string { return b.s.batches.Names() }
