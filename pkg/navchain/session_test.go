package navchain

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/navchain/pkg/driver"
	"github.com/xkilldash9x/navchain/pkg/driver/fake"
	"github.com/xkilldash9x/navchain/pkg/errs"
	"github.com/xkilldash9x/navchain/pkg/registry"
	"github.com/xkilldash9x/navchain/pkg/wait"
)

const site = "http://fixture.test"

func fixture(opts ...fake.Option) *fake.Driver {
	base := []fake.Option{
		fake.WithDocument(site+"/page.html", fake.Document{
			Title: "Fixture Page",
			Elements: []fake.Element{
				{Selector: "h1", Text: "Welcome", HTML: "<b>Welcome</b>"},
				{Selector: "#name", Attrs: map[string]string{"placeholder": "Your name"}},
				{Selector: "#color", Options: []string{"red", "blue"}},
				{Selector: "#agree"},
				{Selector: "#go"},
				{Selector: "#late", AppearAfter: 40 * time.Millisecond},
				{Selector: "#ghost", Hidden: true},
			},
		}),
		fake.WithDocument(site+"/other.html", fake.Document{Title: "Other"}),
	}
	return fake.New(append(base, opts...)...)
}

func newSession(t *testing.T, d driver.Driver, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithPrefix(site + "/"), WithLogger(zaptest.NewLogger(t)), WithInterval(5 * time.Millisecond)}, opts...)
	s := New(d, opts...)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

// marker registers a "mark" route that records its argument when run.
func marker(t *testing.T, s *Session) *[]string {
	t.Helper()
	var seen []string
	require.NoError(t, s.Register([]string{"mark"}, func(s *Session, args ...any) error {
		name := args[0].(string)
		s.Push("mark", func(context.Context, *Session) error {
			seen = append(seen, name)
			return nil
		})
		return nil
	}))
	return &seen
}

func activePage(t *testing.T, s *Session) *fake.Page {
	t.Helper()
	p, err := s.Page()
	require.NoError(t, err)
	return p.(*fake.Page)
}

func TestWait_MissingSelectorTimesOutWithBound(t *testing.T) {
	s := newSession(t, fixture(), WithTimeout(time.Second))

	err := s.Open("page.html").Wait("#missing-node", 50).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.Contains(t, err.Error(), "50")
}

func TestRun_ChainRunsInOrder(t *testing.T) {
	d := fixture()
	s := newSession(t, d)

	var titles, values []string
	err := s.Open("page.html").
		Fill("#name", "ada").
		Type("#name", " lovelace").
		Select("#color", "blue").
		Check("#agree").
		Click("#go").
		Get().Title(&titles).
		Get().Value("#name", &values).
		Wait("#late").
		Test().Count("#late", 1).
		Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Fixture Page"}, titles)
	assert.Equal(t, []string{"ada lovelace"}, values)

	page := activePage(t, s)
	color, _ := page.Element("#color")
	assert.Equal(t, "blue", color.Value)
	agree, _ := page.Element("#agree")
	assert.True(t, agree.Checked)
	goBtn, _ := page.Element("#go")
	assert.Equal(t, 1, goBtn.Clicks)
	assert.Zero(t, s.Pending())
}

func TestRun_FirstFailureAborts(t *testing.T) {
	d := fixture()
	s := newSession(t, d)

	err := s.Open("page.html").
		Test().Title("Something Else").
		Click("#go").
		Run(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsAssertion(err))
	assert.Contains(t, err.Error(), `expected "Something Else", got "Fixture Page"`)

	goBtn, _ := activePage(t, s).Element("#go")
	assert.Zero(t, goBtn.Clicks)
}

func TestAssertions_Variants(t *testing.T) {
	s := newSession(t, fixture())

	err := s.Open("page.html").
		Test().Title("Fixture Page").
		Test().Not().Title("Other").
		Test().Text("h1", regexp.MustCompile(`^Wel`)).
		Test().Not().Text("h1", regexp.MustCompile(`bye`)).
		Test().HTML("h1", "<b>Welcome</b>").
		Test().Attribute("#name", "placeholder", func(v string) bool { return len(v) > 3 }).
		Test().Count("h1", 1).
		Test().Status(200).
		Test().Header("Content-Type", regexp.MustCompile("text/html")).
		Test().Exists("#go").
		Test().Not().Exists("#nothing").
		Test().Visible("h1").
		Test().Not().Visible("#ghost").
		Test().URL(site + "/page.html").
		Run(context.Background())
	require.NoError(t, err)

	err = s.Test().Not().Count("h1", 1).Run(context.Background())
	assert.True(t, errs.IsAssertion(err))
	assert.Contains(t, err.Error(), "expected anything but 1")

	err = s.Test().Attribute("#name", "missing", "x").Run(context.Background())
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.False(t, errs.IsAssertion(err))

	// A missing header or cookie differs from any expected value.
	require.NoError(t, s.Test().Not().Header("X-Missing", "x").
		Test().Not().Cookie("missing", "x").
		Run(context.Background()))
	err = s.Test().Header("X-Missing", "x").Run(context.Background())
	assert.ErrorIs(t, err, errs.ErrNotFound)
	err = s.Test().Cookie("missing", "x").Run(context.Background())
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestAssertions_Evaluate(t *testing.T) {
	d := fixture(fake.WithEval(func(_ context.Context, _ *fake.Page, fn string, args []any) (any, error) {
		switch fn {
		case "() => window.ready":
			return true, nil
		case "(n) => n * 2":
			return args[0].(int) * 2, nil
		}
		return 0, nil
	}))
	s := newSession(t, d)

	var doubled []int
	err := s.Open("page.html").
		Call("test", "() => window.ready").
		Test().Evaluate(wait.JS("() => window.ready")).
		Test().Not().Evaluate("() => 0").
		Call("test.not", "() => 0").
		Get().Evaluate("(n) => n * 2", &doubled, 21).
		Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{42}, doubled)

	err = s.Test().Evaluate("() => 0").Run(context.Background())
	assert.True(t, errs.IsAssertion(err))
	assert.Contains(t, err.Error(), "expected a truthy value")
}

func TestSinks_ResultDelivery(t *testing.T) {
	s := newSession(t, fixture())
	seen := marker(t, s)

	var arr []string
	var syncGot string
	err := s.Open("page.html").
		Get().Text("h1", &arr).
		Get().Text("h1", &arr).
		Get().Text("h1", func(v string) { syncGot = v }).
		Get().Text("h1", func(v string, done func(error)) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			*seen = append(*seen, "async:"+v)
			done(nil)
		}()
	}).
		Call("mark", "after").
		Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Welcome", "Welcome"}, arr)
	assert.Equal(t, "Welcome", syncGot)
	if diff := cmp.Diff([]string{"async:Welcome", "after"}, *seen); diff != "" {
		t.Errorf("async sink did not complete before the next step (-want +got):\n%s", diff)
	}
}

func TestSinks_Typed(t *testing.T) {
	s := newSession(t, fixture())
	var counts []int
	var status int
	var titles []string
	boom := errors.New("rejected")

	err := s.Open("page.html").
		Get().Count("h1", Into(&counts)).
		Get().Status(Then(func(v int) error { status = v; return nil })).
		Get().Title(ThenAsync(func(v string, done func(error)) { titles = append(titles, v); done(nil) })).
		Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1}, counts)
	assert.Equal(t, 200, status)
	assert.Equal(t, []string{"Fixture Page"}, titles)

	err = s.Get().Title(Then(func(string) error { return boom })).Run(context.Background())
	assert.ErrorIs(t, err, boom)

	err = s.Get().Title(func(string, func(error)) {}).Run(ctxWithTimeout(t, 30*time.Millisecond))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func ctxWithTimeout(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestSinks_BadShape(t *testing.T) {
	s := newSession(t, fixture())
	for _, sink := range []any{42, "out", nil, func() {}, func(a, b, c string) {}} {
		err := s.Open("page.html").Get().Title(sink).Run(context.Background())
		assert.ErrorIs(t, err, errs.ErrConfiguration, "%T", sink)
	}
}

func TestCall_ErrorsBecomeFailingSteps(t *testing.T) {
	s := newSession(t, fixture())
	seen := marker(t, s)

	s.Call("mark", "first").Call("click").Call("mark", "never")
	assert.Equal(t, 3, s.Pending())

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	assert.Equal(t, []string{"first"}, *seen)

	assert.ErrorIs(t, s.Invoke("no.such.route"), errs.ErrNotFound)
	assert.Zero(t, s.Pending())
}

func TestBatch_RoundTrip(t *testing.T) {
	s := newSession(t, fixture())
	seen := marker(t, s)

	s.Call("mark", "before")
	s.Batch().Create("steps", func(b *Session) {
		b.Call("mark", "a").Call("mark", "b")
	})
	assert.Equal(t, 1, s.Pending(), "capture must not leak into the main queue")

	err := s.Batch().Run("steps").Call("mark", "after").Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"before", "a", "b", "after"}, *seen)
	assert.Equal(t, []string{"steps"}, s.Batch().Names())
}

func TestBatch_ResolvedAtRunTime(t *testing.T) {
	s := newSession(t, fixture())
	seen := marker(t, s)

	s.Batch().Run("later")
	s.Batch().Create("later", func(b *Session) { b.Call("mark", "x") })
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"x"}, *seen)

	err := s.Batch().Run("missing").Run(context.Background())
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Contains(t, err.Error(), "batch not found")
}

func TestBatch_BuilderPanicRestoresQueue(t *testing.T) {
	s := newSession(t, fixture())
	seen := marker(t, s)

	s.Call("mark", "kept")
	assert.Panics(t, func() {
		s.Batch().Create("bad", func(b *Session) {
			b.Call("mark", "leaked")
			panic("builder exploded")
		})
	})
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"kept"}, *seen)
	assert.Empty(t, s.Batch().Names())
}

func TestTabs_OpenSwitchClose(t *testing.T) {
	d := fixture()
	s := newSession(t, d)

	var counts []int
	err := s.Open("page.html").
		Tab().Open("other.html").
		Tab().Count(&counts).
		Test().Title("Other").
		Tab().Switch(0).
		Test().Title("Fixture Page").
		Tab().Switch(-1).
		Test().Title("Other").
		Tab().Close().
		Test().Title("Fixture Page").
		Tab().Count(&counts).
		Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, counts)

	err = s.Tab().Switch(-2).Run(context.Background())
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestTabs_ClosingLastTabReopensOnNextRun(t *testing.T) {
	d := fixture()
	s := newSession(t, d)

	require.NoError(t, s.Open("page.html").CloseTab().Run(context.Background()))
	assert.Zero(t, s.Tabs().Count())

	var counts []int
	require.NoError(t, s.Tab().Count(&counts).Run(context.Background()))
	assert.Equal(t, []int{1}, counts)
}

func TestRun_Fresh(t *testing.T) {
	d := fixture()
	s := newSession(t, d)
	require.NoError(t, s.Open("page.html").Tab().Open().Run(context.Background()))
	first := d.Pages()
	require.Len(t, first, 2)

	require.NoError(t, s.Run(context.Background(), Fresh()))
	pages := d.Pages()
	require.Len(t, pages, 1)
	assert.NotEqual(t, first[0].ID(), pages[0].ID())
	assert.NotEqual(t, first[1].ID(), pages[0].ID())
}

func TestSet_HeadersAuthAndLazyURL(t *testing.T) {
	s := newSession(t, fixture())
	target := ""

	s.Set().Header("X-Trace", "abc").
		Set().Auth("ada", "secret").
		Open(func() string { return target })
	target = "page.html"
	require.NoError(t, s.Run(context.Background()))

	reqs := activePage(t, s).Requests
	require.Len(t, reqs, 1)
	assert.Equal(t, site+"/page.html", reqs[0].URL)
	assert.Equal(t, "abc", reqs[0].Headers.Get("X-Trace"))
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("ada:secret"))
	assert.Equal(t, want, reqs[0].Headers.Get("Authorization"))

	require.NoError(t, s.Set().Header("X-Trace", "").
		OpenWith("other.html", driver.NavigateOptions{Method: "POST", Body: []byte("a=1")}).
		Run(context.Background()))
	reqs = activePage(t, s).Requests
	require.Len(t, reqs, 2)
	assert.Empty(t, reqs[1].Headers.Get("X-Trace"))
	assert.Equal(t, "POST", reqs[1].Method)
}

func TestOpen_AbsoluteURLsSkipPrefix(t *testing.T) {
	s := newSession(t, fixture())
	require.NoError(t, s.Open(site+"/other.html").Run(context.Background()))
	assert.Equal(t, site+"/other.html", activePage(t, s).URL())
}

func TestSet_Capabilities(t *testing.T) {
	s := newSession(t, fixture())
	var values []string
	var all [][]driver.Cookie

	err := s.Open("page.html").
		Set().Viewport(800, 600).
		Set().UserAgent("navchain-test").
		Set().Zoom(1.5).
		Set().Cookie(driver.Cookie{Name: "sid", Value: "42"}).
		Call("set.cookie", "theme", "dark").
		Get().Cookie("sid", &values).
		Test().Cookie("theme", "dark").
		Set().ClearCookies().
		Get().Cookies(&all).
		Run(context.Background())
	require.NoError(t, err)

	page := activePage(t, s)
	assert.Equal(t, driver.Viewport{Width: 800, Height: 600}, page.Viewport())
	assert.Equal(t, "navchain-test", page.UserAgent())
	assert.InDelta(t, 1.5, page.Zoom(), 1e-9)
	assert.Equal(t, []string{"42"}, values)
	require.Len(t, all, 1)
	assert.Empty(t, all[0])

	err = s.Set().Viewport(0, 10).Run(context.Background())
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestSet_UnsupportedCapabilitiesFail(t *testing.T) {
	s := newSession(t, fake.Core(fixture()))

	err := s.Open("page.html").Frame("iframe").Run(context.Background())
	assert.ErrorIs(t, err, errs.ErrUnsupported)
	assert.Contains(t, err.Error(), "frame switching is not supported by the fake backend")

	for _, chain := range []func() *Session{
		func() *Session { return s.Reload() },
		func() *Session { return s.Back() },
		func() *Session { return s.Set().Zoom(2) },
		func() *Session { return s.Set().ClearCookies() },
		func() *Session { return s.Screenshot(t.TempDir() + "/x.png") },
		func() *Session { return s.Upload("#f", "a.txt") },
	} {
		assert.ErrorIs(t, chain().Run(context.Background()), errs.ErrUnsupported)
	}
}

func TestRegister_RemovedRouteIsNotCallable(t *testing.T) {
	s := newSession(t, fixture())
	require.NoError(t, s.Register([]string{"click", "do.click"}, nil))

	err := s.Open("page.html").Click("#go").Run(context.Background())
	assert.ErrorIs(t, err, registry.ErrNotCallable)
	assert.ErrorIs(t, err, errs.ErrConfiguration)

	// Children of a route survive removal of the route itself.
	require.NoError(t, s.Register([]string{"test"}, nil))
	require.NoError(t, s.Test().Title("Fixture Page").Run(context.Background()))
	assert.ErrorIs(t, s.Invoke("test", "() => 1"), registry.ErrNotCallable)
}

func TestDo_InjectAndScreenshot(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "inject.js")
	require.NoError(t, os.WriteFile(script, []byte("window.injected = true;"), 0o644))

	s := newSession(t, fixture(), WithInject(script))
	shot := filepath.Join(dir, "shots", "page.png")
	var shots [][]byte
	err := s.Open("page.html").
		Reload().
		Screenshot(shot).
		Screenshot(&shots, true).
		Run(context.Background())
	require.NoError(t, err)

	evaluated := activePage(t, s).Evaluated
	assert.Equal(t, []string{
		"function () {\nwindow.injected = true;\n}",
		"function () {\nwindow.injected = true;\n}",
	}, evaluated)

	data, err := os.ReadFile(shot)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), data[:4])
	require.Len(t, shots, 1)

	err = s.Inject(filepath.Join(dir, "missing.js")).Run(context.Background())
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDo_FramesScrollAndUpload(t *testing.T) {
	d := fixture(fake.WithDocument(site+"/form.html", fake.Document{
		Elements: []fake.Element{{Selector: "iframe"}, {Selector: "#file"}, {Selector: "#bottom"}},
	}))
	s := newSession(t, d)

	err := s.Open("form.html").
		Frame("iframe").
		ParentFrame().
		Scroll(0, 400).
		ScrollTo("#bottom").
		Upload("#file", "report.txt").
		Run(context.Background())
	require.NoError(t, err)

	page := activePage(t, s)
	x, y := page.Scroll()
	assert.Equal(t, [2]int{0, 400}, [2]int{x, y})
	file, _ := page.Element("#file")
	require.Len(t, file.Files, 1)
	assert.True(t, filepath.IsAbs(file.Files[0]))
	assert.Empty(t, page.Frames())
}

func TestWait_Predicate(t *testing.T) {
	start := time.Now()
	d := fixture(fake.WithEval(func(_ context.Context, _ *fake.Page, _ string, args []any) (any, error) {
		return time.Since(start) > args[0].(time.Duration), nil
	}))
	s := newSession(t, d)

	fn := wait.JS("function (after) { return Date.now() > after }")
	require.NoError(t, s.Open("page.html").Wait(fn, 20*time.Millisecond, 500).Run(context.Background()))

	err := s.Wait(fn, time.Hour, 30).Run(context.Background())
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.Contains(t, err.Error(), "30ms")
}

func TestWait_DelayAndPageLoad(t *testing.T) {
	d := fixture(fake.WithDocument(site+"/slow.html", fake.Document{LoadTime: 30 * time.Millisecond}))
	s := newSession(t, d, WithTimeout(500*time.Millisecond))

	start := time.Now()
	require.NoError(t, s.Open("slow.html").Wait().Wait(10).Run(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	err := s.Wait(struct{}{}).Run(context.Background())
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestRun_Async(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := fixture()
	s := New(d, WithPrefix(site+"/"))
	var wg sync.WaitGroup
	wg.Add(1)
	var got error
	s.Open("page.html").Test().Title("Nope").RunAsync(context.Background(), func(err error) {
		got = err
		wg.Done()
	})
	wg.Wait()
	assert.True(t, errs.IsAssertion(got))

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	assert.True(t, d.Closed())
}

func TestRoutes_Listing(t *testing.T) {
	s := New(fake.New())
	routes := s.Routes()
	for _, r := range []string{
		"open", "do.open", "get.title", "set.cookies.clear", "test", "test.not",
		"test.not.visible", "tab", "tab.open", "batch", "batch.create", "wait",
	} {
		assert.Contains(t, routes, r)
	}
	assert.NotContains(t, routes, "get.exists")
	assert.NotContains(t, routes, "test.headers")
}
