package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/navchain/pkg/driver"
	"github.com/xkilldash9x/navchain/pkg/driver/fake"
	"github.com/xkilldash9x/navchain/pkg/errs"
)

const helperEnv = "NAVCHAIN_BRIDGE_HELPER"

// TestMain doubles as the bridge child when helperEnv is set.
func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(runHelper(mode))
	}
	goleak.VerifyTestMain(m)
}

const site = "http://bridge.test/"

// scripted answers the built-in DOM scripts through the fake's Querier, so
// DOM operations travel the full pageEvaluate path.
func scripted(d **fake.Driver) fake.EvalFunc {
	return func(ctx context.Context, p *fake.Page, fn string, args []any) (any, error) {
		for _, op := range []driver.Op{driver.OpCount, driver.OpText, driver.OpTitle, driver.OpURL, driver.OpClick} {
			src, _ := driver.Script(op)
			if src != fn {
				continue
			}
			q := driver.Query{Op: op}
			if len(args) > 0 {
				q.Selector, _ = args[0].(string)
			}
			return (*d).Query(ctx, p, q)
		}
		if fn == "() => 6 * 7" {
			return 42, nil
		}
		return nil, fmt.Errorf("unexpected script %q", fn)
	}
}

func runHelper(mode string) int {
	switch mode {
	case "silent":
		_, _ = io.Copy(io.Discard, os.Stdin)
		return 0
	case "crash":
		fmt.Println(`{"event":"ready"}`)
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
		fmt.Fprintln(os.Stderr, "crashing on purpose")
		return 3
	}

	var d *fake.Driver
	d = fake.New(
		fake.WithEval(scripted(&d)),
		fake.WithDocument(site, fake.Document{
			Title:    "Bridged",
			Headers:  http.Header{"X-Bridge": {"1"}},
			Elements: []fake.Element{{Selector: "#hello", Text: "hello"}},
		}),
	)
	var out io.Writer = os.Stdout
	if mode == "orphans" {
		out = orphanWriter{os.Stdout}
	}
	if err := Serve(context.Background(), os.Stdin, out, d, nil); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// orphanWriter precedes every line with a response nobody asked for.
type orphanWriter struct{ w io.Writer }

func (o orphanWriter) Write(p []byte) (int, error) {
	fmt.Fprintf(o.w, `{"event":"pageExec","callerId":%q,"data":true}`+"\n", uuid.NewString())
	return o.w.Write(p)
}

func newBridge(t *testing.T, mode string, timeout time.Duration) *Driver {
	t.Helper()
	launch := driver.DefaultLaunchOptions()
	launch.StartTimeout = timeout
	d := New(
		WithConfig(Config{
			Command: os.Args[0],
			Args:    []string{"-test.run=^$"},
			Env:     []string{helperEnv + "=" + mode},
			Launch:  launch,
		}),
		WithLogger(zaptest.NewLogger(t)),
	)
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func TestBridge_RoundTrip(t *testing.T) {
	for _, mode := range []string{"serve", "orphans"} {
		t.Run(mode, func(t *testing.T) {
			ctx := context.Background()
			d := newBridge(t, mode, 10*time.Second)

			p, err := d.CreatePage(ctx)
			require.NoError(t, err)
			assert.Contains(t, p.ID(), "fake-")

			resp, err := d.Navigate(ctx, p, site, driver.NavigateOptions{Headers: http.Header{"X-Req": {"a"}}})
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.Status)
			assert.Equal(t, "1", resp.Headers.Get("X-Bridge"))

			u, err := d.URL(ctx, p)
			require.NoError(t, err)
			assert.Equal(t, site, u)

			dom := driver.DOM{Driver: d}
			n, err := dom.Count(ctx, p, "#hello")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
			raw, err := dom.Read(ctx, p, driver.Query{Op: driver.OpText, Selector: "#hello"})
			require.NoError(t, err)
			assert.JSONEq(t, `"hello"`, string(raw))
			_, err = dom.Read(ctx, p, driver.Query{Op: driver.OpText, Selector: "#absent"})
			assert.ErrorIs(t, err, errs.ErrNotFound)

			raw, err = d.Evaluate(ctx, p, "() => 6 * 7")
			require.NoError(t, err)
			assert.JSONEq(t, "42", string(raw))

			require.NoError(t, d.SetCookies(ctx, p, []driver.Cookie{{Name: "k", Value: "v"}}))
			cookies, err := d.Cookies(ctx, p)
			require.NoError(t, err)
			require.Len(t, cookies, 1)
			assert.Equal(t, "v", cookies[0].Value)

			require.NoError(t, d.SetZoom(ctx, p, 1.5))
			require.NoError(t, d.SetViewport(ctx, p, driver.Viewport{Width: 800, Height: 600}))
			png, err := d.Screenshot(ctx, p, driver.ScreenshotOptions{})
			require.NoError(t, err)
			assert.Equal(t, "\x89PNG", string(png[:4]))

			_, err = d.Back(ctx, p)
			assert.ErrorIs(t, err, errs.ErrNotFound)

			require.NoError(t, d.ClosePage(ctx, p))
			_, err = d.IsLoading(ctx, p)
			assert.ErrorIs(t, err, errs.ErrNotFound)
		})
	}
}

func TestBridge_FrameSwitchingUnsupported(t *testing.T) {
	_, err := driver.RequireFrameSwitcher(New())
	assert.ErrorIs(t, err, errs.ErrUnsupported)
}

func TestStart_Timeout(t *testing.T) {
	d := newBridge(t, "silent", 200*time.Millisecond)
	_, err := d.CreatePage(context.Background())
	assert.ErrorIs(t, err, errs.ErrEngine)
	assert.ErrorContains(t, err, "not ready within")
}

func TestStart_MissingCommand(t *testing.T) {
	_, err := New().CreatePage(context.Background())
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestCall_ChildExitFailsPending(t *testing.T) {
	d := newBridge(t, "crash", 10*time.Second)
	_, err := d.CreatePage(context.Background())
	assert.ErrorIs(t, err, errs.ErrEngine)
}

func TestStart_ReapsExitedChild(t *testing.T) {
	ctx := context.Background()
	d := newBridge(t, "crash", 10*time.Second)
	_, err := d.CreatePage(ctx)
	require.ErrorIs(t, err, errs.ErrEngine)

	d.mu.Lock()
	first := d.proc
	d.mu.Unlock()
	require.NotNil(t, first)
	<-first.done
	assert.Nil(t, first.cmd.ProcessState)

	// The next call starts a new child and waits on the dead one.
	_, err = d.CreatePage(ctx)
	require.ErrorIs(t, err, errs.ErrEngine)
	require.NotNil(t, first.cmd.ProcessState)
	assert.Equal(t, 3, first.cmd.ProcessState.ExitCode())

	d.mu.Lock()
	assert.NotSame(t, first, d.proc)
	d.mu.Unlock()
}

func TestResolve_LogsEveryOrphan(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	p := &process{
		logger:  zap.New(core),
		pending: make(map[string]chan Message),
		orphans: rate.Sometimes{Interval: time.Hour},
	}

	waiting := make(chan Message, 1)
	p.pending["live"] = waiting
	p.resolve(Message{Event: EventPageExec, CallerID: "live"})
	require.Len(t, waiting, 1)
	assert.Zero(t, logs.Len())

	for i := range 3 {
		p.resolve(Message{Event: EventPageExec, CallerID: fmt.Sprintf("gone-%d", i)})
	}
	// A late reply for an already resolved caller is an orphan too.
	p.resolve(Message{Event: EventPageExec, CallerID: "live"})

	entries := logs.FilterMessage("Dropping response with no pending caller.").AllUntimed()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "gone-0", entries[0].ContextMap()["caller_id"])
	assert.Equal(t, int64(0), entries[0].ContextMap()["suppressed_since_last_warning"])
	for i, e := range entries[1:] {
		assert.Equal(t, zapcore.DebugLevel, e.Level, "entry %d", i+1)
	}
	assert.Equal(t, "live", entries[3].ContextMap()["caller_id"])

	// The next warning carries the count of the quieter entries.
	p.orphans = rate.Sometimes{Interval: time.Hour}
	p.resolve(Message{Event: EventPageExec, CallerID: "gone-4"})
	last := logs.AllUntimed()[logs.Len()-1]
	assert.Equal(t, zapcore.WarnLevel, last.Level)
	assert.Equal(t, int64(3), last.ContextMap()["suppressed_since_last_warning"])
}

func TestDriver_ForeignPage(t *testing.T) {
	d := New()
	_, err := d.Evaluate(context.Background(), fakeHandle("x"), "() => 1")
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

type fakeHandle string

func (f fakeHandle) ID() string { return string(f) }

func TestServe_RejectsUnknownRequests(t *testing.T) {
	in, inW := io.Pipe()
	outR, out := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- Serve(context.Background(), in, out, fake.New(), zaptest.NewLogger(t))
		_ = out.Close()
	}()

	lines := bufio.NewScanner(outR)
	require.True(t, lines.Scan())
	assert.JSONEq(t, `{"event":"ready"}`, lines.Text())

	send := func(m Message) Message {
		b, err := json.Marshal(m)
		require.NoError(t, err)
		_, err = inW.Write(append(b, '\n'))
		require.NoError(t, err)
		require.True(t, lines.Scan())
		var reply Message
		require.NoError(t, json.Unmarshal(lines.Bytes(), &reply))
		assert.Equal(t, m.CallerID, reply.CallerID)
		return reply
	}

	reply := send(Message{Event: "explode", CallerID: "1"})
	assert.Contains(t, reply.Error, "unknown event")

	data, _ := json.Marshal(Exec{PageID: "nope", Op: OpURL})
	reply = send(Message{Event: EventPageExec, CallerID: "2", Data: data})
	assert.Equal(t, errs.KindNotFound, reply.Kind)

	data, _ = json.Marshal(Exec{PageID: "nope", Op: "teleport"})
	reply = send(Message{Event: EventPageExec, CallerID: "3", Data: data})
	assert.Contains(t, reply.Error, `unknown operation "teleport"`)

	require.NoError(t, inW.Close())
	require.NoError(t, <-done)
}

func TestLaunchOptionsFromEnv_Decodes(t *testing.T) {
	t.Setenv(OptionsEnv, "")
	_, ok, err := LaunchOptionsFromEnv()
	require.NoError(t, err)
	assert.False(t, ok)

	want := driver.DefaultLaunchOptions()
	want.Proxy = "10.0.0.1:3128"
	want.Args = []string{"lang=de"}
	raw, err := wire.MarshalToString(want)
	require.NoError(t, err)
	t.Setenv(OptionsEnv, raw)

	got, ok, err := LaunchOptionsFromEnv()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, got)

	t.Setenv(OptionsEnv, "{")
	_, _, err = LaunchOptionsFromEnv()
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}
