package wait

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/navchain/pkg/errs"
)

// probe is a scripted Probe whose page appears ready at a fixed instant.
type probe struct {
	readyAt  time.Time
	countErr error
	calls    atomic.Int32
	lastArgs []any
}

func (p *probe) ready() bool { return !p.readyAt.IsZero() && !time.Now().Before(p.readyAt) }

func (p *probe) IsLoading(context.Context) (bool, error) {
	p.calls.Add(1)
	return !p.ready(), nil
}

func (p *probe) Count(context.Context, string) (int, error) {
	p.calls.Add(1)
	if p.countErr != nil {
		return 0, p.countErr
	}
	if p.ready() {
		return 1, nil
	}
	return 0, nil
}

func (p *probe) Truthy(_ context.Context, _ Func, args []any) (bool, error) {
	p.calls.Add(1)
	p.lastArgs = args
	return p.ready(), nil
}

func newEngine(t *testing.T, timeout time.Duration) *Engine {
	return &Engine{Interval: 10 * time.Millisecond, Timeout: timeout, Logger: zaptest.NewLogger(t)}
}

func TestAwait_SelectorTimeoutIsBounded(t *testing.T) {
	e := newEngine(t, time.Second)
	p := &probe{}

	start := time.Now()
	err := e.Await(context.Background(), p, ForSelector("#missing-node", 50*time.Millisecond))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.Contains(t, err.Error(), "50")
	assert.Contains(t, err.Error(), "#missing-node")
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 50*time.Millisecond+e.Interval+100*time.Millisecond)
}

func TestAwait_SelectorAppearsBeforeBound(t *testing.T) {
	e := newEngine(t, 0)
	p := &probe{readyAt: time.Now().Add(30 * time.Millisecond)}

	err := e.Await(context.Background(), p, ForSelector("#late", 500*time.Millisecond))
	assert.NoError(t, err)
	assert.Greater(t, p.calls.Load(), int32(1))
}

func TestAwait_PageLoadUsesEngineTimeout(t *testing.T) {
	e := newEngine(t, 40*time.Millisecond)
	err := e.Await(context.Background(), &probe{}, ForPageLoad(0))
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.Contains(t, err.Error(), "40ms")

	ready := &probe{readyAt: time.Now()}
	assert.NoError(t, e.Await(context.Background(), ready, ForPageLoad(0)))
	assert.Equal(t, int32(1), ready.calls.Load())
}

func TestAwait_PredicatePassesArgs(t *testing.T) {
	e := newEngine(t, 0)
	p := &probe{readyAt: time.Now().Add(20 * time.Millisecond)}
	fn := JS("function (a, b) { return a + b > 2 }")

	require.NoError(t, e.Await(context.Background(), p, ForFunc(fn, []any{1, 2}, 300*time.Millisecond)))
	assert.Equal(t, []any{1, 2}, p.lastArgs)
}

func TestAwait_Delay(t *testing.T) {
	e := newEngine(t, 0)
	start := time.Now()
	require.NoError(t, e.Await(context.Background(), &probe{}, ForDelay(30*time.Millisecond)))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, e.Await(ctx, &probe{}, ForDelay(time.Hour)), context.Canceled)
}

func TestAwait_TransientProbeErrorsAreRetried(t *testing.T) {
	e := newEngine(t, 0)
	cause := errors.New("execution context was destroyed")
	err := e.Await(context.Background(), &probe{countErr: cause}, ForSelector("a", 30*time.Millisecond))
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.ErrorIs(t, err, cause)
}

func TestAwait_UnsupportedProbeFailsFast(t *testing.T) {
	e := newEngine(t, 0)
	p := &probe{countErr: errs.Unsupported("static", "evaluate")}
	err := e.Await(context.Background(), p, ForSelector("a", time.Hour))
	assert.ErrorIs(t, err, errs.ErrUnsupported)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestParseArgs_Shapes(t *testing.T) {
	fn := JS("(sel) => document.querySelector(sel) !== null")

	cases := []struct {
		name string
		args []any
		want Spec
	}{
		{"none", nil, Spec{Kind: PageLoad}},
		{"millis", []any{250}, Spec{Kind: Delay, Delay: 250 * time.Millisecond}},
		{"duration", []any{time.Second}, Spec{Kind: Delay, Delay: time.Second}},
		{"selector", []any{"#a"}, Spec{Kind: Selector, Selector: "#a"}},
		{"selector timeout", []any{"#a", 50}, Spec{Kind: Selector, Selector: "#a", Timeout: 50 * time.Millisecond}},
		{"func args", []any{fn, "#a"}, Spec{Kind: Predicate, Func: fn, Args: []any{"#a"}}},
		{"func timeout", []any{fn, "#a", 75}, Spec{Kind: Predicate, Func: fn, Args: []any{"#a"}, Timeout: 75 * time.Millisecond}},
		{"func numeric arg", []any{JS("function (n) { return n > 1 }"), 5}, Spec{Kind: Predicate, Func: JS("function (n) { return n > 1 }"), Args: []any{5}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseArgs(tc.args)
			require.NoError(t, err)
			if len(tc.want.Args) == 0 {
				tc.want.Args = got.Args
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseArgs_RejectsBadShapes(t *testing.T) {
	for _, args := range [][]any{
		{struct{}{}},
		{"#a", "not a timeout"},
		{"#a", 1, 2},
		{10, 20},
		{-5},
		{"#a", -1},
		{"#a", -time.Second},
		{JS("() => true"), -10},
	} {
		_, err := ParseArgs(args)
		assert.ErrorIs(t, err, errs.ErrConfiguration, "%v", args)
	}
}

func TestParseArgs_ZeroTimeoutUsesEngineDefault(t *testing.T) {
	spec, err := ParseArgs([]any{"#late", 0})
	require.NoError(t, err)
	assert.Zero(t, spec.Timeout)

	e := newEngine(t, 30*time.Millisecond)
	err = e.Await(context.Background(), &probe{}, spec)
	assert.ErrorIs(t, err, errs.ErrTimeout)
	assert.Contains(t, err.Error(), "30ms")
}

func TestJS_ParamCount(t *testing.T) {
	cases := map[string]int{
		"function () { return true }":        0,
		"function ready(a, b) { return a }":  2,
		"async function (x) {}":              1,
		"(a, b, c) => a":                     3,
		"x => x":                             1,
		"(a, b = 2) => a":                    1,
		"function (a, ...rest) { return a }": 1,
		"document.readyState === 'complete'": 0,
	}
	for src, want := range cases {
		assert.Equal(t, want, JS(src).Params, src)
	}
}
