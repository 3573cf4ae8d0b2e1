package script

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/navchain/internal/reporting"
	"github.com/xkilldash9x/navchain/pkg/driver/fake"
	"github.com/xkilldash9x/navchain/pkg/errs"
	"github.com/xkilldash9x/navchain/pkg/navchain"
	"github.com/xkilldash9x/navchain/pkg/wait"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const site = "http://script.test/"

func TestParse_Script(t *testing.T) {
	sc, err := Parse(strings.NewReader(`
name: login
batches:
  sign-in:
    - fill: ["#user", "ada"]
    - click: "#submit"
steps:
  - open: /login
  - reload:
  - wait: 250
  - wait: [{js: "(n) => n > 1"}, 2, {duration: 3s}]
  - test.text: ["h1", {regex: "^Wel"}]
  - set.headers: {X-Trace: abc}
  - batch: sign-in
`), "fallback")
	require.NoError(t, err)
	assert.Equal(t, "login", sc.Name)
	assert.Equal(t, []string{"sign-in"}, sc.BatchNames())
	require.Len(t, sc.Steps, 7)

	assert.Equal(t, Step{Route: "open", Args: []any{"/login"}, Line: 8}, sc.Steps[0])
	assert.Empty(t, sc.Steps[1].Args)
	assert.Equal(t, []any{250}, sc.Steps[2].Args)

	w := sc.Steps[3].Args
	require.Len(t, w, 3)
	assert.Equal(t, wait.JS("(n) => n > 1"), w[0])
	assert.Equal(t, 2, w[1])
	assert.Equal(t, 3*time.Second, w[2])

	re, ok := sc.Steps[4].Args[1].(*regexp.Regexp)
	require.True(t, ok)
	assert.Equal(t, "^Wel", re.String())
	assert.Equal(t, `h1 /^Wel/`, sc.Steps[4].Summary())

	assert.Equal(t, []any{map[string]any{"X-Trace": "abc"}}, sc.Steps[5].Args)

	batch := sc.Batches["sign-in"]
	if diff := cmp.Diff([]string{"fill", "click"}, []string{batch[0].Route, batch[1].Route}); diff != "" {
		t.Errorf("batch routes mismatch (-want +got):\n%s", diff)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name, src, want string
	}{
		{"empty", "", "is empty"},
		{"no steps", "name: x\n", "has no steps"},
		{"two routes in one step", "steps:\n  - open: /a\n    click: b\n", "exactly one route"},
		{"scalar step", "steps:\n  - open\n", "exactly one route"},
		{"bad regex", "steps:\n  - test.url: [{regex: \"(\"}]\n", "invalid regex"},
		{"bad duration", "steps:\n  - wait: {duration: soon}\n", "invalid duration"},
		{"unknown field", "stepz: []\n", "stepz"},
		{"empty batch", "batches:\n  b: []\nsteps:\n  - open: /\n", "must be named and non-empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.src), "bad")
			require.Error(t, err)
			assert.ErrorIs(t, err, errs.ErrConfiguration)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smoke.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps:\n  - open: /\n"), 0o600))

	sc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "smoke", sc.Name)

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestSummary_Truncates(t *testing.T) {
	s := Step{Route: "log", Args: []any{strings.Repeat("x", 100)}}
	assert.Len(t, s.Summary(), 80)
	assert.True(t, strings.HasSuffix(s.Summary(), "..."))
}

func newSession(t *testing.T) *navchain.Session {
	t.Helper()
	d := fake.New(
		fake.WithDocument(site+"login", fake.Document{
			Title: "Sign in",
			Elements: []fake.Element{
				{Selector: "h1", Text: "Welcome back"},
				{Selector: "#user"},
				{Selector: "#submit"},
			},
		}),
	)
	s := navchain.New(d,
		navchain.WithPrefix(site),
		navchain.WithTimeout(200*time.Millisecond),
		navchain.WithInterval(5*time.Millisecond),
		navchain.WithLogger(zaptest.NewLogger(t)),
	)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func TestRun_Passes(t *testing.T) {
	sc, err := Parse(strings.NewReader(`
batches:
  sign-in:
    - fill: ["#user", "ada"]
    - get.value: "#user"
    - click: "#submit"
steps:
  - open: login
  - get.title:
  - batch: sign-in
  - test.text: ["h1", {regex: "^Welcome"}]
  - tab.count:
`), "login")
	require.NoError(t, err)

	s := newSession(t)
	suite, err := Run(context.Background(), s, sc, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.True(t, suite.Passed())
	assert.Equal(t, "fake", suite.Backend)
	assert.Equal(t, s.ID(), suite.Session)
	require.Len(t, suite.Cases, 5)
	for _, c := range suite.Cases {
		assert.Equal(t, reporting.StatusPassed, c.Status, c.Route)
	}
	assert.Equal(t, []any{"Sign in"}, suite.Cases[1].Outputs)
	assert.Equal(t, []any{"ada"}, suite.Cases[2].Outputs, "batch outputs belong to the replaying step")
	assert.Equal(t, []any{1}, suite.Cases[4].Outputs)
}

func TestRun_StopsAtFirstFailure(t *testing.T) {
	sc, err := Parse(strings.NewReader(`
steps:
  - open: login
  - test.title: Dashboard
  - click: "#submit"
`), "broken")
	require.NoError(t, err)

	suite, err := Run(context.Background(), newSession(t), sc, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrAssertion)

	got := []reporting.Status{suite.Cases[0].Status, suite.Cases[1].Status, suite.Cases[2].Status}
	assert.Equal(t, []reporting.Status{reporting.StatusPassed, reporting.StatusFailed, reporting.StatusSkipped}, got)
	assert.Equal(t, "assertion failed", suite.Cases[1].Kind)
	assert.Equal(t, err.Error(), suite.Cases[1].Error)
	assert.Zero(t, suite.Cases[2].Duration)
}

func TestRun_ReportsCallTimeErrorsAtTheirStep(t *testing.T) {
	sc, err := Parse(strings.NewReader(`
steps:
  - open: login
  - no.such.route: 1
`), "typo")
	require.NoError(t, err)

	suite, err := Run(context.Background(), newSession(t), sc, nil)
	require.Error(t, err)
	assert.Equal(t, reporting.StatusPassed, suite.Cases[0].Status)
	assert.Equal(t, reporting.StatusFailed, suite.Cases[1].Status)
}

func TestRun_ChargesStartupFailureToFirstStep(t *testing.T) {
	d := fake.New(fake.WithCreateError(errs.New(errs.KindEngine, "launch", "no browser")))
	s := navchain.New(d)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	sc := &Script{Name: "down", Steps: []Step{{Route: "open", Args: []any{site}}, {Route: "reload"}}}
	suite, err := Run(context.Background(), s, sc, nil)
	assert.ErrorIs(t, err, errs.ErrEngine)
	assert.Equal(t, reporting.StatusFailed, suite.Cases[0].Status)
	assert.Equal(t, reporting.StatusSkipped, suite.Cases[1].Status)
}
