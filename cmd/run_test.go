package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/navchain/internal/config"
)

// newSite serves a two-page sign-in flow backed by a session cookie.
func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /login", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><head><title>Sign in</title></head><body>
<h1>Sign in</h1>
<form method="post" action="/session">
  <input name="user">
  <input type="submit" value="Go">
</form></body></html>`)
	})
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: r.FormValue("user"), Path: "/"})
		http.Redirect(w, r, "/home", http.StatusSeeOther)
	})
	mux.HandleFunc("GET /home", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("session")
		if err != nil {
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		fmt.Fprintf(w, `<html><head><title>Home</title></head><body><h1>Welcome %s</h1></body></html>`, c.Value)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const signIn = `name: sign-in
steps:
  - open: /login
  - test.title: Sign in
  - fill: ["input[name=user]", ada]
  - submit: form
  - test.url: {regex: "/home$"}
  - test.text: [h1, Welcome ada]
  - get.cookie: session
`

const wrongTitle = `name: wrong-title
steps:
  - open: /home
  - test.title: Dashboard
  - test.text: [h1, Welcome ada]
`

func TestRunCmd_StaticBackend(t *testing.T) {
	srv := newSite(t)
	dir := t.TempDir()
	script := writeScript(t, dir, "sign-in.yaml", signIn)
	junit := filepath.Join(dir, "out.xml")

	out, err := execute(t, "", "run", script,
		"--backend", "static", "--prefix", srv.URL, "--timeout", "2s", "--junit", junit)
	require.NoError(t, err, out)
	assert.Contains(t, out, "PASS sign-in (7 steps,")

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromFile(junit))
	suite := doc.FindElement("//testsuite")
	require.NotNil(t, suite)
	assert.Equal(t, "sign-in", suite.SelectAttrValue("name", ""))
	assert.Equal(t, "7", suite.SelectAttrValue("tests", ""))
	assert.Equal(t, "0", suite.SelectAttrValue("failures", ""))
	assert.Len(t, suite.SelectElements("testcase"), 7)
}

func TestRunScripts_StopsAtFailureAndContinues(t *testing.T) {
	srv := newSite(t)
	dir := t.TempDir()
	paths := []string{
		writeScript(t, dir, "sign-in.yaml", signIn),
		writeScript(t, dir, "wrong-title.yaml", wrongTitle),
	}

	cfg := config.NewDefaultConfig()
	cfg.SetEngineBackend(config.BackendStatic)
	cfg.SessionCfg.Prefix = srv.URL
	cfg.SetSessionTimeout(500 * time.Millisecond)

	report := filepath.Join(dir, "out.json")
	var out bytes.Buffer
	err := runScripts(context.Background(), zaptest.NewLogger(t), cfg, paths, runFlags{json: report}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong-title:")
	assert.NotContains(t, err.Error(), "sign-in:")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "PASS sign-in"), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "FAIL wrong-title (1 failed, 1 skipped)"), lines[1])

	raw, err := os.ReadFile(report)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status": "skipped"`)
	assert.Contains(t, string(raw), `"kind": "assertion failed"`)
}

func TestRunScripts_FreshSession(t *testing.T) {
	srv := newSite(t)
	dir := t.TempDir()
	paths := []string{
		writeScript(t, dir, "sign-in.yaml", signIn),
		// Cookies outlive --fresh; only the tabs are closed.
		writeScript(t, dir, "home.yaml", "name: home\nsteps:\n  - open: /home\n  - test.text: [h1, Welcome ada]\n"),
	}

	cfg := config.NewDefaultConfig()
	cfg.SetEngineBackend(config.BackendStatic)
	cfg.SessionCfg.Prefix = srv.URL

	var out bytes.Buffer
	err := runScripts(context.Background(), zaptest.NewLogger(t), cfg, paths, runFlags{fresh: true}, &out)
	require.NoError(t, err, out.String())
	assert.Equal(t, 2, strings.Count(out.String(), "PASS "))
}

func TestRunScripts_BadInputs(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.SetEngineBackend(config.BackendStatic)
	logger := zaptest.NewLogger(t)

	err := runScripts(context.Background(), logger, cfg, []string{filepath.Join(t.TempDir(), "missing.yaml")}, runFlags{}, &bytes.Buffer{})
	require.Error(t, err)

	script := writeScript(t, t.TempDir(), "ok.yaml", "steps:\n  - open: /\n")
	err = runScripts(context.Background(), logger, cfg, []string{script}, runFlags{junit: filepath.Join(t.TempDir(), "no", "such", "dir", "out.xml")}, &bytes.Buffer{})
	require.Error(t, err)
}
