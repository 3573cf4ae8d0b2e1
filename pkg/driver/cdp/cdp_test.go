package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/navchain/pkg/driver"
	"github.com/xkilldash9x/navchain/pkg/errs"
)

func TestCallExpression_EncodesArgs(t *testing.T) {
	expr, err := callExpression("function (a, b) { return a + b }", []any{1, "x"})
	require.NoError(t, err)
	assert.Equal(t, `(function (a, b) { return a + b }).apply(null, [1,"x"])`, expr)

	expr, err = callExpression("() => 1", nil)
	require.NoError(t, err)
	assert.Equal(t, "(() => 1).apply(null, [])", expr)

	_, err = callExpression("() => 1", []any{make(chan int)})
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestToResponse_CopiesMetadata(t *testing.T) {
	resp := toResponse(&network.Response{
		URL:      "http://example.test/",
		Status:   404,
		Headers:  network.Headers{"Set-Cookie": "a=1\nb=2", "Content-Type": "text/html"},
		MimeType: "text/html",
	}, "ignored")
	assert.Equal(t, "http://example.test/", resp.URL)
	assert.Equal(t, 404, resp.Status)
	assert.Equal(t, "Not Found", resp.StatusText)
	assert.Equal(t, []string{"a=1", "b=2"}, resp.Headers.Values("Set-Cookie"))
	assert.Equal(t, "text/html", resp.ContentType)

	resp = toResponse(&network.Response{URL: "u", Status: 200, StatusText: "Fine", MimeType: "image/png"}, "")
	assert.Equal(t, "Fine", resp.StatusText)
	assert.Equal(t, "image/png", resp.ContentType)

	resp = toResponse(nil, "http://example.test/#top")
	assert.Equal(t, "http://example.test/#top", resp.URL)
	assert.Zero(t, resp.Status)
}

func TestCookies_Conversion(t *testing.T) {
	expires := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	param := toProtocolCookie(driver.Cookie{Name: "a", Value: "1", Expires: expires, Secure: true}, "http://example.test/")
	assert.Equal(t, "http://example.test/", param.URL)
	require.NotNil(t, param.Expires)
	assert.True(t, param.Expires.Time().Equal(expires))

	param = toProtocolCookie(driver.Cookie{Name: "b", Domain: "example.test"}, "http://other.test/")
	assert.Empty(t, param.URL)
	assert.Nil(t, param.Expires)

	c := fromProtocolCookie(&network.Cookie{Name: "s", Value: "v", Session: true, Expires: -1})
	assert.True(t, c.Expires.IsZero())
	c = fromProtocolCookie(&network.Cookie{Name: "p", Expires: float64(expires.Unix())})
	assert.True(t, c.Expires.Equal(expires))
}

func TestRequestHeaders_Merge(t *testing.T) {
	entries := requestHeaders(network.Headers{"user-agent": "ua"}, driver.NavigateOptions{
		Method:  http.MethodPost,
		Body:    []byte("a=1"),
		Headers: http.Header{"X-Extra": {"1"}},
	})
	got := map[string]string{}
	for _, e := range entries {
		got[e.Name] = e.Value
	}
	assert.Equal(t, map[string]string{
		"User-Agent":   "ua",
		"X-Extra":      "1",
		"Content-Type": "application/x-www-form-urlencoded",
	}, got)
}

func TestDriver_ForeignPage(t *testing.T) {
	d := New()
	_, err := d.Evaluate(context.Background(), fakePage("x"), "() => 1")
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	require.NoError(t, d.Close(context.Background()))
}

type fakePage string

func (p fakePage) ID() string { return string(p) }

// browserPath finds a local Chromium for the integration test.
func browserPath(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("browser test skipped in short mode")
	}
	if p := os.Getenv("NAVCHAIN_BROWSER"); p != "" {
		return p
	}
	for _, name := range []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no Chromium binary found; set NAVCHAIN_BROWSER")
	return ""
}

func TestBrowser_RoundTrip(t *testing.T) {
	path := browserPath(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<title>%s</title><p id="m">%s</p>`, r.Method, r.Header.Get("X-Probe"))
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	d := New(
		WithLaunchOptions(driver.LaunchOptions{Bin: path, Headless: true, LoadImages: true, WebSecurity: true, UserDataDir: t.TempDir(), MaxPages: 2}),
		WithLogger(zaptest.NewLogger(t)),
	)
	t.Cleanup(func() { _ = d.Close(context.Background()) })

	p, err := d.CreatePage(ctx)
	require.NoError(t, err)

	resp, err := d.Navigate(ctx, p, srv.URL, driver.NavigateOptions{Headers: http.Header{"X-Probe": {"hi"}}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	dom := driver.DOM{Driver: d}
	raw, err := dom.Read(ctx, p, driver.Query{Op: driver.OpText, Selector: "#m"})
	require.NoError(t, err)
	var text string
	require.NoError(t, json.Unmarshal(raw, &text))
	assert.Equal(t, "hi", text)

	_, err = d.Navigate(ctx, p, srv.URL, driver.NavigateOptions{Method: http.MethodPost, Body: []byte("a=1")})
	require.NoError(t, err)
	raw, err = d.Evaluate(ctx, p, "() => document.title")
	require.NoError(t, err)
	assert.JSONEq(t, `"POST"`, string(raw))

	resp, err = d.Back(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)

	png, err := d.Screenshot(ctx, p, driver.ScreenshotOptions{})
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(png[:4]))

	require.NoError(t, d.ClosePage(ctx, p))
	_, err = d.IsLoading(ctx, p)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
