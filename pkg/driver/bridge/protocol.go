// Package bridge drives a browser living in a separate process. The two
// sides exchange newline-delimited JSON messages of the form
//
//	{"event": "...", "callerId": "...", "data": ..., "error": "..."}
//
// over the child's stdin and stdout. The child announces itself with a
// "ready" event carrying no callerId; every request carries a fresh
// callerId and is answered by exactly one message echoing it.
package bridge

import (
	"encoding/json"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/navchain/pkg/driver"
	"github.com/xkilldash9x/navchain/pkg/errs"
)

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

// Events.
const (
	EventReady         = "ready"
	EventCreatePage    = "createPage"
	EventPageExec      = "pageExec"
	EventPageExecAsync = "pageExecAsync"
	EventPageEvaluate  = "pageEvaluate"
	// EventLog carries a diagnostic line from the child. It has no callerId.
	EventLog = "log"
)

// Message is one line on the wire. Kind optionally classifies Error so
// that kinds such as Unsupported survive the process boundary.
type Message struct {
	Event    string          `json:"event"`
	CallerID string          `json:"callerId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Kind     errs.Kind       `json:"kind,omitempty"`
}

// Op is a page operation carried by pageExec and pageExecAsync.
type Op string

const (
	OpNavigate     Op = "navigate"
	OpReload       Op = "reload"
	OpBack         Op = "back"
	OpForward      Op = "forward"
	OpClose        Op = "close"
	OpURL          Op = "url"
	OpIsLoading    Op = "isLoading"
	OpSetViewport  Op = "setViewport"
	OpSetUserAgent Op = "setUserAgent"
	OpSetHeaders   Op = "setHeaders"
	OpGetCookies   Op = "getCookies"
	OpSetCookies   Op = "setCookies"
	OpClearCookies Op = "clearCookies"
	OpSetZoom      Op = "setZoom"
	OpScreenshot   Op = "screenshot"
	OpSetFiles     Op = "setFiles"
)

// async reports whether op completes only after a document loads. Those
// go out as pageExecAsync.
func (o Op) async() bool {
	switch o {
	case OpNavigate, OpReload, OpBack, OpForward:
		return true
	}
	return false
}

// Valid reports whether o is a known operation.
func (o Op) Valid() bool {
	switch o {
	case OpNavigate, OpReload, OpBack, OpForward, OpClose, OpURL, OpIsLoading,
		OpSetViewport, OpSetUserAgent, OpSetHeaders, OpGetCookies, OpSetCookies,
		OpClearCookies, OpSetZoom, OpScreenshot, OpSetFiles:
		return true
	}
	return false
}

// Exec is the payload of pageExec and pageExecAsync.
type Exec struct {
	PageID string          `json:"pageId"`
	Op     Op              `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Evaluate is the payload of pageEvaluate.
type Evaluate struct {
	PageID string `json:"pageId"`
	Fn     string `json:"fn"`
	Args   []any  `json:"args"`
}

// Created answers createPage.
type Created struct {
	PageID string `json:"pageId"`
}

// NavigateParams go with OpNavigate. Body travels base64 encoded.
type NavigateParams struct {
	URL     string      `json:"url"`
	Method  string      `json:"method,omitempty"`
	Body    []byte      `json:"body,omitempty"`
	Headers http.Header `json:"headers,omitempty"`
}

// Response answers the navigating operations.
type Response struct {
	URL         string      `json:"url"`
	Status      int         `json:"status"`
	StatusText  string      `json:"statusText,omitempty"`
	Headers     http.Header `json:"headers,omitempty"`
	ContentType string      `json:"contentType,omitempty"`
}

func responseFrom(r *driver.Response) Response {
	return Response{URL: r.URL, Status: r.Status, StatusText: r.StatusText, Headers: r.Headers, ContentType: r.ContentType}
}

func (r Response) toDriver() *driver.Response {
	h := r.Headers
	if h == nil {
		h = http.Header{}
	}
	return &driver.Response{URL: r.URL, Status: r.Status, StatusText: r.StatusText, Headers: h, ContentType: r.ContentType}
}

type userAgentParams struct {
	UserAgent string `json:"userAgent"`
}

type headersParams struct {
	Headers http.Header `json:"headers"`
}

type zoomParams struct {
	Factor float64 `json:"factor"`
}

type screenshotParams struct {
	FullPage bool `json:"fullPage"`
}

type filesParams struct {
	Selector string   `json:"selector"`
	Files    []string `json:"files"`
}

type cookiesParams struct {
	Cookies []driver.Cookie `json:"cookies"`
}
