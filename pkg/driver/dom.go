package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/xkilldash9x/navchain/pkg/errs"
)

// Op names a built-in DOM operation.
type Op string

const (
	OpCount     Op = "count"
	OpText      Op = "text"
	OpHTML      Op = "html"
	OpAttribute Op = "attribute"
	OpValue     Op = "value"
	OpVisible   Op = "visible"
	OpTitle     Op = "title"
	OpURL       Op = "url"
	OpClick     Op = "click"
	OpType      Op = "type"
	OpFill      Op = "fill"
	OpSelect    Op = "select"
	OpCheck     Op = "check"
	OpSubmit    Op = "submit"
	OpScrollTo  Op = "scrollTo"
	OpScroll    Op = "scroll"
)

// Query is one DOM operation. Fields irrelevant to Op are ignored.
type Query struct {
	Op       Op
	Selector string
	// Name is the attribute name for OpAttribute.
	Name string
	// Text is the input for OpType, OpFill and OpSelect.
	Text    string
	Checked bool
	X, Y    int
}

// Result of a Query. Missing says what was absent when Found is false:
// "element", "attribute" or "option".
type Result struct {
	Found   bool            `json:"found"`
	Missing string          `json:"missing,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// Querier is implemented by backends that answer DOM queries natively
// instead of through script evaluation.
type Querier interface {
	Query(ctx context.Context, p Page, q Query) (Result, error)
}

// DOM runs Queries against a backend, preferring a native Querier.
type DOM struct {
	Driver Driver
}

// Query executes q and returns the raw result.
func (d DOM) Query(ctx context.Context, p Page, q Query) (Result, error) {
	if qr, ok := d.Driver.(Querier); ok {
		return qr.Query(ctx, p, q)
	}
	src, ok := scripts[q.Op]
	if !ok {
		return Result{}, errs.Newf(errs.KindConfiguration, "dom", "unknown operation %q", q.Op)
	}
	raw, err := d.Driver.Evaluate(ctx, p, src, q.Selector, q.Name, q.Text, q.Checked, q.X, q.Y)
	if err != nil {
		return Result{}, err
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, fmt.Errorf("decoding %s result: %w", q.Op, err)
	}
	return res, nil
}

// Read executes q and returns its value, failing with NotFound when the
// target is absent.
func (d DOM) Read(ctx context.Context, p Page, q Query) (json.RawMessage, error) {
	res, err := d.Query(ctx, p, q)
	if err != nil {
		return nil, err
	}
	if !res.Found {
		return nil, missing(q, res)
	}
	return res.Value, nil
}

// Act executes q for its side effect.
func (d DOM) Act(ctx context.Context, p Page, q Query) error {
	_, err := d.Read(ctx, p, q)
	return err
}

// Count returns the number of elements matching selector.
func (d DOM) Count(ctx context.Context, p Page, selector string) (int, error) {
	raw, err := d.Read(ctx, p, Query{Op: OpCount, Selector: selector})
	if err != nil {
		return 0, err
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("decoding count: %w", err)
	}
	return n, nil
}

// Truthy evaluates fn and applies script truthiness to the result.
func (d DOM) Truthy(ctx context.Context, p Page, fn string, args ...any) (bool, error) {
	raw, err := d.Driver.Evaluate(ctx, p, fn, args...)
	if err != nil {
		return false, err
	}
	return Truthy(raw), nil
}

// Truthy reports whether a JSON value would be truthy in a script context.
func Truthy(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case string:
		return x != ""
	}
	return true
}

func missing(q Query, res Result) error {
	switch res.Missing {
	case "attribute":
		return errs.Newf(errs.KindNotFound, string(q.Op), "attribute %q not found on %q", q.Name, q.Selector)
	case "option":
		return errs.Newf(errs.KindNotFound, string(q.Op), "option %q not found in %q", q.Text, q.Selector)
	}
	return errs.Newf(errs.KindNotFound, string(q.Op), "no element matches %q", q.Selector)
}
