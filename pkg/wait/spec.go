// Package wait implements the polling engine used to synchronise steps with
// asynchronous page state: page load, fixed delays, selector presence and
// page-evaluated predicates.
package wait

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/xkilldash9x/navchain/pkg/errs"
)

const (
	// DefaultInterval is the spacing between poll rounds.
	DefaultInterval = 50 * time.Millisecond
	// DefaultTimeout bounds a wait when neither the call nor the engine sets one.
	DefaultTimeout = 5 * time.Second
)

// Kind selects the condition a Spec waits for.
type Kind int

const (
	PageLoad Kind = iota
	Delay
	Selector
	Predicate
)

func (k Kind) String() string {
	switch k {
	case PageLoad:
		return "page load"
	case Delay:
		return "delay"
	case Selector:
		return "selector"
	case Predicate:
		return "predicate"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Func is a page-context function given as source text. Params is the number
// of declared parameters before any default or rest parameter.
type Func struct {
	Source string
	Params int
}

var (
	funcDecl   = regexp.MustCompile(`^\s*(?:async\s+)?function\b\s*\*?\s*[\w$]*\s*\(([^)]*)\)`)
	arrowParen = regexp.MustCompile(`^\s*(?:async\s+)?\(([^)]*)\)\s*=>`)
	arrowBare  = regexp.MustCompile(`^\s*(?:async\s+)?([\w$]+)\s*=>`)
)

// JS wraps function source, counting its declared parameters.
func JS(src string) Func {
	var params string
	switch {
	case funcDecl.MatchString(src):
		params = funcDecl.FindStringSubmatch(src)[1]
	case arrowParen.MatchString(src):
		params = arrowParen.FindStringSubmatch(src)[1]
	case arrowBare.MatchString(src):
		params = arrowBare.FindStringSubmatch(src)[1]
	}
	n := 0
	for _, p := range strings.Split(params, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "...") || strings.Contains(p, "=") {
			break
		}
		n++
	}
	return Func{Source: src, Params: n}
}

// Spec describes one wait. A Timeout of zero or less means the engine
// default: Engine.Timeout when set, else DefaultTimeout.
type Spec struct {
	Kind     Kind
	Delay    time.Duration
	Selector string
	Func     Func
	Args     []any
	Timeout  time.Duration
}

func ForPageLoad(timeout time.Duration) Spec {
	return Spec{Kind: PageLoad, Timeout: timeout}
}

func ForDelay(d time.Duration) Spec {
	return Spec{Kind: Delay, Delay: d}
}

func ForSelector(selector string, timeout time.Duration) Spec {
	return Spec{Kind: Selector, Selector: selector, Timeout: timeout}
}

func ForFunc(fn Func, args []any, timeout time.Duration) Spec {
	return Spec{Kind: Predicate, Func: fn, Args: args, Timeout: timeout}
}

// Millis converts a duration-like value. Plain numbers are milliseconds.
func Millis(v any) (time.Duration, bool) {
	switch n := v.(type) {
	case time.Duration:
		return n, true
	case int:
		return time.Duration(n) * time.Millisecond, true
	case int32:
		return time.Duration(n) * time.Millisecond, true
	case int64:
		return time.Duration(n) * time.Millisecond, true
	case uint:
		return time.Duration(n) * time.Millisecond, true
	case uint32:
		return time.Duration(n) * time.Millisecond, true
	case uint64:
		return time.Duration(n) * time.Millisecond, true
	case float32:
		return time.Duration(float64(n) * float64(time.Millisecond)), true
	case float64:
		return time.Duration(n * float64(time.Millisecond)), true
	}
	return 0, false
}

// ParseArgs maps the arguments of a wait call onto a Spec:
//
//	()                     page load
//	(ms | time.Duration)   fixed delay
//	(selector [, timeout]) selector presence
//	(Func, args... [, timeout])
//
// For a Func, a trailing number beyond its declared parameters is the timeout.
// An omitted or zero timeout leaves Spec.Timeout zero, so the engine default
// applies when the wait runs. Negative delays and timeouts are rejected.
func ParseArgs(args []any) (Spec, error) {
	if len(args) == 0 {
		return ForPageLoad(0), nil
	}
	if d, ok := Millis(args[0]); ok {
		if len(args) > 1 {
			return Spec{}, errs.New(errs.KindConfiguration, "wait", "a delay takes no further arguments")
		}
		if d < 0 {
			return Spec{}, errs.Newf(errs.KindConfiguration, "wait", "delay must not be negative, got %s", d)
		}
		return ForDelay(d), nil
	}

	switch first := args[0].(type) {
	case string:
		var timeout time.Duration
		switch len(args) {
		case 1:
		case 2:
			d, ok := Millis(args[1])
			if !ok {
				return Spec{}, errs.Newf(errs.KindConfiguration, "wait", "timeout must be a number or duration, got %T", args[1])
			}
			if d < 0 {
				return Spec{}, errs.Newf(errs.KindConfiguration, "wait", "timeout must not be negative, got %s", d)
			}
			timeout = d
		default:
			return Spec{}, errs.New(errs.KindConfiguration, "wait", "a selector wait takes at most a timeout")
		}
		return ForSelector(first, timeout), nil
	case Func:
		rest := args[1:]
		var timeout time.Duration
		if len(rest) > first.Params {
			if d, ok := Millis(rest[len(rest)-1]); ok {
				if d < 0 {
					return Spec{}, errs.Newf(errs.KindConfiguration, "wait", "timeout must not be negative, got %s", d)
				}
				timeout = d
				rest = rest[:len(rest)-1]
			}
		}
		return ForFunc(first, rest, timeout), nil
	}
	return Spec{}, errs.Newf(errs.KindConfiguration, "wait", "unsupported wait argument of type %T", args[0])
}
