package navchain

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sync"

	"github.com/xkilldash9x/navchain/pkg/driver"
	"github.com/xkilldash9x/navchain/pkg/errs"
	"github.com/xkilldash9x/navchain/pkg/wait"
)

// Lazy is an input computed when its step runs rather than when the chain is
// built. Plain func() T and func() (T, error) values are accepted as well.
type Lazy func() (any, error)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// resolve evaluates lazies and returns literals unchanged.
func resolve(v any) (any, error) {
	switch f := v.(type) {
	case Lazy:
		return f()
	case nil:
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Func || rv.IsNil() {
		return v, nil
	}
	ft := rv.Type()
	if ft.NumIn() != 0 {
		return v, nil
	}
	switch {
	case ft.NumOut() == 1 && ft.Out(0) != errorType:
		return rv.Call(nil)[0].Interface(), nil
	case ft.NumOut() == 2 && ft.Out(1) == errorType:
		out := rv.Call(nil)
		if err, _ := out[1].Interface().(error); err != nil {
			return nil, err
		}
		return out[0].Interface(), nil
	}
	return v, nil
}

func resolveAll(args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		v, err := resolve(a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func resolveString(op string, v any) (string, error) {
	r, err := resolve(v)
	if err != nil {
		return "", err
	}
	switch s := r.(type) {
	case string:
		return s, nil
	case fmt.Stringer:
		return s.String(), nil
	}
	rv := reflect.ValueOf(r)
	if rv.CanInt() || rv.CanUint() || rv.CanFloat() || rv.Kind() == reflect.Bool {
		return fmt.Sprint(r), nil
	}
	return "", errs.Newf(errs.KindConfiguration, op, "expected a string, got %T", r)
}

func resolveInt(op string, v any) (int, error) {
	r, err := resolve(v)
	if err != nil {
		return 0, err
	}
	rv := reflect.ValueOf(r)
	switch {
	case rv.CanInt():
		return int(rv.Int()), nil
	case rv.CanUint():
		return int(rv.Uint()), nil
	case rv.CanFloat() && rv.Float() == float64(int(rv.Float())):
		return int(rv.Float()), nil
	}
	return 0, errs.Newf(errs.KindConfiguration, op, "expected an integer, got %T", r)
}

func resolveFloat(op string, v any) (float64, error) {
	r, err := resolve(v)
	if err != nil {
		return 0, err
	}
	rv := reflect.ValueOf(r)
	switch {
	case rv.CanFloat():
		return rv.Float(), nil
	case rv.CanInt():
		return float64(rv.Int()), nil
	case rv.CanUint():
		return float64(rv.Uint()), nil
	}
	return 0, errs.Newf(errs.KindConfiguration, op, "expected a number, got %T", r)
}

// funcSource accepts page-context functions as source text or wait.Func.
func funcSource(op string, v any) (string, error) {
	switch f := v.(type) {
	case wait.Func:
		return f.Source, nil
	case string:
		return f, nil
	}
	return "", errs.Newf(errs.KindConfiguration, op, "expected function source, got %T", v)
}

// convert coerces v into a value of type t. Raw JSON is decoded; other
// values are assigned, converted, or round-tripped through JSON.
func convert(v any, t reflect.Type) (reflect.Value, error) {
	if raw, ok := v.(json.RawMessage); ok && t != reflect.TypeOf(raw) {
		out := reflect.New(t)
		if err := json.Unmarshal(raw, out.Interface()); err != nil {
			return reflect.Value{}, fmt.Errorf("cannot decode result into %s: %w", t, err)
		}
		return out.Elem(), nil
	}
	if v == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		out := reflect.New(t).Elem()
		out.Set(rv)
		return out, nil
	}
	if rv.Kind() != reflect.String && rv.Type().ConvertibleTo(t) && t.Kind() != reflect.String {
		return rv.Convert(t), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.New(t)
	if err := json.Unmarshal(b, out.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot deliver %T as %s: %w", v, t, err)
	}
	return out.Elem(), nil
}

// Sink receives the result of a get.* route.
type Sink interface {
	deliver(ctx context.Context, v any) error
}

type sinkFunc func(ctx context.Context, v any) error

func (f sinkFunc) deliver(ctx context.Context, v any) error { return f(ctx, v) }

func as[T any](rv reflect.Value) T {
	var zero T
	if v, ok := rv.Interface().(T); ok {
		return v
	}
	return zero
}

// Into appends each delivered result to dst.
func Into[T any](dst *[]T) Sink {
	return sinkFunc(func(_ context.Context, v any) error {
		rv, err := convert(v, reflect.TypeOf((*T)(nil)).Elem())
		if err != nil {
			return err
		}
		*dst = append(*dst, as[T](rv))
		return nil
	})
}

// Then passes each result to fn before the next step runs. A non-nil error
// fails the step.
func Then[T any](fn func(T) error) Sink {
	return sinkFunc(func(_ context.Context, v any) error {
		rv, err := convert(v, reflect.TypeOf((*T)(nil)).Elem())
		if err != nil {
			return err
		}
		return fn(as[T](rv))
	})
}

// ThenAsync passes each result to fn together with a completion callback;
// the next step runs only after done has been called.
func ThenAsync[T any](fn func(v T, done func(error))) Sink {
	return sinkFunc(func(ctx context.Context, v any) error {
		rv, err := convert(v, reflect.TypeOf((*T)(nil)).Elem())
		if err != nil {
			return err
		}
		return await(ctx, func(done func(error)) { fn(as[T](rv), done) })
	})
}

func await(ctx context.Context, start func(done func(error))) error {
	ch := make(chan error, 1)
	var once sync.Once
	start(func(err error) { once.Do(func() { ch <- err }) })
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sinkFrom accepts a Sink, a pointer to a slice, a one-argument function
// optionally returning error, or a two-argument function whose second
// parameter is a func(error) completion callback.
func sinkFrom(op string, v any) (Sink, error) {
	if s, ok := v.(Sink); ok {
		return s, nil
	}
	shapeErr := errs.Newf(errs.KindConfiguration, op,
		"result must go to a slice pointer or a function of one or two arguments, got %T", v)
	if v == nil {
		return nil, shapeErr
	}

	rv := reflect.ValueOf(v)
	rt := rv.Type()
	switch {
	case rt.Kind() == reflect.Pointer && rt.Elem().Kind() == reflect.Slice && !rv.IsNil():
		elem := rt.Elem().Elem()
		return sinkFunc(func(_ context.Context, x any) error {
			ev, err := convert(x, elem)
			if err != nil {
				return err
			}
			slice := rv.Elem()
			slice.Set(reflect.Append(slice, ev))
			return nil
		}), nil

	case rt.Kind() == reflect.Func && rt.NumIn() == 1 && !rt.IsVariadic() &&
		(rt.NumOut() == 0 || rt.NumOut() == 1 && rt.Out(0) == errorType):
		in := rt.In(0)
		return sinkFunc(func(_ context.Context, x any) error {
			ev, err := convert(x, in)
			if err != nil {
				return err
			}
			out := rv.Call([]reflect.Value{ev})
			if len(out) == 1 {
				if err, _ := out[0].Interface().(error); err != nil {
					return err
				}
			}
			return nil
		}), nil

	case rt.Kind() == reflect.Func && rt.NumIn() == 2 && rt.NumOut() == 0 &&
		rt.In(1) == reflect.TypeOf((func(error))(nil)):
		in := rt.In(0)
		return sinkFunc(func(ctx context.Context, x any) error {
			ev, err := convert(x, in)
			if err != nil {
				return err
			}
			return await(ctx, func(done func(error)) {
				rv.Call([]reflect.Value{ev, reflect.ValueOf(done)})
			})
		}), nil
	}
	return nil, shapeErr
}

// expectation checks an actual value for a test.* route.
type expectation struct {
	literal any
	re      *regexp.Regexp
	pred    reflect.Value
	truthy  bool
}

func expectFrom(v any) expectation {
	switch e := v.(type) {
	case *regexp.Regexp:
		return expectation{re: e}
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Func && !rv.IsNil() {
		t := rv.Type()
		if t.NumIn() == 1 && t.NumOut() == 1 && t.Out(0).Kind() == reflect.Bool {
			return expectation{pred: rv}
		}
	}
	return expectation{literal: v}
}

// check returns a description of the mismatch, or "" on success.
func (e expectation) check(actual any, negate bool) (string, error) {
	switch {
	case e.truthy:
		raw, ok := actual.(json.RawMessage)
		if !ok {
			var err error
			if raw, err = json.Marshal(actual); err != nil {
				return "", err
			}
		}
		if driver.Truthy(raw) == negate {
			if negate {
				return fmt.Sprintf("expected a falsy value, got %s", show(actual)), nil
			}
			return fmt.Sprintf("expected a truthy value, got %s", show(actual)), nil
		}
		return "", nil

	case e.re != nil:
		s := fmt.Sprint(normalize(actual))
		ok := e.re.MatchString(s)
		if ok == negate {
			if negate {
				return fmt.Sprintf("expected %q not to match /%s/", s, e.re), nil
			}
			return fmt.Sprintf("expected %q to match /%s/", s, e.re), nil
		}
		return "", nil

	case e.pred.IsValid():
		in, err := convert(actual, e.pred.Type().In(0))
		if err != nil {
			return "", errs.Wrap(errs.KindConfiguration, "test", err)
		}
		ok := e.pred.Call([]reflect.Value{in})[0].Bool()
		if ok == negate {
			if negate {
				return fmt.Sprintf("predicate accepted %s", show(actual)), nil
			}
			return fmt.Sprintf("predicate rejected %s", show(actual)), nil
		}
		return "", nil
	}

	want, err := resolve(e.literal)
	if err != nil {
		return "", err
	}
	equal := reflect.DeepEqual(normalize(actual), normalize(want))
	if equal == negate {
		if negate {
			return fmt.Sprintf("expected anything but %s", show(want)), nil
		}
		return fmt.Sprintf("expected %s, got %s", show(want), show(actual)), nil
	}
	return "", nil
}

// normalize maps values onto their JSON shape so 3, int64(3) and 3.0 compare
// equal.
func normalize(v any) any {
	var b []byte
	if raw, ok := v.(json.RawMessage); ok {
		b = raw
	} else {
		var err error
		if b, err = json.Marshal(v); err != nil {
			return v
		}
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func show(v any) string {
	switch x := normalize(v).(type) {
	case string:
		return fmt.Sprintf("%q", x)
	case nil:
		return "null"
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}
