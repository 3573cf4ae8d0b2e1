package wait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/navchain/pkg/errs"
)

// Probe inspects live page state for the engine.
type Probe interface {
	IsLoading(ctx context.Context) (bool, error)
	Count(ctx context.Context, selector string) (int, error)
	Truthy(ctx context.Context, fn Func, args []any) (bool, error)
}

// Engine polls a Probe until a Spec is satisfied or its bound elapses.
type Engine struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *zap.Logger
}

func (e *Engine) interval() time.Duration {
	if e.Interval > 0 {
		return e.Interval
	}
	return DefaultInterval
}

// bound picks the first positive of spec.Timeout, e.Timeout and
// DefaultTimeout.
func (e *Engine) bound(spec Spec) time.Duration {
	switch {
	case spec.Timeout > 0:
		return spec.Timeout
	case e.Timeout > 0:
		return e.Timeout
	}
	return DefaultTimeout
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// Await blocks until spec is satisfied. Elapsed time is measured from a
// single start instant and checked after every unsuccessful round, so a
// failing wait returns once elapsed time first exceeds the bound.
func (e *Engine) Await(ctx context.Context, p Probe, spec Spec) error {
	if spec.Kind == Delay {
		return sleep(ctx, spec.Delay)
	}

	check, describe, err := e.condition(p, spec)
	if err != nil {
		return err
	}

	bound := e.bound(spec)
	interval := e.interval()
	start := time.Now()
	var lastErr error
	for round := 0; ; round++ {
		ok, err := check(ctx)
		switch {
		case err != nil && fatal(err):
			return err
		case err != nil:
			lastErr = err
			e.logger().Debug("Wait probe failed, retrying.",
				zap.Stringer("kind", spec.Kind), zap.Int("round", round), zap.Error(err))
		case ok:
			return nil
		}

		if time.Since(start) > bound {
			e.logger().Debug("Wait timed out.",
				zap.Stringer("kind", spec.Kind), zap.Duration("bound", bound), zap.Int("rounds", round+1))
			terr := errs.Timeout("wait", describe, bound).(*errs.Error)
			terr.Err = lastErr
			return terr
		}
		if err := sleep(ctx, interval); err != nil {
			return err
		}
	}
}

func (e *Engine) condition(p Probe, spec Spec) (func(context.Context) (bool, error), string, error) {
	switch spec.Kind {
	case PageLoad:
		return func(ctx context.Context) (bool, error) {
			loading, err := p.IsLoading(ctx)
			return !loading, err
		}, "page did not finish loading", nil
	case Selector:
		return func(ctx context.Context) (bool, error) {
			n, err := p.Count(ctx, spec.Selector)
			return n > 0, err
		}, fmt.Sprintf("selector %q did not appear", spec.Selector), nil
	case Predicate:
		return func(ctx context.Context) (bool, error) {
			return p.Truthy(ctx, spec.Func, spec.Args)
		}, "condition was not met", nil
	}
	return nil, "", errs.Newf(errs.KindConfiguration, "wait", "unknown wait kind %v", spec.Kind)
}

// fatal errors end the wait immediately; anything else is retried until the
// bound elapses.
func fatal(err error) bool {
	return errors.Is(err, errs.ErrUnsupported) ||
		errors.Is(err, errs.ErrConfiguration) ||
		errors.Is(err, errs.ErrEngine) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
