package script

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/navchain/internal/reporting"
	"github.com/xkilldash9x/navchain/pkg/errs"
	"github.com/xkilldash9x/navchain/pkg/navchain"
)

// records reports whether route delivers values to a sink.
func records(route string) bool {
	return strings.HasPrefix(route, "get.") || route == "tab.count"
}

// recorder tracks which top-level step is running and what it produced.
type recorder struct {
	mu      sync.Mutex
	current int
	started []time.Time
	outputs [][]any
}

func newRecorder(n int) *recorder {
	return &recorder{current: -1, started: make([]time.Time, n), outputs: make([][]any, n)}
}

func (r *recorder) begin(i int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = i
	r.started[i] = time.Now()
}

func (r *recorder) output(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current >= 0 {
		r.outputs[r.current] = append(r.outputs[r.current], v)
	}
}

// enqueue calls step on s, adding a recording sink where the route takes one.
func (r *recorder) enqueue(s *navchain.Session, step Step) {
	args := step.Args
	if records(step.Route) {
		args = append(append([]any(nil), args...), navchain.Then(func(v any) error {
			r.output(v)
			return nil
		}))
	}
	s.Call(step.Route, args...)
}

// Run queues sc on s, runs it, and returns the per-step outcome together
// with the run error.
func Run(ctx context.Context, s *navchain.Session, sc *Script, logger *zap.Logger, opts ...navchain.RunOption) (*reporting.Suite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("script", sc.Name))
	rec := newRecorder(len(sc.Steps))

	for _, name := range sc.BatchNames() {
		steps := sc.Batches[name]
		s.Call("batch.create", name, func(b *navchain.Session) {
			for _, step := range steps {
				rec.enqueue(b, step)
			}
		})
	}
	for i, step := range sc.Steps {
		s.Push("script.step", func(context.Context, *navchain.Session) error {
			logger.Debug("Script step.", zap.Int("index", i), zap.String("route", step.Route), zap.Int("line", step.Line))
			rec.begin(i)
			return nil
		})
		rec.enqueue(s, step)
	}

	started := time.Now()
	runErr := s.Run(ctx, opts...)
	finished := time.Now()

	suite := &reporting.Suite{
		Name:     sc.Name,
		Backend:  s.Driver().Name(),
		Session:  s.ID(),
		Started:  started,
		Duration: finished.Sub(started),
		Cases:    make([]reporting.Case, len(sc.Steps)),
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	failed := -1
	if runErr != nil {
		// A failure before the first marker, such as an engine that would
		// not start, is charged to the first step.
		failed = max(rec.current, 0)
	}
	for i, step := range sc.Steps {
		c := reporting.Case{
			Index:   i,
			Route:   step.Route,
			Summary: step.Summary(),
			Outputs: rec.outputs[i],
		}
		switch {
		case runErr == nil || i < failed:
			c.Status = reporting.StatusPassed
		case i == failed:
			c.Status = reporting.StatusFailed
			c.Error = runErr.Error()
			c.Kind = errs.KindOf(runErr).String()
		default:
			c.Status = reporting.StatusSkipped
		}
		if c.Status != reporting.StatusSkipped && !rec.started[i].IsZero() {
			end := finished
			if i+1 < len(sc.Steps) && !rec.started[i+1].IsZero() {
				end = rec.started[i+1]
			}
			c.Duration = end.Sub(rec.started[i])
		}
		suite.Cases[i] = c
	}

	if runErr != nil {
		logger.Warn("Script failed.", zap.Int("step", failed), zap.Error(runErr))
	} else {
		logger.Info("Script passed.", zap.Int("steps", len(sc.Steps)), zap.Duration("elapsed", suite.Duration))
	}
	return suite, runErr
}
