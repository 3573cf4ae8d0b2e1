// Package navchain is a fluent command queue for driving a browser backend.
//
// Chained calls such as
//
//	s.Open("/login").Fill("#user", "ada").Click("#submit").Wait("#home")
//
// do not touch the browser. Each one pushes a step onto the session's queue
// and Run drains that queue in order, stopping at the first failure. Every
// call is also reachable by its dotted route through Call, which is how
// scripts and custom routes drive a session.
package navchain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/navchain/pkg/driver"
	"github.com/xkilldash9x/navchain/pkg/errs"
	"github.com/xkilldash9x/navchain/pkg/queue"
	"github.com/xkilldash9x/navchain/pkg/registry"
	"github.com/xkilldash9x/navchain/pkg/tabs"
	"github.com/xkilldash9x/navchain/pkg/wait"
)

// Step is a unit of queued work bound to a session.
type Step = queue.Step[*Session]

// Session owns one browser backend, its tabs and the queue of pending steps.
type Session struct {
	id      string
	drv     driver.Driver
	dom     driver.DOM
	opts    options
	logger  *zap.Logger
	routes  *registry.Tree[*Session]
	queue   queue.Queue[*Session]
	batches queue.Batches[*Session]
	tabs    *tabs.Manager
	waiter  *wait.Engine

	hmu     sync.Mutex
	headers http.Header

	runMu     sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// New creates a session over drv. The engine is not started until the first
// Run needs a page.
func New(drv driver.Driver, opts ...Option) *Session {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	id := uuid.NewString()
	logger := o.logger.With(zap.String("session", id), zap.String("backend", drv.Name()))

	s := &Session{
		id:      id,
		drv:     drv,
		dom:     driver.DOM{Driver: drv},
		opts:    o,
		logger:  logger,
		routes:  registry.New[*Session](),
		tabs:    tabs.NewManager(drv, logger),
		waiter:  &wait.Engine{Interval: o.interval, Timeout: o.timeout, Logger: logger},
		headers: http.Header{},
	}
	if err := s.routes.Load(routeTable()); err != nil {
		panic(fmt.Sprintf("navchain: invalid built-in route table: %v", err))
	}
	return s
}

func (s *Session) ID() string { return s.id }

// Driver returns the backend, for use by custom routes.
func (s *Session) Driver() driver.Driver { return s.drv }

// Tabs returns the session's tab manager.
func (s *Session) Tabs() *tabs.Manager { return s.tabs }

// Routes lists every callable route, sorted.
func (s *Session) Routes() []string { return s.routes.Routes() }

// Register binds h to routes on this session. A nil h removes the routes'
// callability, leaving deeper routes intact.
func (s *Session) Register(routes []string, h registry.Handler[*Session]) error {
	return s.routes.Register(routes, h)
}

// Call invokes route. A failure to resolve or validate the call is queued as
// a failing step, so the chain can continue and Run reports it.
func (s *Session) Call(route string, args ...any) *Session {
	if err := s.Invoke(route, args...); err != nil {
		s.fail(route, err)
	}
	return s
}

// Invoke is Call but returns the call-time error instead of queueing it.
func (s *Session) Invoke(route string, args ...any) error {
	return s.routes.Call(s, route, args...)
}

// Push appends a step labelled with route.
func (s *Session) Push(route string, step Step) *Session {
	s.queue.Push(s.label(route, step))
	return s
}

// Pending returns the number of queued steps.
func (s *Session) Pending() int { return s.queue.Len() }

func (s *Session) fail(route string, err error) {
	s.queue.Push(s.label(route, func(context.Context, *Session) error { return err }))
}

func (s *Session) label(route string, step Step) Step {
	return func(ctx context.Context, sess *Session) error {
		sess.logger.Debug("Running step.", zap.String("route", route))
		if err := step(ctx, sess); err != nil {
			return annotate(route, err)
		}
		return nil
	}
}

func annotate(route string, err error) error {
	var e *errs.Error
	if errors.As(err, &e) && e.Op == route {
		return err
	}
	return fmt.Errorf("%s: %w", route, err)
}

// Run drains the queued steps against the browser. The queue is swapped for
// an empty one first, so the session can be reused for the next chain while
// this one runs. The first failing step aborts the run and its error is
// returned.
func (s *Session) Run(ctx context.Context, opts ...RunOption) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	steps := s.queue.Take()
	start := time.Now()
	s.logger.Debug("Run started.", zap.Int("steps", len(steps)), zap.Bool("fresh", ro.fresh))

	if err := s.prepare(ctx, ro.fresh); err != nil {
		return err
	}
	err := queue.Drain(ctx, s, steps)
	if err != nil {
		s.logger.Debug("Run failed.", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return err
	}
	s.logger.Debug("Run finished.", zap.Duration("elapsed", time.Since(start)))
	return nil
}

// RunAsync runs in a new goroutine and reports the result to done exactly
// once.
func (s *Session) RunAsync(ctx context.Context, done func(error), opts ...RunOption) {
	go func() {
		done(s.Run(ctx, opts...))
	}()
}

func (s *Session) prepare(ctx context.Context, fresh bool) error {
	if fresh {
		if err := s.tabs.CloseAll(ctx); err != nil {
			return fmt.Errorf("closing tabs: %w", err)
		}
	}
	if s.tabs.Count() == 0 {
		if _, err := s.tabs.Open(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every tab and terminates the engine. It is safe to call more
// than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.runMu.Lock()
		defer s.runMu.Unlock()
		tabErr := s.tabs.CloseAll(ctx)
		s.closeErr = errors.Join(tabErr, s.drv.Close(ctx))
	})
	return s.closeErr
}

// Page returns the active page.
func (s *Session) Page() (driver.Page, error) {
	t := s.tabs.Active()
	if t == nil {
		return nil, errs.New(errs.KindNotFound, "tab", "no tab is open")
	}
	return t.Page, nil
}

func (s *Session) response() (*driver.Response, error) {
	t := s.tabs.Active()
	if t == nil {
		return nil, errs.New(errs.KindNotFound, "tab", "no tab is open")
	}
	if t.Response == nil {
		return nil, errs.New(errs.KindNotFound, "response", "the active tab has not loaded a document")
	}
	return t.Response, nil
}

func (s *Session) headerSnapshot() http.Header {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return s.headers.Clone()
}

// probe adapts the active page to the wait engine.
type probe struct {
	s    *Session
	page driver.Page
}

func (p probe) IsLoading(ctx context.Context) (bool, error) {
	return p.s.drv.IsLoading(ctx, p.page)
}

func (p probe) Count(ctx context.Context, selector string) (int, error) {
	return p.s.dom.Count(ctx, p.page, selector)
}

func (p probe) Truthy(ctx context.Context, fn wait.Func, args []any) (bool, error) {
	resolved, err := resolveAll(args)
	if err != nil {
		return false, err
	}
	return p.s.dom.Truthy(ctx, p.page, fn.Source, resolved...)
}
