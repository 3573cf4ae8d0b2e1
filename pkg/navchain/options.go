package navchain

import (
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/navchain/pkg/wait"
)

type options struct {
	timeout  time.Duration
	interval time.Duration
	prefix   string
	inject   []string
	logger   *zap.Logger
}

func defaultOptions() options {
	return options{
		timeout:  wait.DefaultTimeout,
		interval: wait.DefaultInterval,
		logger:   zap.NewNop(),
	}
}

// Option configures a Session.
type Option func(*options)

// WithTimeout sets the default bound for waits.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithInterval sets the spacing between wait poll rounds.
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithPrefix is prepended to every relative URL passed to open.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithInject lists scripts evaluated, in order, after every navigation and
// reload. Paths may start with ~.
func WithInject(paths ...string) Option {
	return func(o *options) { o.inject = append(o.inject, paths...) }
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

type runOptions struct {
	fresh bool
}

// RunOption configures a single Run.
type RunOption func(*runOptions)

// Fresh closes every open tab before the run and starts from a new one.
func Fresh() RunOption {
	return func(o *runOptions) { o.fresh = true }
}
