package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/navchain/internal/config"
	"github.com/xkilldash9x/navchain/internal/observability"
	"github.com/xkilldash9x/navchain/internal/reporting"
	"github.com/xkilldash9x/navchain/internal/script"
	"github.com/xkilldash9x/navchain/pkg/navchain"
)

type runFlags struct {
	junit string
	json  string
	fresh bool
}

// newRunCmd creates the `run` command.
func newRunCmd(v *viper.Viper) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run <script.yaml>...",
		Short: "Run step scripts against the configured backend",
		Long: `Loads each YAML step script, queues its steps on one browser session and
runs them in order. A script stops at its first failing step; later scripts
still run. Reports cover every step of every script.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return runScripts(ctx, observability.GetLogger(), cfg, args, flags, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&flags.junit, "junit", "", "write a JUnit XML report to this file (- for stdout)")
	cmd.Flags().StringVar(&flags.json, "json", "", "write a JSON report to this file (- for stdout)")
	cmd.Flags().BoolVar(&flags.fresh, "fresh", false, "close every tab before each script")
	cmd.Flags().Bool("headless", true, "run the browser without a window")
	cmd.Flags().String("prefix", "", "prefix for relative URLs")
	cmd.Flags().Duration("timeout", 0, "default wait timeout")
	_ = v.BindPFlag("engine.headless", cmd.Flags().Lookup("headless"))
	_ = v.BindPFlag("session.prefix", cmd.Flags().Lookup("prefix"))
	_ = v.BindPFlag("session.timeout", cmd.Flags().Lookup("timeout"))
	return cmd
}

// runScripts contains the testable core of the run command.
func runScripts(ctx context.Context, logger *zap.Logger, cfg config.Interface, paths []string, flags runFlags, out io.Writer) error {
	scripts := make([]*script.Script, 0, len(paths))
	for _, p := range paths {
		sc, err := script.Load(p)
		if err != nil {
			return err
		}
		scripts = append(scripts, sc)
	}

	reporters, err := openReporters(flags)
	if err != nil {
		return err
	}

	drv, err := newDriver(cfg.Engine(), logger)
	if err != nil {
		closeReporters(logger, reporters)
		return err
	}
	inject, err := cfg.Session().InjectPaths()
	if err != nil {
		closeReporters(logger, reporters)
		return err
	}
	session := navchain.New(drv,
		navchain.WithTimeout(cfg.Session().Timeout),
		navchain.WithInterval(cfg.Session().Interval),
		navchain.WithPrefix(cfg.Session().Prefix),
		navchain.WithInject(inject...),
		navchain.WithLogger(logger),
	)

	var runOpts []navchain.RunOption
	if flags.fresh {
		runOpts = append(runOpts, navchain.Fresh())
	}

	var failures []error
	for _, sc := range scripts {
		suite, err := script.Run(ctx, session, sc, logger, runOpts...)
		for _, r := range reporters {
			if werr := r.Write(suite); werr != nil {
				failures = append(failures, werr)
			}
		}
		printSummary(out, suite, err)
		if err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", sc.Name, err))
			if ctx.Err() != nil {
				break
			}
		}
	}

	if err := session.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("Closing the session failed.", zap.Error(err))
	}
	for _, r := range reporters {
		if err := r.Close(); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

func openReporters(flags runFlags) ([]reporting.Reporter, error) {
	var out []reporting.Reporter
	for _, target := range []struct{ format, path string }{{"junit", flags.junit}, {"json", flags.json}} {
		if target.path == "" {
			continue
		}
		r, err := reporting.New(target.format, target.path)
		if err != nil {
			for _, opened := range out {
				_ = opened.Close()
			}
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func closeReporters(logger *zap.Logger, reporters []reporting.Reporter) {
	for _, r := range reporters {
		if err := r.Close(); err != nil {
			logger.Warn("Closing a report failed.", zap.Error(err))
		}
	}
}

func printSummary(out io.Writer, suite *reporting.Suite, err error) {
	if err == nil {
		fmt.Fprintf(out, "PASS %s (%d steps, %s)\n", suite.Name, len(suite.Cases), suite.Duration.Round(1e6))
		return
	}
	failed, skipped := suite.Counts()
	fmt.Fprintf(out, "FAIL %s (%d failed, %d skipped): %v\n", suite.Name, failed, skipped, err)
}
