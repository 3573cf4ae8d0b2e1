package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/navchain/internal/config"
	"github.com/xkilldash9x/navchain/internal/observability"
	"github.com/xkilldash9x/navchain/pkg/driver/bridge"
)

// newBridgeCmd serves the bridge protocol over stdin and stdout, so that
// one navchain process can host the engine of another:
//
//	engine:
//	  backend: bridge
//	  bridge:
//	    command: navchain
//	    args: [bridge, serve, --backend, rod]
func newBridgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "bridge",
		Short:  "Bridge protocol endpoints",
		Hidden: true,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Answer bridge requests on stdin/stdout using the configured backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			return serveBridge(ctx, cmd, cfg, observability.GetLogger())
		},
	})
	return cmd
}

func serveBridge(ctx context.Context, cmd *cobra.Command, cfg config.Interface, logger *zap.Logger) error {
	engine := cfg.Engine()
	name := strings.ToLower(engine.Backend)
	if name == config.BackendBridge {
		return fmt.Errorf("bridge serve needs a concrete backend, not %q", name)
	}

	launch, err := engine.LaunchOptions()
	if err != nil {
		return err
	}
	// Options from a parent process win over local configuration.
	if fromParent, ok, err := bridge.LaunchOptionsFromEnv(); err != nil {
		return err
	} else if ok {
		launch = fromParent
	}

	drv, err := backend(name, launch, engine.Bridge, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := drv.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Closing the served backend failed.", zap.Error(err))
		}
	}()
	logger.Info("Serving bridge protocol.", zap.String("backend", name))
	return bridge.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), drv, logger)
}
