package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/navchain/pkg/driver/static"
	"github.com/xkilldash9x/navchain/pkg/navchain"
)

func newRoutesCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "List the routes a script can call",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Listing routes never starts an engine; any backend will do.
			s := navchain.New(static.New())
			defer s.Close(cmd.Context())
			for _, r := range s.Routes() {
				if strings.HasPrefix(r, prefix) {
					fmt.Fprintln(cmd.OutOrStdout(), r)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only list routes starting with this prefix")
	return cmd
}
