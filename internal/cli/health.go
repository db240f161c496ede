package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the style API is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			client := a.client()
			resp, err := client.Health(ctx)
			if err != nil {
				return fmt.Errorf("style API at %s is offline: %w", client.BaseURL(), err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Style API at %s is online (status %s).\n", client.BaseURL(), resp.Status)
			return nil
		},
	}
}
