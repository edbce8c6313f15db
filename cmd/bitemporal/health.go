package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// newHealthCmd probes /readyz and exits non-zero unless the server answers
// 2xx. It doubles as a container healthcheck.
func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the server is ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := globalClient.doRequest(http.MethodGet, "/readyz", nil); err != nil {
				return fmt.Errorf("healthcheck failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}
