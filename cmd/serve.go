package cmd

import (
	"github.com/spf13/cobra"
)

// newServeCmd runs the status/metrics/search HTTP server until interrupted.
// Signal handling lives in Execute, so cmd.Context is already cancelable.
func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve pipeline status, metrics, and record search over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp(cmd, flags)
			if err != nil {
				return err
			}
			defer closeApp(a)

			return a.Serve(cmd.Context())
		},
	}
}
