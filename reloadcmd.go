package main

import "github.com/spf13/cobra"

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "signal a running gateway to reload (best-effort liveness probe)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			return sendSIGHUP(pidFilePath(cc.Cfg))
		},
	}
}
