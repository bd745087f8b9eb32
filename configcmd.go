package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/open115/restic-rest-gateway/internal/appconfig"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "inspect configuration",
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "print the fully-resolved configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			return showConfig(cc, os.Stdout)
		},
	}
}

func showConfig(cc *CLIContext, w io.Writer) error {
	return appconfig.Show(cc.Cfg, w)
}
