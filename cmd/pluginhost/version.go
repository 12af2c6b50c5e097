package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/pluginhost/version"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the host version plugins are checked against",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			v := version.Current()
			if v == version.Development {
				fmt.Fprintf(out, "host version: %d (development build, minimum versions not enforced)\n", v)
			} else {
				fmt.Fprintf(out, "host version: %d\n", v)
			}
			if info, ok := debug.ReadBuildInfo(); ok {
				fmt.Fprintf(out, "go: %s\n", info.GoVersion)
			}
			return nil
		},
	}
}
