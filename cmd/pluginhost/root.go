package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/pluginhost/version"
)

type rootFlags struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:   "pluginhost",
		Short: "Plugin host with hot reload",
		Long: `pluginhost loads plugins built as Go modules, hot reloads them when their
files are rebuilt and unloads them for good when their files are deleted.

Lifecycle events can be announced in etcd, published to Redis and reported
over the gRPC health protocol. See host.yaml for the available settings.`,
		Version:       fmt.Sprintf("%d", version.Current()),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "host.yaml",
		"host configuration file or directory containing host.yaml")

	rootCmd.AddCommand(newRunCommand(flags))
	rootCmd.AddCommand(newValidateCommand(flags))
	rootCmd.AddCommand(newListCommand(flags))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}
