package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zero-day-ai/pluginhost/config"
	"github.com/zero-day-ai/pluginhost/registry"
)

var errNoRegistry = errors.New("no registry configured")

type listFlags struct {
	watch bool
}

func newListCommand(flags *rootFlags) *cobra.Command {
	lf := &listFlags{}

	cmd := &cobra.Command{
		Use:   "list [name]",
		Short: "List plugin instances announced in the registry",
		Long: `List prints the plugin instances announced under the configured registry
namespace, by every host sharing it. With a name only instances of that plugin
are listed, and --watch keeps printing the list after every change.

Example:
  pluginhost list
  pluginhost list text-analyzer --watch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) == 1 {
				name = args[0]
			}
			if lf.watch && name == "" {
				return errors.New("--watch needs a plugin name")
			}

			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Registry == nil {
				return errNoRegistry
			}
			client, err := registry.NewClient(registryConfig(cfg.Registry))
			if err != nil {
				return err
			}
			defer client.Close()

			return listInstances(cmd.Context(), client, name, lf.watch, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVarP(&lf.watch, "watch", "w", false, "keep listing after every change")
	return cmd
}

func registryConfig(rc *config.RegistryConfig) registry.Config {
	cfg := registry.Config{
		Endpoints: rc.Endpoints,
		Namespace: rc.GetNamespace(),
		TTL:       rc.GetTTL(),
	}
	if t := rc.TLS; t != nil {
		cfg.TLS = &registry.TLSConfig{
			Enabled:  t.Enabled,
			CertFile: t.CertFile,
			KeyFile:  t.KeyFile,
			CAFile:   t.CAFile,
		}
	}
	return cfg
}

// listInstances prints the announced instances once, or every snapshot until
// ctx ends when watching.
func listInstances(ctx context.Context, reg registry.Registry, name string, watch bool, out io.Writer) error {
	if !watch {
		var (
			instances []registry.ServiceInfo
			err       error
		)
		if name == "" {
			instances, err = reg.DiscoverAll(ctx, registry.KindPlugin)
		} else {
			instances, err = reg.Discover(ctx, registry.KindPlugin, name)
		}
		if err != nil {
			return err
		}
		return printInstances(out, instances)
	}

	updates, err := reg.Watch(ctx, registry.KindPlugin, name)
	if err != nil {
		return err
	}
	for instances := range updates {
		if err := printInstances(out, instances); err != nil {
			return err
		}
		fmt.Fprintln(out)
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func printInstances(out io.Writer, instances []registry.ServiceInfo) error {
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].Name != instances[j].Name {
			return instances[i].Name < instances[j].Name
		}
		return instances[i].InstanceID < instances[j].InstanceID
	})

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tPLUGIN ID\tINSTANCE\tENDPOINT\tSTARTED")
	for _, info := range instances {
		endpoint := info.Endpoint
		if endpoint == "" {
			endpoint = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			info.Name,
			info.Version,
			info.Metadata["plugin_id"],
			info.InstanceID,
			endpoint,
			info.StartedAt.UTC().Format(time.RFC3339),
		)
	}
	return tw.Flush()
}
