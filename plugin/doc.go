// Package plugin defines the capability contract between the host and a dynamically
// loaded module.
//
// A module exports one entry type implementing Plugin. The host constructs it, wires it
// up through the optional interfaces below, and then drives it through its lifecycle.
//
// # Core Concepts
//
// A Plugin:
//   - Has a name, version, description and author
//   - Is loaded once per instance, possibly as part of a hot reload
//   - Is unloaded before it is disposed, even when unloading fails
//   - Is never used after Dispose
//
// Optional interfaces let the host attach more:
//   - PathAware receives the module path
//   - LoggerAware receives a logger scoped to the plugin
//   - CommandProvider declares commands the host registers while the plugin is loaded
//   - Configurable reads a per-plugin configuration file
//   - HealthChecker reports health to the host's health server
//
// # Creating a Plugin
//
// Embed Base in a struct for a hand-written plugin, or use the builder:
//
//	cfg := plugin.NewConfig()
//	cfg.SetName("greeter")
//	cfg.SetVersion("1.0.0")
//	cfg.SetAuthor("zero-day")
//	cfg.AddCommand("greet", "Returns a greeting", func(ctx context.Context, args []string) (string, error) {
//	    return "hello " + strings.Join(args, " "), nil
//	})
//
//	p, err := plugin.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Lifecycle
//
//  1. Construction - the module's entry constructor returns a fresh instance
//  2. Wiring - path, commands, logger and configuration are attached
//  3. Load(ctx, hotReload) - the instance starts working
//  4. Unload(ctx, hotReload) - the instance stops; hotReload means a replacement follows
//  5. Dispose() - resources are released
//
// The host serializes these calls per instance. Plugins must not call back into the
// host's lifecycle operations for their own record from inside a hook.
package plugin
