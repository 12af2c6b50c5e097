// Package pluginhost loads, hot reloads and unloads plugins compiled as Go modules.
//
// A Host manages one lifecycle.Record per module file. Each record owns the
// plugin's state machine: it resolves the module's entry, rejects modules that
// require a newer host, constructs the instance and drives it through its Load and
// Unload hooks. When the module's code changes the loader delivers a new handle and
// the record swaps instances; when the module file is deleted the record tears the
// plugin down for good.
//
// # Core Concepts
//
//   - Plugin: the interface a module's instance implements (package plugin)
//   - Module loader: opens module files and resolves their entry (package module)
//   - Record: the serialized lifecycle of one plugin (package lifecycle)
//   - Host: ids, admission, retries and fan-out of lifecycle events (this package)
//
// # Getting Started
//
//	loader := module.NewGoLoader(module.WithShadowDir("/var/lib/pluginhost/shadow"))
//	host, err := pluginhost.NewHost(loader,
//		pluginhost.WithLogger(logger),
//		pluginhost.WithConfigurer(config.NewConfigurer("configs/plugins")),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer host.Shutdown(context.Background())
//
//	if _, err := host.LoadDir(ctx, "plugins"); err != nil {
//		logger.Error("some plugins failed to load", "error", err)
//	}
//
// # Writing a Plugin
//
// A module exports a variable named after the capability, "Plugin" by default:
//
//	var Plugin = module.Entry{
//		TypeName:       "greeter",
//		MinimumVersion: 3,
//		New: func() (plugin.Plugin, error) {
//			cfg := plugin.NewConfig()
//			cfg.SetName("greeter")
//			cfg.SetVersion("1.0.0")
//			return plugin.New(cfg)
//		},
//	}
//
// and is built with a unique plugin path per build so it can be reloaded:
//
//	go build -buildmode=plugin -ldflags "-pluginpath=greeter-$(date +%s)" -o plugins/greeter.so
//
// # Collaborators
//
// Lifecycle events can be announced in etcd (package registry), published to Redis
// (package events) and reported over gRPC health (package health). Failures of
// these collaborators are logged and never fail a plugin operation.
package pluginhost
