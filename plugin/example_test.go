package plugin_test

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/zero-day-ai/pluginhost/plugin"
)

// Example builds a plugin with one command and walks it through its lifecycle.
func Example() {
	cfg := plugin.NewConfig()
	cfg.SetName("greeter")
	cfg.SetVersion("1.0.0")
	cfg.SetDescription("Says hello")
	cfg.SetAuthor("zero-day")
	cfg.AddCommand("greet", "Returns a greeting", func(ctx context.Context, args []string) (string, error) {
		return "hello " + strings.Join(args, " "), nil
	})

	p, err := plugin.New(cfg)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := p.Load(ctx, false); err != nil {
		log.Fatal(err)
	}

	for _, cmd := range p.(plugin.CommandProvider).Commands() {
		out, _ := cmd.Handler(ctx, []string{"world"})
		fmt.Println(cmd.Name+":", out)
	}

	fmt.Println(plugin.MetadataOf(p, 0).Name, p.(plugin.HealthChecker).Health(ctx).Status)

	_ = p.Unload(ctx, false)
	_ = p.Dispose()

	// Output:
	// greet: hello world
	// greeter healthy
}
