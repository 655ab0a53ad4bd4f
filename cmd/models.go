package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kestrel0/kestrel/internal/app"
	"github.com/kestrel0/kestrel/internal/config"
	"github.com/kestrel0/kestrel/internal/provider"
)

// runModels lists models reachable with the current credentials, for one
// provider (positional argument) or every enabled one.
func runModels() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing runtime: %w", err)
	}
	defer rt.Close(context.Background()) //nolint:errcheck // best-effort teardown

	bindings := cfg.EnabledProviders()
	if len(os.Args) > 2 {
		binding, err := cfg.ProviderConfig(os.Args[2], "")
		if err != nil {
			return err
		}
		bindings = []provider.Config{binding}
	}

	for _, binding := range bindings {
		models, err := rt.Sessions.AvailableModels(ctx, binding)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", binding.Provider, err)
			continue
		}
		fmt.Printf("%s:\n", binding.Provider)
		for _, m := range models {
			marker := " "
			if m == binding.Model {
				marker = "*"
			}
			fmt.Printf("  %s %s\n", marker, m)
		}
	}
	return nil
}
