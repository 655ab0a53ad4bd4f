package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/kestrel0/kestrel/internal/app"
	"github.com/kestrel0/kestrel/internal/config"
)

// runAgents lists the configured agents and their session counts.
func runAgents() error {
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

	agents := rt.Manager.ListAgents()
	if len(agents) == 0 {
		fmt.Println("No agents configured. Add entries under \"agents:\" in ~/.kestrel/config.yaml.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tMODEL\tSESSIONS\tDESCRIPTION")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
			a.ID, a.Provider, a.Model, a.Sessions, a.MaxSessions, a.Description)
	}
	return w.Flush()
}
