package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kestrel0/kestrel/internal/app"
	"github.com/kestrel0/kestrel/internal/config"
)

type askFlags struct {
	provider string
	model    string
	question string
}

func parseAskFlags(args []string) (askFlags, error) {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var f askFlags
	fs.StringVar(&f.provider, "provider", "", "Provider id (gemini, openai, ollama)")
	fs.StringVar(&f.model, "model", "", "Model override")

	if err := fs.Parse(args); err != nil {
		return askFlags{}, fmt.Errorf("parsing ask flags: %w", err)
	}

	f.question = strings.TrimSpace(strings.Join(fs.Args(), " "))
	if f.question == "" {
		return askFlags{}, fmt.Errorf("usage: kestrel ask [--provider ID] [--model M] \"question\"")
	}
	return f, nil
}

// runAsk sends a single question and prints the answer.
func runAsk() error {
	args := []string{}
	if len(os.Args) > 2 {
		args = os.Args[2:]
	}
	flags, err := parseAskFlags(args)
	if err != nil {
		return err
	}

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

	providerID := flags.provider
	if providerID == "" {
		providerID = cfg.DefaultProvider
	}
	binding, err := cfg.ProviderConfig(providerID, flags.model)
	if err != nil {
		return err
	}

	sess, err := rt.Manager.CreateQuickSession(ctx, binding)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	resp, err := sess.Send(ctx, flags.question)
	if err != nil {
		return err
	}

	fmt.Println(resp.Text())
	return nil
}
