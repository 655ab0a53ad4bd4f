package cmd

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kestrel0/kestrel/internal/app"
	"github.com/kestrel0/kestrel/internal/config"
	"github.com/kestrel0/kestrel/internal/session"
)

type chatFlags struct {
	agent    string
	provider string
	model    string
}

func parseChatFlags(args []string) (chatFlags, error) {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var f chatFlags
	fs.StringVar(&f.agent, "agent", "", "Configured agent to chat with")
	fs.StringVar(&f.provider, "provider", "", "Provider id (gemini, openai, ollama)")
	fs.StringVar(&f.model, "model", "", "Model override")

	if err := fs.Parse(args); err != nil {
		return chatFlags{}, fmt.Errorf("parsing chat flags: %w", err)
	}
	return f, nil
}

// runChat starts the interactive chat loop.
func runChat() error {
	args := []string{}
	if len(os.Args) > 2 {
		args = os.Args[2:]
	}
	flags, err := parseChatFlags(args)
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
	defer func() {
		if closeErr := rt.Close(context.Background()); closeErr != nil {
			rt.Logger.Warn("runtime close error", "error", closeErr)
		}
	}()

	sess, err := openSession(ctx, rt, cfg, flags)
	if err != nil {
		return err
	}

	fmt.Printf("kestrel %s | %s / %s | session %s\n", AppVersion, sess.Provider(), sess.Model(), sess.ID())
	fmt.Println(`Type a message, or "/help" for commands.`)
	fmt.Println()

	return chatLoop(ctx, sess, os.Stdin)
}

func openSession(ctx context.Context, rt *app.Runtime, cfg *config.Config, flags chatFlags) (*session.Session, error) {
	if flags.agent != "" {
		sess, err := rt.Manager.StartSession(ctx, flags.agent)
		if err != nil {
			return nil, fmt.Errorf("starting agent session: %w", err)
		}
		return sess, nil
	}

	providerID := flags.provider
	if providerID == "" {
		providerID = cfg.DefaultProvider
	}
	binding, err := cfg.ProviderConfig(providerID, flags.model)
	if err != nil {
		return nil, err
	}
	sess, err := rt.Manager.CreateQuickSession(ctx, binding)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// chatLoop reads user input line by line until EOF or /exit.
func chatLoop(ctx context.Context, sess *session.Session, in *os.File) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if done := runChatCommand(sess, line); done {
				return nil
			}
			continue
		}

		if err := streamReply(ctx, sess, line); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

// runChatCommand handles slash commands. Returns true when the loop should
// exit.
func runChatCommand(sess *session.Session, line string) bool {
	switch line {
	case "/exit", "/quit":
		return true
	case "/reset":
		sess.Reset()
		fmt.Println("history cleared")
	case "/stats":
		st := sess.Stats()
		fmt.Printf("messages: %d  tokens: %d (prompt %d, response %d)  tool calls: %d  errors: %d  avg latency: %s\n",
			st.MessageCount, st.TotalTokens, st.PromptTokens, st.ResponseTokens,
			st.ToolCallCount, st.ErrorCount, st.AvgResponseTime.Round(time.Millisecond))
	case "/help":
		fmt.Println("/exit   leave the chat")
		fmt.Println("/reset  clear conversation history")
		fmt.Println("/stats  show session statistics")
	default:
		fmt.Printf("unknown command %s\n", line)
	}
	return false
}

func streamReply(ctx context.Context, sess *session.Session, input string) error {
	deltas, err := sess.SendStream(ctx, input)
	if err != nil {
		return err
	}

	for d := range deltas {
		if d.Err != nil {
			fmt.Println()
			return d.Err
		}
		if d.Turn != nil {
			fmt.Print(d.Turn.Text())
		}
	}
	fmt.Println()
	fmt.Println()
	return nil
}
