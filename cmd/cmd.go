// Package cmd provides the kestrel CLI commands.
//
// Commands:
//   - chat: interactive terminal chat against the default or named agent
//   - ask: one-shot question, optionally as schema-validated JSON
//   - agents: list configured agents and their session counts
//   - models: list models reachable with the current credentials
//
// Commands that talk to providers install signal handling via context
// cancellation so Ctrl-C aborts an in-flight request cleanly.
package cmd

import (
	"fmt"
	"os"
)

// Version information (injected at build time via ldflags).
var (
	AppVersion = "development"
	GitCommit  = "unknown"
)

// Execute is the entry point for the kestrel CLI.
func Execute() error {
	if len(os.Args) < 2 {
		return runChat()
	}

	switch os.Args[1] {
	case "chat":
		return runChat()
	case "ask":
		return runAsk()
	case "agents":
		return runAgents()
	case "models":
		return runModels()
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

func runVersion() {
	fmt.Printf("kestrel %s (%s)\n", AppVersion, GitCommit)
}

func runHelp() {
	fmt.Println("kestrel - multi-provider terminal AI sessions")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  kestrel [chat]             Interactive chat (default command)")
	fmt.Println("  kestrel chat --agent NAME  Chat with a configured agent")
	fmt.Println("  kestrel ask \"question\"     One-shot question")
	fmt.Println("  kestrel agents             List configured agents")
	fmt.Println("  kestrel models [provider]  List reachable models")
	fmt.Println("  kestrel version            Show version")
	fmt.Println()
	fmt.Println("Configuration: ~/.kestrel/config.yaml")
	fmt.Println("Environment: GEMINI_API_KEY, OPENAI_API_KEY, OPENAI_BASE_URL, OLLAMA_HOST")
}
