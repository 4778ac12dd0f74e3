// Fetch - an agentic chat orchestrator.
//
// Message it on Telegram or Slack; it answers instantly when it can and
// dispatches a sandboxed coding harness when it can't.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch - agentic chat orchestrator",
	Long: `Fetch is a chat-first orchestrator for coding agents. It routes each
message to a reflex, a slash command or an agent loop, and delegates
real coding work to CLI harnesses inside a sandbox container.

  fetch serve              Start the orchestrator
  fetch status             Show mode, circuit and current task
  fetch tasks              List recent tasks
  fetch cancel <task-id>   Cancel a running task
  fetch events             Stream live events
  fetch version            Print the build version`,
	Version: version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fetch %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("FETCH_SERVER", "http://localhost:8700"), "Fetch server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
