// Office Bridge — local companion process for the office document plugin.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Office Bridge — local supervisor and AI proxy for office tool servers.",
	Long: `Office Bridge runs alongside a desktop office plugin. It supervises
stdio tool server processes with crash-loop backoff, proxies chat
completions to configured AI providers, keeps provider keys encrypted
at rest, and serves live logs over HTTP and WebSocket on a
loopback-only port.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
