// agentctl is the operator CLI for the agent host: snapshot and restore
// agent data directories, and list, stop, or remove agents through the
// server API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var serverURL string

func main() {
	root := &cobra.Command{
		Use:           "agentctl",
		Short:         "Manage containerized agents and their snapshots",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("AGENT_SERVER_URL", "http://localhost:8080"), "agent host server URL")

	root.AddCommand(
		newSnapshotCmd(),
		newRestoreCmd(),
		newListCmd(),
		newStopCmd(),
		newRemoveCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
