package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type agentRow struct {
	AgentID      string    `json:"agent_id"`
	Status       string    `json:"status"`
	HostPort     int       `json:"host_port"`
	LastActivity time.Time `json:"last_activity"`
	Processing   bool      `json:"processing"`
	QueueDepth   int       `json:"queue_depth"`
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents known to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var body struct {
				Agents []agentRow `json:"agents"`
			}
			if err := apiCall(http.MethodGet, "/api/agents", &body); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT\tSTATUS\tPORT\tQUEUE\tLAST ACTIVITY")
			for _, a := range body.Agents {
				state := a.Status
				if a.Processing {
					state += " (processing)"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					a.AgentID, state, a.HostPort, a.QueueDepth,
					a.LastActivity.Local().Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <agent-id>",
		Short: "Stop an agent's container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiCall(http.MethodPost, "/api/agents/"+args[0]+"/stop", nil); err != nil {
				return err
			}
			fmt.Printf("Agent %s stopped\n", args[0])
			return nil
		},
	}
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <agent-id>",
		Short: "Stop an agent and delete its record (the data directory is kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiCall(http.MethodDelete, "/api/agents/"+args[0], nil); err != nil {
				return err
			}
			fmt.Printf("Agent %s removed\n", args[0])
			return nil
		},
	}
}

func apiCall(method, path string, out interface{}) error {
	req, err := http.NewRequest(method, serverURL+path, nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}
