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

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List recent tasks",
	RunE:  runTasks,
}

var tasksLimit int

func init() {
	tasksCmd.Flags().IntVar(&tasksLimit, "limit", 20, "Max tasks to show")
	rootCmd.AddCommand(tasksCmd)
}

func runTasks(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(fmt.Sprintf("%s/api/tasks?limit=%d", serverURL, tasksLimit))
	if err != nil {
		return fmt.Errorf("connecting to server: %w\nIs the server running? Start it with: fetch serve", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var out struct {
		OK   bool `json:"ok"`
		Data []struct {
			ID          string    `json:"id"`
			Status      string    `json:"status"`
			Agent       string    `json:"agent"`
			WorkspaceID string    `json:"workspace_id"`
			Goal        string    `json:"goal"`
			CreatedAt   time.Time `json:"created_at"`
		} `json:"data"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("server error: %s", out.Error)
	}

	if len(out.Data) == 0 {
		fmt.Println("No tasks yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tAGENT\tWORKSPACE\tGOAL\tCREATED")
	for _, t := range out.Data {
		ws := t.WorkspaceID
		if ws == "" {
			ws = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, statusIcon(t.Status), t.Agent, ws, clip(t.Goal, 50),
			t.CreatedAt.Local().Format("Jan 02 15:04"))
	}
	return w.Flush()
}

func statusIcon(status string) string {
	switch status {
	case "pending":
		return "⏳ pending"
	case "running":
		return "🔵 running"
	case "waiting_input":
		return "❓ waiting"
	case "completed":
		return "✅ completed"
	case "failed":
		return "❌ failed"
	case "cancelled":
		return "🛑 cancelled"
	case "timed_out":
		return "⏱ timed_out"
	default:
		return status
	}
}
