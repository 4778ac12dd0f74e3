package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/fetchcore/fetch/model"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show orchestrator status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a running task",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL + "/api/status")
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
		Data struct {
			Mode          string    `json:"mode"`
			Since         time.Time `json:"since"`
			UptimeSeconds int64     `json:"uptime_seconds"`
			Circuit       string    `json:"circuit"`
			Version       string    `json:"version"`
			Task          *struct {
				ID     string `json:"id"`
				Status string `json:"status"`
				Goal   string `json:"goal"`
			} `json:"task"`
		} `json:"data"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("server error: %s", out.Error)
	}

	d := out.Data
	fmt.Printf("Mode:     %s %s (since %s)\n", model.Mode(d.Mode).Glyph(), d.Mode, d.Since.Local().Format("15:04:05"))
	fmt.Printf("Uptime:   %s\n", (time.Duration(d.UptimeSeconds) * time.Second).String())
	fmt.Printf("Circuit:  %s\n", d.Circuit)
	fmt.Printf("Version:  %s\n", d.Version)
	if d.Task != nil {
		fmt.Printf("Task:     %s [%s] %s\n", d.Task.ID, d.Task.Status, clip(d.Task.Goal, 60))
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	resp, err := http.Post(serverURL+"/api/tasks/"+args[0]+"/cancel", "application/json", nil)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		OK    bool              `json:"ok"`
		Data  map[string]string `json:"data"`
		Error string            `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("cancel failed: %s", out.Error)
	}
	fmt.Printf("Task %s is cancelling.\n", out.Data["task"])
	return nil
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
