package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream live events",
	Long:  "Stream every bus event (task, mode, harness, workspace, schedule) until interrupted.",
	RunE:  runEvents,
}

func init() {
	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	wsURL := strings.Replace(serverURL, "http", "ws", 1) + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("connecting to server: %w\nIs the server running? Start it with: fetch serve", err)
	}
	defer conn.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		conn.Close()
	}()

	for {
		var ev struct {
			Type      string    `json:"type"`
			SessionID string    `json:"session_id"`
			TaskID    string    `json:"task_id"`
			Data      any       `json:"data"`
			At        time.Time `json:"at"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			// Closed by Ctrl-C or server shutdown.
			return nil
		}

		line := fmt.Sprintf("%s  %-24s", ev.At.Local().Format("15:04:05"), ev.Type)
		if ev.TaskID != "" {
			line += "  task=" + ev.TaskID
		}
		if ev.Data != nil {
			if b, err := json.Marshal(ev.Data); err == nil && string(b) != "null" {
				line += "  " + string(b)
			}
		}
		fmt.Println(line)
	}
}
