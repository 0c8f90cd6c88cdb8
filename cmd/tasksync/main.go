// Command tasksync keeps a personal task list in sync with a backing
// service, works offline and replays queued changes on reconnect.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tasksync",
	Short: "Offline-first task list synchronised with a backing service",
	Long: `tasksync keeps a personal task list in sync with a backing service.

Changes apply locally first and are confirmed by the service. While the
service is unreachable they are queued on disk and replayed in order once
it is back. Other devices' changes arrive over a realtime push channel.

Configuration is read from ~/.tasksync/config.yaml, ./.tasksync/config.yaml
and TASKSYNC_* environment variables. Run 'tasksync config init' to start.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Tasks:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	rootCmd.PersistentFlags().String("user", "", "User id (overrides user_id)")
	rootCmd.PersistentFlags().String("remote", "", "Service URL (overrides remote.url)")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable coloured output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
