package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show connectivity, task and queue status",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		c := openClient(ctx, cfg)
		defer closer(c.Close)()

		online := c.load(ctx)

		fmt.Printf("\n%s tasksync status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("User: %s\n", c.UserID())
		fmt.Printf("Service: %s\n", cfg.Remote.URL)
		if online {
			fmt.Printf("Connectivity: %s\n", ui.RenderPass("online"))
			fmt.Printf("Tasks: %d (%d open)\n", c.Store().Len(), len(c.Store().Pending()))
		} else {
			fmt.Printf("Connectivity: %s\n", ui.RenderWarn("offline"))
		}
		fmt.Printf("Queued changes: %d\n", c.Queue().Len())
		fmt.Printf("Queue store: %s\n", cfg.Offline.DBPath)
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
