package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/logging"
	"github.com/mschirtzinger/tasksync/internal/remote/server"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Run the reference backing service",
	Long: `Run a backing service for tasksync clients backed by SQLite.

Endpoints:
  GET/POST     /api/tasks
  PATCH/DELETE /api/tasks/{id}
  GET          /ws?kind=tasks|checklist_items   realtime push
  GET          /health

Requests carry "Authorization: Bearer <token>". Tokens are mapped to users
by server.users in the configuration; without users the token itself is
the user id.

Example usage:
  tasksync serve                 # Start on server.port (default 8080)
  tasksync serve --port 9000     # Start on custom port`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}

		logs, err := logging.Open(cfg.Log)
		if err != nil {
			fatalf("%v", err)
		}
		defer closer(func() { _ = logs.Close() })()

		srv, err := server.New(&server.Config{
			Port:   port,
			DBPath: cfg.Server.DBPath,
			Tokens: cfg.ServerTokens(),
			Logger: logging.New(logs, "server"),
		})
		if err != nil {
			fatalf("failed to create server: %v", err)
		}
		var stopErr error
		stop := closer(func() { stopErr = srv.Stop() })

		if err := srv.Start(); err != nil {
			fatalf("failed to start server: %v", err)
		}

		fmt.Printf("Service started on http://%s\n", srv.Addr())
		fmt.Printf("Database: %s\n", cfg.Server.DBPath)
		fmt.Println("\nPress Ctrl+C to stop...")

		// Wait for interrupt signal
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		<-ctx.Done()

		fmt.Println("\nShutting down service...")
		stop()
		if stopErr != nil {
			fatalf("during shutdown: %v", stopErr)
		}
		fmt.Println("Service stopped")
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	rootCmd.AddCommand(serveCmd)
}
