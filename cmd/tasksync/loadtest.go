package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/loadtest"
	"github.com/mschirtzinger/tasksync/internal/logging"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/remote/server"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Drive concurrent devices against a service and check convergence",
	Long: `Simulate several devices of one user mutating the same task list at
the same time, then verify that every device ends up with the service's
state.

By default a throwaway service is started in-process on a free port. Use
--use-remote to target the configured remote.url instead (tasks are
created for a dedicated load-test user).

Example usage:
  tasksync loadtest
  tasksync loadtest --devices 8 --mutations 200 --seed 3`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		devices, _ := cmd.Flags().GetInt("devices")
		tasks, _ := cmd.Flags().GetInt("tasks")
		mutations, _ := cmd.Flags().GetInt("mutations")
		seed, _ := cmd.Flags().GetUint64("seed")
		useRemote, _ := cmd.Flags().GetBool("use-remote")
		user, _ := cmd.Flags().GetString("load-user")

		logs, err := logging.Open(cfg.Log)
		if err != nil {
			fatalf("%v", err)
		}
		defer closer(func() { _ = logs.Close() })()

		baseURL, token := cfg.Remote.URL, cfg.Remote.Token
		if !useRemote {
			dir, err := os.MkdirTemp("", "tasksync-loadtest-")
			if err != nil {
				fatalf("%v", err)
			}
			defer closer(func() { _ = os.RemoveAll(dir) })()

			srv, err := server.New(&server.Config{
				Port:   0,
				DBPath: filepath.Join(dir, "server.db"),
				Logger: logging.New(logs, "server"),
			})
			if err != nil {
				fatalf("failed to create service: %v", err)
			}
			if err := srv.Start(); err != nil {
				fatalf("failed to start service: %v", err)
			}
			defer closer(func() { _ = srv.Stop() })()

			_, port, _ := net.SplitHostPort(srv.Addr())
			baseURL = "http://" + net.JoinHostPort("127.0.0.1", port)
			token = user
		}

		fmt.Printf("%s Load testing %s with %d devices\n\n", ui.RenderAccent("🚀"), baseURL, devices)

		result, err := loadtest.Run(ctx, func(int) (remote.Client, error) {
			return remote.NewHTTPClient(remote.HTTPConfig{
				BaseURL: baseURL,
				Token:   token,
				Logger:  logging.New(logs, "remote"),
			})
		}, &loadtest.Config{
			UserID:             user,
			Devices:            devices,
			Tasks:              tasks,
			MutationsPerDevice: mutations,
			Seed:               seed,
			Logger:             logging.New(logs, "loadtest"),
		})
		if err != nil {
			fatalf("%v", err)
		}

		result.Print(os.Stdout)
		if !result.Converged || len(result.Errors) > 0 {
			fmt.Printf("\n%s Load test failed\n", ui.RenderFail("✗"))
			exit(1)
		}
		fmt.Printf("\n%s All devices converged\n", ui.RenderPass("✓"))
	},
}

func init() {
	loadtestCmd.Flags().Int("devices", 4, "Number of concurrent devices")
	loadtestCmd.Flags().Int("tasks", 20, "Tasks created before mutating")
	loadtestCmd.Flags().Int("mutations", 50, "Mutations per device")
	loadtestCmd.Flags().Uint64("seed", 1, "Random seed for the mutation mix")
	loadtestCmd.Flags().Bool("use-remote", false, "Target remote.url instead of an in-process service")
	loadtestCmd.Flags().String("load-user", "loadtest", "User id the load test writes as")
	rootCmd.AddCommand(loadtestCmd)
}
