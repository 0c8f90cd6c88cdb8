package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/transfer"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "advanced",
	Short:   "Write all tasks as JSONL",
	Long: `Write every task, open and completed, one JSON object per line.

Examples:
  tasksync export > tasks.jsonl
  tasksync export -o backup.jsonl`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		c := openClient(ctx, cfg)
		defer closer(c.Close)()
		if !c.load(ctx) {
			exit(1)
		}

		var out io.Writer = os.Stdout
		if path, _ := cmd.Flags().GetString("output"); path != "" {
			f, err := os.Create(path)
			if err != nil {
				fatalf("%v", err)
			}
			defer closer(func() { _ = f.Close() })()
			out = f
		}
		tasks := c.Store().Tasks()
		if err := transfer.Write(out, tasks); err != nil {
			fatalf("%v", err)
		}
		if out != os.Stdout {
			fmt.Fprintf(os.Stderr, "%s Exported %d tasks\n", ui.RenderPass("✓"), len(tasks))
		}
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "advanced",
	Short:   "Create tasks from a JSONL file",
	Long: `Create one task per line of a JSONL file. Lines may be exported tasks
or drafts ({"title": "...", "checklist": ["..."]}). Every line is validated
before anything is created. Tasks that were completed are completed again.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		records, err := transfer.ReadFile(args[0])
		if err != nil {
			fatalf("%v", err)
		}

		c := openClient(ctx, cfg)
		defer closer(c.Close)()
		c.CheckConnectivity(ctx)

		result := transfer.Import(ctx, c.Store(), records)
		fmt.Printf("%s Created %d, queued %d\n", ui.RenderPass("✓"), result.Created, result.Queued)
		for _, e := range result.Errors {
			fmt.Printf("  %s %s\n", ui.RenderFail("✗"), e)
		}
		if len(result.Errors) > 0 {
			exit(1)
		}
	},
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "Write to a file instead of stdout")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
