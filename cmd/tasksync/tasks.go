package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var addCmd = &cobra.Command{
	Use:     "add <title>",
	GroupID: "tasks",
	Short:   "Create a task",
	Long: `Create a task on the service.

The task shows up once the service confirms it. While the service is
unreachable the draft is queued and created when the queue drains.

Examples:
  tasksync add "Buy milk"
  tasksync add "File taxes" --priority high --due "next friday 5pm"
  tasksync add "Pack" --checklist socks --checklist charger`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		draft := schema.Draft{Title: args[0]}
		draft.Description, _ = cmd.Flags().GetString("description")
		draft.Category, _ = cmd.Flags().GetString("category")
		priority, _ := cmd.Flags().GetString("priority")
		draft.Priority = schema.Priority(priority)
		draft.Urgent, _ = cmd.Flags().GetBool("urgent")
		draft.Important, _ = cmd.Flags().GetBool("important")
		draft.Checklist, _ = cmd.Flags().GetStringArray("checklist")
		if due, _ := cmd.Flags().GetString("due"); due != "" {
			t, err := parseDue(due, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			draft.DueDate = &t
		}

		c := openClient(ctx, cfg)
		defer closer(c.Close)()
		c.CheckConnectivity(ctx)

		task, err := c.Store().Create(ctx, draft)
		if err != nil {
			fatalf("%v", err)
		}
		if task == nil {
			fmt.Printf("%s Queued %q (%d pending)\n", ui.RenderWarn("⏸"), draft.Title, c.Queue().Len())
			return
		}
		fmt.Printf("%s Created %s\n", ui.RenderPass("✓"), ui.FormatTask(*task, time.Now()))
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: "tasks",
	Short:   "List tasks",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		c := openClient(ctx, cfg)
		defer closer(c.Close)()
		if !c.load(ctx) {
			exit(1)
		}

		all, _ := cmd.Flags().GetBool("all")
		verbose, _ := cmd.Flags().GetBool("verbose")
		category, _ := cmd.Flags().GetString("category")

		tasks := c.Store().Pending()
		if all {
			tasks = c.Store().Tasks()
		}
		if category != "" {
			filtered := tasks[:0]
			for _, t := range tasks {
				if t.Category == category {
					filtered = append(filtered, t)
				}
			}
			tasks = filtered
		}
		ui.RenderTasks(os.Stdout, tasks, time.Now(), verbose)
	},
}

var doneCmd = &cobra.Command{
	Use:     "done <id>",
	GroupID: "tasks",
	Short:   "Toggle a task's completion",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		c := openClient(ctx, cfg)
		defer closer(c.Close)()
		if !c.load(ctx) {
			exit(1)
		}

		t, err := resolveTask(c.Store(), args[0])
		if err != nil {
			fatalf("%v", err)
		}
		updated, err := c.Store().ToggleComplete(ctx, t.ID)
		if err != nil {
			reportMutationError(err)
		}
		fmt.Printf("%s %s\n", ui.RenderPass("✓"), ui.FormatTask(updated, time.Now()))
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	GroupID: "tasks",
	Short:   "Delete a task",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		c := openClient(ctx, cfg)
		defer closer(c.Close)()
		if !c.load(ctx) {
			exit(1)
		}

		t, err := resolveTask(c.Store(), args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if err := c.Store().Delete(ctx, t.ID); err != nil {
			reportMutationError(err)
		}
		fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), t.Title)
	},
}

var checkCmd = &cobra.Command{
	Use:     "check <id> <item title>",
	GroupID: "tasks",
	Short:   "Add a checklist item to a task",
	Args:    cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		c := openClient(ctx, cfg)
		defer closer(c.Close)()
		if !c.load(ctx) {
			exit(1)
		}

		t, err := resolveTask(c.Store(), args[0])
		if err != nil {
			fatalf("%v", err)
		}
		updated, err := c.Store().AddChecklistItem(ctx, t.ID, args[1])
		if err != nil {
			reportMutationError(err)
		}
		ui.RenderTasks(os.Stdout, []schema.Task{updated}, time.Now(), true)
	},
}

// reportMutationError explains a failed write and exits.
func reportMutationError(err error) {
	if errors.Is(err, store.ErrStaleWrite) {
		fatalf("change was not saved; the list has been reloaded: %v", err)
	}
	fatalf("%v", err)
}

func init() {
	addCmd.Flags().StringP("priority", "p", "medium", "Priority (low, medium, high)")
	addCmd.Flags().StringP("category", "c", "", "Category")
	addCmd.Flags().StringP("description", "d", "", "Description")
	addCmd.Flags().String("due", "", `Due date ("2026-04-01", "tomorrow 9am", RFC 3339)`)
	addCmd.Flags().Bool("urgent", false, "Mark as urgent")
	addCmd.Flags().Bool("important", false, "Mark as important")
	addCmd.Flags().StringArray("checklist", nil, "Checklist item (repeatable)")

	listCmd.Flags().BoolP("all", "a", false, "Include completed tasks")
	listCmd.Flags().BoolP("verbose", "v", false, "Show checklist items")
	listCmd.Flags().StringP("category", "c", "", "Only tasks in this category")

	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(doneCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(checkCmd)
}
