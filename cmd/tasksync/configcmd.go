package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/tasksync/internal/config"
	"github.com/mschirtzinger/tasksync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Manage configuration files",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the defaults",
	Long: `Write the default configuration to ~/.tasksync/config.yaml, or to
./.tasksync/config.yaml with --project. Existing files are kept unless
--force is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		project, _ := cmd.Flags().GetBool("project")
		force, _ := cmd.Flags().GetBool("force")

		path := config.GlobalConfigPath()
		if project {
			path = config.ProjectConfigPath()
		}

		cfg := config.DefaultConfig()
		if user, _ := cmd.Flags().GetString("user"); user != "" {
			cfg.UserID = user
		}
		if url, _ := cmd.Flags().GetString("remote"); url != "" {
			cfg.Remote.URL = url
		}

		if err := config.WriteFile(path, cfg, force); err != nil {
			if errors.Is(err, os.ErrExist) {
				fatalf("%s already exists (use --force to overwrite)", path)
			}
			fatalf("%v", err)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		reveal, _ := cmd.Flags().GetBool("reveal")
		data, err := config.Marshal(cfg, !reveal)
		if err != nil {
			fatalf("%v", err)
		}
		os.Stdout.Write(data)
	},
}

func init() {
	configInitCmd.Flags().Bool("project", false, "Write the project file instead of the global one")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configShowCmd.Flags().Bool("reveal", false, "Show tokens")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
