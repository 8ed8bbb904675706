package cli

import (
	"fmt"
	"os"

	"microtile/internal/config"

	"github.com/spf13/cobra"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show the active configuration or write a starter config file",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Run: func(cmd *cobra.Command, args []string) {
			cfgPath := os.Getenv("MICROTILE_CONFIG")
			if cfgPath == "" {
				cfgPath = "(default) ~/.config/microtile/config.json"
			}
			cfg := root.cfg

			fmt.Printf("Config file: %s\n", cfgPath)
			fmt.Printf("\nServer:\n")
			fmt.Printf("  Bind address: %s\n", cfg.Server.BindAddr)
			fmt.Printf("\nTile store:\n")
			fmt.Printf("  Base URL: %s\n", storeURL(cfg))
			fmt.Printf("\nPaths:\n")
			fmt.Printf("  Images directory: %s\n", cfg.Paths.ImagesDir)
			fmt.Printf("  Database path:    %s\n", cfg.Paths.DatabasePath)
			fmt.Printf("\nLogging:\n")
			fmt.Printf("  Level:  %s\n", cfg.Logging.Level)
			fmt.Printf("  Format: %s\n", cfg.Logging.Format)
			fmt.Printf("  File output: %t (%s)\n", cfg.Logging.FileOutput, cfg.Logging.LogDir)
			fmt.Printf("\nSessions:\n")
			fmt.Printf("  Retry count:       %d\n", cfg.Sessions.RetryCount)
			fmt.Printf("  Retry delay:       %dms\n", cfg.Sessions.RetryDelayMS)
			fmt.Printf("  Decode chunk size: %d\n", cfg.Sessions.DecodeChunkSize)
			fmt.Printf("  Tile padding:      %d\n", cfg.Sessions.TilePadding)
		},
	}

	var initPath string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file with the built-in defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if err := cfg.Save(initPath); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			where := initPath
			if where == "" {
				where = "~/.config/microtile/config.json"
			}
			fmt.Printf("Wrote default configuration to %s\n", where)
			return nil
		},
	}
	initCmd.Flags().StringVar(&initPath, "path", "", "destination path (default ~/.config/microtile/config.json)")

	cmd.AddCommand(showCmd)
	cmd.AddCommand(initCmd)
	return cmd
}
