package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/conclave/internal/config"
	"github.com/zjrosen/conclave/internal/paths"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage conclave configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file with comments",
	Long: `Write the default configuration to ~/.config/conclave/config.yaml
(or the path given with --config). Fails if the file already exists.`,
	Args: cobra.NoArgs,
	RunE: runConfigInit,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	path := cfgFile
	if path == "" {
		path = paths.DefaultConfigFile()
		if path == "" {
			return fmt.Errorf("determining home directory failed")
		}
	}

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	if err := config.WriteDefaultConfig(path); err != nil {
		return err
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}
