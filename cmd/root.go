package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/conclave/internal/config"
	"github.com/zjrosen/conclave/internal/paths"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:     "conclave",
	Short:   "Multi-agent coordination runner",
	Long: `Conclave coordinates teams of agents working on a shared task. Agents
communicate over a message bus, share discoveries and state, and take
locks on the resources they touch. Runs are driven by scenario files
describing the agents and their outcomes.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/conclave/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("bus.history_limit", defaults.Bus.HistoryLimit)
	viper.SetDefault("bus.history_retention", defaults.Bus.HistoryRetention)
	viper.SetDefault("bus.request_timeout", defaults.Bus.RequestTimeout)
	viper.SetDefault("locks.hold_timeout", defaults.Locks.HoldTimeout)
	viper.SetDefault("locks.wait_timeout", defaults.Locks.WaitTimeout)
	viper.SetDefault("locks.sweep_interval", defaults.Locks.SweepInterval)
	viper.SetDefault("coordinator.max_parallel_agents", defaults.Coordinator.MaxParallelAgents)
	viper.SetDefault("coordinator.agent_timeout", defaults.Coordinator.AgentTimeout)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .conclave/config.yaml (current directory)
		// 2. ~/.config/conclave/config.yaml (user config)
		if projectCfg := paths.ProjectConfigFile(""); fileExists(projectCfg) {
			viper.SetConfigFile(projectCfg)
		} else {
			viper.AddConfigPath(paths.ConfigDir())
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	// A missing config file is fine, the defaults above apply.
	_ = viper.ReadInConfig()
	_ = viper.Unmarshal(&cfg)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
