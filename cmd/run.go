package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/conclave/internal/bus"
	"github.com/zjrosen/conclave/internal/config"
	"github.com/zjrosen/conclave/internal/coord"
	"github.com/zjrosen/conclave/internal/flags"
	"github.com/zjrosen/conclave/internal/lock"
	"github.com/zjrosen/conclave/internal/log"
	"github.com/zjrosen/conclave/internal/progress"
	"github.com/zjrosen/conclave/internal/scenario"
	"github.com/zjrosen/conclave/internal/tracing"
)

var runCmd = &cobra.Command{
	Use:   "run <scenario.yaml>",
	Short: "Run a coordination scenario",
	Long: `Run a scenario file through the coordinator. The scenario describes
the task, the agents to spawn, and the scripted outcome of each agent.
Agents publish progress and discoveries on the message bus exactly as
live agents would, which makes run useful for rehearsing coordination
plans and demoing bus traffic.

Example:
  conclave run scenarios/refactor.yaml
  conclave run --verbose scenarios/refactor.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runScenario,
}

var verboseFlag bool

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false,
		"print progress and agent state changes while running")
}

func runScenario(_ *cobra.Command, args []string) error {
	// Initialize logging if debug mode enabled (via flag or env var)
	if debugFlag || os.Getenv("CONCLAVE_DEBUG") != "" {
		logPath := os.Getenv("CONCLAVE_LOG")
		if logPath == "" {
			logPath = "debug.log"
		}
		cleanup, err := log.Init(logPath)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		defer cleanup()
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	scn, err := scenario.LoadFile(args[0])
	if err != nil {
		return err
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return fmt.Errorf("getting current directory: %w", err)
		}
	}

	tracingCfg := cfg.Tracing
	if tracingCfg.Enabled && tracingCfg.Exporter == "file" && tracingCfg.FilePath == "" {
		tracingCfg.FilePath = config.DefaultTracesFilePath()
	}
	provider, err := tracing.NewProvider(tracingCfg)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	b := bus.New(bus.Config{
		HistoryDisabled:  cfg.Bus.HistoryDisabled,
		HistoryLimit:     cfg.Bus.HistoryLimit,
		HistoryRetention: cfg.Bus.HistoryRetention,
		RequestTimeout:   cfg.Bus.RequestTimeout,
	})
	defer b.Close()

	locks := lock.NewManager(lock.Config{
		HoldTimeout:   cfg.Locks.HoldTimeout,
		WaitTimeout:   cfg.Locks.WaitTimeout,
		SweepInterval: cfg.Locks.SweepInterval,
	})
	defer locks.Close()

	agg := progress.NewAggregator()

	coordCfg := coord.Config{
		Bus:               b,
		Locks:             locks,
		Progress:          agg,
		Executor:          scenario.NewExecutor(scn, b),
		Analyzer:          scenario.NewAnalyzer(scn),
		WorkDir:           workDir,
		MaxParallelAgents: cfg.Coordinator.MaxParallelAgents,
		AgentTimeout:      cfg.Coordinator.AgentTimeout,
		ShareDiscoveries:  cfg.Coordinator.SharesDiscoveries(),
		Tracer:            provider.Tracer(),
	}
	if verboseFlag {
		coordCfg.OnProgress = func(p progress.AggregatedProgress) {
			fmt.Printf("\rprogress: %3d%% (%d/%d iterations, %d running, %d done)",
				p.OverallProgress, p.CompletedIterations, p.TotalIterations,
				p.RunningAgents, p.CompletedAgents)
		}
		coordCfg.OnAgentStateChange = func(agentID string, state coord.AgentState) {
			fmt.Printf("\n%s (%s) -> %s\n", state.Name, agentID, state.Status)
		}
	}

	c, err := coord.New(coordCfg)
	if err != nil {
		return fmt.Errorf("building coordinator: %w", err)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		c.Cancel()
	}()

	started := time.Now()
	result, err := c.Coordinate(ctx, scn.Task)
	if err != nil {
		return fmt.Errorf("coordination failed: %w", err)
	}
	if verboseFlag {
		fmt.Println()
	}

	printResult(scn, result, time.Since(started))

	reg := flags.New(cfg.Flags)
	if reg.Enabled(flags.FlagHistoryReplay) {
		replayHistory(b)
	}
	if reg.Enabled(flags.FlagStateDump) {
		dumpState(b)
	}

	if !result.Success {
		os.Exit(1)
	}
	return nil
}

func printResult(scn scenario.Scenario, result coord.Result, elapsed time.Duration) {
	status := "SUCCESS"
	if !result.Success {
		status = "FAILED"
	}
	fmt.Printf("%s  task=%q strategy=%s agents=%d elapsed=%s\n",
		status, scn.Task, result.Strategy, len(result.Agents), elapsed.Round(time.Millisecond))

	for _, a := range result.Agents {
		fmt.Printf("  %-12s %-10s iterations=%d/%d", a.Name, a.Status, a.CurrentIteration, a.MaxIterations)
		if a.Error != "" {
			fmt.Printf(" error=%q", a.Error)
		}
		fmt.Println()
		if a.Result != "" {
			fmt.Printf("    %s\n", a.Result)
		}
		for _, d := range a.Discoveries {
			fmt.Printf("    discovered: %s\n", d)
		}
	}

	for _, f := range result.Failures {
		fmt.Printf("  failure [%s]: %s\n", f.AgentID, f.Message)
	}
}

// replayHistory prints recent traffic from the channels agents publish on.
func replayHistory(b *bus.MessageBus) {
	channels := []string{
		bus.ChannelDiscoveries, bus.ChannelProgress,
		bus.ChannelErrors, bus.ChannelCompletions,
	}
	fmt.Println("\nbus history:")
	for _, ch := range channels {
		for _, m := range b.History(ch, 50) {
			fmt.Printf("  %s %-20s from=%s type=%s\n",
				m.Timestamp.Format("15:04:05.000"), ch, m.From, m.Type)
		}
	}
}

// dumpState prints shared state entries that survived the run.
func dumpState(b *bus.MessageBus) {
	entries := b.StateEntries("")
	if len(entries) == 0 {
		return
	}
	fmt.Println("\nshared state:")
	for _, e := range entries {
		fmt.Printf("  %-40s owner=%s version=%d value=%v\n", e.Key, e.Owner, e.Version, e.Value)
	}
}
