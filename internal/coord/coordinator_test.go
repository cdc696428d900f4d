package coord_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/conclave/internal/bus"
	"github.com/zjrosen/conclave/internal/coord"
	"github.com/zjrosen/conclave/internal/coord/mock"
	"github.com/zjrosen/conclave/internal/lock"
	"github.com/zjrosen/conclave/internal/progress"
)

// fixture bundles a coordinator with its collaborators and mocks.
type fixture struct {
	bus      *bus.MessageBus
	locks    *lock.Manager
	progress *progress.Aggregator
	executor *mock.Executor
	analyzer *mock.Analyzer
	coord    *coord.Coordinator
}

func newFixture(t *testing.T, analysis coord.Analysis, mutate func(*coord.Config)) *fixture {
	t.Helper()

	f := &fixture{
		bus:      bus.New(bus.Config{}),
		locks:    lock.NewManager(lock.Config{}),
		progress: progress.NewAggregator(),
		executor: mock.NewExecutor(),
		analyzer: mock.NewAnalyzer(analysis),
	}
	t.Cleanup(func() {
		f.bus.Close()
		f.locks.Close()
	})

	cfg := coord.Config{
		Bus:      f.bus,
		Locks:    f.locks,
		Progress: f.progress,
		Executor: f.executor,
		Analyzer: f.analyzer,
		WorkDir:  t.TempDir(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := coord.New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	f.coord = c
	return f
}

func specs(priorities ...coord.AgentPriority) []coord.AgentSpec {
	out := make([]coord.AgentSpec, len(priorities))
	for i, p := range priorities {
		out[i] = coord.AgentSpec{
			Name:          fmt.Sprintf("worker-%d", i+1),
			Prompt:        fmt.Sprintf("do part %d", i+1),
			Priority:      p,
			MaxIterations: 3,
		}
	}
	return out
}

func TestNew_MissingDependencies(t *testing.T) {
	b := bus.New(bus.Config{})
	defer b.Close()
	m := lock.NewManager(lock.Config{})
	defer m.Close()

	valid := coord.Config{
		Bus:      b,
		Locks:    m,
		Progress: progress.NewAggregator(),
		Executor: mock.NewExecutor(),
		Analyzer: mock.NewAnalyzer(coord.Analysis{}),
	}

	tests := []struct {
		name   string
		mutate func(*coord.Config)
	}{
		{"no bus", func(c *coord.Config) { c.Bus = nil }},
		{"no locks", func(c *coord.Config) { c.Locks = nil }},
		{"no progress", func(c *coord.Config) { c.Progress = nil }},
		{"no executor", func(c *coord.Config) { c.Executor = nil }},
		{"no analyzer", func(c *coord.Config) { c.Analyzer = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := coord.New(cfg)
			require.Error(t, err)
		})
	}
}

func TestCoordinate_DirectSpawnsNoAgents(t *testing.T) {
	f := newFixture(t, coord.Analysis{Strategy: coord.StrategyDirect, Confidence: 0.9}, nil)

	result, err := f.coord.Coordinate(context.Background(), "rename a variable")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, coord.StrategyDirect, result.Strategy)
	require.Empty(t, result.Agents)
	require.Empty(t, result.Failures)
	require.Zero(t, f.executor.CallCount())
	require.Equal(t, 1, f.analyzer.CallCount())
}

func TestCoordinate_SequentialRunsInOrder(t *testing.T) {
	f := newFixture(t, coord.Analysis{
		Strategy: coord.StrategySequential,
		Specs:    specs(coord.PrioritySupport, coord.PrioritySupport, coord.PrioritySupport),
	}, nil)

	result, err := f.coord.Coordinate(context.Background(), "migrate the schema")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, []string{"worker-1", "worker-2", "worker-3"}, f.executor.ExecutedNames())
	require.Len(t, result.Agents, 3)
	for _, a := range result.Agents {
		require.Equal(t, coord.AgentCompleted, a.Status)
		require.Equal(t, "ok", a.Result)
	}
}

func TestCoordinate_SequentialPrimaryFailureStopsSequence(t *testing.T) {
	f := newFixture(t, coord.Analysis{
		Strategy: coord.StrategySequential,
		Specs:    specs(coord.PriorityPrimary, coord.PrioritySupport, coord.PrioritySupport),
	}, nil)
	f.executor.ExecuteFunc = func(_ context.Context, _ string, spec coord.AgentSpec) (coord.ExecutionResult, error) {
		if spec.Name == "worker-1" {
			return coord.ExecutionResult{Success: false, Error: "compile failed", Iterations: 2}, nil
		}
		return coord.ExecutionResult{Success: true, Iterations: 1}, nil
	}

	result, err := f.coord.Coordinate(context.Background(), "refactor and test")
	require.NoError(t, err)
	require.False(t, result.Success)

	// The remaining specs are skipped entirely, not marked failed.
	require.Equal(t, []string{"worker-1"}, f.executor.ExecutedNames())
	require.Len(t, result.Agents, 1)
	require.Equal(t, coord.AgentFailed, result.Agents[0].Status)
	require.Len(t, result.Failures, 1)
	require.Equal(t, "agent-1", result.Failures[0].AgentID)
	require.Contains(t, result.Failures[0].Message, "compile failed")
}

func TestCoordinate_SequentialSupportFailureContinues(t *testing.T) {
	f := newFixture(t, coord.Analysis{
		Strategy: coord.StrategySequential,
		Specs:    specs(coord.PrioritySupport, coord.PrioritySupport),
	}, nil)
	f.executor.ExecuteFunc = func(_ context.Context, _ string, spec coord.AgentSpec) (coord.ExecutionResult, error) {
		if spec.Name == "worker-1" {
			return coord.ExecutionResult{}, errors.New("tool crashed")
		}
		return coord.ExecutionResult{Success: true, Iterations: 1}, nil
	}

	result, err := f.coord.Coordinate(context.Background(), "investigate flakes")
	require.NoError(t, err)
	require.Equal(t, []string{"worker-1", "worker-2"}, f.executor.ExecutedNames())

	// One completion is enough for overall success despite the failure.
	require.True(t, result.Success)
	require.Len(t, result.Failures, 1)
	require.Contains(t, result.Failures[0].Message, "tool crashed")
}

func TestCoordinate_SequentialSharesDiscoveries(t *testing.T) {
	f := newFixture(t, coord.Analysis{
		Strategy: coord.StrategySequential,
		Specs:    specs(coord.PrioritySupport, coord.PrioritySupport),
	}, func(c *coord.Config) {
		c.ShareDiscoveries = true
	})
	f.executor.ExecuteFunc = func(ctx context.Context, _ string, spec coord.AgentSpec) (coord.ExecutionResult, error) {
		if spec.Name == "worker-1" {
			id, ok := coord.AgentIDFromContext(ctx)
			require.True(t, ok)
			f.bus.BroadcastDiscovery(id, bus.DiscoveryPayload{
				Kind:    bus.DiscoveryPattern,
				Content: "handlers live under internal/api",
			})
		}
		return coord.ExecutionResult{Success: true, Iterations: 1}, nil
	}

	result, err := f.coord.Coordinate(context.Background(), "map the codebase")
	require.NoError(t, err)
	require.True(t, result.Success)

	calls := f.executor.Calls()
	require.Len(t, calls, 2)
	require.NotContains(t, calls[0].Prompt, "Discoveries from other agents")
	require.Contains(t, calls[1].Prompt, "Discoveries from other agents")
	require.Contains(t, calls[1].Prompt, "handlers live under internal/api")
}

func TestCoordinate_SharingDisabledKeepsPromptsClean(t *testing.T) {
	f := newFixture(t, coord.Analysis{
		Strategy: coord.StrategySequential,
		Specs:    specs(coord.PrioritySupport, coord.PrioritySupport),
	}, nil)
	f.executor.ExecuteFunc = func(ctx context.Context, _ string, _ coord.AgentSpec) (coord.ExecutionResult, error) {
		id, _ := coord.AgentIDFromContext(ctx)
		f.bus.BroadcastDiscovery(id, bus.DiscoveryPayload{Kind: bus.DiscoveryInsight, Content: "noise"})
		return coord.ExecutionResult{Success: true, Iterations: 1}, nil
	}

	_, err := f.coord.Coordinate(context.Background(), "map the codebase")
	require.NoError(t, err)
	for _, call := range f.executor.Calls() {
		require.NotContains(t, call.Prompt, "Discoveries from other agents")
	}
}

func TestCoordinate_ParallelRunsAllSupportAgents(t *testing.T) {
	f := newFixture(t, coord.Analysis{
		Strategy: coord.StrategyParallel,
		Specs: specs(coord.PrioritySupport, coord.PrioritySupport,
			coord.PrioritySupport, coord.PrioritySupport, coord.PrioritySupport),
	}, func(c *coord.Config) {
		c.MaxParallelAgents = 2
	})

	var inFlight, peak atomic.Int64
	f.executor.ExecuteFunc = func(_ context.Context, _ string, _ coord.AgentSpec) (coord.ExecutionResult, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return coord.ExecutionResult{Success: true, Iterations: 1}, nil
	}

	result, err := f.coord.Coordinate(context.Background(), "lint every package")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.Agents, 5)
	require.Equal(t, 5, f.executor.CallCount())
	require.LessOrEqual(t, peak.Load(), int64(2))
}

func TestCoordinate_ParallelBatchSharingReachesNextBatch(t *testing.T) {
	f := newFixture(t, coord.Analysis{
		Strategy: coord.StrategyParallel,
		Specs: specs(coord.PrioritySupport, coord.PrioritySupport, coord.PrioritySupport,
			coord.PrioritySupport, coord.PrioritySupport, coord.PrioritySupport),
	}, func(c *coord.Config) {
		c.MaxParallelAgents = 3
		c.ShareDiscoveries = true
	})

	// Stagger completions so fast siblings finish and harvest while slower
	// ones are still starting up.
	var seq atomic.Int64
	f.executor.ExecuteFunc = func(ctx context.Context, _ string, spec coord.AgentSpec) (coord.ExecutionResult, error) {
		id, _ := coord.AgentIDFromContext(ctx)
		f.bus.BroadcastDiscovery(id, bus.DiscoveryPayload{
			Kind:    bus.DiscoveryInsight,
			Content: "note from " + spec.Name,
		})
		time.Sleep(time.Duration(seq.Add(1)) * 3 * time.Millisecond)
		return coord.ExecutionResult{Success: true, Iterations: 1}, nil
	}

	result, err := f.coord.Coordinate(context.Background(), "sweep the tree")
	require.NoError(t, err)
	require.True(t, result.Success)

	firstBatch := map[string]bool{"worker-1": true, "worker-2": true, "worker-3": true}
	for _, call := range f.executor.Calls() {
		if firstBatch[call.Spec.Name] {
			require.NotContains(t, call.Prompt, "note from",
				"%s ran in the first batch and should see no shared notes", call.Spec.Name)
			continue
		}
		// The second batch sees everything the first batch broadcast.
		for name := range firstBatch {
			require.Contains(t, call.Prompt, "note from "+name,
				"%s should see %s's note", call.Spec.Name, name)
		}
	}
}

func TestCoordinate_ParallelPrimaryGatesBatch(t *testing.T) {
	f := newFixture(t, coord.Analysis{
		Strategy: coord.StrategyParallel,
		Specs:    specs(coord.PriorityPrimary, coord.PrioritySupport, coord.PrioritySupport),
	}, nil)
	f.executor.ExecuteFunc = func(_ context.Context, _ string, _ coord.AgentSpec) (coord.ExecutionResult, error) {
		return coord.ExecutionResult{Success: false, Error: "setup failed"}, nil
	}

	result, err := f.coord.Coordinate(context.Background(), "build then test")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, []string{"worker-1"}, f.executor.ExecutedNames())
	require.Len(t, result.Agents, 1)
}

func TestCoordinate_ParallelPrimaryDiscoveriesReachBatch(t *testing.T) {
	f := newFixture(t, coord.Analysis{
		Strategy: coord.StrategyParallel,
		Specs:    specs(coord.PriorityPrimary, coord.PrioritySupport, coord.PrioritySupport),
	}, func(c *coord.Config) {
		c.ShareDiscoveries = true
	})
	f.executor.ExecuteFunc = func(ctx context.Context, _ string, spec coord.AgentSpec) (coord.ExecutionResult, error) {
		if spec.Priority == coord.PriorityPrimary {
			id, _ := coord.AgentIDFromContext(ctx)
			f.bus.BroadcastDiscovery(id, bus.DiscoveryPayload{
				Kind:    bus.DiscoveryFile,
				Content: "config loads from internal/config",
			})
		}
		return coord.ExecutionResult{Success: true, Iterations: 1}, nil
	}

	result, err := f.coord.Coordinate(context.Background(), "survey then edit")
	require.NoError(t, err)
	require.True(t, result.Success)

	calls := f.executor.Calls()
	require.Len(t, calls, 3)
	for _, call := range calls {
		if call.Spec.Priority == coord.PrioritySupport {
			require.Contains(t, call.Prompt, "config loads from internal/config")
		}
	}
}

func TestCoordinate_AnalysisFailure(t *testing.T) {
	f := newFixture(t, coord.Analysis{}, nil)
	f.analyzer.AnalyzeFunc = func(context.Context, string, string) (coord.Analysis, error) {
		return coord.Analysis{}, errors.New("no api key")
	}

	result, err := f.coord.Coordinate(context.Background(), "anything")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Zero(t, f.executor.CallCount())
	require.Len(t, result.Failures, 1)
	require.Equal(t, "coordinator", result.Failures[0].AgentID)
	require.Contains(t, result.Failures[0].Message, "no api key")
}

func TestCoordinate_UnknownStrategy(t *testing.T) {
	f := newFixture(t, coord.Analysis{Strategy: coord.Strategy("quantum")}, nil)

	result, err := f.coord.Coordinate(context.Background(), "anything")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Len(t, result.Failures, 1)
	require.Contains(t, result.Failures[0].Message, "quantum")
}

func TestCoordinate_AlreadyRunning(t *testing.T) {
	f := newFixture(t, coord.Analysis{
		Strategy: coord.StrategySequential,
		Specs:    specs(coord.PrioritySupport),
	}, nil)

	release := make(chan struct{})
	f.executor.ExecuteFunc = func(ctx context.Context, _ string, _ coord.AgentSpec) (coord.ExecutionResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return coord.ExecutionResult{Success: true, Iterations: 1}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.coord.Coordinate(context.Background(), "long task")
	}()

	select {
	case <-f.executor.Started():
	case <-time.After(2 * time.Second):
		t.Fatal("first coordination never started")
	}

	_, err := f.coord.Coordinate(context.Background(), "second task")
	require.ErrorIs(t, err, coord.ErrAlreadyRunning)

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first coordination never finished")
	}
}

func TestCancel_MarksRunningCancelledAndSkipsRest(t *testing.T) {
	f := newFixture(t, coord.Analysis{
		Strategy: coord.StrategySequential,
		Specs:    specs(coord.PrioritySupport, coord.PrioritySupport),
	}, nil)
	f.executor.ExecuteFunc = func(ctx context.Context, _ string, _ coord.AgentSpec) (coord.ExecutionResult, error) {
		<-ctx.Done()
		return coord.ExecutionResult{}, ctx.Err()
	}

	resCh := make(chan coord.Result, 1)
	go func() {
		result, _ := f.coord.Coordinate(context.Background(), "interruptible task")
		resCh <- result
	}()

	select {
	case <-f.executor.Started():
	case <-time.After(2 * time.Second):
		t.Fatal("agent never started")
	}
	f.coord.Cancel()

	var result coord.Result
	select {
	case result = <-resCh:
	case <-time.After(2 * time.Second):
		t.Fatal("coordination did not return after cancel")
	}

	require.False(t, result.Success)
	require.Len(t, result.Agents, 1)
	require.Equal(t, coord.AgentCancelled, result.Agents[0].Status)
	require.Equal(t, 1, f.executor.CallCount())
}

func TestCoordinate_AgentTimeout(t *testing.T) {
	f := newFixture(t, coord.Analysis{
		Strategy: coord.StrategySequential,
		Specs: []coord.AgentSpec{{
			Name:          "slow",
			Prompt:        "take forever",
			Priority:      coord.PrioritySupport,
			MaxIterations: 1,
			Timeout:       30 * time.Millisecond,
		}},
	}, nil)
	f.executor.ExecuteFunc = func(ctx context.Context, _ string, _ coord.AgentSpec) (coord.ExecutionResult, error) {
		<-ctx.Done()
		return coord.ExecutionResult{}, ctx.Err()
	}

	var fatal atomic.Bool
	f.bus.Subscribe("observer", bus.ChannelErrors, func(msg bus.Message) {
		if p, ok := msg.Payload.(bus.ErrorPayload); ok && p.Fatal {
			fatal.Store(true)
		}
	})

	result, err := f.coord.Coordinate(context.Background(), "timeout check")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Len(t, result.Agents, 1)
	require.Equal(t, coord.AgentFailed, result.Agents[0].Status)
	require.Contains(t, result.Agents[0].Error, "timed out")
	require.True(t, fatal.Load(), "timeout should be reported as a fatal error")
}

func TestCoordinate_CleanupReleasesEverything(t *testing.T) {
	f := newFixture(t, coord.Analysis{
		Strategy: coord.StrategySequential,
		Specs:    specs(coord.PrioritySupport),
	}, nil)
	f.executor.ExecuteFunc = func(ctx context.Context, _ string, _ coord.AgentSpec) (coord.ExecutionResult, error) {
		id, _ := coord.AgentIDFromContext(ctx)
		res := f.locks.Acquire(ctx, id, "/src/main.go", lock.ModeExclusive, lock.AcquireOptions{})
		require.True(t, res.Acquired)
		return coord.ExecutionResult{Success: true, Iterations: 1}, nil
	}

	_, err := f.coord.Coordinate(context.Background(), "edit a file")
	require.NoError(t, err)

	require.False(t, f.locks.IsLocked("/src/main.go"), "agent locks survive coordination")
	require.Zero(t, f.progress.GetProgress().TotalAgents, "progress not reset")
	require.Zero(t, f.bus.UnsubscribeAll("agent-1"), "agent subscriptions survive coordination")
}

func TestCoordinate_ProgressRelay(t *testing.T) {
	f := newFixture(t, coord.Analysis{
		Strategy: coord.StrategySequential,
		Specs:    specs(coord.PrioritySupport),
	}, nil)

	var mu sync.Mutex
	var seen []progress.AggregatedProgress
	f.executor.ExecuteFunc = func(ctx context.Context, _ string, _ coord.AgentSpec) (coord.ExecutionResult, error) {
		id, _ := coord.AgentIDFromContext(ctx)
		for i := 1; i <= 2; i++ {
			f.bus.ReportProgress(id, bus.ProgressPayload{Iteration: i, Status: "working"})
		}
		// Reports flow through the async dispatch loop; give them time to
		// reach the coordinator's relay before returning.
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if p, ok := f.progress.Agent(id); ok && p.CurrentIteration == 2 {
				break
			}
			time.Sleep(2 * time.Millisecond)
		}
		return coord.ExecutionResult{Success: true, Iterations: 2}, nil
	}

	c, err := coord.New(coord.Config{
		Bus:      f.bus,
		Locks:    f.locks,
		Progress: f.progress,
		Executor: f.executor,
		Analyzer: f.analyzer,
		OnProgress: func(p progress.AggregatedProgress) {
			mu.Lock()
			seen = append(seen, p)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer c.Close()

	result, err := c.Coordinate(context.Background(), "report progress")
	require.NoError(t, err)
	require.True(t, result.Success)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	var sawIteration bool
	for _, p := range seen {
		if p.CompletedIterations >= 2 {
			sawIteration = true
		}
	}
	require.True(t, sawIteration, "bus progress reports never reached the aggregator")
}

func TestCoordinate_EmitsEvents(t *testing.T) {
	f := newFixture(t, coord.Analysis{
		Strategy: coord.StrategySequential,
		Specs:    specs(coord.PrioritySupport),
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := f.coord.Events().Subscribe(ctx)

	result, err := f.coord.Coordinate(context.Background(), "emit events")
	require.NoError(t, err)
	require.True(t, result.Success)

	want := []coord.EventType{
		coord.EventStrategySelected,
		coord.EventAgentStarted,
		coord.EventAgentCompleted,
		coord.EventDone,
	}
	var got []coord.EventType
	deadline := time.After(2 * time.Second)
	for len(got) < len(want) {
		select {
		case ev := <-events:
			got = append(got, ev.Payload.Type)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %v", got)
		}
	}
	require.Equal(t, want, got)
}

func TestCoordinate_StateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	transitions := make(map[string][]coord.AgentStatus)

	f := newFixture(t, coord.Analysis{
		Strategy: coord.StrategySequential,
		Specs:    specs(coord.PrioritySupport, coord.PrioritySupport),
	}, func(c *coord.Config) {
		c.OnAgentStateChange = func(agentID string, state coord.AgentState) {
			mu.Lock()
			transitions[agentID] = append(transitions[agentID], state.Status)
			mu.Unlock()
		}
	})
	f.executor.ExecuteFunc = func(_ context.Context, _ string, spec coord.AgentSpec) (coord.ExecutionResult, error) {
		if spec.Name == "worker-2" {
			return coord.ExecutionResult{Success: false, Error: "nope"}, nil
		}
		return coord.ExecutionResult{Success: true, Iterations: 1}, nil
	}

	_, err := f.coord.Coordinate(context.Background(), "watch transitions")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []coord.AgentStatus{coord.AgentRunning, coord.AgentCompleted}, transitions["agent-1"])
	require.Equal(t, []coord.AgentStatus{coord.AgentRunning, coord.AgentFailed}, transitions["agent-2"])
}

func TestCoordinate_FreshStateAcrossRuns(t *testing.T) {
	f := newFixture(t, coord.Analysis{
		Strategy: coord.StrategySequential,
		Specs:    specs(coord.PrioritySupport),
	}, nil)

	first, err := f.coord.Coordinate(context.Background(), "run one")
	require.NoError(t, err)
	require.Len(t, first.Agents, 1)

	second, err := f.coord.Coordinate(context.Background(), "run two")
	require.NoError(t, err)
	require.Len(t, second.Agents, 1)

	// Agent ids keep incrementing but each run only reports its own agents.
	require.Equal(t, "agent-1", first.Agents[0].AgentID)
	require.Equal(t, "agent-2", second.Agents[0].AgentID)
	require.Equal(t, 2, f.executor.CallCount())
}

func TestCoordinate_CollectsAgentDiscoveriesFromPeers(t *testing.T) {
	f := newFixture(t, coord.Analysis{
		Strategy: coord.StrategyParallel,
		Specs:    specs(coord.PrioritySupport, coord.PrioritySupport),
	}, func(c *coord.Config) {
		c.MaxParallelAgents = 2
	})

	// Both agents must be running, and therefore subscribed, before either
	// broadcasts. Otherwise the peer can miss the discovery.
	var ready sync.WaitGroup
	ready.Add(2)
	f.executor.ExecuteFunc = func(ctx context.Context, _ string, _ coord.AgentSpec) (coord.ExecutionResult, error) {
		ready.Done()
		ready.Wait()
		id, _ := coord.AgentIDFromContext(ctx)
		f.bus.BroadcastDiscovery(id, bus.DiscoveryPayload{
			Kind:    bus.DiscoveryInsight,
			Content: "from " + id,
		})
		// Let the async delivery settle before the run finishes.
		time.Sleep(50 * time.Millisecond)
		return coord.ExecutionResult{Success: true, Iterations: 1}, nil
	}

	result, err := f.coord.Coordinate(context.Background(), "cross pollinate")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, result.Agents, 2)

	// Self-exclusion: each agent hears only its peer's discovery.
	for _, a := range result.Agents {
		require.Len(t, a.Discoveries, 1, "agent %s", a.AgentID)
		require.NotContains(t, a.Discoveries[0], a.AgentID)
	}
}

func TestCoordinate_ContextCancellation(t *testing.T) {
	f := newFixture(t, coord.Analysis{
		Strategy: coord.StrategySequential,
		Specs:    specs(coord.PrioritySupport, coord.PrioritySupport),
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	f.executor.ExecuteFunc = func(ctx context.Context, _ string, _ coord.AgentSpec) (coord.ExecutionResult, error) {
		cancel()
		<-ctx.Done()
		return coord.ExecutionResult{}, ctx.Err()
	}

	result, err := f.coord.Coordinate(ctx, "externally cancelled")
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, 1, f.executor.CallCount())
}

func TestCoordinate_SharedContextFormatting(t *testing.T) {
	f := newFixture(t, coord.Analysis{
		Strategy: coord.StrategySequential,
		Specs:    specs(coord.PrioritySupport, coord.PrioritySupport),
	}, func(c *coord.Config) {
		c.ShareDiscoveries = true
	})
	f.executor.ExecuteFunc = func(ctx context.Context, _ string, spec coord.AgentSpec) (coord.ExecutionResult, error) {
		if spec.Name == "worker-1" {
			id, _ := coord.AgentIDFromContext(ctx)
			f.bus.BroadcastDiscovery(id, bus.DiscoveryPayload{Kind: bus.DiscoveryIssue, Content: "race in watcher"})
			f.bus.BroadcastDiscovery(id, bus.DiscoveryPayload{Kind: bus.DiscoveryFile, Content: "see internal/watch"})
		}
		return coord.ExecutionResult{Success: true, Iterations: 1}, nil
	}

	_, err := f.coord.Coordinate(context.Background(), "find the race")
	require.NoError(t, err)

	calls := f.executor.Calls()
	require.Len(t, calls, 2)
	lines := strings.Split(strings.TrimSpace(calls[1].Prompt), "\n")
	require.Contains(t, lines, "- [issue] race in watcher")
	require.Contains(t, lines, "- [file] see internal/watch")
}
