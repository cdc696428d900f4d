// Package coord provides the Coordinator that drives multiple AI agents
// through one user task: it asks the RequirementAnalyzer for an execution
// strategy, runs agents directly, sequentially, or in bounded parallel
// batches, propagates discoveries between them over the message bus, and
// aggregates results.
//
// # Architecture
//
// The Coordinator composes three leaves plus two external collaborators:
//
//	Coordinate(task) -> RequirementAnalyzer -> strategy + agent specs
//	       |
//	       +-- MessageBus        (discoveries, progress, errors, completions)
//	       +-- ResourceLockManager (cleanup of agent-held locks)
//	       +-- ProgressAggregator  (per-agent iteration tracking)
//	       +-- AgentExecutor       (runs one agent to completion)
//
// Locks are acquired by the execution layer as agents use tools; the
// Coordinator only owns cleanup, releasing every lock and subscription tied
// to an agent when the agent terminates or the run is cancelled.
package coord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/conclave/internal/bus"
	"github.com/zjrosen/conclave/internal/lock"
	"github.com/zjrosen/conclave/internal/log"
	"github.com/zjrosen/conclave/internal/progress"
	"github.com/zjrosen/conclave/internal/pubsub"
	"github.com/zjrosen/conclave/internal/tracing"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultMaxParallelAgents = 3
	DefaultAgentTimeout      = 5 * time.Minute
)

// ErrAlreadyRunning is returned when Coordinate is called while a prior
// coordination on the same Coordinator has not finished.
var ErrAlreadyRunning = errors.New("coordination already running")

// coordinatorAgentID is the bus identity the coordinator subscribes under.
// Agents publish progress with their own identity; self-exclusion would hide
// those messages from subscriptions registered under the agent's own id.
const coordinatorAgentID = "coordinator"

// Config holds configuration for creating a Coordinator.
type Config struct {
	// Bus is the message bus agents communicate over.
	Bus *bus.MessageBus

	// Locks is the resource lock manager whose cleanup the coordinator owns.
	Locks *lock.Manager

	// Progress aggregates per-agent iteration progress.
	Progress *progress.Aggregator

	// Executor runs one agent to completion. This allows injection of
	// different execution backends, or mocks for testing.
	Executor AgentExecutor

	// Analyzer decides the strategy and agent specs for a task.
	Analyzer RequirementAnalyzer

	// WorkDir is passed through to the analyzer.
	WorkDir string

	// MaxParallelAgents bounds each concurrent batch (default: 3).
	MaxParallelAgents int

	// AgentTimeout bounds each agent execution unless its spec overrides
	// it (default: 5m).
	AgentTimeout time.Duration

	// ShareDiscoveries injects discoveries harvested from finished agents
	// into the prompts of agents that run after them.
	ShareDiscoveries bool

	// Tracer creates coordination spans. Nil disables tracing.
	Tracer trace.Tracer

	// OnProgress, if set, is invoked synchronously after every progress
	// mutation. Callers must not block it for long periods.
	OnProgress func(progress.AggregatedProgress)

	// OnAgentStateChange, if set, is invoked synchronously whenever an
	// agent's runtime state changes.
	OnAgentStateChange func(agentID string, state AgentState)
}

// Coordinator drives one multi-agent coordination session. A Coordinator
// runs one Coordinate call at a time; construct one per session or per
// test and Close it to release its event broker and listeners.
type Coordinator struct {
	bus      *bus.MessageBus
	locks    *lock.Manager
	progress *progress.Aggregator
	executor AgentExecutor
	analyzer RequirementAnalyzer

	workDir          string
	maxParallel      int
	agentTimeout     time.Duration
	shareDiscoveries bool
	tracer           trace.Tracer

	onProgress         func(progress.AggregatedProgress)
	onAgentStateChange func(agentID string, state AgentState)

	broker *pubsub.Broker[Event]

	mu     sync.Mutex
	agents map[string]*AgentState
	order  []string

	running            atomic.Bool
	cancelled          atomic.Bool
	runCancel          context.CancelFunc
	agentSeq           atomic.Int64
	removeProgListener func()
}

// New creates a Coordinator with the given configuration.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("message bus is required")
	}
	if cfg.Locks == nil {
		return nil, fmt.Errorf("lock manager is required")
	}
	if cfg.Progress == nil {
		return nil, fmt.Errorf("progress aggregator is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("agent executor is required")
	}
	if cfg.Analyzer == nil {
		return nil, fmt.Errorf("requirement analyzer is required")
	}
	if cfg.MaxParallelAgents <= 0 {
		cfg.MaxParallelAgents = DefaultMaxParallelAgents
	}
	if cfg.AgentTimeout <= 0 {
		cfg.AgentTimeout = DefaultAgentTimeout
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("coordinator")
	}

	c := &Coordinator{
		bus:                cfg.Bus,
		locks:              cfg.Locks,
		progress:           cfg.Progress,
		executor:           cfg.Executor,
		analyzer:           cfg.Analyzer,
		workDir:            cfg.WorkDir,
		maxParallel:        cfg.MaxParallelAgents,
		agentTimeout:       cfg.AgentTimeout,
		shareDiscoveries:   cfg.ShareDiscoveries,
		tracer:             cfg.Tracer,
		onProgress:         cfg.OnProgress,
		onAgentStateChange: cfg.OnAgentStateChange,
		broker:             pubsub.NewBroker[Event](),
		agents:             make(map[string]*AgentState),
	}

	if c.onProgress != nil {
		c.removeProgListener = c.progress.AddListener(c.onProgress)
	}

	return c, nil
}

// Events returns the broker carrying typed coordination events. Subscribe
// with a context; the subscription is cleaned up on cancellation.
func (c *Coordinator) Events() *pubsub.Broker[Event] {
	return c.broker
}

// Coordinate runs one multi-agent coordination for a task. It always
// returns a Result: collaborator failures (analysis errors, executor
// failures) are folded into Result.Failures rather than returned as an
// error. The error return is reserved for misuse, currently only
// ErrAlreadyRunning. Cleanup runs on every path: it unsubscribes every
// agent from the bus, releases every lock agents still hold, and resets
// the progress aggregator.
func (c *Coordinator) Coordinate(ctx context.Context, task string) (res Result, err error) {
	if !c.running.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRunning
	}
	defer c.running.Store(false)

	c.cancelled.Store(false)
	c.mu.Lock()
	c.agents = make(map[string]*AgentState)
	c.order = nil
	runCtx, cancel := context.WithCancel(ctx)
	c.runCancel = cancel
	c.mu.Unlock()
	defer cancel()

	start := time.Now()
	runCtx, span := c.tracer.Start(runCtx, tracing.SpanCoordinate,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String(tracing.AttrTask, task)),
	)
	defer span.End()
	defer c.cleanup()

	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatCoord, "coordination panicked", "panic", r)
			res.Failures = append(res.Failures, Failure{
				AgentID: "coordinator",
				Message: fmt.Sprintf("coordination panicked: %v", r),
			})
		}
		c.finalize(&res, start, span)
	}()

	analysis, err := c.analyze(runCtx, task)
	if err != nil {
		log.ErrorErr(log.CatCoord, "requirement analysis failed", err, "task", task)
		res.Failures = append(res.Failures, Failure{
			AgentID: "coordinator",
			Message: fmt.Sprintf("analysis failed: %v", err),
		})
		return res, nil
	}

	res.Strategy = analysis.Strategy
	span.SetAttributes(
		attribute.String(tracing.AttrStrategy, string(analysis.Strategy)),
		attribute.String(tracing.AttrTaskType, analysis.TaskType),
		attribute.Float64(tracing.AttrConfidence, analysis.Confidence),
		attribute.Int(tracing.AttrAgentCount, len(analysis.Specs)),
	)
	c.broker.Publish(pubsub.EventType(EventStrategySelected), Event{
		Type:     EventStrategySelected,
		Strategy: analysis.Strategy,
	})
	log.Info(log.CatCoord, "strategy selected",
		"strategy", analysis.Strategy, "agents", len(analysis.Specs), "confidence", analysis.Confidence)

	// Relay agent progress reports into the aggregator.
	c.bus.Subscribe(coordinatorAgentID, bus.ChannelProgress, func(msg bus.Message) {
		if p, ok := msg.Payload.(bus.ProgressPayload); ok {
			c.progress.UpdateIteration(msg.From, p.Iteration, p.Status)
		}
	})

	switch analysis.Strategy {
	case StrategyDirect:
		// No sub-agents: the caller's own single-pass executor handles the task.
	case StrategySequential:
		c.runSequential(runCtx, analysis.Specs)
	case StrategyParallel:
		c.runParallel(runCtx, analysis.Specs)
	default:
		res.Failures = append(res.Failures, Failure{
			AgentID: "coordinator",
			Message: fmt.Sprintf("unknown strategy %q", analysis.Strategy),
		})
	}

	return res, nil
}

// analyze wraps the external analyzer call in a span.
func (c *Coordinator) analyze(ctx context.Context, task string) (Analysis, error) {
	ctx, span := c.tracer.Start(ctx, tracing.SpanAnalyze)
	defer span.End()

	analysis, err := c.analyzer.Analyze(ctx, task, c.workDir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return analysis, err
}

// finalize stamps duration, collects agent states and failures, and decides
// overall success: true iff at least one agent completed, or the strategy
// was direct and nothing failed.
func (c *Coordinator) finalize(res *Result, start time.Time, span trace.Span) {
	c.mu.Lock()
	for _, id := range c.order {
		state := c.agents[id]
		res.Agents = append(res.Agents, state.clone())
		if state.Status == AgentFailed {
			res.Failures = append(res.Failures, Failure{AgentID: id, Message: state.Error})
		}
	}
	c.mu.Unlock()

	completed := 0
	for _, a := range res.Agents {
		if a.Status == AgentCompleted {
			completed++
		}
	}
	res.Success = completed > 0 ||
		(res.Strategy == StrategyDirect && len(res.Failures) == 0)
	res.Duration = time.Since(start)

	if res.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "coordination failed")
	}

	c.broker.Publish(pubsub.EventType(EventDone), Event{
		Type:     EventDone,
		Strategy: res.Strategy,
		Message:  fmt.Sprintf("%d/%d agents completed", completed, len(res.Agents)),
	})
	log.Info(log.CatCoord, "coordination finished",
		"strategy", res.Strategy, "success", res.Success,
		"agents", len(res.Agents), "failures", len(res.Failures), "duration", res.Duration)
}

// runSequential executes specs one at a time in list order, sharing
// harvested discoveries with each subsequent agent when configured. A
// primary agent's failure stops the sequence immediately; the remaining
// specs are skipped, not marked failed.
func (c *Coordinator) runSequential(ctx context.Context, specs []AgentSpec) {
	var shared strings.Builder
	for _, spec := range specs {
		if c.cancelled.Load() || ctx.Err() != nil {
			return
		}
		state, harvested := c.runAgent(ctx, spec, shared.String())
		if state.Status == AgentCompleted && c.shareDiscoveries && harvested != "" {
			shared.WriteString(harvested)
		}
		if spec.Priority == PriorityPrimary && state.Status != AgentCompleted {
			log.Warn(log.CatCoord, "primary agent did not complete, stopping sequence",
				"agent", state.AgentID, "status", state.Status)
			return
		}
	}
}

// runParallel executes primary specs serially first. Only when every
// primary completed does it run the remaining specs in batches of at most
// maxParallel, awaiting each batch before starting the next. One parallel
// agent's failure never cancels its batch siblings. Discoveries harvested
// within a batch reach the next batch, not batch siblings.
func (c *Coordinator) runParallel(ctx context.Context, specs []AgentSpec) {
	var primaries, eligible []AgentSpec
	for _, spec := range specs {
		if spec.Priority == PriorityPrimary {
			primaries = append(primaries, spec)
		} else {
			eligible = append(eligible, spec)
		}
	}

	var shared strings.Builder
	for _, spec := range primaries {
		if c.cancelled.Load() || ctx.Err() != nil {
			return
		}
		state, harvested := c.runAgent(ctx, spec, shared.String())
		if state.Status != AgentCompleted {
			log.Warn(log.CatCoord, "primary agent did not complete, skipping parallel batch",
				"agent", state.AgentID, "status", state.Status)
			return
		}
		if c.shareDiscoveries && harvested != "" {
			shared.WriteString(harvested)
		}
	}

	for len(eligible) > 0 {
		if c.cancelled.Load() || ctx.Err() != nil {
			return
		}
		batch := eligible
		if len(batch) > c.maxParallel {
			batch = batch[:c.maxParallel]
		}
		eligible = eligible[len(batch):]

		// Snapshot the shared context once per batch. Harvests from batch
		// siblings land in shared under harvestMu and become visible to the
		// next batch; reading the builder while siblings write would race.
		sharedCtx := shared.String()

		var (
			wg        sync.WaitGroup
			harvestMu sync.Mutex
		)
		for _, spec := range batch {
			wg.Add(1)
			go func(spec AgentSpec) {
				defer wg.Done()
				state, harvested := c.runAgent(ctx, spec, sharedCtx)
				if state.Status == AgentCompleted && c.shareDiscoveries && harvested != "" {
					harvestMu.Lock()
					defer harvestMu.Unlock()
					shared.WriteString(harvested)
				}
			}(spec)
		}
		wg.Wait()
	}
}

// Cancel sets the cancellation flag, cancels the run context so in-flight
// executor calls can observe it cooperatively, and immediately marks every
// running agent cancelled. No further agents are started; pending agents
// never leave pending.
func (c *Coordinator) Cancel() {
	c.cancelled.Store(true)

	c.mu.Lock()
	if c.runCancel != nil {
		c.runCancel()
	}
	var cancelled []*AgentState
	for _, state := range c.agents {
		if state.Status == AgentRunning {
			state.Status = AgentCancelled
			state.EndedAt = time.Now()
			cancelled = append(cancelled, state)
		}
	}
	snapshots := make([]AgentState, len(cancelled))
	for i, state := range cancelled {
		snapshots[i] = state.clone()
	}
	c.mu.Unlock()

	for _, snap := range snapshots {
		c.progress.CompleteAgent(snap.AgentID, false, "cancelled")
		c.emitStateChange(snap, EventAgentCancelled, "cancelled")
	}
	log.Info(log.CatCoord, "coordination cancelled", "agents_cancelled", len(snapshots))
}

// Close releases the event broker and the progress listener. The
// Coordinator must not be used afterwards.
func (c *Coordinator) Close() {
	if c.removeProgListener != nil {
		c.removeProgListener()
	}
	c.broker.Close()
}

// cleanup releases everything tied to this run's agents: bus subscriptions,
// locks, and progress tracking. It runs on every Coordinate exit path,
// including cancellation and panic.
func (c *Coordinator) cleanup() {
	c.mu.Lock()
	ids := append([]string(nil), c.order...)
	c.mu.Unlock()

	for _, id := range ids {
		if n := c.bus.UnsubscribeAll(id); n > 0 {
			log.Debug(log.CatCoord, "unsubscribed agent", "agent", id, "subscriptions", n)
		}
		if n := c.locks.ReleaseAll(id); n > 0 {
			log.Debug(log.CatCoord, "released agent locks", "agent", id, "locks", n)
		}
	}
	c.bus.UnsubscribeAll(coordinatorAgentID)
	c.progress.Reset()
}
