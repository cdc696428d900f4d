package coord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/conclave/internal/bus"
	"github.com/zjrosen/conclave/internal/log"
	"github.com/zjrosen/conclave/internal/pubsub"
	"github.com/zjrosen/conclave/internal/tracing"
)

// executorOutcome carries the executor's result across the timeout race.
type executorOutcome struct {
	result ExecutionResult
	err    error
}

// runAgent drives one agent through its lifecycle: register, subscribe,
// init progress, execute against a timeout, finalize, and harvest
// discoveries. It returns the agent's final state snapshot and the
// discoveries it broadcast, formatted for injection into later prompts.
func (c *Coordinator) runAgent(ctx context.Context, spec AgentSpec, sharedContext string) (AgentState, string) {
	id := fmt.Sprintf("agent-%d", c.agentSeq.Add(1))

	state := &AgentState{
		AgentID:       id,
		Name:          spec.Name,
		Status:        AgentPending,
		MaxIterations: spec.MaxIterations,
	}
	c.mu.Lock()
	c.agents[id] = state
	c.order = append(c.order, id)
	c.mu.Unlock()

	// Cancelled before this agent ever started: it stays pending.
	if c.cancelled.Load() || ctx.Err() != nil {
		return c.snapshot(id), ""
	}

	// The agent's subscriptions: it hears other agents' discoveries
	// (self-exclusion keeps its own out) so the executor can consult them
	// mid-run via the runtime state.
	c.bus.Subscribe(id, bus.ChannelDiscoveries, func(msg bus.Message) {
		d, ok := msg.Payload.(bus.DiscoveryPayload)
		if !ok {
			return
		}
		c.mu.Lock()
		if s, ok := c.agents[id]; ok {
			s.Discoveries = append(s.Discoveries, d.Content)
		}
		c.mu.Unlock()
	})
	c.progress.InitAgent(id, spec.Name, spec.MaxIterations)
	c.transition(id, AgentRunning, "")

	prompt := spec.Prompt
	if sharedContext != "" {
		prompt = prompt + "\n\n## Discoveries from other agents\n" + sharedContext
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = c.agentTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	execCtx = WithAgentID(execCtx, id)

	execCtx, span := c.tracer.Start(execCtx, tracing.SpanAgent,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(tracing.AttrAgentID, id),
			attribute.String(tracing.AttrAgentName, spec.Name),
			attribute.String(tracing.AttrAgentPriority, string(spec.Priority)),
		),
	)
	defer span.End()

	log.Info(log.CatCoord, "agent started", "agent", id, "name", spec.Name, "timeout", timeout)

	// Race the executor against the timeout. The goroutine always gets to
	// write its outcome (buffered channel), so a timed-out execution leaks
	// nothing once the executor observes ctx cancellation.
	resCh := make(chan executorOutcome, 1)
	log.SafeGo("coord.execute["+id+"]", func() {
		result, err := c.executor.Execute(execCtx, prompt, spec)
		resCh <- executorOutcome{result: result, err: err}
	})

	var outcome executorOutcome
	select {
	case outcome = <-resCh:
	case <-execCtx.Done():
		c.finishTimedOut(id, span, execCtx.Err(), timeout)
		return c.snapshot(id), ""
	}

	c.finishExecuted(id, span, outcome)

	snap := c.snapshot(id)
	return snap, c.harvestDiscoveries(id)
}

// finishExecuted finalizes an agent whose executor call returned.
func (c *Coordinator) finishExecuted(id string, span trace.Span, outcome executorOutcome) {
	result := outcome.result

	c.mu.Lock()
	if state, ok := c.agents[id]; ok {
		state.CurrentIteration = result.Iterations
		state.ToolsUsed = append(state.ToolsUsed, result.ToolsUsed...)
	}
	c.mu.Unlock()
	span.SetAttributes(attribute.Int(tracing.AttrIterations, result.Iterations))

	switch {
	case outcome.err != nil:
		span.RecordError(outcome.err)
		span.SetStatus(codes.Error, outcome.err.Error())
		c.progress.CompleteAgent(id, false, outcome.err.Error())
		c.bus.ReportError(id, bus.ErrorPayload{
			Message: outcome.err.Error(),
			Code:    "executor_failure",
		})
		c.transition(id, AgentFailed, fmt.Sprintf("executor error: %v", outcome.err))

	case !result.Success:
		msg := result.Error
		if msg == "" {
			msg = "agent reported failure"
		}
		span.SetStatus(codes.Error, msg)
		c.progress.CompleteAgent(id, false, msg)
		c.bus.ReportError(id, bus.ErrorPayload{Message: msg, Code: "executor_failure"})
		c.transition(id, AgentFailed, msg)

	default:
		span.SetStatus(codes.Ok, "")
		c.mu.Lock()
		if state, ok := c.agents[id]; ok {
			state.Result = result.Output
		}
		c.mu.Unlock()
		c.progress.CompleteAgent(id, true, "")
		c.bus.NotifyComplete(id, bus.CompletionPayload{
			Success: true,
			Output:  result.Output,
		})
		c.transition(id, AgentCompleted, "")
	}
}

// finishTimedOut finalizes an agent whose execution deadline or run context
// expired before the executor returned. Deadline expiry is a failure and is
// reported as fatal on the bus; cancellation marks the agent cancelled.
func (c *Coordinator) finishTimedOut(id string, span trace.Span, ctxErr error, timeout time.Duration) {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		msg := fmt.Sprintf("agent execution timed out after %s", timeout)
		span.SetStatus(codes.Error, msg)
		c.progress.CompleteAgent(id, false, msg)
		c.bus.ReportError(id, bus.ErrorPayload{
			Message: msg,
			Code:    "timeout",
			Fatal:   true,
		})
		c.transition(id, AgentFailed, msg)
		return
	}

	// Run context cancelled; Cancel() may already have marked the agent.
	span.SetStatus(codes.Error, "cancelled")
	c.progress.CompleteAgent(id, false, "cancelled")
	c.transition(id, AgentCancelled, "cancelled")
}

// transition moves an agent to a new status, refusing to leave terminal
// states, and emits the state-change callback and broker event outside the
// lock.
func (c *Coordinator) transition(id string, status AgentStatus, errMsg string) {
	c.mu.Lock()
	state, ok := c.agents[id]
	if !ok || state.Status.IsTerminal() || state.Status == status {
		c.mu.Unlock()
		return
	}
	state.Status = status
	switch status {
	case AgentRunning:
		state.StartedAt = time.Now()
	case AgentCompleted, AgentFailed, AgentCancelled:
		state.EndedAt = time.Now()
		if errMsg != "" {
			state.Error = errMsg
		}
	}
	snap := state.clone()
	c.mu.Unlock()

	eventType := map[AgentStatus]EventType{
		AgentRunning:   EventAgentStarted,
		AgentCompleted: EventAgentCompleted,
		AgentFailed:    EventAgentFailed,
		AgentCancelled: EventAgentCancelled,
	}[status]
	c.emitStateChange(snap, eventType, errMsg)
}

// emitStateChange invokes the synchronous callback and publishes the broker
// event for an agent state snapshot.
func (c *Coordinator) emitStateChange(snap AgentState, eventType EventType, msg string) {
	if c.onAgentStateChange != nil {
		c.onAgentStateChange(snap.AgentID, snap)
	}
	if eventType != "" {
		c.broker.PublishFrom(pubsub.EventType(eventType), snap.AgentID, Event{
			Type:    eventType,
			AgentID: snap.AgentID,
			State:   &snap,
			Message: msg,
		})
	}
	log.Debug(log.CatCoord, "agent state changed",
		"agent", snap.AgentID, "status", snap.Status, "error", msg)
}

// snapshot returns a copy of an agent's current state.
func (c *Coordinator) snapshot(id string) AgentState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.agents[id]; ok {
		return state.clone()
	}
	return AgentState{AgentID: id}
}

// harvestDiscoveries collects the discoveries an agent mirrored into bus
// shared state and formats them for injection into later prompts.
func (c *Coordinator) harvestDiscoveries(id string) string {
	entries := c.bus.StateEntries("discovery:" + id + ":")
	if len(entries) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, entry := range entries {
		d, ok := entry.Value.(bus.DiscoveryPayload)
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "- [%s] %s\n", d.Kind, d.Content)
	}
	return sb.String()
}
