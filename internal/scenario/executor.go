package scenario

import (
	"context"
	"fmt"
	"time"

	"github.com/zjrosen/conclave/internal/bus"
	"github.com/zjrosen/conclave/internal/coord"
	"github.com/zjrosen/conclave/internal/log"
)

// Executor implements coord.AgentExecutor by replaying scripted outcomes.
// When given a bus it publishes the agent's progress and discoveries as
// the run unfolds, so listeners see the same traffic a live agent would
// produce.
type Executor struct {
	scenario Scenario
	bus      *bus.MessageBus
}

// NewExecutor returns an executor that replays the scenario's outcomes.
// The bus is optional; without one the executor stays silent.
func NewExecutor(s Scenario, b *bus.MessageBus) *Executor {
	return &Executor{scenario: s, bus: b}
}

// Execute replays the scripted outcome for the named agent.
func (e *Executor) Execute(ctx context.Context, _ string, spec coord.AgentSpec) (coord.ExecutionResult, error) {
	a, ok := e.scenario.agent(spec.Name)
	if !ok {
		return coord.ExecutionResult{}, fmt.Errorf("no scripted agent named %q", spec.Name)
	}

	outcome := a.Outcome
	if outcome == nil {
		// Unscripted agents succeed in a single iteration.
		outcome = &Outcome{Success: true, Iterations: 1, Output: "done"}
	}

	agentID, _ := coord.AgentIDFromContext(ctx)

	iterations := outcome.Iterations
	if iterations <= 0 {
		iterations = 1
	}
	if spec.MaxIterations > 0 && iterations > spec.MaxIterations {
		iterations = spec.MaxIterations
	}

	// Spread the scripted delay across iterations so progress arrives
	// incrementally rather than all at once at the end.
	var step time.Duration
	if outcome.Delay > 0 {
		step = outcome.Delay.Std() / time.Duration(iterations)
	}

	for i := 1; i <= iterations; i++ {
		if step > 0 {
			timer := time.NewTimer(step)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return coord.ExecutionResult{}, ctx.Err()
			}
		} else if err := ctx.Err(); err != nil {
			return coord.ExecutionResult{}, err
		}

		if e.bus != nil && agentID != "" {
			e.bus.ReportProgress(agentID, bus.ProgressPayload{
				Iteration:     i,
				MaxIterations: spec.MaxIterations,
				Status:        "working",
			})
		}
	}

	if e.bus != nil && agentID != "" {
		for _, d := range outcome.Discoveries {
			e.bus.BroadcastDiscovery(agentID, bus.DiscoveryPayload{
				Kind:       bus.DiscoveryKind(d.Kind),
				Content:    d.Content,
				Confidence: d.Confidence,
			})
		}
	}

	log.Debug(log.CatScenario, "Scripted execution finished",
		"agent", spec.Name, "success", outcome.Success, "iterations", iterations)

	return coord.ExecutionResult{
		Success:    outcome.Success,
		Output:     outcome.Output,
		Error:      outcome.Error,
		ToolsUsed:  outcome.Tools,
		Iterations: iterations,
	}, nil
}
