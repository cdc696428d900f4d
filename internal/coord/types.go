package coord

import (
	"context"
	"time"
)

// Strategy selects how agents are driven through a task.
type Strategy string

const (
	// StrategyDirect spawns no sub-agents; the caller's own single-pass
	// executor handles the task.
	StrategyDirect Strategy = "direct"
	// StrategySequential runs agents one at a time in list order.
	StrategySequential Strategy = "sequential"
	// StrategyParallel runs primary agents serially first, then the rest
	// in bounded concurrent batches.
	StrategyParallel Strategy = "parallel"
)

// AgentPriority distinguishes agents that must succeed before others run.
type AgentPriority string

const (
	// PriorityPrimary agents gate the rest of the run: a sequential run
	// stops on a primary failure, and a parallel run never starts its
	// concurrent batch unless every primary completed.
	PriorityPrimary AgentPriority = "primary"
	// PrioritySupport agents are ordinary participants.
	PrioritySupport AgentPriority = "support"
)

// AgentSpec describes one agent to instantiate. Specs come from the
// RequirementAnalyzer and are treated as opaque beyond these fields.
type AgentSpec struct {
	Name          string
	Prompt        string
	Priority      AgentPriority
	MaxIterations int
	// Timeout bounds this agent's execution. Zero uses the coordinator
	// default.
	Timeout time.Duration
}

// AgentStatus is the per-agent lifecycle state machine:
// pending → running → {completed | failed | cancelled}.
// Terminal states never transition further.
type AgentStatus int

const (
	// AgentPending means the agent has not started yet.
	AgentPending AgentStatus = iota
	// AgentRunning means the executor call is in flight.
	AgentRunning
	// AgentCompleted means the executor finished successfully.
	AgentCompleted
	// AgentFailed means the executor failed, errored, or timed out.
	AgentFailed
	// AgentCancelled means the run was cancelled while the agent was active.
	AgentCancelled
)

func (s AgentStatus) String() string {
	switch s {
	case AgentPending:
		return "pending"
	case AgentRunning:
		return "running"
	case AgentCompleted:
		return "completed"
	case AgentFailed:
		return "failed"
	case AgentCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the status permits no further transitions.
func (s AgentStatus) IsTerminal() bool {
	return s == AgentCompleted || s == AgentFailed || s == AgentCancelled
}

// AgentState is the runtime state of one agent instance. It is owned by the
// coordinator for the duration of a single Coordinate call and discarded
// afterwards; this subsystem does not persist it.
type AgentState struct {
	AgentID          string
	Name             string
	Status           AgentStatus
	StartedAt        time.Time
	EndedAt          time.Time
	CurrentIteration int
	MaxIterations    int
	Result           string
	Error            string
	Discoveries      []string
	ToolsUsed        []string
}

// clone returns a deep copy safe to hand to callers.
func (s *AgentState) clone() AgentState {
	out := *s
	out.Discoveries = append([]string(nil), s.Discoveries...)
	out.ToolsUsed = append([]string(nil), s.ToolsUsed...)
	return out
}

// Failure is one entry in Result.Failures.
type Failure struct {
	AgentID string
	Message string
}

// Result is the outcome of one Coordinate call. Success is true iff at
// least one agent completed, or the strategy was direct (which spawns no
// agents).
type Result struct {
	Strategy Strategy
	Success  bool
	Agents   []AgentState
	Failures []Failure
	Duration time.Duration
}

// ExecutionResult is what an AgentExecutor reports for one agent run.
type ExecutionResult struct {
	Success    bool
	Output     string
	Error      string
	ToolsUsed  []string
	Iterations int
}

// AgentExecutor runs one agent to completion or failure. The coordinator
// imposes timeouts and cancellation through ctx; implementations must
// observe it cooperatively.
type AgentExecutor interface {
	Execute(ctx context.Context, prompt string, spec AgentSpec) (ExecutionResult, error)
}

// Analysis is the RequirementAnalyzer's verdict for a task.
type Analysis struct {
	Strategy   Strategy
	Specs      []AgentSpec
	Confidence float64
	TaskType   string
}

// RequirementAnalyzer decides the execution strategy and which agents to
// instantiate for a task. The coordinator treats it as opaque.
type RequirementAnalyzer interface {
	Analyze(ctx context.Context, task, workingDir string) (Analysis, error)
}
