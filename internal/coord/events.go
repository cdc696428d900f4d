package coord

// EventType identifies the kind of coordination event.
type EventType string

const (
	// EventStrategySelected is emitted once analysis has chosen a strategy.
	EventStrategySelected EventType = "strategy_selected"
	// EventAgentStarted is emitted when an agent transitions to running.
	EventAgentStarted EventType = "agent_started"
	// EventAgentCompleted is emitted when an agent completes successfully.
	EventAgentCompleted EventType = "agent_completed"
	// EventAgentFailed is emitted when an agent fails, errors, or times out.
	EventAgentFailed EventType = "agent_failed"
	// EventAgentCancelled is emitted when a running agent is cancelled.
	EventAgentCancelled EventType = "agent_cancelled"
	// EventDone is emitted when the whole coordination finishes.
	EventDone EventType = "done"
)

// Event is the typed payload published on the coordinator's event broker.
// Observers that prefer channels over the synchronous callbacks subscribe
// via Coordinator.Events.
type Event struct {
	// Type identifies the kind of event.
	Type EventType
	// AgentID identifies the agent, empty for run-level events.
	AgentID string
	// Strategy is set on strategy_selected and done events.
	Strategy Strategy
	// State is a snapshot of the agent at the time of the event.
	State *AgentState
	// Message carries human-readable detail (error text, summary).
	Message string
}
