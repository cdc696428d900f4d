package tracing

// Span attribute keys for coordination tracing.
// These constants define the semantic conventions for span attributes
// across the coordination subsystem.
const (
	// Coordination attributes
	AttrTask       = "coordination.task"
	AttrStrategy   = "coordination.strategy"
	AttrTaskType   = "coordination.task_type"
	AttrConfidence = "coordination.confidence"
	AttrAgentCount = "coordination.agent_count"

	// Agent attributes
	AttrAgentID       = "agent.id"
	AttrAgentName     = "agent.name"
	AttrAgentPriority = "agent.priority"
	AttrAgentStatus   = "agent.status"
	AttrIterations    = "agent.iterations"

	// Error attributes
	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

// Span names for consistent naming.
const (
	SpanCoordinate = "coordination.run"
	SpanAgent      = "coordination.agent"
	SpanAnalyze    = "coordination.analyze"
)
