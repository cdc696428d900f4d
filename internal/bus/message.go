package bus

import (
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of message being published.
type MessageType string

const (
	// TypeNotification is the default type for fire-and-forget messages.
	TypeNotification MessageType = "notification"
	// TypeRequest marks a message that expects correlated responses.
	TypeRequest MessageType = "request"
	// TypeResponse marks a reply to a request, carrying its correlation ID.
	TypeResponse MessageType = "response"
	// TypeDiscovery carries a finding shared between agents.
	TypeDiscovery MessageType = "discovery"
	// TypeProgress carries an agent progress update.
	TypeProgress MessageType = "progress"
	// TypeError carries an agent error report.
	TypeError MessageType = "error"
	// TypeCompletion signals that an agent finished its work.
	TypeCompletion MessageType = "completion"
)

// Priority controls delivery synchronicity, not ordering.
// Only PriorityUrgent changes behavior: urgent messages are delivered
// before Publish returns. All other priorities are delivered
// asynchronously in publish order. Priority is never used to reorder
// messages.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Well-known channels used by the convenience helpers.
const (
	// ChannelDiscoveries carries findings agents broadcast for others.
	ChannelDiscoveries = "discoveries"
	// ChannelProgress carries per-agent progress updates.
	ChannelProgress = "progress"
	// ChannelErrors carries agent error reports.
	ChannelErrors = "errors"
	// ChannelCompletions carries agent completion notices.
	ChannelCompletions = "completions"
	// ChannelSubscriberErrors carries side-channel events emitted when a
	// subscriber handler panics during delivery.
	ChannelSubscriberErrors = "subscriber:error"
	// ChannelState carries shared-state change notifications.
	ChannelState = "state:change"
)

// Message is a single immutable bus message. Once published it is never
// mutated; the bus garbage-collects it from history after the retention
// window or when history exceeds its size bound.
type Message struct {
	ID            string         `json:"id"`
	Type          MessageType    `json:"type"`
	From          string         `json:"from"`
	To            string         `json:"to,omitempty"` // empty = broadcast
	Channel       string         `json:"channel"`
	Payload       any            `json:"payload"`
	Priority      Priority       `json:"priority"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// newMessage stamps a fresh ID and timestamp on a message.
func newMessage(from, channel string, payload any, opts PublishOptions) Message {
	msgType := opts.Type
	if msgType == "" {
		msgType = TypeNotification
	}
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	return Message{
		ID:            uuid.NewString(),
		Type:          msgType,
		From:          from,
		To:            opts.To,
		Channel:       channel,
		Payload:       payload,
		Priority:      priority,
		Timestamp:     time.Now(),
		CorrelationID: opts.CorrelationID,
		Metadata:      opts.Metadata,
	}
}

// DiscoveryKind classifies what a discovery payload describes.
type DiscoveryKind string

const (
	DiscoveryFile    DiscoveryKind = "file"
	DiscoveryPattern DiscoveryKind = "pattern"
	DiscoveryIssue   DiscoveryKind = "issue"
	DiscoveryInsight DiscoveryKind = "insight"
)

// DiscoveryPayload is the payload shape for discovery messages.
type DiscoveryPayload struct {
	Kind       DiscoveryKind  `json:"type"`
	Content    string         `json:"content"`
	Confidence float64        `json:"confidence,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ProgressPayload is the payload shape for progress messages.
type ProgressPayload struct {
	Iteration     int    `json:"iteration"`
	MaxIterations int    `json:"max_iterations"`
	Status        string `json:"status"`
	Percentage    int    `json:"percentage,omitempty"`
}

// ErrorPayload is the payload shape for error messages.
type ErrorPayload struct {
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Fatal   bool           `json:"fatal,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// CompletionPayload is the payload shape for completion messages.
type CompletionPayload struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// SubscriberErrorPayload is published on ChannelSubscriberErrors when a
// handler panics during delivery.
type SubscriberErrorPayload struct {
	SubscriptionID string `json:"subscription_id"`
	AgentID        string `json:"agent_id"`
	Channel        string `json:"channel"`
	MessageID      string `json:"message_id"`
	Panic          string `json:"panic"`
}
