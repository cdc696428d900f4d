package bus

import (
	"fmt"
	"time"
)

// The convenience helpers publish on a well-known channel and mirror the
// payload into shared state under a derived key, so agents that join after
// the publish can still retrieve it.

// BroadcastDiscovery shares a finding with every other agent. The payload is
// mirrored into state under "discovery:<agentID>:<unix-nanos>".
func (b *MessageBus) BroadcastDiscovery(agentID string, d DiscoveryPayload) Message {
	key := fmt.Sprintf("discovery:%s:%d", agentID, time.Now().UnixNano())
	_ = b.SetState(key, d, agentID, StateOptions{})
	return b.Publish(agentID, ChannelDiscoveries, d, PublishOptions{Type: TypeDiscovery})
}

// ReportProgress publishes an agent progress update and mirrors the latest
// one into state under "progress:<agentID>".
func (b *MessageBus) ReportProgress(agentID string, p ProgressPayload) Message {
	_ = b.SetState("progress:"+agentID, p, agentID, StateOptions{})
	return b.Publish(agentID, ChannelProgress, p, PublishOptions{Type: TypeProgress})
}

// ReportError publishes an agent error. Fatal errors are delivered urgently
// so the publisher knows delivery completed before proceeding.
func (b *MessageBus) ReportError(agentID string, e ErrorPayload) Message {
	key := fmt.Sprintf("error:%s:%d", agentID, time.Now().UnixNano())
	_ = b.SetState(key, e, agentID, StateOptions{})

	priority := PriorityHigh
	if e.Fatal {
		priority = PriorityUrgent
	}
	return b.Publish(agentID, ChannelErrors, e, PublishOptions{Type: TypeError, Priority: priority})
}

// NotifyComplete publishes an agent completion notice and mirrors it into
// state under "complete:<agentID>".
func (b *MessageBus) NotifyComplete(agentID string, c CompletionPayload) Message {
	_ = b.SetState("complete:"+agentID, c, agentID, StateOptions{})
	return b.Publish(agentID, ChannelCompletions, c, PublishOptions{Type: TypeCompletion})
}
