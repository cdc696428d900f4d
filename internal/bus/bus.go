// Package bus provides the in-process message bus that coordinated agents
// use to communicate: publish/subscribe channels, a shared key-value state
// store with ownership and TTL, and correlated request/response exchange.
//
// # Delivery contract
//
// A publisher never receives its own message, even when subscribed to the
// channel it publishes on. Handlers run in isolation: a panicking handler is
// recovered, logged, and surfaced as a side-channel event on
// [ChannelSubscriberErrors]; it never aborts delivery to other subscribers
// and never propagates to the publisher.
//
// Messages published with [PriorityUrgent] are delivered before Publish
// returns. All other messages are delivered asynchronously by a single
// dispatch goroutine, so delivery across async publishes to the same channel
// preserves publish order. Priority is never a reordering key.
package bus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/conclave/internal/log"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultHistoryLimit     = 1000
	DefaultHistoryRetention = 5 * time.Minute
	DefaultSweepInterval    = 30 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
	DefaultDispatchBuffer   = 256
)

// ErrClosed is returned when operations are attempted on a closed bus.
var ErrClosed = errors.New("message bus is closed")

// Handler receives messages delivered to a subscription.
type Handler func(Message)

// Filter decides whether a subscription wants a particular message.
// Returning false rejects the message for that subscription only.
type Filter func(Message) bool

// subscription is a single registered handler on a channel.
type subscription struct {
	id      string
	agentID string
	channel string
	handler Handler
	filter  Filter
}

// Config holds construction options for the message bus.
type Config struct {
	// HistoryDisabled turns off message history retention.
	HistoryDisabled bool

	// HistoryLimit bounds the number of retained messages (default: 1000).
	// The oldest messages are evicted first.
	HistoryLimit int

	// HistoryRetention bounds message age in history (default: 5m).
	HistoryRetention time.Duration

	// SweepInterval controls how often expired shared-state entries and
	// stale history are swept (default: 30s).
	SweepInterval time.Duration

	// RequestTimeout is the default timeout for Request calls that do not
	// specify one (default: 30s).
	RequestTimeout time.Duration

	// DispatchBuffer is the capacity of the async delivery queue
	// (default: 256). Publishers block when the queue is full rather than
	// dropping messages, preserving per-channel publish order.
	DispatchBuffer int
}

// MessageBus delivers messages between agents and maintains shared state.
// All methods are safe for concurrent use.
type MessageBus struct {
	mu       sync.RWMutex
	subs     map[string]*subscription
	channels map[string][]*subscription // subscribe order per channel

	history          []Message
	historyLimit     int
	historyRetention time.Duration
	historyEnabled   bool

	pendingMu      sync.Mutex
	pending        map[string]*pendingRequest
	requestTimeout time.Duration

	state *stateStore

	dispatch chan Message
	done     chan struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup
}

// New creates a message bus and starts its dispatch and sweep goroutines.
// Call Close to release them.
func New(cfg Config) *MessageBus {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = DefaultHistoryRetention
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.DispatchBuffer <= 0 {
		cfg.DispatchBuffer = DefaultDispatchBuffer
	}

	b := &MessageBus{
		subs:             make(map[string]*subscription),
		channels:         make(map[string][]*subscription),
		historyLimit:     cfg.HistoryLimit,
		historyRetention: cfg.HistoryRetention,
		historyEnabled:   !cfg.HistoryDisabled,
		pending:          make(map[string]*pendingRequest),
		requestTimeout:   cfg.RequestTimeout,
		state:            newStateStore(cfg.SweepInterval),
		dispatch:         make(chan Message, cfg.DispatchBuffer),
		done:             make(chan struct{}),
	}

	b.wg.Add(2)
	go b.dispatchLoop()
	go b.sweepLoop(cfg.SweepInterval)

	return b
}

// Subscribe registers a handler for a channel on behalf of an agent and
// returns the subscription ID. Channel names are unconstrained and an agent
// may hold any number of subscriptions per channel.
func (b *MessageBus) Subscribe(agentID, channel string, handler Handler) string {
	return b.SubscribeWithFilter(agentID, channel, handler, nil)
}

// SubscribeWithFilter registers a handler with a message filter. Messages
// the filter rejects are not delivered to this subscription.
func (b *MessageBus) SubscribeWithFilter(agentID, channel string, handler Handler, filter Filter) string {
	sub := &subscription{
		id:      uuid.NewString(),
		agentID: agentID,
		channel: channel,
		handler: handler,
		filter:  filter,
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.channels[channel] = append(b.channels[channel], sub)
	b.mu.Unlock()

	log.Debug(log.CatBus, "subscribed", "agent", agentID, "channel", channel, "sub", sub.id)
	return sub.id
}

// Unsubscribe removes a subscription by ID. Returns false if the ID is
// unknown.
func (b *MessageBus) Unsubscribe(subscriptionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[subscriptionID]
	if !ok {
		return false
	}
	delete(b.subs, subscriptionID)
	b.removeFromChannel(sub)
	return true
}

// UnsubscribeAll removes every subscription belonging to an agent and
// returns the number removed. Used by the coordinator during cleanup.
func (b *MessageBus) UnsubscribeAll(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for id, sub := range b.subs {
		if sub.agentID != agentID {
			continue
		}
		delete(b.subs, id)
		b.removeFromChannel(sub)
		count++
	}
	return count
}

// removeFromChannel drops sub from its channel's ordered list.
// Caller must hold b.mu.
func (b *MessageBus) removeFromChannel(sub *subscription) {
	list := b.channels[sub.channel]
	for i, s := range list {
		if s.id == sub.id {
			b.channels[sub.channel] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.channels[sub.channel]) == 0 {
		delete(b.channels, sub.channel)
	}
}

// PublishOptions customizes a published message.
type PublishOptions struct {
	Type          MessageType
	To            string // non-empty directs the message to one agent
	Priority      Priority
	CorrelationID string
	Metadata      map[string]any
}

// Publish creates a message and delivers it to matching subscribers on the
// channel. The returned message is immutable. Urgent messages are delivered
// before Publish returns; all other priorities are dispatched asynchronously
// in publish order.
func (b *MessageBus) Publish(from, channel string, payload any, opts PublishOptions) Message {
	msg := newMessage(from, channel, payload, opts)

	if b.historyEnabled {
		b.appendHistory(msg)
	}

	if b.closed.Load() {
		return msg
	}

	if msg.Priority == PriorityUrgent {
		b.deliver(msg)
		return msg
	}

	select {
	case b.dispatch <- msg:
	case <-b.done:
	}
	return msg
}

// dispatchLoop delivers async messages one at a time, preserving publish
// order across channels.
func (b *MessageBus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case msg := <-b.dispatch:
			b.deliver(msg)
		case <-b.done:
			return
		}
	}
}

// deliver invokes every matching subscriber handler for msg. Each handler
// runs in isolation; panics are recovered and surfaced on
// ChannelSubscriberErrors.
func (b *MessageBus) deliver(msg Message) {
	b.mu.RLock()
	list := b.channels[msg.Channel]
	targets := make([]*subscription, 0, len(list))
	for _, sub := range list {
		if sub.agentID == msg.From {
			continue // self-exclusion is mandatory
		}
		if msg.To != "" && msg.To != sub.agentID {
			continue
		}
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.invoke(sub, msg)
	}

	if msg.Type == TypeResponse && msg.CorrelationID != "" {
		b.feedPending(msg)
	}
}

// invoke runs one handler (and its filter) with panic isolation.
func (b *MessageBus) invoke(sub *subscription, msg Message) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		log.Error(log.CatBus, "subscriber handler panicked",
			"sub", sub.id, "agent", sub.agentID, "channel", sub.channel, "panic", r)
		if msg.Channel != ChannelSubscriberErrors {
			b.Publish("", ChannelSubscriberErrors, SubscriberErrorPayload{
				SubscriptionID: sub.id,
				AgentID:        sub.agentID,
				Channel:        sub.channel,
				MessageID:      msg.ID,
				Panic:          fmt.Sprint(r),
			}, PublishOptions{Type: TypeError})
		}
	}()

	if sub.filter != nil && !sub.filter(msg) {
		return
	}
	sub.handler(msg)
}

// appendHistory records msg and evicts oldest-first beyond the size bound.
func (b *MessageBus) appendHistory(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, msg)
	if overflow := len(b.history) - b.historyLimit; overflow > 0 {
		b.history = append([]Message(nil), b.history[overflow:]...)
	}
}

// History returns retained messages for a channel, oldest first. A limit of
// 0 returns all retained messages. An empty channel matches every channel.
func (b *MessageBus) History(channel string, limit int) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Message
	for _, msg := range b.history {
		if channel == "" || msg.Channel == channel {
			out = append(out, msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// sweepLoop periodically expires shared state and trims stale history.
func (b *MessageBus) sweepLoop(interval time.Duration) {
	defer b.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.trimHistory(time.Now().Add(-b.historyRetention))
		case <-b.done:
			return
		}
	}
}

// trimHistory drops history entries older than cutoff.
func (b *MessageBus) trimHistory(cutoff time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keep := 0
	for keep < len(b.history) && b.history[keep].Timestamp.Before(cutoff) {
		keep++
	}
	if keep > 0 {
		b.history = append([]Message(nil), b.history[keep:]...)
	}
}

// Close stops the dispatch and sweep goroutines, rejects all pending
// requests with ErrClosed, and releases the state store. Close is
// idempotent.
func (b *MessageBus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	close(b.done)
	b.wg.Wait()
	b.failAllPending(ErrClosed)
	b.state.close()
	log.Debug(log.CatBus, "bus closed")
}
