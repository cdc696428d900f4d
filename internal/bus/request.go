package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/conclave/internal/log"
)

// ErrTimeout is returned when a request receives no (or not enough)
// responses within its timeout window.
var ErrTimeout = errors.New("timed out")

// RequestOptions customizes a Request call.
type RequestOptions struct {
	// Timeout bounds how long Request waits for responses. Zero uses the
	// bus default.
	Timeout time.Duration

	// WaitForAll makes Request wait until every eligible subscriber on the
	// channel (everyone but the requester, counted at send time) has
	// responded, instead of resolving on the first response.
	WaitForAll bool
}

// pendingRequest tracks one in-flight request keyed by correlation ID.
// The table entry and the caller's timer are always removed together, on
// every resolution path, so a request can never be resolved twice and a
// late Respond is a no-op.
type pendingRequest struct {
	correlationID string
	responses     []Message
	expected      int
	waitForAll    bool
	ch            chan requestResult // buffered, written exactly once
}

type requestResult struct {
	responses []Message
	err       error
}

// Request publishes a request message on the channel and waits for
// correlated responses. It resolves on the first response, or, when
// WaitForAll is set, once every eligible subscriber has responded. The returned
// slice holds one message unless WaitForAll was set.
//
// A WaitForAll request with no eligible subscribers resolves immediately
// with an empty slice rather than waiting out the timeout.
func (b *MessageBus) Request(ctx context.Context, from, channel string, payload any, opts RequestOptions) ([]Message, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.requestTimeout
	}

	expected := b.responderCount(channel, from)
	if opts.WaitForAll && expected == 0 {
		return []Message{}, nil
	}

	pr := &pendingRequest{
		correlationID: uuid.NewString(),
		expected:      expected,
		waitForAll:    opts.WaitForAll,
		ch:            make(chan requestResult, 1),
	}

	b.pendingMu.Lock()
	b.pending[pr.correlationID] = pr
	b.pendingMu.Unlock()

	b.Publish(from, channel, payload, PublishOptions{
		Type:          TypeRequest,
		CorrelationID: pr.correlationID,
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pr.ch:
		return res.responses, res.err
	case <-timer.C:
		if b.removePending(pr.correlationID) {
			log.Debug(log.CatBus, "request timed out",
				"channel", channel, "from", from, "correlation", pr.correlationID)
			return nil, fmt.Errorf("request on %q: %w", channel, ErrTimeout)
		}
		// Resolved concurrently with the timer firing.
		res := <-pr.ch
		return res.responses, res.err
	case <-ctx.Done():
		if b.removePending(pr.correlationID) {
			return nil, ctx.Err()
		}
		res := <-pr.ch
		return res.responses, res.err
	}
}

// Respond publishes a response back to the requester, reusing the request's
// correlation ID, and feeds the pending-request table if the request is
// still in flight. Responding to an unknown or already-resolved correlation
// ID still publishes the message but is otherwise a no-op.
func (b *MessageBus) Respond(from string, original Message, payload any) Message {
	return b.Publish(from, original.Channel, payload, PublishOptions{
		Type:          TypeResponse,
		To:            original.From,
		CorrelationID: original.CorrelationID,
	})
}

// feedPending records a response against its pending request, resolving the
// request once enough responses have arrived.
func (b *MessageBus) feedPending(msg Message) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	pr, ok := b.pending[msg.CorrelationID]
	if !ok {
		return
	}

	pr.responses = append(pr.responses, msg)
	if pr.waitForAll && len(pr.responses) < pr.expected {
		return
	}

	delete(b.pending, msg.CorrelationID)
	pr.ch <- requestResult{responses: pr.responses}
}

// removePending deletes a pending request, reporting whether it was still
// registered.
func (b *MessageBus) removePending(correlationID string) bool {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	if _, ok := b.pending[correlationID]; !ok {
		return false
	}
	delete(b.pending, correlationID)
	return true
}

// failAllPending resolves every in-flight request with err. Called on Close.
func (b *MessageBus) failAllPending(err error) {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()

	for id, pr := range b.pending {
		delete(b.pending, id)
		pr.ch <- requestResult{err: err}
	}
}

// responderCount counts subscriptions on a channel not owned by the
// requester. This is the expected responder count for WaitForAll requests.
func (b *MessageBus) responderCount(channel, requester string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, sub := range b.channels[channel] {
		if sub.agentID != requester {
			count++
		}
	}
	return count
}
