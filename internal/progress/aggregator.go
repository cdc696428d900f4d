// Package progress tracks per-agent iteration progress and computes
// aggregate completion percentage and an estimated time to completion.
package progress

import (
	"sync"
	"time"

	"github.com/zjrosen/conclave/internal/log"
)

// Status represents an agent's progress state. This mirrors the
// coordinator's agent status to avoid an import cycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// AgentProgress is one agent's progress snapshot.
type AgentProgress struct {
	AgentID          string
	Name             string
	Status           Status
	CurrentIteration int
	MaxIterations    int
	Operation        string
	StartedAt        time.Time
	EndedAt          time.Time
	Error            string
}

// AggregatedProgress is the roll-up snapshot computed on demand by
// GetProgress. It is derived from accumulated counters and never persisted.
type AggregatedProgress struct {
	TotalAgents     int
	PendingAgents   int
	RunningAgents   int
	CompletedAgents int
	FailedAgents    int

	CompletedIterations int
	TotalIterations     int

	// OverallProgress is completed/total iterations as a rounded
	// percentage, 0 when no agents are tracked.
	OverallProgress int

	// Elapsed is the time since the first agent was initialized.
	Elapsed time.Duration

	// ETA estimates remaining time from the average pace of completed
	// iterations. Zero until at least one iteration has completed.
	ETA time.Duration
}

// Listener is notified after every mutating aggregator call. Listener
// panics are caught and logged per listener; they never crash the
// aggregator or starve other listeners.
type Listener func(AggregatedProgress)

// Aggregator tracks agents for one coordination run. All methods are safe
// for concurrent use.
type Aggregator struct {
	mu           sync.Mutex
	agents       map[string]*AgentProgress
	order        []string
	startedAt    time.Time
	listeners    map[int]Listener
	nextListener int
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		agents:    make(map[string]*AgentProgress),
		listeners: make(map[int]Listener),
	}
}

// InitAgent starts tracking an agent in the pending state. The first
// InitAgent call anchors the elapsed-time clock. Re-initializing an ID
// resets its counters.
func (a *Aggregator) InitAgent(id, name string, maxIterations int) {
	a.mu.Lock()
	if a.startedAt.IsZero() {
		a.startedAt = time.Now()
	}
	if _, ok := a.agents[id]; !ok {
		a.order = append(a.order, id)
	}
	a.agents[id] = &AgentProgress{
		AgentID:       id,
		Name:          name,
		Status:        StatusPending,
		MaxIterations: maxIterations,
		StartedAt:     time.Now(),
	}
	a.mu.Unlock()

	a.notify()
}

// UpdateIteration records an agent reaching an iteration, optionally with a
// description of the current operation. The first update moves a pending
// agent to running. Unknown IDs and agents already completed or failed are
// ignored, so a late bus report cannot roll progress backwards.
func (a *Aggregator) UpdateIteration(id string, iteration int, operation string) {
	a.mu.Lock()
	agent, ok := a.agents[id]
	if !ok || agent.Status == StatusCompleted || agent.Status == StatusFailed {
		a.mu.Unlock()
		return
	}
	agent.Status = StatusRunning
	agent.CurrentIteration = iteration
	agent.Operation = operation
	a.mu.Unlock()

	a.notify()
}

// CompleteAgent marks an agent finished. On success the agent's iteration
// count is advanced to its maximum so aggregate progress reflects the
// finished work. Unknown IDs are ignored.
func (a *Aggregator) CompleteAgent(id string, success bool, errMsg string) {
	a.mu.Lock()
	agent, ok := a.agents[id]
	if !ok {
		a.mu.Unlock()
		return
	}
	agent.EndedAt = time.Now()
	if success {
		agent.Status = StatusCompleted
		agent.CurrentIteration = agent.MaxIterations
	} else {
		agent.Status = StatusFailed
		agent.Error = errMsg
	}
	a.mu.Unlock()

	a.notify()
}

// Agent returns a copy of one agent's snapshot.
func (a *Aggregator) Agent(id string) (AgentProgress, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	agent, ok := a.agents[id]
	if !ok {
		return AgentProgress{}, false
	}
	return *agent, true
}

// GetProgress recomputes the aggregate snapshot from the current agents.
// With zero agents it returns an all-zero snapshot; there is no division by
// zero.
func (a *Aggregator) GetProgress() AggregatedProgress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.progressLocked()
}

func (a *Aggregator) progressLocked() AggregatedProgress {
	p := AggregatedProgress{TotalAgents: len(a.agents)}

	for _, id := range a.order {
		agent := a.agents[id]
		switch agent.Status {
		case StatusPending:
			p.PendingAgents++
		case StatusRunning:
			p.RunningAgents++
		case StatusCompleted:
			p.CompletedAgents++
		case StatusFailed:
			p.FailedAgents++
		}
		p.CompletedIterations += agent.CurrentIteration
		p.TotalIterations += agent.MaxIterations
	}

	if p.TotalIterations > 0 {
		p.OverallProgress = (p.CompletedIterations*100 + p.TotalIterations/2) / p.TotalIterations
	}
	if !a.startedAt.IsZero() {
		p.Elapsed = time.Since(a.startedAt)
	}
	if p.CompletedIterations > 0 {
		remaining := p.TotalIterations - p.CompletedIterations
		perIteration := p.Elapsed / time.Duration(p.CompletedIterations)
		p.ETA = time.Duration(remaining) * perIteration
	}
	return p
}

// AddListener registers a listener and returns a function that removes it.
func (a *Aggregator) AddListener(l Listener) func() {
	a.mu.Lock()
	id := a.nextListener
	a.nextListener++
	a.listeners[id] = l
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// Reset discards all agents, listeners stay registered.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	a.agents = make(map[string]*AgentProgress)
	a.order = nil
	a.startedAt = time.Time{}
	a.mu.Unlock()
}

// notify pushes the current snapshot to every listener, isolating panics
// per listener.
func (a *Aggregator) notify() {
	a.mu.Lock()
	snapshot := a.progressLocked()
	listeners := make([]Listener, 0, len(a.listeners))
	for _, l := range a.listeners {
		listeners = append(listeners, l)
	}
	a.mu.Unlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error(log.CatProgress, "progress listener panicked", "panic", r)
				}
			}()
			l(snapshot)
		}()
	}
}
