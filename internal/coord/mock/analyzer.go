package mock

import (
	"context"
	"sync"

	"github.com/zjrosen/conclave/internal/coord"
)

// Analyzer is a mock implementation of coord.RequirementAnalyzer.
type Analyzer struct {
	// AnalyzeFunc is called when Analyze is invoked.
	// If nil, Analysis is returned as configured.
	AnalyzeFunc func(ctx context.Context, task, workingDir string) (coord.Analysis, error)

	// Analysis is the canned verdict returned when AnalyzeFunc is nil.
	Analysis coord.Analysis

	mu    sync.Mutex
	count int
}

// NewAnalyzer creates a mock analyzer returning the given canned analysis.
func NewAnalyzer(analysis coord.Analysis) *Analyzer {
	return &Analyzer{Analysis: analysis}
}

// Analyze records the call and returns the configured verdict.
func (a *Analyzer) Analyze(ctx context.Context, task, workingDir string) (coord.Analysis, error) {
	a.mu.Lock()
	a.count++
	a.mu.Unlock()

	if a.AnalyzeFunc != nil {
		return a.AnalyzeFunc(ctx, task, workingDir)
	}
	return a.Analysis, nil
}

// CallCount returns how many times Analyze was called.
func (a *Analyzer) CallCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}
