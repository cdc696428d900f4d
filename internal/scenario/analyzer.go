package scenario

import (
	"context"

	"github.com/zjrosen/conclave/internal/coord"
)

// Analyzer implements coord.RequirementAnalyzer from a loaded scenario.
// It ignores the task text and always returns the scripted plan.
type Analyzer struct {
	scenario Scenario
}

// NewAnalyzer returns an analyzer backed by the given scenario.
func NewAnalyzer(s Scenario) *Analyzer {
	return &Analyzer{scenario: s}
}

// Analyze returns the scenario's strategy and agent specs.
func (a *Analyzer) Analyze(_ context.Context, _, _ string) (coord.Analysis, error) {
	confidence := a.scenario.Confidence
	if confidence == 0 {
		confidence = 1.0
	}
	return coord.Analysis{
		Strategy:   a.scenario.EffectiveStrategy(),
		Specs:      a.scenario.Specs(),
		Confidence: confidence,
		TaskType:   a.scenario.TaskType,
	}, nil
}
