// Package scenario loads scripted coordination scenarios from YAML files.
//
// A scenario describes a task, the agents to run for it, and the outcome
// each agent should produce. Scenarios drive the coordinator without a
// live model behind it, which makes them useful for demos and rehearsing
// multi-agent plans before spending real agent time on them.
package scenario

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/conclave/internal/coord"
	"github.com/zjrosen/conclave/internal/log"
)

// Duration wraps time.Duration so YAML values like "2m" or "150ms" decode.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Discovery is a scripted insight an agent shares mid-run.
type Discovery struct {
	Kind       string  `yaml:"kind"`
	Content    string  `yaml:"content"`
	Confidence float64 `yaml:"confidence"`
}

// Outcome scripts what an agent's execution produces.
type Outcome struct {
	Success     bool        `yaml:"success"`
	Output      string      `yaml:"output"`
	Error       string      `yaml:"error"`
	Iterations  int         `yaml:"iterations"`
	Delay       Duration    `yaml:"delay"`
	Tools       []string    `yaml:"tools"`
	Discoveries []Discovery `yaml:"discoveries"`
}

// Agent describes one agent in a scenario.
type Agent struct {
	Name          string   `yaml:"name"`
	Prompt        string   `yaml:"prompt"`
	Priority      string   `yaml:"priority"` // "primary" or "support" (default)
	MaxIterations int      `yaml:"max_iterations"`
	Timeout       Duration `yaml:"timeout"`
	Outcome       *Outcome `yaml:"outcome"`
}

// Scenario is a complete scripted coordination run.
type Scenario struct {
	Name       string  `yaml:"name"`
	Task       string  `yaml:"task"`
	Strategy   string  `yaml:"strategy"` // "direct", "sequential", or "parallel"
	TaskType   string  `yaml:"task_type"`
	Confidence float64 `yaml:"confidence"`
	Agents     []Agent `yaml:"agents"`
}

// Load parses a scenario from YAML content.
func Load(data []byte) (Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Scenario{}, fmt.Errorf("parsing scenario: %w", err)
	}
	if err := s.validate(); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

// LoadFile reads and parses a scenario file.
func LoadFile(path string) (Scenario, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is user-supplied on purpose
	if err != nil {
		return Scenario{}, fmt.Errorf("reading scenario file: %w", err)
	}
	s, err := Load(data)
	if err != nil {
		return Scenario{}, fmt.Errorf("%s: %w", path, err)
	}
	log.Debug(log.CatScenario, "Loaded scenario", "path", path, "agents", len(s.Agents), "strategy", s.Strategy)
	return s, nil
}

func (s Scenario) validate() error {
	if s.Task == "" {
		return fmt.Errorf("scenario missing required field: task")
	}
	if len(s.Agents) == 0 {
		return fmt.Errorf("scenario has no agents")
	}
	switch s.Strategy {
	case "", string(coord.StrategyDirect), string(coord.StrategySequential), string(coord.StrategyParallel):
	default:
		return fmt.Errorf("invalid strategy %q (must be \"direct\", \"sequential\", or \"parallel\")", s.Strategy)
	}
	seen := make(map[string]bool, len(s.Agents))
	for i, a := range s.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent %d: name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("agent %d: duplicate name %q", i, a.Name)
		}
		seen[a.Name] = true
		switch a.Priority {
		case "", string(coord.PriorityPrimary), string(coord.PrioritySupport):
		default:
			return fmt.Errorf("agent %q: invalid priority %q (must be \"primary\" or \"support\")", a.Name, a.Priority)
		}
		if a.MaxIterations < 0 {
			return fmt.Errorf("agent %q: max_iterations must be non-negative", a.Name)
		}
	}
	return nil
}

// EffectiveStrategy returns the scripted strategy, or infers one from the
// agent count when the scenario leaves it blank.
func (s Scenario) EffectiveStrategy() coord.Strategy {
	if s.Strategy != "" {
		return coord.Strategy(s.Strategy)
	}
	if len(s.Agents) == 1 {
		return coord.StrategyDirect
	}
	return coord.StrategyParallel
}

// Specs converts the scenario's agents into coordinator agent specs.
func (s Scenario) Specs() []coord.AgentSpec {
	specs := make([]coord.AgentSpec, 0, len(s.Agents))
	for _, a := range s.Agents {
		priority := coord.AgentPriority(a.Priority)
		if priority == "" {
			priority = coord.PrioritySupport
		}
		maxIter := a.MaxIterations
		if maxIter <= 0 {
			maxIter = 1
		}
		specs = append(specs, coord.AgentSpec{
			Name:          a.Name,
			Prompt:        a.Prompt,
			Priority:      priority,
			MaxIterations: maxIter,
			Timeout:       a.Timeout.Std(),
		})
	}
	return specs
}

// agent returns the scenario agent with the given name, if any.
func (s Scenario) agent(name string) (Agent, bool) {
	for _, a := range s.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return Agent{}, false
}
