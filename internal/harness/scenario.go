package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario drives the workflow service through a sequence of steps against
// a fresh in-memory authority and checks the resulting trace and state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description"`

	// Definition is an optional CUE workflow file, relative to the scenario
	// file. Empty selects the embedded default.
	Definition string `yaml:"definition,omitempty"`

	// Jobs are created in the authority before the first step.
	Jobs []JobFixture `yaml:"jobs"`

	// Actors are referenced by name from steps.
	Actors map[string]ActorFixture `yaml:"actors"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// JobFixture seeds one work order.
type JobFixture struct {
	ID             string   `yaml:"id"`
	Status         string   `yaml:"status,omitempty"`
	CreatedBy      string   `yaml:"created_by,omitempty"`
	EquipmentClass string   `yaml:"equipment_class,omitempty"`
	Attachments    []string `yaml:"attachments,omitempty"`
}

type ActorFixture struct {
	ID             string `yaml:"id"`
	Role           string `yaml:"role"`
	EquipmentClass string `yaml:"equipment_class,omitempty"`
}

// Step is exactly one operation plus an optional expectation.
type Step struct {
	ChangeStatus *ChangeStatusStep `yaml:"change_status,omitempty"`
	Get          *GetStep          `yaml:"get,omitempty"`
	Available    *ActorJobStep     `yaml:"available,omitempty"`
	Suggest      *ActorJobStep     `yaml:"suggest,omitempty"`
	Normalize    *string           `yaml:"normalize,omitempty"`
	Push         *string           `yaml:"push,omitempty"`
	Invalidate   *string           `yaml:"invalidate,omitempty"`
	RejectNext   *RejectStep       `yaml:"reject_next,omitempty"`
	FailNext     *FailStep         `yaml:"fail_next,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

type ChangeStatusStep struct {
	Job    string `yaml:"job"`
	To     string `yaml:"to"`
	Actor  string `yaml:"actor"`
	Reason string `yaml:"reason,omitempty"`
}

type GetStep struct {
	Job   string `yaml:"job"`
	Force bool   `yaml:"force,omitempty"`
}

type ActorJobStep struct {
	Job   string `yaml:"job"`
	Actor string `yaml:"actor"`
}

// RejectStep makes the authority reject the next mutation towards To.
type RejectStep struct {
	To      string `yaml:"to"`
	Message string `yaml:"message,omitempty"`
}

// FailStep makes the next call to Op fail with a transport failure.
type FailStep struct {
	Op       string `yaml:"op"`
	InFlight bool   `yaml:"in_flight,omitempty"`
}

// Expect checks a step's outcome. Error is an error kind; the other fields
// describe success.
type Expect struct {
	Error       string   `yaml:"error,omitempty"`
	Status      string   `yaml:"status,omitempty"`
	Transitions []string `yaml:"transitions,omitempty"`
	Suggestion  *string  `yaml:"suggestion,omitempty"`
	Key         string   `yaml:"key,omitempty"`
}

// Assertion validates the trace or the final state.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count, final_state
	// and remote_calls.
	Type string `yaml:"type"`

	// Contains is a substring of a trace line (trace_contains).
	Contains string `yaml:"contains,omitempty"`

	// Lines are trace line substrings that must appear in order (trace_order).
	Lines []string `yaml:"lines,omitempty"`

	// Event is a subscriber event type (trace_count).
	Event string `yaml:"event,omitempty"`

	// Op is fetch, list or mutate (remote_calls).
	Op string `yaml:"op,omitempty"`

	Count int `yaml:"count,omitempty"`

	// Job and Status check the authority's copy (final_state). History,
	// when set, lists the journal as "from->to" pairs.
	Job     string   `yaml:"job,omitempty"`
	Status  string   `yaml:"status,omitempty"`
	History []string `yaml:"history,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertRemoteCalls   = "remote_calls"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected. A relative definition path is resolved against the scenario
// file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if scenario.Definition != "" && !filepath.IsAbs(scenario.Definition) {
		scenario.Definition = filepath.Join(filepath.Dir(path), scenario.Definition)
	}
	return scenario, nil
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps must not be empty")
	}

	jobs := make(map[string]bool, len(s.Jobs))
	for i, j := range s.Jobs {
		if j.ID == "" {
			return fmt.Errorf("jobs[%d]: id is required", i)
		}
		if jobs[j.ID] {
			return fmt.Errorf("jobs[%d]: duplicate id %q", i, j.ID)
		}
		jobs[j.ID] = true
	}

	for i, step := range s.Steps {
		if err := validateStep(i, step, s.Actors); err != nil {
			return err
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step Step, actors map[string]ActorFixture) error {
	set := 0
	actor := ""
	if step.ChangeStatus != nil {
		set++
		actor = step.ChangeStatus.Actor
		if step.ChangeStatus.To == "" {
			return fmt.Errorf("steps[%d]: change_status.to is required", index)
		}
	}
	if step.Get != nil {
		set++
	}
	if step.Available != nil {
		set++
		actor = step.Available.Actor
	}
	if step.Suggest != nil {
		set++
		actor = step.Suggest.Actor
	}
	if step.Normalize != nil {
		set++
	}
	if step.Push != nil {
		set++
	}
	if step.Invalidate != nil {
		set++
	}
	if step.RejectNext != nil {
		set++
	}
	if step.FailNext != nil {
		set++
		switch step.FailNext.Op {
		case "fetch", "list", "mutate":
		default:
			return fmt.Errorf("steps[%d]: fail_next.op must be fetch, list or mutate, got %q", index, step.FailNext.Op)
		}
	}

	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one operation is required, got %d", index, set)
	}
	if actor != "" {
		if _, ok := actors[actor]; !ok {
			return fmt.Errorf("steps[%d]: unknown actor %q", index, actor)
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Contains == "" {
			return fmt.Errorf("assertions[%d]: contains is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Lines) == 0 {
			return fmt.Errorf("assertions[%d]: lines list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Event == "" {
			return fmt.Errorf("assertions[%d]: event is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Job == "" {
			return fmt.Errorf("assertions[%d]: job is required for final_state", index)
		}
		if a.Status == "" && a.History == nil {
			return fmt.Errorf("assertions[%d]: status or history is required for final_state", index)
		}
	case AssertRemoteCalls:
		switch a.Op {
		case "fetch", "list", "mutate":
		default:
			return fmt.Errorf("assertions[%d]: op must be fetch, list or mutate for remote_calls", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
