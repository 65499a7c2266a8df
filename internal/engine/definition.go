// Package engine implements the table-driven step engine that drives every
// conversational workflow. A Definition is plain data (usually decoded from
// YAML by the catalog); Compile validates it once and produces a Workflow whose
// Apply and Render methods are pure functions of their arguments.
package engine

import (
	"maps"
	"slices"
	"time"

	"github.com/ahrav/go-parley/internal/domain"
)

// Definition declares one workflow: its steps, the transitions between them and
// the TTL policy of its sessions.
type Definition struct {
	Type        domain.WorkflowType `json:"type" yaml:"type"`
	Description string              `json:"description,omitempty" yaml:"description,omitempty"`
	Durable     bool                `json:"durable,omitempty" yaml:"durable,omitempty"`
	TTL         time.Duration       `json:"ttl" yaml:"ttl"`
	Initial     string              `json:"initial" yaml:"initial"`

	// Global transitions are appended to every non-terminal step. They carry
	// the workflow-wide escape hatches such as cancel.
	Global []Transition `json:"global,omitempty" yaml:"global,omitempty"`

	Steps []Step `json:"steps" yaml:"steps"`
}

// Step is a node in the workflow graph. A step without transitions is terminal.
type Step struct {
	Name string `json:"name" yaml:"name"`

	// Prompt is a text/template rendered against the session payload.
	Prompt string `json:"prompt" yaml:"prompt"`

	// Invalid overrides the re-prompt message used when input matches nothing.
	Invalid string `json:"invalid,omitempty" yaml:"invalid,omitempty"`

	// Status is the final status recorded when a durable session ends here.
	Status domain.Status `json:"status,omitempty" yaml:"status,omitempty"`

	// NoGlobal opts the step out of the workflow's global transitions.
	NoGlobal bool `json:"no_global,omitempty" yaml:"no_global,omitempty"`

	Transitions []Transition `json:"transitions,omitempty" yaml:"transitions,omitempty"`
}

// Terminal reports whether the step ends the workflow.
func (s Step) Terminal() bool { return len(s.Transitions) == 0 }

// Transition is one edge out of a step. Exactly one of Inputs, Choice or
// FreeText selects how it matches input.
type Transition struct {
	// Inputs are the accepted synonyms, compared after normalization.
	Inputs []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// Choice names a payload key holding a list of options. The input matches
	// by 1-based index or by option label.
	Choice string `json:"choice,omitempty" yaml:"choice,omitempty"`

	// FreeText accepts any input within the length bounds.
	FreeText  bool `json:"free_text,omitempty" yaml:"free_text,omitempty"`
	MinLength int  `json:"min_length,omitempty" yaml:"min_length,omitempty"`
	MaxLength int  `json:"max_length,omitempty" yaml:"max_length,omitempty"`

	// Capture stores the matched free text or choice option under this key.
	Capture string `json:"capture,omitempty" yaml:"capture,omitempty"`

	// When guards the transition: every key must equal the payload value.
	When map[string]string `json:"when,omitempty" yaml:"when,omitempty"`

	Set   map[string]any `json:"set,omitempty" yaml:"set,omitempty"`
	Clear []string       `json:"clear,omitempty" yaml:"clear,omitempty"`

	// Effect names a side effect the caller runs after the transition.
	Effect string `json:"effect,omitempty" yaml:"effect,omitempty"`

	To string `json:"to" yaml:"to"`
}

func (t Transition) kind() string {
	switch {
	case t.Choice != "":
		return "choice"
	case t.FreeText:
		return "free_text"
	default:
		return "inputs"
	}
}

// guardMatches reports whether payload satisfies the transition guard.
func (t Transition) guardMatches(payload domain.Payload) bool {
	for key, want := range t.When {
		if payload.String(key) != want {
			return false
		}
	}
	return true
}

// exclusiveWith reports whether the two guards can never hold at the same time.
func (t Transition) exclusiveWith(other Transition) bool {
	for key, want := range t.When {
		if got, ok := other.When[key]; ok && got != want {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the transition.
func (t Transition) Clone() Transition {
	clone := t
	clone.Inputs = slices.Clone(t.Inputs)
	clone.Clear = slices.Clone(t.Clear)
	clone.When = maps.Clone(t.When)
	clone.Set = maps.Clone(t.Set)
	return clone
}

// Clone returns a deep copy of the definition.
func (d Definition) Clone() Definition {
	clone := d
	clone.Global = cloneTransitions(d.Global)
	clone.Steps = make([]Step, len(d.Steps))
	for i, step := range d.Steps {
		step.Transitions = cloneTransitions(step.Transitions)
		clone.Steps[i] = step
	}
	return clone
}

// StepNames returns the declared step names in declaration order.
func (d Definition) StepNames() []string {
	names := make([]string, 0, len(d.Steps))
	for _, s := range d.Steps {
		names = append(names, s.Name)
	}
	return names
}

func cloneTransitions(in []Transition) []Transition {
	if len(in) == 0 {
		return nil
	}
	out := make([]Transition, len(in))
	for i, t := range in {
		out[i] = t.Clone()
	}
	return out
}
