package engine

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-parley/internal/domain"
)

func TestCompile_RejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Definition)
		problem string
	}{
		{
			name:    "missing type",
			mutate:  func(d *Definition) { d.Type = "" },
			problem: "type is required",
		},
		{
			name:    "non-positive ttl",
			mutate:  func(d *Definition) { d.TTL = 0 },
			problem: "ttl must be positive",
		},
		{
			name:    "undeclared initial step",
			mutate:  func(d *Definition) { d.Initial = "start" },
			problem: `initial step "start" is not declared`,
		},
		{
			name:    "transition to undeclared step",
			mutate:  func(d *Definition) { d.Steps[0].Transitions[1].To = "edit" },
			problem: `target "edit" is not a declared step`,
		},
		{
			name:    "global transition to undeclared step",
			mutate:  func(d *Definition) { d.Global[0].To = "gone" },
			problem: `global[0]: target "gone" is not a declared step`,
		},
		{
			name: "duplicate step",
			mutate: func(d *Definition) {
				d.Steps = append(d.Steps, Step{Name: "approved", Prompt: "again"})
			},
			problem: `step "approved" declared twice`,
		},
		{
			name: "ambiguous synonym",
			mutate: func(d *Definition) {
				d.Steps[0].Transitions[2].Inputs = append(d.Steps[0].Transitions[2].Inputs, "Yes")
			},
			problem: `input "yes" is accepted by more than one transition`,
		},
		{
			name: "synonym clashes with global",
			mutate: func(d *Definition) {
				d.Steps[0].Transitions[1].Inputs = append(d.Steps[0].Transitions[1].Inputs, "stop")
			},
			problem: `input "stop" is accepted by more than one transition`,
		},
		{
			name: "two free text transitions",
			mutate: func(d *Definition) {
				d.Steps[1].Transitions = append(d.Steps[1].Transitions,
					Transition{FreeText: true, Capture: "other", To: "approval"})
			},
			problem: "more than one free_text transition",
		},
		{
			name: "choice next to numeric synonym",
			mutate: func(d *Definition) {
				d.Steps[0].Transitions = append(d.Steps[0].Transitions,
					Transition{Choice: "options", Capture: "picked", To: "approval"})
			},
			problem: `numeric input "1" collides with choice indexes`,
		},
		{
			name: "free text without capture",
			mutate: func(d *Definition) {
				d.Steps[1].Transitions[0].Capture = ""
			},
			problem: "free_text transitions must declare capture",
		},
		{
			name: "transition without selector",
			mutate: func(d *Definition) {
				d.Steps[0].Transitions[0].Inputs = nil
			},
			problem: "exactly one of inputs, choice or free_text is required",
		},
		{
			name: "inverted length bounds",
			mutate: func(d *Definition) {
				d.Steps[1].Transitions[0].MinLength = 50
			},
			problem: "min_length exceeds max_length",
		},
		{
			name:    "status on non-terminal step",
			mutate:  func(d *Definition) { d.Steps[0].Status = domain.StatusApproved },
			problem: "only terminal steps may declare a status",
		},
		{
			name:    "pending is not a final status",
			mutate:  func(d *Definition) { d.Steps[2].Status = domain.StatusPending },
			problem: "is not a final status",
		},
		{
			name:    "broken template",
			mutate:  func(d *Definition) { d.Steps[0].Prompt = "{{ .question " },
			problem: "template approval.prompt",
		},
		{
			name:    "empty prompt",
			mutate:  func(d *Definition) { d.Steps[3].Prompt = " " },
			problem: `step "rejected": prompt is required`,
		},
		{
			name: "unreachable step",
			mutate: func(d *Definition) {
				d.Steps = append(d.Steps, Step{Name: "orphan", Prompt: "lost"})
			},
			problem: `step "orphan" is unreachable`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := approvalDefinition()
			tt.mutate(&def)

			wf, err := Compile(def)
			require.Error(t, err)
			assert.Nil(t, wf)

			var cerr *ConstructionError
			require.True(t, errors.As(err, &cerr))
			assert.True(t, containsProblem(cerr.Problems, tt.problem),
				"problems %q should mention %q", cerr.Problems, tt.problem)
		})
	}
}

func TestCompile_AllowsExclusiveGuards(t *testing.T) {
	def := approvalDefinition()
	def.Steps[0].Transitions[1].When = map[string]string{"kind": "single"}
	def.Steps[0].Transitions = append(def.Steps[0].Transitions,
		Transition{Inputs: []string{"2", "modify"}, When: map[string]string{"kind": "multiple"}, To: "modify"})

	_, err := Compile(def)
	require.NoError(t, err)
}

func TestCompile_ReportsEveryProblem(t *testing.T) {
	def := approvalDefinition()
	def.Type = ""
	def.Steps[0].Transitions[0].To = "missing"

	_, err := Compile(def)
	var cerr *ConstructionError
	require.ErrorAs(t, err, &cerr)
	assert.GreaterOrEqual(t, len(cerr.Problems), 2)
	assert.Contains(t, err.Error(), "type is required")
	assert.Contains(t, err.Error(), `target "missing"`)
}

func TestCompile_DoesNotAliasInput(t *testing.T) {
	def := approvalDefinition()
	wf, err := Compile(def)
	require.NoError(t, err)

	def.Steps[0].Transitions[0].Inputs[0] = "mutated"
	def.TTL = time.Second

	res, err := wf.Apply("approval", "1", domain.Payload{})
	require.NoError(t, err)
	assert.Equal(t, "approved", res.Next)
	assert.Equal(t, 15*time.Minute, wf.TTL())
}

func containsProblem(problems []string, want string) bool {
	for _, p := range problems {
		if strings.Contains(p, want) {
			return true
		}
	}
	return false
}
