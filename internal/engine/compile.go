package engine

import (
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/ahrav/go-parley/internal/domain"
)

// ConstructionError reports a workflow definition that cannot be registered.
// It is fatal at startup and never produced at runtime.
type ConstructionError struct {
	Workflow domain.WorkflowType
	Problems []string
}

// Error lists every problem found in the definition.
func (e *ConstructionError) Error() string {
	return fmt.Sprintf("workflow %q: invalid definition: %s", e.Workflow, strings.Join(e.Problems, "; "))
}

// Workflow is a compiled, immutable definition. It is safe for concurrent use.
type Workflow struct {
	def   Definition
	order []string
	steps map[string]*compiledStep
}

type compiledStep struct {
	Step
	transitions []Transition // step transitions followed by globals, inputs normalized
	prompt      *template.Template
	invalid     *template.Template
}

// Compile validates def and prepares it for execution. Every problem is
// collected into a single *ConstructionError.
func Compile(def Definition) (*Workflow, error) {
	def = def.Clone()
	c := &compiler{def: def}
	wf := c.compile()
	if len(c.problems) > 0 {
		return nil, &ConstructionError{Workflow: def.Type, Problems: c.problems}
	}
	return wf, nil
}

type compiler struct {
	def      Definition
	problems []string
}

func (c *compiler) fail(format string, args ...any) {
	c.problems = append(c.problems, fmt.Sprintf(format, args...))
}

func (c *compiler) compile() *Workflow {
	def := c.def
	if def.Type == "" {
		c.fail("type is required")
	}
	if def.TTL <= 0 {
		c.fail("ttl must be positive")
	}
	if len(def.Steps) == 0 {
		c.fail("at least one step is required")
		return nil
	}

	declared := make(map[string]struct{}, len(def.Steps))
	for i, step := range def.Steps {
		if step.Name == "" {
			c.fail("step[%d]: name is required", i)
			continue
		}
		if _, dup := declared[step.Name]; dup {
			c.fail("step %q declared twice", step.Name)
		}
		declared[step.Name] = struct{}{}
	}
	if _, ok := declared[def.Initial]; !ok {
		c.fail("initial step %q is not declared", def.Initial)
	}

	globals := make([]Transition, 0, len(def.Global))
	for i, t := range def.Global {
		globals = append(globals, c.transition(fmt.Sprintf("global[%d]", i), t, declared))
	}

	wf := &Workflow{def: def, steps: make(map[string]*compiledStep, len(def.Steps))}
	for _, step := range def.Steps {
		if step.Name == "" {
			continue
		}
		cs := &compiledStep{Step: step}
		for i, t := range step.Transitions {
			cs.transitions = append(cs.transitions, c.transition(fmt.Sprintf("step %q transition[%d]", step.Name, i), t, declared))
		}
		if !step.Terminal() && !step.NoGlobal {
			cs.transitions = append(cs.transitions, cloneTransitions(globals)...)
		}
		c.checkStatus(step)
		c.checkAmbiguity(step.Name, cs.transitions)

		if strings.TrimSpace(step.Prompt) == "" {
			c.fail("step %q: prompt is required", step.Name)
		}
		cs.prompt = c.parse(step.Name+".prompt", step.Prompt)
		if step.Invalid != "" {
			cs.invalid = c.parse(step.Name+".invalid", step.Invalid)
		}
		wf.steps[step.Name] = cs
		wf.order = append(wf.order, step.Name)
	}
	c.checkReachable(wf)
	return wf
}

// transition validates one edge and returns it with normalized inputs.
func (c *compiler) transition(where string, t Transition, declared map[string]struct{}) Transition {
	t = t.Clone()
	if _, ok := declared[t.To]; !ok {
		c.fail("%s: target %q is not a declared step", where, t.To)
	}

	selectors := 0
	if len(t.Inputs) > 0 {
		selectors++
	}
	if t.Choice != "" {
		selectors++
	}
	if t.FreeText {
		selectors++
	}
	if selectors != 1 {
		c.fail("%s: exactly one of inputs, choice or free_text is required", where)
	}

	for i, in := range t.Inputs {
		norm := Normalize(in)
		if norm == "" {
			c.fail("%s: input[%d] is blank", where, i)
		}
		t.Inputs[i] = norm
	}
	if (t.FreeText || t.Choice != "") && t.Capture == "" {
		c.fail("%s: %s transitions must declare capture", where, t.kind())
	}
	if t.MinLength < 0 || t.MaxLength < 0 {
		c.fail("%s: length bounds must not be negative", where)
	}
	if t.MaxLength > 0 && t.MinLength > t.MaxLength {
		c.fail("%s: min_length exceeds max_length", where)
	}
	return t
}

func (c *compiler) checkStatus(step Step) {
	if step.Status == "" {
		return
	}
	if !step.Terminal() {
		c.fail("step %q: only terminal steps may declare a status", step.Name)
		return
	}
	if !step.Status.IsTerminal() {
		c.fail("step %q: status %q is not a final status", step.Name, step.Status)
	}
}

// checkAmbiguity enforces that any input selects at most one transition.
// Overlapping transitions are only allowed when their guards are exclusive.
func (c *compiler) checkAmbiguity(step string, ts []Transition) {
	for i := range ts {
		for j := i + 1; j < len(ts); j++ {
			a, b := ts[i], ts[j]
			if a.exclusiveWith(b) {
				continue
			}
			switch {
			case a.kind() == "inputs" && b.kind() == "inputs":
				for _, in := range a.Inputs {
					if containsToken(b.Inputs, in) {
						c.fail("step %q: input %q is accepted by more than one transition", step, in)
					}
				}
			case a.kind() == b.kind():
				c.fail("step %q: more than one %s transition", step, a.kind())
			case a.kind() == "choice" && b.kind() == "inputs":
				c.checkNumeric(step, b)
			case a.kind() == "inputs" && b.kind() == "choice":
				c.checkNumeric(step, a)
			}
		}
	}
}

func (c *compiler) checkNumeric(step string, t Transition) {
	for _, in := range t.Inputs {
		if _, err := strconv.Atoi(in); err == nil {
			c.fail("step %q: numeric input %q collides with choice indexes", step, in)
		}
	}
}

// checkReachable reports steps that no path from the initial step can reach.
func (c *compiler) checkReachable(wf *Workflow) {
	start, ok := wf.steps[wf.def.Initial]
	if !ok {
		return
	}
	seen := map[string]bool{start.Name: true}
	queue := []*compiledStep{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, t := range cur.transitions {
			next, ok := wf.steps[t.To]
			if !ok || seen[next.Name] {
				continue
			}
			seen[next.Name] = true
			queue = append(queue, next)
		}
	}
	for _, name := range wf.order {
		if !seen[name] {
			c.fail("step %q is unreachable from %q", name, wf.def.Initial)
		}
	}
}

func (c *compiler) parse(name, text string) *template.Template {
	tmpl, err := newTemplate(name).Parse(text)
	if err != nil {
		c.fail("template %s: %v", name, err)
		return nil
	}
	return tmpl
}

func containsToken(tokens []string, token string) bool {
	for _, t := range tokens {
		if t == token {
			return true
		}
	}
	return false
}

// Type returns the workflow type tag.
func (w *Workflow) Type() domain.WorkflowType { return w.def.Type }

// Durable reports whether sessions of this workflow are persisted.
func (w *Workflow) Durable() bool { return w.def.Durable }

// TTL returns the idle timeout of sessions of this workflow.
func (w *Workflow) TTL() time.Duration { return w.def.TTL }

// Initial returns the entry step.
func (w *Workflow) Initial() string { return w.def.Initial }

// Steps returns the step names in declaration order.
func (w *Workflow) Steps() []string {
	out := make([]string, len(w.order))
	copy(out, w.order)
	return out
}

// HasStep reports whether name is a declared step.
func (w *Workflow) HasStep(name string) bool {
	_, ok := w.steps[name]
	return ok
}

// Step returns the declared step with its effective transitions, globals included.
func (w *Workflow) Step(name string) (Step, bool) {
	cs, ok := w.steps[name]
	if !ok {
		return Step{}, false
	}
	step := cs.Step
	step.Transitions = cloneTransitions(cs.transitions)
	return step, true
}

// Effects returns the distinct effect names referenced by the workflow.
func (w *Workflow) Effects() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, name := range w.order {
		for _, t := range w.steps[name].transitions {
			if t.Effect == "" {
				continue
			}
			if _, ok := seen[t.Effect]; ok {
				continue
			}
			seen[t.Effect] = struct{}{}
			out = append(out, t.Effect)
		}
	}
	return out
}

// Definition returns a copy of the source definition.
func (w *Workflow) Definition() Definition { return w.def.Clone() }

// WithTTL returns a copy of the workflow with a different idle timeout.
// Non-positive values keep the declared TTL.
func (w *Workflow) WithTTL(ttl time.Duration) *Workflow {
	if ttl <= 0 || ttl == w.def.TTL {
		return w
	}
	clone := *w
	clone.def.TTL = ttl
	return &clone
}
