package engine

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ahrav/go-parley/internal/domain"
)

// Outcome classifies a StepResult.
type Outcome int

const (
	// OutcomeStay keeps the session on the same step; the input matched nothing.
	OutcomeStay Outcome = iota
	// OutcomeAdvance moves the session to a non-terminal step.
	OutcomeAdvance
	// OutcomeTerminal ends the session.
	OutcomeTerminal
)

// String returns the outcome name used in logs and events.
func (o Outcome) String() string {
	switch o {
	case OutcomeStay:
		return "stay"
	case OutcomeAdvance:
		return "advance"
	case OutcomeTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// DefaultInvalidMessage is used when a step declares no invalid template.
const DefaultInvalidMessage = "Sorry, I didn't understand that. Please reply with one of the options below."

// StepResult is the outcome of applying one input at one step.
type StepResult struct {
	Step     string        // Step the input was applied at.
	Next     string        // Step the session moves to; equals Step on Stay.
	Render   string        // Text to send back to the user.
	Patch    domain.Patch  // Payload change; empty on Stay.
	Terminal bool          // Next is a terminal step.
	Status   domain.Status // Final status when Terminal.
	Effect   string        // Side effect the caller must run, if any.
	Outcome  Outcome

	// Message is the validation message on Stay.
	Message string
}

// Normalize folds input for synonym comparison: trimmed, lower-cased and with
// inner whitespace collapsed.
func Normalize(input string) string {
	return strings.Join(strings.Fields(strings.ToLower(input)), " ")
}

// Apply computes the transition for input at step. It performs no I/O and
// returns the same result for the same arguments. Input that matches no
// transition yields an OutcomeStay result, never an error; the only error is
// an undeclared step, which is a programming error.
func (w *Workflow) Apply(step, input string, payload domain.Payload) (StepResult, error) {
	cs, ok := w.steps[step]
	if !ok {
		return StepResult{}, fmt.Errorf("workflow %q: step %q: %w", w.def.Type, step, domain.ErrSessionNotFound)
	}

	t, patch, reject := cs.match(input, payload)
	if t == nil {
		msg := reject
		if msg == "" {
			msg = w.invalidMessage(cs, payload)
		}
		render, err := w.Reprompt(step, msg, payload)
		if err != nil {
			return StepResult{}, err
		}
		return StepResult{Step: step, Next: step, Render: render, Outcome: OutcomeStay, Message: msg}, nil
	}

	next := w.steps[t.To]
	render, err := w.Render(next.Name, payload.Apply(patch))
	if err != nil {
		return StepResult{}, err
	}
	res := StepResult{
		Step:    step,
		Next:    next.Name,
		Render:  render,
		Patch:   patch,
		Effect:  t.Effect,
		Outcome: OutcomeAdvance,
	}
	if next.Terminal() {
		res.Terminal = true
		res.Status = next.Status
		res.Outcome = OutcomeTerminal
	}
	return res, nil
}

// Reprompt renders message followed by the prompt of step. It is the Stay
// render used both by Apply and by callers whose effects failed.
func (w *Workflow) Reprompt(step, message string, payload domain.Payload) (string, error) {
	prompt, err := w.Render(step, payload)
	if err != nil {
		return "", err
	}
	if message == "" {
		return prompt, nil
	}
	return message + "\n\n" + prompt, nil
}

func (w *Workflow) invalidMessage(cs *compiledStep, payload domain.Payload) string {
	if cs.invalid == nil {
		return DefaultInvalidMessage
	}
	msg, err := execute(cs.invalid, payload)
	if err != nil {
		return DefaultInvalidMessage
	}
	return msg
}

// match selects the transition for input. Synonyms are tried first, then
// choice options, then free text. A non-empty reject explains why free text
// was refused.
func (cs *compiledStep) match(input string, payload domain.Payload) (*Transition, domain.Patch, string) {
	norm := Normalize(input)
	if norm == "" {
		return nil, domain.Patch{}, ""
	}

	for i := range cs.transitions {
		t := &cs.transitions[i]
		if t.kind() == "inputs" && t.guardMatches(payload) && containsToken(t.Inputs, norm) {
			return t, basePatch(t), ""
		}
	}

	for i := range cs.transitions {
		t := &cs.transitions[i]
		if t.kind() != "choice" || !t.guardMatches(payload) {
			continue
		}
		if option, ok := pickOption(payload.Strings(t.Choice), norm); ok {
			patch := basePatch(t)
			patch.Set[t.Capture] = option
			return t, patch, ""
		}
	}

	for i := range cs.transitions {
		t := &cs.transitions[i]
		if t.kind() != "free_text" || !t.guardMatches(payload) {
			continue
		}
		text := strings.TrimSpace(input)
		n := utf8.RuneCountInString(text)
		if t.MinLength > 0 && n < t.MinLength {
			return nil, domain.Patch{}, fmt.Sprintf("That's a bit short. Please use at least %d characters.", t.MinLength)
		}
		if t.MaxLength > 0 && n > t.MaxLength {
			return nil, domain.Patch{}, fmt.Sprintf("That's too long. Please keep it under %d characters.", t.MaxLength)
		}
		patch := basePatch(t)
		patch.Set[t.Capture] = text
		return t, patch, ""
	}
	return nil, domain.Patch{}, ""
}

func basePatch(t *Transition) domain.Patch {
	set := make(map[string]any, len(t.Set)+1)
	for k, v := range t.Set {
		set[k] = v
	}
	var clear []string
	if len(t.Clear) > 0 {
		clear = append(clear, t.Clear...)
	}
	return domain.Patch{Set: set, Clear: clear}
}

// pickOption resolves a normalized input against options by 1-based index or
// by case-insensitive label.
func pickOption(options []string, norm string) (string, bool) {
	if idx, err := strconv.Atoi(norm); err == nil {
		if idx >= 1 && idx <= len(options) {
			return options[idx-1], true
		}
		return "", false
	}
	for _, opt := range options {
		if Normalize(opt) == norm {
			return opt, true
		}
	}
	return "", false
}
