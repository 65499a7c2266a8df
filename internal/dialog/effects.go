package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"

	"github.com/ahrav/go-parley/internal/domain"
	"github.com/ahrav/go-parley/internal/engine"
	"github.com/ahrav/go-parley/internal/llm"
)

// Effect names referenced by workflow definitions.
const (
	EffectLLMAmend         = "llm.amend"
	EffectLLMRegenerate    = "llm.regenerate"
	EffectAnnouncementPost = "announcement.post"
	EffectTriviaSubmit     = "trivia.submit"
	EffectArtifactFinalize = "artifact.finalize"
	EffectGameRevalidate   = "game.revalidate"
)

// EffectContext is what an effect sees: the session before the transition,
// the engine result and the payload with the transition patch applied.
type EffectContext struct {
	Session domain.ConversationSession
	Result  engine.StepResult
	Payload domain.Payload
	Now     time.Time
}

// EffectFunc runs a side effect for a transition and may return a further
// payload change. A *domain.ValidationError keeps the session on its step and
// shows the message to the user; any other error shows a neutral message.
type EffectFunc func(ctx context.Context, ec EffectContext) (domain.Patch, error)

// Effects maps effect names to implementations.
type Effects map[string]EffectFunc

// EffectDeps are the collaborators of the built-in effects.
type EffectDeps struct {
	Gateway   llm.Gateway
	Transport Transport
	Finalizer Finalizer
	Matcher   GameMatcher
}

// BuiltinEffects returns the effects used by the built-in workflows.
func BuiltinEffects(deps EffectDeps) Effects {
	return Effects{
		EffectLLMAmend:         amendEffect(deps.Gateway),
		EffectLLMRegenerate:    regenerateEffect(deps.Gateway),
		EffectAnnouncementPost: postEffect(deps.Transport),
		EffectTriviaSubmit:     finalizeEffect(deps.Finalizer),
		EffectArtifactFinalize: finalizeEffect(deps.Finalizer),
		EffectGameRevalidate:   revalidateEffect(deps.Matcher),
	}
}

const (
	msgAssistantUnavailable = "The writing assistant is unavailable right now, so the text was not changed. Please try again in a moment."
	msgPostFailed           = "I couldn't post the announcement just now. Nothing was posted; please try again."
)

var promptFuncs = sprig.TxtFuncMap()

var (
	amendSystem = "You edit community announcements for a chat server. " +
		"Apply the requested change and reply with the full revised announcement only, no commentary."
	amendUser = template.Must(template.New("amend").Funcs(promptFuncs).Parse(
		`Announcement:
{{ .content | default "" | trim }}

Requested change:
{{ .instruction | default "" | trim }}`))

	regenerateSystem = "You write the weekly announcement for a gaming community chat server. " +
		"Reply with the announcement text only, friendly and under 1800 characters."
	regenerateUser = template.Must(template.New("regenerate").Funcs(promptFuncs).Parse(
		`{{- if .brief }}Source material:
{{ .brief | default "" | trim }}
{{ else }}Write a fresh version of this announcement, keeping its facts:
{{ .content | default "" | trim }}
{{ end -}}`))
)

func renderPrompt(tmpl *template.Template, payload domain.Payload) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, payload.ToMap()); err != nil {
		return "", err
	}
	return b.String(), nil
}

// amendEffect rewrites content following the captured instruction. On any
// gateway failure the content stays as it was.
func amendEffect(gw llm.Gateway) EffectFunc {
	return func(ctx context.Context, ec EffectContext) (domain.Patch, error) {
		user, err := renderPrompt(amendUser, ec.Payload)
		if err != nil {
			return domain.Patch{}, fmt.Errorf("render amend prompt: %w", err)
		}
		text, err := gw.Request(ctx, llm.Prompt{System: amendSystem, User: user})
		if err != nil {
			return domain.Patch{}, errors.Join(domain.NewValidationError(ec.Result.Step, msgAssistantUnavailable), err)
		}
		return domain.Patch{Set: map[string]any{"content": text}, Clear: []string{"instruction"}}, nil
	}
}

func regenerateEffect(gw llm.Gateway) EffectFunc {
	return func(ctx context.Context, ec EffectContext) (domain.Patch, error) {
		user, err := renderPrompt(regenerateUser, ec.Payload)
		if err != nil {
			return domain.Patch{}, fmt.Errorf("render regenerate prompt: %w", err)
		}
		text, err := gw.Request(ctx, llm.Prompt{System: regenerateSystem, User: user})
		if err != nil {
			return domain.Patch{}, errors.Join(domain.NewValidationError(ec.Result.Step, msgAssistantUnavailable), err)
		}
		return domain.Patch{Set: map[string]any{"content": text}}, nil
	}
}

// postEffect publishes content to the selected channel. A payload that
// already carries posted_message_id was posted by an earlier attempt whose
// state write failed, so it is not posted again.
func postEffect(tr Transport) EffectFunc {
	return func(ctx context.Context, ec EffectContext) (domain.Patch, error) {
		if ec.Payload.String("posted_message_id") != "" {
			return domain.Patch{}, nil
		}
		channelID := resolveChannel(ec.Payload)
		if channelID == "" {
			return domain.Patch{}, domain.NewValidationError(ec.Result.Step, "No channel is selected for this announcement.")
		}
		id, err := tr.Send(ctx, channelID, ec.Payload.String("content"))
		if err != nil {
			return domain.Patch{}, errors.Join(domain.NewValidationError(ec.Result.Step, msgPostFailed), err)
		}
		return domain.Patch{Set: map[string]any{"posted_message_id": id, "posted_channel_id": channelID}}, nil
	}
}

// resolveChannel maps the selected channel label to an id through the
// optional channel_ids payload map; without it the label is the id.
func resolveChannel(p domain.Payload) string {
	channel := p.String("channel")
	if raw, ok := p.Get("channel_ids"); ok {
		switch ids := raw.(type) {
		case map[string]any:
			if id, ok := ids[channel].(string); ok {
				return id
			}
		case map[string]string:
			if id, ok := ids[channel]; ok {
				return id
			}
		}
	}
	return channel
}

// finalizeEffect hands the artifact to f once per decision. The markers it
// returns survive a failed durable write, so retrying the same transition
// skips the Finalizer.
func finalizeEffect(f Finalizer) EffectFunc {
	return func(ctx context.Context, ec EffectContext) (domain.Patch, error) {
		if ec.Payload.String("finalized_at") != "" && ec.Payload.String("finalized_step") == ec.Result.Next {
			return domain.Patch{}, nil
		}
		artifact, err := json.Marshal(ec.Payload)
		if err != nil {
			return domain.Patch{}, fmt.Errorf("encode artifact: %w", err)
		}
		err = f.Finalize(ctx, Finalization{
			SessionID: ec.Session.ID,
			UserID:    ec.Session.UserID,
			Workflow:  ec.Session.WorkflowType,
			Step:      ec.Result.Next,
			Status:    ec.Result.Status,
			Payload:   ec.Payload,
			Artifact:  artifact,
			DecidedAt: ec.Now,
		})
		if err != nil {
			return domain.Patch{}, err
		}
		return domain.Patch{Set: map[string]any{
			"finalized_at":   ec.Now.UTC().Format(time.RFC3339Nano),
			"finalized_step": ec.Result.Next,
		}}, nil
	}
}

func revalidateEffect(m GameMatcher) EffectFunc {
	return func(ctx context.Context, ec EffectContext) (domain.Patch, error) {
		title := ec.Payload.String("correction")
		match, err := m.Lookup(ctx, title)
		if errors.Is(err, ErrNoMatch) {
			return domain.Patch{}, domain.NewValidationError(ec.Result.Step,
				fmt.Sprintf("I couldn't find a game called %q. Try another title.", title))
		}
		if err != nil {
			return domain.Patch{}, err
		}
		return domain.Patch{Set: map[string]any{
			"candidate_id":    match.ID,
			"candidate_title": match.Title,
			"confidence":      match.Confidence,
		}}, nil
	}
}

// noMatcher stands in when the host has no game catalog.
type noMatcher struct{}

func (noMatcher) Lookup(context.Context, string) (Match, error) { return Match{}, ErrNoMatch }
