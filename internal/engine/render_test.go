package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/go-parley/internal/domain"
)

func TestNumbered(t *testing.T) {
	tests := []struct {
		name  string
		items any
		want  string
	}{
		{"strings", []string{"a", "b"}, "1. a\n2. b"},
		{"decoded json", []any{"x", 2.0}, "1. x\n2. 2"},
		{"empty", []string{}, ""},
		{"unsupported", 42, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, numbered(tt.items))
		})
	}
}

func TestBlockquote(t *testing.T) {
	assert.Equal(t, "> one\n> two", blockquote("one\ntwo"))
	assert.Equal(t, "", blockquote(nil))
	assert.Equal(t, "", blockquote(""))
}

func TestWorkflow_Render(t *testing.T) {
	def := Definition{
		Type:    "test_render",
		TTL:     time.Hour,
		Initial: "preview",
		Steps: []Step{
			{
				Name: "preview",
				Prompt: `**Preview** for {{ .channel | default "?" }}
{{ blockquote .content }}
{{- with .notes }}
Notes: {{ . }}
{{- end }}
1. post
2. cancel`,
				Transitions: []Transition{{Inputs: []string{"1", "2"}, To: "done"}},
			},
			{Name: "done", Prompt: "Done."},
		},
	}
	wf := mustCompile(t, def)

	t.Run("optional fields omitted", func(t *testing.T) {
		out, err := wf.Render("preview", domain.NewPayload(map[string]any{"content": "Hello\nWorld"}))
		require.NoError(t, err)
		assert.Equal(t, "**Preview** for ?\n> Hello\n> World\n1. post\n2. cancel", out)
	})

	t.Run("optional fields present", func(t *testing.T) {
		out, err := wf.Render("preview", domain.NewPayload(map[string]any{
			"channel": "news",
			"content": "Hi",
			"notes":   "bring snacks",
		}))
		require.NoError(t, err)
		assert.Equal(t, "**Preview** for news\n> Hi\nNotes: bring snacks\n1. post\n2. cancel", out)
	})

	t.Run("same payload renders the same text", func(t *testing.T) {
		payload := domain.NewPayload(map[string]any{"content": "x"})
		first, err := wf.Render("preview", payload)
		require.NoError(t, err)
		second, err := wf.Render("preview", payload)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("unknown step", func(t *testing.T) {
		_, err := wf.Render("nope", domain.Payload{})
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("reprompt joins message and prompt", func(t *testing.T) {
		out, err := wf.Reprompt("done", "Try again.", domain.Payload{})
		require.NoError(t, err)
		assert.Equal(t, "Try again.\n\nDone.", out)

		out, err = wf.Reprompt("done", "", domain.Payload{})
		require.NoError(t, err)
		assert.Equal(t, "Done.", out)
	})
}
