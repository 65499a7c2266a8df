package engine

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/ahrav/go-parley/internal/domain"
)

// funcMap is shared by every step template: sprig's text functions plus a few
// helpers for chat formatting.
var funcMap = func() template.FuncMap {
	fm := sprig.TxtFuncMap()
	fm["numbered"] = numbered
	fm["blockquote"] = blockquote
	return fm
}()

func newTemplate(name string) *template.Template {
	return template.New(name).Option("missingkey=zero").Funcs(funcMap)
}

// Render executes the prompt of step against payload. This is the only path
// that produces prompt text; restoration reuses it so a resumed session sees
// exactly what it saw before the restart.
func (w *Workflow) Render(step string, payload domain.Payload) (string, error) {
	cs, ok := w.steps[step]
	if !ok {
		return "", fmt.Errorf("workflow %q: step %q: %w", w.def.Type, step, domain.ErrSessionNotFound)
	}
	out, err := execute(cs.prompt, payload)
	if err != nil {
		return "", fmt.Errorf("workflow %q: render %q: %w", w.def.Type, step, err)
	}
	return out, nil
}

func execute(tmpl *template.Template, payload domain.Payload) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, payload.ToMap()); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// numbered formats a list as "1. a" lines.
func numbered(items any) string {
	var list []string
	switch t := items.(type) {
	case []string:
		list = t
	case []any:
		for _, item := range t {
			list = append(list, fmt.Sprint(item))
		}
	default:
		return ""
	}
	var b strings.Builder
	for i, item := range list {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, item)
	}
	return b.String()
}

// blockquote prefixes every line with "> ".
func blockquote(text any) string {
	s := fmt.Sprint(text)
	if text == nil || s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n")
}
