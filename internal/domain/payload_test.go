package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPayload_ZeroValue(t *testing.T) {
	var p Payload
	assert.True(t, p.IsEmpty())
	assert.Equal(t, 0, p.Len())
	assert.Empty(t, p.Keys())
	assert.Equal(t, "", p.String("missing"))

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))
}

func TestPayload_CopyOnWrite(t *testing.T) {
	src := map[string]any{"content": "hello"}
	p := NewPayload(src)
	src["content"] = "mutated"
	assert.Equal(t, "hello", p.String("content"), "constructor copies input")

	q := p.With("channel", "general")
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 2, q.Len())

	r := q.Without("content")
	assert.Equal(t, []string{"channel"}, r.Keys())
	assert.Equal(t, 2, q.Len())

	m := q.ToMap()
	m["content"] = "changed"
	assert.Equal(t, "hello", q.String("content"), "ToMap returns a copy")
}

func TestPayload_WithNilRemoves(t *testing.T) {
	p := NewPayload(map[string]any{"a": "1", "b": "2"})
	assert.Equal(t, []string{"b"}, p.With("a", nil).Keys())
}

func TestPayload_String(t *testing.T) {
	p := NewPayload(map[string]any{
		"s":     "text",
		"float": 42.0,
		"frac":  0.25,
		"int":   7,
		"bool":  true,
	})

	tests := []struct {
		key  string
		want string
	}{
		{"s", "text"},
		{"float", "42"},
		{"frac", "0.25"},
		{"int", "7"},
		{"bool", "true"},
		{"missing", ""},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, p.String(tt.key))
		})
	}
}

func TestPayload_Strings(t *testing.T) {
	p := NewPayload(map[string]any{
		"native":  []string{"a", "b"},
		"decoded": []any{"c", 1.0},
		"scalar":  "x",
	})
	assert.Equal(t, []string{"a", "b"}, p.Strings("native"))
	assert.Equal(t, []string{"c", "1"}, p.Strings("decoded"))
	assert.Nil(t, p.Strings("scalar"))
	assert.Nil(t, p.Strings("missing"))
}

func TestPayload_Apply(t *testing.T) {
	base := NewPayload(map[string]any{"content": "old", "instruction": "shorter", "notes": "n"})

	tests := []struct {
		name  string
		patch Patch
		want  map[string]any
	}{
		{
			name:  "empty patch",
			patch: Patch{},
			want:  map[string]any{"content": "old", "instruction": "shorter", "notes": "n"},
		},
		{
			name:  "set and clear",
			patch: Patch{Set: map[string]any{"content": "new"}, Clear: []string{"instruction"}},
			want:  map[string]any{"content": "new", "notes": "n"},
		},
		{
			name:  "clear then set same key",
			patch: Patch{Set: map[string]any{"notes": "fresh"}, Clear: []string{"notes"}},
			want:  map[string]any{"content": "old", "instruction": "shorter", "notes": "fresh"},
		},
		{
			name:  "nil set value deletes",
			patch: Patch{Set: map[string]any{"notes": nil}},
			want:  map[string]any{"content": "old", "instruction": "shorter"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := base.Apply(tt.patch)
			assert.Equal(t, tt.want, got.ToMap())
			assert.Equal(t, 3, base.Len(), "receiver is unchanged")
		})
	}
}

func TestPatch_Merge(t *testing.T) {
	a := Patch{Set: map[string]any{"x": "1", "y": "2"}, Clear: []string{"z"}}
	b := Patch{Set: map[string]any{"x": "3"}, Clear: []string{"y"}}

	merged := a.Merge(b)
	assert.Equal(t, map[string]any{"x": "3"}, merged.Set)
	assert.Equal(t, []string{"z", "y"}, merged.Clear)
	assert.Equal(t, a, a.Merge(Patch{}))
	assert.True(t, Patch{}.IsEmpty())
}

func TestPayload_JSON(t *testing.T) {
	p := NewPayload(map[string]any{"question": "Q?", "choices": []string{"a", "b"}})

	data, err := json.Marshal(p)
	require.NoError(t, err)

	var decoded Payload
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "Q?", decoded.String("question"))
	assert.Equal(t, []string{"a", "b"}, decoded.Strings("choices"))

	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &decoded))
}
