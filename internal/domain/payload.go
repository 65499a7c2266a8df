package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
)

// Payload is the opaque structured data a conversation carries between steps.
// It has copy-on-write semantics: the underlying map is never mutated after
// construction and every write returns a new Payload. The zero value is an
// empty payload ready for use.
//
// Values are restricted to what survives a JSON round trip (strings, numbers,
// bools, slices and maps) because durable sessions persist the payload as JSON.
type Payload struct {
	m map[string]any
}

// NewPayload creates a payload from initial data.
// Input data is copied to preserve immutability.
func NewPayload(data map[string]any) Payload {
	if len(data) == 0 {
		return Payload{}
	}
	copied := make(map[string]any, len(data))
	maps.Copy(copied, data)
	return Payload{m: copied}
}

// Get retrieves a value by key.
func (p Payload) Get(key string) (any, bool) {
	v, ok := p.m[key]
	return v, ok
}

// String returns the value for key formatted as a string.
// Missing keys yield the empty string.
func (p Payload) String(key string) string {
	v, ok := p.m[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// Strings returns the value for key as a string slice. Slices decoded from
// JSON arrive as []any and are converted element by element.
func (p Payload) Strings(key string) []string {
	switch t := p.m[key].(type) {
	case []string:
		return slices.Clone(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out
	default:
		return nil
	}
}

// With returns a new payload with key set to value.
// A nil value removes the key.
func (p Payload) With(key string, value any) Payload {
	if value == nil {
		return p.Without(key)
	}
	next := make(map[string]any, len(p.m)+1)
	maps.Copy(next, p.m)
	next[key] = value
	return Payload{m: next}
}

// Without returns a new payload without the given keys.
func (p Payload) Without(keys ...string) Payload {
	next := make(map[string]any, len(p.m))
	maps.Copy(next, p.m)
	for _, k := range keys {
		delete(next, k)
	}
	return Payload{m: next}
}

// Apply returns a new payload with the patch merged in. Cleared keys are
// removed before Set values are written, so a patch may clear and re-set a key.
func (p Payload) Apply(patch Patch) Payload {
	if patch.IsEmpty() {
		return p
	}
	next := make(map[string]any, len(p.m)+len(patch.Set))
	maps.Copy(next, p.m)
	for _, k := range patch.Clear {
		delete(next, k)
	}
	for k, v := range patch.Set {
		if v == nil {
			delete(next, k)
			continue
		}
		next[k] = v
	}
	return Payload{m: next}
}

// Keys returns all keys in sorted order.
func (p Payload) Keys() []string {
	return slices.Sorted(maps.Keys(p.m))
}

// Len returns the number of key-value pairs.
func (p Payload) Len() int { return len(p.m) }

// IsEmpty reports whether the payload contains no data.
func (p Payload) IsEmpty() bool { return len(p.m) == 0 }

// ToMap returns a copy of the payload data as a regular map.
// Modifications to the returned map don't affect the payload.
func (p Payload) ToMap() map[string]any {
	out := make(map[string]any, len(p.m))
	maps.Copy(out, p.m)
	return out
}

// MarshalJSON encodes the payload as a JSON object.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.m)
}

// UnmarshalJSON decodes a JSON object into the payload.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	p.m = m
	return nil
}

// Patch is the payload change produced by a single step transition.
type Patch struct {
	Set   map[string]any `json:"set,omitempty"`
	Clear []string       `json:"clear,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool { return len(p.Set) == 0 && len(p.Clear) == 0 }

// Merge combines two patches; values in other win.
func (p Patch) Merge(other Patch) Patch {
	if other.IsEmpty() {
		return p
	}
	out := Patch{Set: make(map[string]any, len(p.Set)+len(other.Set))}
	maps.Copy(out.Set, p.Set)
	for _, k := range other.Clear {
		delete(out.Set, k)
	}
	maps.Copy(out.Set, other.Set)
	out.Clear = append(slices.Clone(p.Clear), other.Clear...)
	return out
}
