package catalog

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ahrav/go-parley/internal/engine"
)

// ParseDefinitionYAML decodes a workflow definition from YAML bytes.
// Unknown fields are rejected so a typo in a synonym list fails loudly.
func ParseDefinitionYAML(data []byte) (engine.Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return engine.Definition{}, fmt.Errorf("catalog: definition payload is empty")
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def engine.Definition
	if err := dec.Decode(&def); err != nil {
		return engine.Definition{}, fmt.Errorf("catalog: decode definition: %w", err)
	}
	return normalized(def), nil
}

// LoadDefinitionReader reads a workflow definition from r.
func LoadDefinitionReader(r io.Reader) (engine.Definition, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return engine.Definition{}, fmt.Errorf("catalog: read definition: %w", err)
	}
	return ParseDefinitionYAML(content)
}

// LoadDefinitions decodes every *.yaml and *.yml file at the root of fsys,
// in lexical order.
func LoadDefinitions(fsys fs.FS) ([]engine.Definition, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("catalog: list definitions: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch path.Ext(e.Name()) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make([]engine.Definition, 0, len(names))
	for _, name := range names {
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("catalog: read %s: %w", name, err)
		}
		def, err := ParseDefinitionYAML(content)
		if err != nil {
			return nil, fmt.Errorf("catalog: %s: %w", name, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// normalized trims prompts so block scalars don't leave trailing newlines in
// rendered messages.
func normalized(def engine.Definition) engine.Definition {
	def = def.Clone()
	def.Description = strings.TrimSpace(def.Description)
	for i := range def.Steps {
		def.Steps[i].Name = strings.TrimSpace(def.Steps[i].Name)
		def.Steps[i].Prompt = strings.TrimRight(def.Steps[i].Prompt, "\n")
		def.Steps[i].Invalid = strings.TrimSpace(def.Steps[i].Invalid)
	}
	return def
}
