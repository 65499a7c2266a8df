// Package catalog registers the declarative workflow definitions the bot runs.
// Built-in workflows are embedded YAML step graphs; additional or replacement
// definitions can be loaded from a directory at startup.
package catalog

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/ahrav/go-parley/internal/domain"
	"github.com/ahrav/go-parley/internal/engine"
)

//go:embed workflows/*.yaml
var embeddedWorkflows embed.FS

// Catalog is an immutable registry of compiled workflows keyed by type.
type Catalog struct {
	workflows map[domain.WorkflowType]*engine.Workflow
	order     []domain.WorkflowType
}

// New compiles defs into a catalog. Every construction error is reported;
// a type registered twice is also an error.
func New(defs ...engine.Definition) (*Catalog, error) {
	c := &Catalog{workflows: make(map[domain.WorkflowType]*engine.Workflow, len(defs))}
	var errs []error
	for _, def := range defs {
		wf, err := engine.Compile(def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := c.workflows[wf.Type()]; dup {
			errs = append(errs, &engine.ConstructionError{
				Workflow: wf.Type(),
				Problems: []string{"workflow registered twice"},
			})
			continue
		}
		c.workflows[wf.Type()] = wf
		c.order = append(c.order, wf.Type())
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// Default returns the built-in workflows.
func Default() (*Catalog, error) {
	defs, err := builtinDefinitions()
	if err != nil {
		return nil, err
	}
	return New(defs...)
}

// Load builds a catalog from the definitions found in fsys only.
func Load(fsys fs.FS) (*Catalog, error) {
	defs, err := LoadDefinitions(fsys)
	if err != nil {
		return nil, err
	}
	return New(defs...)
}

// Open returns the built-in workflows overlaid with the definitions in dir.
// A definition in dir replaces the built-in of the same type. An empty dir
// yields Default.
func Open(dir string) (*Catalog, error) {
	defs, err := builtinDefinitions()
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return New(defs...)
	}
	custom, err := LoadDefinitions(os.DirFS(dir))
	if err != nil {
		return nil, err
	}
	return New(overlay(defs, custom)...)
}

func builtinDefinitions() ([]engine.Definition, error) {
	sub, err := fs.Sub(embeddedWorkflows, "workflows")
	if err != nil {
		return nil, fmt.Errorf("catalog: embedded workflows: %w", err)
	}
	return LoadDefinitions(sub)
}

func overlay(base, custom []engine.Definition) []engine.Definition {
	out := make([]engine.Definition, 0, len(base)+len(custom))
	replaced := make(map[domain.WorkflowType]bool, len(custom))
	for _, def := range custom {
		replaced[def.Type] = true
	}
	for _, def := range base {
		if !replaced[def.Type] {
			out = append(out, def)
		}
	}
	return append(out, custom...)
}

// Get returns the workflow registered for t.
func (c *Catalog) Get(t domain.WorkflowType) (*engine.Workflow, error) {
	wf, ok := c.workflows[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownWorkflow, t)
	}
	return wf, nil
}

// Types returns the registered workflow types in registration order.
func (c *Catalog) Types() []domain.WorkflowType {
	out := make([]domain.WorkflowType, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the number of registered workflows.
func (c *Catalog) Len() int { return len(c.order) }

// WithTTLOverrides returns a catalog whose workflows use the given idle
// timeouts. Overrides for unregistered types are an error.
func (c *Catalog) WithTTLOverrides(ttls map[domain.WorkflowType]time.Duration) (*Catalog, error) {
	if len(ttls) == 0 {
		return c, nil
	}
	out := &Catalog{
		workflows: make(map[domain.WorkflowType]*engine.Workflow, len(c.workflows)),
		order:     c.Types(),
	}
	for t, wf := range c.workflows {
		out.workflows[t] = wf
	}
	for t, ttl := range ttls {
		wf, ok := out.workflows[t]
		if !ok {
			return nil, fmt.Errorf("ttl override: %w: %s", domain.ErrUnknownWorkflow, t)
		}
		if ttl <= 0 {
			return nil, fmt.Errorf("ttl override for %s must be positive", t)
		}
		out.workflows[t] = wf.WithTTL(ttl)
	}
	return out, nil
}

// Validate checks that step is declared by the workflow of type t. Durable
// records are checked against this when they are loaded back from storage.
func (c *Catalog) Validate(t domain.WorkflowType, step string) error {
	wf, err := c.Get(t)
	if err != nil {
		return err
	}
	if !wf.HasStep(step) {
		return fmt.Errorf("%w: workflow %s has no step %q", domain.ErrInvalidSession, t, step)
	}
	return nil
}
