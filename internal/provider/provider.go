// Package provider holds the catalog of external providers the broker can
// reach. Each provider manifest declares its actions with a JSON Schema per
// action; parameters failing the schema are rejected before any policy
// evaluation runs.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk YAML description of one provider.
type Manifest struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Command     string           `yaml:"command,omitempty"`
	Actions     []ActionManifest `yaml:"actions"`
}

// ActionManifest declares one action and its parameter schema (raw JSON).
type ActionManifest struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Schema      string `yaml:"schema"`
}

// Action is a compiled, invocable provider action.
type Action struct {
	Provider    string
	Name        string
	Description string
	schema      *jsonschema.Schema
}

// ValidateParams checks call parameters against the action's schema. A nil
// schema means the action accepts any parameters.
func (a *Action) ValidateParams(params map[string]any) error {
	if a.schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	// Re-decode through the validator's reader for json.Number handling.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	if err := a.schema.Validate(doc); err != nil {
		return fmt.Errorf("params do not match schema for %s.%s: %w", a.Provider, a.Name, err)
	}
	return nil
}

// Invoker executes an allowed external call. Implementations live outside
// the policy path; the broker only calls Invoke after every gate has passed.
type Invoker interface {
	Invoke(ctx context.Context, provider, action string, params map[string]any) (result string, err error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, provider, action string, params map[string]any) (string, error)

func (f InvokerFunc) Invoke(ctx context.Context, provider, action string, params map[string]any) (string, error) {
	return f(ctx, provider, action, params)
}

// Registry is the compiled provider catalog. Safe for concurrent reads;
// Load replaces the whole catalog atomically (config hot reload path).
type Registry struct {
	mu       sync.RWMutex
	actions  map[string]*Action // "provider.action" -> compiled action
	commands map[string]string  // provider -> executable
}

func NewRegistry() *Registry {
	return &Registry{
		actions:  make(map[string]*Action),
		commands: make(map[string]string),
	}
}

func actionKey(provider, action string) string {
	return strings.ToLower(provider) + "." + strings.ToLower(action)
}

// LoadDir reads every *.yaml manifest in dir and replaces the catalog. A
// missing directory yields an empty catalog, not an error: a fresh install
// has no providers yet.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.replace(map[string]*Action{}, map[string]string{})
			return nil
		}
		return fmt.Errorf("read provider dir: %w", err)
	}

	next := make(map[string]*Action)
	nextCmds := make(map[string]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read manifest %s: %w", name, err)
		}
		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("parse manifest %s: %w", name, err)
		}
		if err := r.addManifest(next, nextCmds, m); err != nil {
			return fmt.Errorf("manifest %s: %w", name, err)
		}
	}
	r.replace(next, nextCmds)
	return nil
}

// Register compiles and adds a single manifest to the live catalog. Used by
// tests and by built-in providers that have no on-disk manifest.
func (r *Registry) Register(m Manifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addManifest(r.actions, r.commands, m)
}

func (r *Registry) addManifest(into map[string]*Action, cmds map[string]string, m Manifest) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("provider name must not be empty")
	}
	if len(m.Actions) == 0 {
		return fmt.Errorf("provider %s declares no actions", m.Name)
	}
	if cmd := strings.TrimSpace(m.Command); cmd != "" {
		cmds[strings.ToLower(m.Name)] = cmd
	}
	for _, am := range m.Actions {
		if strings.TrimSpace(am.Name) == "" {
			return fmt.Errorf("provider %s has an action with no name", m.Name)
		}
		var schema *jsonschema.Schema
		if strings.TrimSpace(am.Schema) != "" {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(am.Schema))
			if err != nil {
				return fmt.Errorf("action %s.%s schema: %w", m.Name, am.Name, err)
			}
			c := jsonschema.NewCompiler()
			resource := actionKey(m.Name, am.Name) + ".schema.json"
			if err := c.AddResource(resource, doc); err != nil {
				return fmt.Errorf("action %s.%s schema resource: %w", m.Name, am.Name, err)
			}
			schema, err = c.Compile(resource)
			if err != nil {
				return fmt.Errorf("compile schema for %s.%s: %w", m.Name, am.Name, err)
			}
		}
		into[actionKey(m.Name, am.Name)] = &Action{
			Provider:    strings.ToLower(m.Name),
			Name:        strings.ToLower(am.Name),
			Description: am.Description,
			schema:      schema,
		}
	}
	return nil
}

func (r *Registry) replace(next map[string]*Action, cmds map[string]string) {
	r.mu.Lock()
	r.actions = next
	r.commands = cmds
	r.mu.Unlock()
}

// CommandFor returns the provider's configured executable, if any.
func (r *Registry) CommandFor(providerName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[strings.ToLower(providerName)]
	return cmd, ok
}

// Lookup returns the compiled action, or false if the provider or action is
// unknown to the catalog.
func (r *Registry) Lookup(provider, action string) (*Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[actionKey(provider, action)]
	return a, ok
}

// Actions lists the catalog in stable order, for the status surface.
func (r *Registry) Actions() []*Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.actions))
	for k := range r.actions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Action, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.actions[k])
	}
	return out
}
