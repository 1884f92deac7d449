package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/finagent-ai/finagent/registry"
)

// entry pairs a Tool with the repository that produced it, so the
// registry can answer "who owns this tool" and support repository
// removal/rediscovery.
type entry struct {
	tool       Tool
	repository Repository
}

// RegistryError is the component-local error type for Tool Registry
// operations.
type RegistryError struct {
	Operation string
	Message   string
	Err       error
}

func (e *RegistryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tools:%s: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("tools:%s: %s", e.Operation, e.Message)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// ToolRegistry centralizes access across every registered Repository.
type ToolRegistry struct {
	base *registry.BaseRegistry[entry]
	mu   sync.RWMutex
	reps map[string]Repository
}

// NewToolRegistry builds an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		base: registry.NewBaseRegistry[entry](),
		reps: make(map[string]Repository),
	}
}

// RegisterRepository discovers a repository's tools and adds them to the
// registry. A tool name already present from a different repository is
// kept (first registration wins) and reported back to the caller so
// config validation can surface the conflict.
func (r *ToolRegistry) RegisterRepository(ctx context.Context, repo Repository) ([]string, error) {
	name := repo.Name()
	if name == "" {
		return nil, &RegistryError{Operation: "RegisterRepository", Message: "repository name must not be empty"}
	}
	if err := repo.DiscoverTools(ctx); err != nil {
		return nil, &RegistryError{Operation: "RegisterRepository", Message: fmt.Sprintf("discover tools from %q", name), Err: err}
	}

	r.mu.Lock()
	r.reps[name] = repo
	r.mu.Unlock()

	var conflicts []string
	for _, desc := range repo.ListTools() {
		tool, ok := repo.GetTool(desc.Name)
		if !ok {
			continue
		}
		if _, exists := r.base.Get(desc.Name); exists {
			conflicts = append(conflicts, desc.Name)
			continue
		}
		if err := r.base.Register(desc.Name, entry{tool: tool, repository: repo}); err != nil {
			return conflicts, &RegistryError{Operation: "RegisterRepository", Message: fmt.Sprintf("register tool %q", desc.Name), Err: err}
		}
	}
	return conflicts, nil
}

// DiscoverAllTools refreshes every registered repository, rebuilding the
// tool index from scratch.
func (r *ToolRegistry) DiscoverAllTools(ctx context.Context) error {
	r.mu.RLock()
	reps := make([]Repository, 0, len(r.reps))
	for _, repo := range r.reps {
		reps = append(reps, repo)
	}
	r.mu.RUnlock()

	r.base.Clear()
	for _, repo := range reps {
		if _, err := r.RegisterRepository(ctx, repo); err != nil {
			return err
		}
	}
	return nil
}

// GetTool retrieves a tool by name.
func (r *ToolRegistry) GetTool(name string) (Tool, bool) {
	e, ok := r.base.Get(name)
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// ListTools returns every registered tool's descriptor, sorted by name
// for deterministic prompt construction in the Tool Executor.
func (r *ToolRegistry) ListTools() []Descriptor {
	entries := r.base.List()
	out := make([]Descriptor, 0, len(entries))
	for _, e := range entries {
		out = append(out, Descriptor{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			ArgsSchema:  e.tool.ArgsSchema(),
			Source:      e.repository.Name(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke looks up a tool by name and invokes it. Returns a *RegistryError
// wrapping "unknown tool" if the name is not registered — the caller
// (Tool Executor) treats this as a failed call, not a fatal error.
func (r *ToolRegistry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	tool, ok := r.GetTool(name)
	if !ok {
		return nil, &RegistryError{Operation: "Invoke", Message: fmt.Sprintf("unknown tool %q", name)}
	}
	return tool.Invoke(ctx, args)
}

// RemoveRepository unregisters a repository and every tool it owns.
func (r *ToolRegistry) RemoveRepository(name string) {
	r.mu.Lock()
	delete(r.reps, name)
	r.mu.Unlock()

	for _, e := range r.base.List() {
		if e.repository.Name() == name {
			_ = r.base.Remove(e.tool.Name())
		}
	}
}
