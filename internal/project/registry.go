package project

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages the collection of loaded projects
type Registry struct {
	mu       sync.RWMutex
	projects map[string]*Project
}

// NewRegistry creates a new project registry
func NewRegistry(projects map[string]*Project) *Registry {
	return &Registry{
		projects: projects,
	}
}

// Get retrieves a project by name
func (r *Registry) Get(name string) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	project, exists := r.projects[name]
	if !exists {
		return nil, fmt.Errorf("project '%s' not found", name)
	}

	return project, nil
}

// Environment retrieves an environment of a project
func (r *Registry) Environment(projectName, envName string) (*Project, *Environment, error) {
	p, err := r.Get(projectName)
	if err != nil {
		return nil, nil, err
	}

	env, exists := p.Environments[envName]
	if !exists {
		return nil, nil, fmt.Errorf("environment '%s' not found in project '%s' (available: %v)",
			envName, projectName, p.EnvironmentNames())
	}

	return p, env, nil
}

// Default returns the only project, or the named one when several are
// configured.
func (r *Registry) Default(name string) (*Project, error) {
	if name != "" {
		return r.Get(name)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.projects) != 1 {
		return nil, fmt.Errorf("%d projects configured, choose one with --project", len(r.projects))
	}
	for _, p := range r.projects {
		return p, nil
	}
	return nil, nil
}

// List returns all project names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.projects))
	for name := range r.projects {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Count returns the number of projects
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.projects)
}

// EnvironmentNames returns the environment names of p, sorted
func (p *Project) EnvironmentNames() []string {
	names := make([]string, 0, len(p.Environments))
	for name := range p.Environments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
