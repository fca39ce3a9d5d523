package llm

import (
	"fmt"
	"sort"
)

// TaskRegistry is the static catalog of task descriptors. It is built once at
// process start and read-only afterwards; there is no dynamic registration.
// A task referenced by the caller domain but absent here, or present without
// a resolvable provider, is a startup error, never a request-time one.
type TaskRegistry struct {
	tasks map[string]*Task
}

// NewTaskRegistry builds a registry from the given descriptors. Descriptors
// are validated eagerly; duplicates and incomplete entries abort construction.
func NewTaskRegistry(tasks ...*Task) (*TaskRegistry, error) {
	r := &TaskRegistry{tasks: make(map[string]*Task, len(tasks))}
	for _, t := range tasks {
		if err := t.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.tasks[t.Name]; dup {
			return nil, fmt.Errorf("duplicate task descriptor %q", t.Name)
		}
		r.tasks[t.Name] = t
	}
	return r, nil
}

// Lookup retrieves a descriptor by task name.
func (r *TaskRegistry) Lookup(name string) (*Task, error) {
	t, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("unknown task %q", name)
	}
	return t, nil
}

// Names returns the sorted names of all registered tasks.
func (r *TaskRegistry) Names() []string {
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tasks.
func (r *TaskRegistry) Len() int { return len(r.tasks) }

// ValidateAgainst resolves every registered task through the policy and the
// adapter set. Called at construction time so a misconfigured task can never
// be discovered under load.
func (r *TaskRegistry) ValidateAgainst(policy *Policy, adapters map[string]Provider) error {
	for _, name := range r.Names() {
		res, err := policy.Select(name)
		if err != nil {
			return fmt.Errorf("task %q: %w", name, err)
		}
		if _, ok := adapters[res.Provider]; !ok {
			return fmt.Errorf("task %q resolves to provider %q with no registered adapter", name, res.Provider)
		}
	}
	return nil
}
