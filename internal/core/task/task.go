// Package task provides the task registry and dependency resolution.
// This is part of the Functional Core - no I/O happens here; resolution
// produces an ordered plan that the shell layer executes.
package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrUnknownTask is returned when a requested task name is not registered.
	ErrUnknownTask = errors.New("unknown task")

	// ErrCyclicDependency is returned when a task's prerequisite closure
	// contains a cycle.
	ErrCyclicDependency = errors.New("cyclic task dependency")
)

// =============================================================================
// Command Types
// =============================================================================

// Command is one executable unit inside a group. Exactly one of Argv or Fn is
// set: Argv for an external command, Fn for an in-process call (typically into
// the container lifecycle controller).
type Command struct {
	// Label identifies the command in logs and error messages.
	Label string

	// Argv is the external command and its arguments.
	Argv []string

	// Fn is an in-process command.
	Fn func(ctx context.Context) error

	// BestEffort commands log their failure and let the sequence continue.
	BestEffort bool

	// Interactive commands attach the caller's stdin for their duration.
	Interactive bool
}

// Group is the ordered list of commands contributed by one registration of a
// task. A task accumulates one group per registration.
type Group []Command

// Step pairs a group with the task it belongs to, in execution order.
type Step struct {
	TaskName string
	Group    Group
}

// =============================================================================
// Task
// =============================================================================

// Task is a named, orderable unit of work.
type Task struct {
	Name        string
	Description string
	Prereqs     []string
	Groups      []Group

	// Phony tasks produce no on-disk artifact and are always eligible to
	// run. Every lifecycle task is phony; the flag exists so that a future
	// artifact-producing task can be memoized explicitly.
	Phony bool

	// Internal tasks are dispatchable but hidden from the help listing.
	Internal bool
}

// =============================================================================
// Graph
// =============================================================================

// Graph is the registry of named tasks.
// Invariants: names are unique; prerequisite references resolve to registered
// names at Resolve time; the prerequisite relation is acyclic.
type Graph struct {
	tasks map[string]*Task
}

// NewGraph creates an empty task graph.
func NewGraph() *Graph {
	return &Graph{tasks: make(map[string]*Task)}
}

// RegisterOptions control registration behavior.
type RegisterOptions struct {
	Phony    bool
	Internal bool
}

// Register adds a command group under name, creating the task if absent.
// Registering an existing name appends the group and merges any new
// prerequisites in order (rule accumulation, not replacement). The first
// non-empty description wins.
func (g *Graph) Register(name, description string, prereqs []string, group Group, opts RegisterOptions) {
	t, ok := g.tasks[name]
	if !ok {
		t = &Task{
			Name:     name,
			Phony:    opts.Phony,
			Internal: opts.Internal,
		}
		g.tasks[name] = t
	}

	if t.Description == "" {
		t.Description = description
	}
	for _, p := range prereqs {
		if !containsString(t.Prereqs, p) {
			t.Prereqs = append(t.Prereqs, p)
		}
	}
	if len(group) > 0 {
		t.Groups = append(t.Groups, group)
	}
}

// Lookup returns the task registered under name.
func (g *Graph) Lookup(name string) (*Task, bool) {
	t, ok := g.tasks[name]
	return t, ok
}

// Tasks returns all non-internal tasks sorted by name, for the help listing.
func (g *Graph) Tasks() []*Task {
	result := make([]*Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		if t.Internal {
			continue
		}
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// =============================================================================
// Resolution
// =============================================================================

// DFS expansion state per task.
const (
	colorWhite = iota // not visited
	colorGray         // on the current expansion path
	colorBlack        // fully expanded
)

// Resolve expands name into the ordered execution plan: a depth-first walk of
// prerequisites in declaration order, with every prerequisite preceding its
// dependent. Each reachable task contributes its accumulated groups exactly
// once per Resolve call, even when it is reachable through several
// prerequisite paths. All lifecycle operations are idempotent, so
// once-per-invocation is sufficient and avoids redundant engine calls.
func (g *Graph) Resolve(name string) ([]Step, error) {
	if _, ok := g.tasks[name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}

	color := make(map[string]int, len(g.tasks))
	var plan []Step

	var expand func(n string, path []string) error
	expand = func(n string, path []string) error {
		t, ok := g.tasks[n]
		if !ok {
			parent := name
			if len(path) > 0 {
				parent = path[len(path)-1]
			}
			return fmt.Errorf("%w: %q (prerequisite of %q)", ErrUnknownTask, n, parent)
		}

		switch color[n] {
		case colorBlack:
			return nil
		case colorGray:
			return fmt.Errorf("%w: %s -> %s", ErrCyclicDependency, joinPath(path), n)
		}

		color[n] = colorGray
		for _, p := range t.Prereqs {
			if err := expand(p, append(path, n)); err != nil {
				return err
			}
		}
		color[n] = colorBlack

		for _, grp := range t.Groups {
			plan = append(plan, Step{TaskName: n, Group: grp})
		}
		return nil
	}

	if err := expand(name, nil); err != nil {
		return nil, err
	}
	return plan, nil
}

// =============================================================================
// Helpers
// =============================================================================

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func joinPath(path []string) string {
	out := ""
	for i, p := range path {
		if i > 0 {
			out += " -> "
		}
		out += p
	}
	return out
}
