// Package scheduler implements the binding dependency graph and the
// promise-based evaluation order described in spec §4.6 (C6): a document's
// top-level bindings form a DAG over declared dependency names, ready
// bindings at the same graph depth run concurrently, forward references are
// legal, and a binding that resolves to a promise handle is awaited until it
// settles to a concrete value (promise-of-promise composition).
package scheduler

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/Hafthor/loaf/pkg/bytecode"
	"github.com/Hafthor/loaf/pkg/value"
)

// CircularDependency is raised when the binding graph has no topological
// order — every name participating in some cycle is named so the document
// author can find it without re-running a separate cycle search.
type CircularDependency struct {
	Names []string
}

func (e *CircularDependency) Error() string {
	return fmt.Sprintf("circular dependency among bindings: %v", e.Names)
}

func (e *CircularDependency) ExceptionType() string { return "CircularDependency" }

// Runner evaluates one binding now that every entry in deps has settled to a
// concrete (non-promise) value. Implementations run the crouton range for
// the binding through a VM (spec §4.3/§4.4); the scheduler never looks
// inside a binding's bytecode.
type Runner interface {
	Run(ctx context.Context, binding bytecode.Binding, deps map[string]value.Value) (value.Value, error)
}

// PromiseResolver awaits one outstanding async operation (an HTTP fetch, a
// nested evaluation) to its settled value. Resolve may itself return another
// promise handle; the scheduler loops until a concrete value or an error
// comes back (spec §4.6's promise-of-promise composition).
type PromiseResolver interface {
	Resolve(ctx context.Context, handle uint64) (value.Value, error)
}

// Outcome is one binding's settled result: exactly one of Value and Err is
// meaningful.
type Outcome struct {
	Value value.Value
	Err   *value.Exception
}

// Execute resolves every binding in bindings and returns each one's outcome
// keyed by name. Bindings whose dependency failed (directly or
// transitively) settle to an outcome carrying the propagated exception
// without ever calling Runner.Run for them.
func Execute(ctx context.Context, bindings []bytecode.Binding, runner Runner, resolver PromiseResolver) (map[string]Outcome, error) {
	byName := make(map[string]int, len(bindings))
	for i, b := range bindings {
		byName[b.Name] = i
	}

	indegree := make([]int, len(bindings))
	dependents := make([][]int, len(bindings))
	for i, b := range bindings {
		for _, dep := range b.Dependencies {
			j, ok := byName[dep]
			if !ok {
				return nil, fmt.Errorf("binding %q depends on undeclared name %q", b.Name, dep)
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	outcomes := make([]*Outcome, len(bindings))
	done := make([]bool, len(bindings))
	remaining := len(bindings)

	for remaining > 0 {
		var ready []int
		for i := range bindings {
			if !done[i] && indegree[i] == 0 {
				ready = append(ready, i)
			}
		}
		if len(ready) == 0 {
			break // no progress possible: whatever's left participates in a cycle
		}
		sort.Ints(ready) // declaration-order tie-break (spec §4.6)

		g, gCtx := errgroup.WithContext(ctx)
		results := make([]Outcome, len(ready))
		for slot, idx := range ready {
			slot, idx := slot, idx
			g.Go(func() error {
				results[slot] = resolveOne(gCtx, bindings[idx], byName, outcomes, runner, resolver)
				return nil // a failed binding is a settled Outcome, not a Go error
			})
		}
		_ = g.Wait()

		for slot, idx := range ready {
			outcomes[idx] = &results[slot]
			done[idx] = true
			remaining--
			for _, dep := range dependents[idx] {
				indegree[dep]--
			}
		}
	}

	if remaining > 0 {
		var cycle []string
		for i, b := range bindings {
			if !done[i] {
				cycle = append(cycle, b.Name)
			}
		}
		sort.Strings(cycle)
		return nil, &CircularDependency{Names: cycle}
	}

	out := make(map[string]Outcome, len(bindings))
	for i, b := range bindings {
		out[b.Name] = *outcomes[i]
	}
	return out, nil
}

func resolveOne(ctx context.Context, b bytecode.Binding, byName map[string]int, outcomes []*Outcome, runner Runner, resolver PromiseResolver) Outcome {
	deps := make(map[string]value.Value, len(b.Dependencies))
	for _, dep := range b.Dependencies {
		o := outcomes[byName[dep]]
		if o.Err != nil {
			return Outcome{Err: &value.Exception{
				Type:    "DependencyFailed",
				Message: fmt.Sprintf("dependency %q failed: %s", dep, o.Err.Message),
			}}
		}
		deps[dep] = o.Value
	}

	v, err := runner.Run(ctx, b, deps)
	if err != nil {
		return Outcome{Err: asException(err)}
	}
	for v.Kind() == value.KindPromise {
		v, err = resolver.Resolve(ctx, v.PromiseHandle())
		if err != nil {
			return Outcome{Err: asException(err)}
		}
	}
	return Outcome{Value: v}
}

func asException(err error) *value.Exception {
	if exc, ok := err.(*value.Exception); ok {
		return exc
	}
	if c, ok := err.(interface{ ExceptionType() string }); ok {
		return &value.Exception{Type: c.ExceptionType(), Message: err.Error()}
	}
	return &value.Exception{Type: "InternalError", Message: err.Error()}
}
