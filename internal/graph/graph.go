// Package graph holds the feature dependency DAG and per-feature status.
//
// The graph is the single source of truth for scheduling. All transitions are
// invoked from the runner's control loop; the internal mutex exists so that
// read-only queries (ReadySet, Remaining, Results) are safe from any
// goroutine.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/felixgeelhaar/autoforge/internal/backlog"
	"github.com/felixgeelhaar/autoforge/internal/errors"
)

// Status is the lifecycle state of a feature
type Status string

const (
	// StatusPending means the feature has not been dispatched yet
	StatusPending Status = "pending"
	// StatusReady is the derived state of a pending feature whose every
	// dependency is done. It is never stored; ReadySet computes it.
	StatusReady Status = "ready"
	// StatusRunning means a worker currently owns the feature
	StatusRunning Status = "running"
	// StatusDone means the feature's work was merged into the integration branch
	StatusDone Status = "done"
	// StatusFailed means the feature terminally failed
	StatusFailed Status = "failed"
	// StatusBlocked means a transitive dependency terminally failed
	StatusBlocked Status = "blocked"
)

// Feature is a node in the dependency graph
type Feature struct {
	ID          string
	Description string
	DependsOn   []string

	Status        Status
	FailureReason string
	// BlockedBy names the failed ancestor that caused a blocked feature to
	// be blocked. Empty unless Status is StatusBlocked.
	BlockedBy string
}

// CycleError reports the set of features participating in dependency cycles
type CycleError struct {
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("[%s] dependency cycle detected among features: %s",
		errors.ErrCodeGraphCycle, strings.Join(e.Members, ", "))
}

// Graph is the feature dependency DAG
type Graph struct {
	mu sync.Mutex

	features   map[string]*Feature
	order      []string            // declaration order, for stable scheduling
	dependents map[string][]string // reverse dependency edges
}

// Build constructs the graph from a validated backlog and rejects cyclic
// dependency sets before any feature can be dispatched.
func Build(b *backlog.Backlog) (*Graph, error) {
	g := &Graph{
		features:   make(map[string]*Feature, len(b.Features)),
		dependents: make(map[string][]string),
	}

	for _, item := range b.Features {
		if _, exists := g.features[item.ID]; exists {
			return nil, errors.New(errors.ErrCodeGraphDuplicateID, fmt.Sprintf("duplicate feature id %q", item.ID))
		}
		g.features[item.ID] = &Feature{
			ID:          item.ID,
			Description: item.Description,
			DependsOn:   append([]string(nil), item.DependsOn...),
			Status:      StatusPending,
		}
		g.order = append(g.order, item.ID)
	}

	for id, f := range g.features {
		for _, dep := range f.DependsOn {
			if _, ok := g.features[dep]; !ok {
				return nil, errors.New(errors.ErrCodeGraphUnknownDep, fmt.Sprintf("feature %q depends on unknown feature %q", id, dep))
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, cycle
	}

	return g, nil
}

// findCycle runs Kahn's algorithm; any nodes left unprocessed when the queue
// drains are exactly the members of dependency cycles (plus their cyclic
// descendants, which cannot run either).
func (g *Graph) findCycle() *CycleError {
	indegree := make(map[string]int, len(g.features))
	for id, f := range g.features {
		indegree[id] = len(f.DependsOn)
	}

	queue := make([]string, 0, len(g.features))
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range g.dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed == len(g.features) {
		return nil
	}

	var members []string
	for id, deg := range indegree {
		if deg > 0 {
			members = append(members, id)
		}
	}
	sort.Strings(members)
	return &CycleError{Members: members}
}

// ReadySet returns all pending features whose every dependency is done, in
// declaration order. Pure query, no side effects.
func (g *Graph) ReadySet() []*Feature {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ready []*Feature
	for _, id := range g.order {
		f := g.features[id]
		if f.Status != StatusPending {
			continue
		}
		if g.depsDoneLocked(f) {
			ready = append(ready, &Feature{
				ID:          f.ID,
				Description: f.Description,
				DependsOn:   append([]string(nil), f.DependsOn...),
				Status:      StatusReady,
			})
		}
	}
	return ready
}

func (g *Graph) depsDoneLocked(f *Feature) bool {
	for _, dep := range f.DependsOn {
		if g.features[dep].Status != StatusDone {
			return false
		}
	}
	return true
}

// MarkRunning transitions a ready feature to running. It re-checks readiness
// so a stale ready set can never dispatch a feature with an incomplete or
// failed dependency.
func (g *Graph) MarkRunning(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.features[id]
	if !ok {
		return errors.New(errors.ErrCodeGraphBadState, fmt.Sprintf("unknown feature %q", id))
	}
	if f.Status != StatusPending || !g.depsDoneLocked(f) {
		return errors.New(errors.ErrCodeGraphBadState, fmt.Sprintf("feature %q is not ready (status %s)", id, f.Status))
	}
	f.Status = StatusRunning
	return nil
}

// MarkDone transitions a feature to done. Idempotent: marking a done feature
// again is a no-op.
func (g *Graph) MarkDone(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.features[id]
	if !ok || f.Status == StatusDone {
		return
	}
	f.Status = StatusDone
	f.FailureReason = ""
}

// MarkFailed transitions a feature to failed and blocks every transitive
// descendant that is not already done or failed. The propagation is one-shot:
// a blocked feature never re-enters pending. Returns the ids of newly blocked
// features in breadth-first order.
func (g *Graph) MarkFailed(id, reason string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.features[id]
	if !ok || f.Status == StatusFailed {
		return nil
	}
	f.Status = StatusFailed
	f.FailureReason = reason

	var blocked []string
	queue := append([]string(nil), g.dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		d := g.features[next]
		switch d.Status {
		case StatusDone, StatusFailed, StatusBlocked:
			continue
		}
		d.Status = StatusBlocked
		d.BlockedBy = id
		blocked = append(blocked, next)
		queue = append(queue, g.dependents[next]...)
	}
	return blocked
}

// Remaining counts features that are still pending or running
func (g *Graph) Remaining() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for _, f := range g.features {
		if f.Status == StatusPending || f.Status == StatusRunning {
			n++
		}
	}
	return n
}

// Feature returns a copy of the named feature, or false if it does not exist
func (g *Graph) Feature(id string) (Feature, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.features[id]
	if !ok {
		return Feature{}, false
	}
	return *f, true
}

// Results enumerates features by terminal status, each list in declaration
// order. Used for the final report once the run has drained.
func (g *Graph) Results() (completed, failed, blocked []Feature) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, id := range g.order {
		f := g.features[id]
		switch f.Status {
		case StatusDone:
			completed = append(completed, *f)
		case StatusFailed:
			failed = append(failed, *f)
		case StatusBlocked:
			blocked = append(blocked, *f)
		}
	}
	return completed, failed, blocked
}
