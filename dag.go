package caravan

import (
	"context"
	"errors"
	"fmt"

	"github.com/sasha-s/go-deadlock"
)

var (
	ErrCycleDetected  = errors.New("dependency would create a cycle")
	ErrSelfDependency = errors.New("unit cannot depend on itself")
)

// DependencyResolver validates and orders the directed graph of inter-request
// dependencies. Vertices are arena indices into nodes, not live references, so
// the reachability walk is a plain loop over integer sets.
type DependencyResolver struct {
	mu deadlock.RWMutex

	db     Database
	logger Logger

	index map[RequestID]int
	nodes []RequestID
	// downEdges[i] holds the units request i depends on
	downEdges []map[int]DependencyType
	// upEdges[i] holds the units that depend on request i
	upEdges []map[int]struct{}
}

func NewDependencyResolver(db Database, logger Logger) *DependencyResolver {
	return &DependencyResolver{
		db:     db,
		logger: logger,
		index:  make(map[RequestID]int),
	}
}

func (dr *DependencyResolver) vertex(id RequestID) int {
	if i, exists := dr.index[id]; exists {
		return i
	}
	i := len(dr.nodes)
	dr.index[id] = i
	dr.nodes = append(dr.nodes, id)
	dr.downEdges = append(dr.downEdges, make(map[int]DependencyType))
	dr.upEdges = append(dr.upEdges, make(map[int]struct{}))
	return i
}

// reachable walks down-edges from start looking for target.
func (dr *DependencyResolver) reachable(start, target int) bool {
	seen := make(map[int]struct{})
	frontier := []int{start}
	for len(frontier) > 0 {
		v := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if v == target {
			return true
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		for next := range dr.downEdges[v] {
			frontier = append(frontier, next)
		}
	}
	return false
}

// AddDependency inserts the edge dependent -> dependsOn. The cycle check and
// the insert happen under one lock so a rejected edge leaves the graph
// untouched.
func (dr *DependencyResolver) AddDependency(ctx context.Context, dependent, dependsOn RequestID, depType DependencyType) error {
	if dependent == dependsOn {
		err := errors.Join(ErrSelfDependency, fmt.Errorf("unit %s", dependent))
		dr.logger.Error(ctx, err.Error(), "request_id", dependent)
		return err
	}

	dr.mu.Lock()
	defer dr.mu.Unlock()

	from := dr.vertex(dependent)
	to := dr.vertex(dependsOn)

	// A path from dependsOn back to dependent closes a cycle.
	if dr.reachable(to, from) {
		err := errors.Join(ErrCycleDetected, fmt.Errorf("%s -> %s", dependent, dependsOn))
		dr.logger.Error(ctx, err.Error(), "request_id", dependent, "depends_on", dependsOn)
		return err
	}

	dr.downEdges[from][to] = depType
	dr.upEdges[to][from] = struct{}{}

	if err := dr.db.AddOrchestrationDependency(&OrchestrationDependency{
		Dependent: dependent,
		DependsOn: dependsOn,
		Type:      depType,
	}); err != nil {
		delete(dr.downEdges[from], to)
		delete(dr.upEdges[to], from)
		return err
	}

	dr.logger.Debug(ctx, "dependency added", "request_id", dependent, "depends_on", dependsOn, "dependency_type", depType)
	return nil
}

// IsRunnable reports whether every Sequential dependency of the given unit is
// terminally successful. Resource and Data edges never block dispatch; they
// are advisory to the quota and lock layers.
func (dr *DependencyResolver) IsRunnable(id RequestID, completed func(RequestID) bool) bool {
	dr.mu.RLock()
	defer dr.mu.RUnlock()

	i, exists := dr.index[id]
	if !exists {
		return true
	}
	for dep, depType := range dr.downEdges[i] {
		if depType != DependencySequential {
			continue
		}
		if !completed(dr.nodes[dep]) {
			return false
		}
	}
	return true
}

// Dependencies returns the units the given unit depends on, all edge types.
func (dr *DependencyResolver) Dependencies(id RequestID) []OrchestrationDependency {
	dr.mu.RLock()
	defer dr.mu.RUnlock()

	i, exists := dr.index[id]
	if !exists {
		return nil
	}
	out := make([]OrchestrationDependency, 0, len(dr.downEdges[i]))
	for dep, depType := range dr.downEdges[i] {
		out = append(out, OrchestrationDependency{
			Dependent: id,
			DependsOn: dr.nodes[dep],
			Type:      depType,
		})
	}
	return out
}

// RemoveDependency deletes the single edge dependent -> dependsOn, leaving
// every other edge of both units in place.
func (dr *DependencyResolver) RemoveDependency(ctx context.Context, dependent, dependsOn RequestID) {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	from, exists := dr.index[dependent]
	if !exists {
		return
	}
	to, exists := dr.index[dependsOn]
	if !exists {
		return
	}
	if _, exists := dr.downEdges[from][to]; !exists {
		return
	}
	delete(dr.downEdges[from], to)
	delete(dr.upEdges[to], from)

	if err := dr.db.DeleteOrchestrationDependency(dependent, dependsOn); err != nil {
		dr.logger.Error(ctx, "failed to delete persisted dependency", "request_id", dependent, "depends_on", dependsOn, "error", err)
	}
	dr.logger.Debug(ctx, "dependency removed", "request_id", dependent, "depends_on", dependsOn)
}

// RemoveUnit drops the unit and every edge touching it. The vertex slot stays
// allocated in the arena; only the edges go away.
func (dr *DependencyResolver) RemoveUnit(ctx context.Context, id RequestID) {
	dr.mu.Lock()
	defer dr.mu.Unlock()

	i, exists := dr.index[id]
	if !exists {
		return
	}
	for dep := range dr.downEdges[i] {
		delete(dr.upEdges[dep], i)
	}
	dr.downEdges[i] = make(map[int]DependencyType)
	for up := range dr.upEdges[i] {
		delete(dr.downEdges[up], i)
	}
	dr.upEdges[i] = make(map[int]struct{})
	delete(dr.index, id)

	if err := dr.db.DeleteDependenciesForRequest(id); err != nil {
		dr.logger.Error(ctx, "failed to delete persisted dependencies", "request_id", id, "error", err)
	}
	dr.logger.Debug(ctx, "dependency unit removed", "request_id", id)
}
