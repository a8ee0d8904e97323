package scheduler

import (
	"context"

	"github.com/limiquantix/placement/internal/domain"
	"github.com/limiquantix/placement/internal/registry"
)

// NodeRegistry defines the registry operations needed by the scheduler.
type NodeRegistry interface {
	// SnapshotFreeByHost returns the free nodes grouped by host.
	SnapshotFreeByHost() domain.FreeSnapshot

	// Allocate runs pick inside the allocation critical section and reserves its result.
	Allocate(req registry.Request, pick registry.PickFunc) (*domain.NodeSet, error)

	// Release frees the nodes still owned by an allocation.
	Release(allocationID string) int

	// Allocation returns a live allocation.
	Allocation(id string) (*domain.NodeSet, error)

	// Get retrieves a node by ID.
	Get(id string) (*domain.Node, error)
}

// Verifier evaluates a selection script against a node. It must be
// idempotent and free of side effects on the node.
type Verifier interface {
	Verify(ctx context.Context, node *domain.Node, script domain.SelectionScript) (bool, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, node *domain.Node, script domain.SelectionScript) (bool, error)

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, node *domain.Node, script domain.SelectionScript) (bool, error) {
	return f(ctx, node, script)
}

// ResultCache stores static selection script results per node.
type ResultCache interface {
	// Get returns the cached result and whether one was found.
	Get(ctx context.Context, nodeID, digest string) (passed bool, found bool)

	// Set stores a result.
	Set(ctx context.Context, nodeID, digest string, passed bool)

	// Forget drops every result cached for the node.
	Forget(ctx context.Context, nodeID string)
}
