// Package provisioning connects node provisioning to the placement registry.
// Nodes are registered through the API, replayed from the inventory at
// startup, or discovered through etcd.
package provisioning

import (
	"context"

	"github.com/limiquantix/placement/internal/domain"
)

// Inventory persists the set of provisioned nodes.
type Inventory interface {
	// Save creates or updates a node.
	Save(ctx context.Context, node *domain.Node) error

	// Delete removes a node by ID.
	Delete(ctx context.Context, id string) error

	// List returns every stored node.
	List(ctx context.Context) ([]*domain.Node, error)
}

// NodeRegistry is the part of the registry driven by provisioning.
type NodeRegistry interface {
	AddNode(node *domain.Node) (*domain.Node, error)
	RemoveNode(id string) error
	Heartbeat(id string) error
	Get(id string) (*domain.Node, error)
}

// Announcer shares node registrations with other placement instances.
type Announcer interface {
	RegisterNode(ctx context.Context, node *domain.Node) error
	DeregisterNode(ctx context.Context, id string) error
}
