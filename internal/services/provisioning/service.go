package provisioning

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/limiquantix/placement/internal/domain"
)

// Service applies node registrations and deregistrations.
type Service struct {
	registry  NodeRegistry
	inventory Inventory
	announcer Announcer
	logger    *zap.Logger
}

// NewService creates a new provisioning service. announcer may be nil.
func NewService(registry NodeRegistry, inventory Inventory, announcer Announcer, logger *zap.Logger) *Service {
	return &Service{
		registry:  registry,
		inventory: inventory,
		announcer: announcer,
		logger:    logger.Named("provisioning"),
	}
}

// Load replays the inventory into the registry.
func (s *Service) Load(ctx context.Context) (int, error) {
	nodes, err := s.inventory.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list inventory: %w", err)
	}

	loaded := 0
	for _, n := range nodes {
		if _, err := s.registry.AddNode(n); err != nil {
			s.logger.Warn("Skipping invalid inventory node", zap.String("node_id", n.ID), zap.Error(err))
			continue
		}
		loaded++
	}

	s.logger.Info("Loaded node inventory", zap.Int("nodes", loaded))
	return loaded, nil
}

// Register provisions a node: it is stored, announced and made available for allocation.
func (s *Service) Register(ctx context.Context, node *domain.Node) (*domain.Node, error) {
	if node == nil || node.ID == "" || node.Host == "" {
		return nil, fmt.Errorf("%w: node id and host are required", domain.ErrInvalidArgument)
	}

	stored, err := s.apply(ctx, node)
	if err != nil {
		return nil, err
	}

	if s.announcer != nil {
		if err := s.announcer.RegisterNode(ctx, stored); err != nil {
			s.logger.Warn("Failed to announce node", zap.String("node_id", node.ID), zap.Error(err))
		}
	}
	return stored, nil
}

// Deregister removes a node from the registry, the inventory and the announcer.
func (s *Service) Deregister(ctx context.Context, id string) error {
	if err := s.remove(ctx, id); err != nil {
		return err
	}

	if s.announcer != nil {
		if err := s.announcer.DeregisterNode(ctx, id); err != nil {
			s.logger.Warn("Failed to withdraw node announcement", zap.String("node_id", id), zap.Error(err))
		}
	}
	return nil
}

// Heartbeat records that a node is alive.
func (s *Service) Heartbeat(_ context.Context, id string) error {
	return s.registry.Heartbeat(id)
}

// apply adds a node to the registry and inventory. Known nodes are returned unchanged.
func (s *Service) apply(ctx context.Context, node *domain.Node) (*domain.Node, error) {
	if existing, err := s.registry.Get(node.ID); err == nil {
		return existing, nil
	}

	stored, err := s.registry.AddNode(node)
	if err != nil {
		return nil, err
	}

	if err := s.inventory.Save(ctx, stored); err != nil {
		// Keep registry and inventory in step.
		if rmErr := s.registry.RemoveNode(stored.ID); rmErr != nil {
			s.logger.Error("Failed to undo node registration", zap.String("node_id", stored.ID), zap.Error(rmErr))
		}
		return nil, fmt.Errorf("failed to save node: %w", err)
	}

	s.logger.Info("Node provisioned",
		zap.String("node_id", stored.ID),
		zap.String("host", stored.Host),
	)
	return stored, nil
}

// remove drops a node from the registry and inventory.
func (s *Service) remove(ctx context.Context, id string) error {
	err := s.registry.RemoveNode(id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	notFound := err != nil

	if err := s.inventory.Delete(ctx, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) && !notFound {
			// Registered without being stored, e.g. discovered while the inventory was down.
			s.logger.Debug("Node missing from inventory", zap.String("node_id", id))
		} else if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("failed to delete node: %w", err)
		}
	}

	if notFound {
		return fmt.Errorf("node %s: %w", id, domain.ErrNotFound)
	}

	s.logger.Info("Node deprovisioned", zap.String("node_id", id))
	return nil
}
