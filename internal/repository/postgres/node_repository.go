package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/limiquantix/placement/internal/domain"
	"github.com/limiquantix/placement/internal/services/provisioning"
)

// Ensure NodeRepository implements provisioning.Inventory
var _ provisioning.Inventory = (*NodeRepository)(nil)

// NodeRepository implements provisioning.Inventory using PostgreSQL.
type NodeRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewNodeRepository creates a new PostgreSQL node inventory.
func NewNodeRepository(db *DB, logger *zap.Logger) *NodeRepository {
	return &NodeRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "node")),
	}
}

// Save creates or updates a node.
func (r *NodeRepository) Save(ctx context.Context, n *domain.Node) error {
	labelsJSON, err := json.Marshal(n.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}

	query := `
		INSERT INTO nodes (id, host, labels, registered_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			host = EXCLUDED.host,
			labels = EXCLUDED.labels,
			last_heartbeat = EXCLUDED.last_heartbeat,
			updated_at = NOW()
	`

	_, err = r.db.pool.Exec(ctx, query,
		n.ID,
		n.Host,
		labelsJSON,
		n.RegisteredAt,
		n.LastHeartbeat,
	)
	if err != nil {
		r.logger.Error("Failed to save node", zap.Error(err), zap.String("node_id", n.ID))
		return fmt.Errorf("failed to save node: %w", err)
	}

	r.logger.Debug("Saved node", zap.String("node_id", n.ID), zap.String("host", n.Host))
	return nil
}

// Delete removes a node by ID.
func (r *NodeRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.pool.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	r.logger.Debug("Deleted node", zap.String("node_id", id))
	return nil
}

// List returns every stored node in registration order.
func (r *NodeRepository) List(ctx context.Context) ([]*domain.Node, error) {
	query := `
		SELECT id, host, labels, registered_at, last_heartbeat
		FROM nodes
		ORDER BY registered_at, id
	`

	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*domain.Node
	for rows.Next() {
		n := &domain.Node{State: domain.NodeStateFree}
		var labelsJSON []byte

		if err := rows.Scan(&n.ID, &n.Host, &labelsJSON, &n.RegisteredAt, &n.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}

		if len(labelsJSON) > 0 {
			if err := json.Unmarshal(labelsJSON, &n.Labels); err != nil {
				r.logger.Warn("Failed to unmarshal node labels", zap.String("node_id", n.ID), zap.Error(err))
			}
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate nodes: %w", err)
	}

	return nodes, nil
}
