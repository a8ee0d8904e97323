package provisioning

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/limiquantix/placement/internal/domain"
	"github.com/limiquantix/placement/internal/repository/etcd"
)

// NodeSource is the etcd view of registered nodes.
type NodeSource interface {
	GetNodes(ctx context.Context) ([]*domain.Node, error)
	WatchNodes(ctx context.Context) <-chan etcd.WatchEvent
	NodeIDFromKey(key string) string
}

// Watcher keeps the local registry in step with nodes announced in etcd.
type Watcher struct {
	service *Service
	source  NodeSource
	logger  *zap.Logger
}

// NewWatcher creates a new Watcher.
func NewWatcher(service *Service, source NodeSource, logger *zap.Logger) *Watcher {
	return &Watcher{
		service: service,
		source:  source,
		logger:  logger.Named("node-watcher"),
	}
}

// Run syncs the announced nodes, then applies changes until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	nodes, err := w.source.GetNodes(ctx)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if _, err := w.service.apply(ctx, n); err != nil {
			w.logger.Warn("Failed to apply announced node", zap.String("node_id", n.ID), zap.Error(err))
		}
	}
	w.logger.Info("Synced announced nodes", zap.Int("nodes", len(nodes)))

	events := w.source.WatchNodes(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Node watcher stopped")
			return nil
		case ev, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			w.handle(ctx, ev)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev etcd.WatchEvent) {
	switch ev.Type {
	case etcd.EventTypePut:
		var node domain.Node
		if err := json.Unmarshal(ev.Value, &node); err != nil {
			w.logger.Warn("Ignoring malformed node announcement", zap.String("key", ev.Key), zap.Error(err))
			return
		}
		if _, err := w.service.apply(ctx, &node); err != nil {
			w.logger.Warn("Failed to apply announced node", zap.String("node_id", node.ID), zap.Error(err))
		}

	case etcd.EventTypeDelete:
		id := w.source.NodeIDFromKey(ev.Key)
		if err := w.service.remove(ctx, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			w.logger.Warn("Failed to apply node withdrawal", zap.String("node_id", id), zap.Error(err))
		}
	}
}
