// Package liveness detects dead nodes and removes them from the registry.
// A node whose allocation loses it this way is implicitly shrunk.
package liveness

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/placement/internal/config"
	"github.com/limiquantix/placement/internal/domain"
)

// NodeSource lists the registered nodes.
type NodeSource interface {
	List() []*domain.Node
}

// NodeRemover deregisters a node declared dead.
type NodeRemover interface {
	Deregister(ctx context.Context, id string) error
}

// LeaderChecker checks if this instance is the leader.
type LeaderChecker interface {
	IsLeader() bool
}

// HealthStatus represents the liveness of a node.
type HealthStatus string

const (
	HealthStatusHealthy HealthStatus = "HEALTHY"
	HealthStatusUnknown HealthStatus = "UNKNOWN"
	HealthStatusDead    HealthStatus = "DEAD"
)

// NodeHealth tracks the liveness of one node.
type NodeHealth struct {
	NodeID       string
	Host         string
	LastSeen     time.Time
	FailedChecks int
	Status       HealthStatus
}

// Monitor periodically checks node heartbeats.
type Monitor struct {
	config  config.LivenessConfig
	nodes   NodeSource
	remover NodeRemover
	leader  LeaderChecker
	logger  *zap.Logger
	now     func() time.Time

	mu        sync.RWMutex
	health    map[string]*NodeHealth
	isRunning bool
}

// NewMonitor creates a new liveness monitor. leader may be nil.
func NewMonitor(cfg config.LivenessConfig, nodes NodeSource, remover NodeRemover, leader LeaderChecker, logger *zap.Logger) *Monitor {
	return &Monitor{
		config:  cfg,
		nodes:   nodes,
		remover: remover,
		leader:  leader,
		logger:  logger.With(zap.String("component", "liveness")),
		now:     time.Now,
		health:  make(map[string]*NodeHealth),
	}
}

// Start runs the check loop until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if !m.config.Enabled {
		m.logger.Info("Liveness monitor disabled")
		return
	}

	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.mu.Unlock()

	m.logger.Info("Starting liveness monitor",
		zap.Duration("check_interval", m.config.CheckInterval),
		zap.Int("failure_threshold", m.config.FailureThreshold),
	)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Liveness monitor stopped")
			m.mu.Lock()
			m.isRunning = false
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.CheckNodes(ctx)
		}
	}
}

// CheckNodes runs one sweep and returns the IDs of the nodes declared dead.
func (m *Monitor) CheckNodes(ctx context.Context) []string {
	// Only run on leader
	if m.leader != nil && !m.leader.IsLeader() {
		return nil
	}

	nodes := m.nodes.List()
	present := make(map[string]struct{}, len(nodes))

	var dead []string
	for _, node := range nodes {
		present[node.ID] = struct{}{}
		if m.checkNode(node) {
			dead = append(dead, node.ID)
		}
	}

	m.mu.Lock()
	for id := range m.health {
		if _, ok := present[id]; !ok {
			delete(m.health, id)
		}
	}
	m.mu.Unlock()

	for _, id := range dead {
		if err := m.remover.Deregister(ctx, id); err != nil {
			m.logger.Error("Failed to remove dead node", zap.String("node_id", id), zap.Error(err))
			continue
		}
		m.mu.Lock()
		delete(m.health, id)
		m.mu.Unlock()
	}
	return dead
}

// checkNode updates the health of one node and reports whether it is dead.
func (m *Monitor) checkNode(node *domain.Node) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.health[node.ID]
	if !exists {
		state = &NodeHealth{
			NodeID: node.ID,
			Host:   node.Host,
			Status: HealthStatusHealthy,
		}
		m.health[node.ID] = state
	}

	lastSeen := node.LastSeen()
	age := m.now().Sub(lastSeen)

	if age < m.config.CheckInterval {
		if state.Status != HealthStatusHealthy {
			m.logger.Info("Node recovered",
				zap.String("node_id", node.ID),
				zap.String("host", node.Host),
			)
		}
		state.LastSeen = lastSeen
		state.FailedChecks = 0
		state.Status = HealthStatusHealthy
		return false
	}

	state.FailedChecks++
	m.logger.Warn("Node heartbeat missing",
		zap.String("node_id", node.ID),
		zap.String("host", node.Host),
		zap.Duration("heartbeat_age", age),
		zap.Int("failed_checks", state.FailedChecks),
	)

	if state.FailedChecks < m.config.FailureThreshold {
		state.Status = HealthStatusUnknown
		return false
	}

	// A dead node stays reported until its removal succeeds.
	if state.Status != HealthStatusDead {
		state.Status = HealthStatusDead
		m.logger.Error("Node declared dead",
			zap.String("node_id", node.ID),
			zap.String("host", node.Host),
			zap.String("allocation_id", node.AllocationID),
		)
	}
	return true
}

// Health returns the tracked health of a node.
func (m *Monitor) Health(id string) (NodeHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.health[id]
	if !ok {
		return NodeHealth{}, false
	}
	return *h, true
}
