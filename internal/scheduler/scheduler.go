package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limiquantix/placement/internal/domain"
	"github.com/limiquantix/placement/internal/registry"
)

// Authorizer decides whether a set of selection scripts may run.
type Authorizer interface {
	Check(scripts []domain.SelectionScript) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithResultCache caches the results of non-dynamic selection scripts.
func WithResultCache(cache ResultCache) Option {
	return func(s *Scheduler) {
		s.cache = cache
	}
}

// WithAuthorizer restricts which selection scripts may run.
func WithAuthorizer(a Authorizer) Option {
	return func(s *Scheduler) {
		s.authorizer = a
	}
}

// WithLeaderCheck makes Allocate fail with ErrUnavailable while isLeader returns false.
func WithLeaderCheck(isLeader func() bool) Option {
	return func(s *Scheduler) {
		s.isLeader = isLeader
	}
}

// Scheduler allocates node sets from a NodeRegistry.
type Scheduler struct {
	registry   NodeRegistry
	verifier   Verifier
	cache      ResultCache
	authorizer Authorizer
	isLeader   func() bool
	config     Config
	logger     *zap.Logger
	newID      func() string
}

// New creates a new Scheduler instance. verifier may be nil, in which case
// requests carrying selection scripts are rejected.
func New(reg NodeRegistry, verifier Verifier, config Config, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		registry: reg,
		verifier: verifier,
		config:   config,
		logger:   logger.With(zap.String("component", "scheduler")),
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Allocate reserves a node set satisfying the criteria. When the request
// cannot be satisfied an empty NodeSet is returned with a nil error.
func (s *Scheduler) Allocate(ctx context.Context, c *domain.Criteria) (*domain.NodeSet, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: criteria is required", domain.ErrInvalidArgument)
	}
	if s.isLeader != nil && !s.isLeader() {
		return nil, fmt.Errorf("%w: this instance is not the leader", domain.ErrUnavailable)
	}

	logger := s.logger.With(
		zap.Int("requested", c.Count()),
		zap.String("topology", string(c.Topology())),
		zap.Bool("best_effort", c.BestEffort()),
		zap.String("requester", c.Requester()),
	)
	logger.Info("Starting allocation")

	passed, err := s.prepare(ctx, c)
	if err != nil {
		logger.Warn("Allocation rejected", zap.Error(err))
		return nil, err
	}

	req := registry.Request{
		ID:        s.newID(),
		Requested: c.Count(),
		Topology:  c.Topology(),
	}
	pick := func(snap domain.FreeSnapshot) ([]string, []string) {
		return selectNodes(c, snap, passed)
	}

	var result *domain.NodeSet
	for attempt := 0; ; attempt++ {
		result, err = s.registry.Allocate(req, pick)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrConflict) || attempt >= s.config.ConflictRetries {
			logger.Error("Allocation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return nil, fmt.Errorf("failed to allocate nodes: %w", err)
		}
		logger.Debug("Allocation conflicted, retrying", zap.Error(err))
	}

	if result.Empty() {
		logger.Info("Insufficient capacity for allocation")
		return result, nil
	}

	logger.Info("Allocation completed",
		zap.String("allocation_id", result.ID),
		zap.Int("selected", len(result.Selected)),
		zap.Int("extra", len(result.Extra)),
		zap.Strings("hosts", result.Hosts()),
	)
	return result, nil
}

// prepare authorizes and runs the selection scripts. The returned function
// reports whether a node passed; it is nil when the request has no scripts.
func (s *Scheduler) prepare(ctx context.Context, c *domain.Criteria) (func(string) bool, error) {
	if !c.HasScripts() {
		return nil, nil
	}
	if s.verifier == nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, errNoVerifier)
	}
	if s.authorizer != nil {
		if err := s.authorizer.Check(c.Scripts()); err != nil {
			return nil, err
		}
	}

	// Best-effort fallbacks may pick hosts below the required size, so every
	// admitted node is verified for them.
	snap := s.registry.SnapshotFreeByHost()
	var candidates []string
	if c.BestEffort() {
		candidates = admittedNodes(c, snap)
	} else {
		candidates = FilterCandidates(c, snap)
	}
	ok, err := s.verifyCandidates(ctx, c, candidates)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Verified candidates",
		zap.Int("candidates", len(candidates)),
		zap.Int("passed", len(ok)),
	)
	return func(id string) bool {
		_, found := ok[id]
		return found
	}, nil
}

// Release returns every node of the set to the free pool. Releasing the same
// set again, or an empty set, does nothing.
func (s *Scheduler) Release(ctx context.Context, ns *domain.NodeSet) int {
	if ns == nil || ns.ID == "" {
		return 0
	}
	return s.ReleaseByID(ctx, ns.ID)
}

// ReleaseByID releases an allocation by its ID.
func (s *Scheduler) ReleaseByID(_ context.Context, allocationID string) int {
	freed := s.registry.Release(allocationID)
	s.logger.Debug("Released allocation",
		zap.String("allocation_id", allocationID),
		zap.Int("freed", freed),
	)
	return freed
}

// FeasibilityCheck returns the number of free nodes that pass the candidate
// filter for the criteria. Nothing is reserved and no script is run.
func (s *Scheduler) FeasibilityCheck(_ context.Context, c *domain.Criteria) (int, error) {
	if c == nil {
		return 0, fmt.Errorf("%w: criteria is required", domain.ErrInvalidArgument)
	}
	return len(FilterCandidates(c, s.registry.SnapshotFreeByHost())), nil
}

// Allocation returns a live allocation.
func (s *Scheduler) Allocation(id string) (*domain.NodeSet, error) {
	return s.registry.Allocation(id)
}

// ForgetNode drops cached verification results for a node.
func (s *Scheduler) ForgetNode(ctx context.Context, nodeID string) {
	if s.cache != nil {
		s.cache.Forget(ctx, nodeID)
	}
}

// Subscriber is implemented by registries that publish change events.
type Subscriber interface {
	Subscribe(buffer int) (<-chan registry.Event, func())
}

// Run forgets cached script results of removed nodes until ctx is done.
func (s *Scheduler) Run(ctx context.Context, sub Subscriber) {
	events, cancel := sub.Subscribe(64)
	defer cancel()

	s.logger.Info("Scheduler event loop started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler event loop stopped")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == registry.EventNodeRemoved {
				s.ForgetNode(ctx, ev.Node.ID)
			}
		}
	}
}
