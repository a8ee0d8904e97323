package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/limiquantix/placement/internal/domain"
)

// verifyCandidates runs every script of the criteria on every candidate node
// with bounded parallelism and returns the IDs that passed all of them.
// It runs outside the allocation critical section.
func (s *Scheduler) verifyCandidates(ctx context.Context, c *domain.Criteria, candidates []string) (map[string]struct{}, error) {
	passed := make(map[string]struct{}, len(candidates))
	scripts := c.Scripts()

	limit := s.config.MaxParallelVerifications
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, id := range candidates {
		node, err := s.registry.Get(id)
		if err != nil {
			// Gone since the snapshot; nothing to verify.
			s.logger.Debug("Skipping vanished candidate", zap.String("node_id", id))
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil, fmt.Errorf("verification interrupted: %w", err)
		}

		wg.Add(1)
		go func(node *domain.Node) {
			defer wg.Done()
			defer sem.Release(1)

			if s.verifyNode(ctx, node, scripts) {
				mu.Lock()
				passed[node.ID] = struct{}{}
				mu.Unlock()
			}
		}(node)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("verification interrupted: %w", err)
	}
	return passed, nil
}

// verifyNode returns true if the node passes every script.
func (s *Scheduler) verifyNode(ctx context.Context, node *domain.Node, scripts []domain.SelectionScript) bool {
	for _, script := range scripts {
		digest := script.Digest()

		if !script.Dynamic && s.cache != nil {
			if ok, found := s.cache.Get(ctx, node.ID, digest); found {
				if !ok {
					return false
				}
				continue
			}
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if s.config.VerificationTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, s.config.VerificationTimeout)
		}
		ok, err := s.verifier.Verify(callCtx, node, script)
		if cancel != nil {
			cancel()
		}

		if err != nil {
			s.logger.Warn("Selection script failed on node",
				zap.String("node_id", node.ID),
				zap.String("script", script.Name),
				zap.Error(err),
			)
			return false
		}

		if !script.Dynamic && s.cache != nil {
			s.cache.Set(ctx, node.ID, digest, ok)
		}
		if !ok {
			return false
		}
	}
	return true
}

// ============================================================================
// Script authorization
// ============================================================================

// ScriptAuthorizer only admits selection scripts whose content matches one of
// the files of a directory. The directory is re-read at most once per reload interval.
type ScriptAuthorizer struct {
	dir    string
	reload time.Duration
	logger *zap.Logger

	mu       sync.Mutex
	digests  map[string]struct{}
	loadedAt time.Time
	now      func() time.Time
}

// NewScriptAuthorizer creates an authorizer for dir. It fails if dir is not a directory.
func NewScriptAuthorizer(dir string, reload time.Duration, logger *zap.Logger) (*ScriptAuthorizer, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("invalid authorized scripts dir %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: authorized scripts path %s is not a directory", domain.ErrInvalidArgument, dir)
	}

	return &ScriptAuthorizer{
		dir:    dir,
		reload: reload,
		logger: logger.With(zap.String("component", "script-authorizer")),
		now:    time.Now,
	}, nil
}

// Check returns ErrPermissionDenied if any script is not authorized.
func (a *ScriptAuthorizer) Check(scripts []domain.SelectionScript) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.digests == nil || a.now().Sub(a.loadedAt) > a.reload {
		if err := a.loadLocked(); err != nil {
			return err
		}
	}

	for _, s := range scripts {
		if _, ok := a.digests[s.Digest()]; !ok {
			return fmt.Errorf("%w: selection script %q is not authorized", domain.ErrPermissionDenied, s.Name)
		}
	}
	return nil
}

func (a *ScriptAuthorizer) loadLocked() error {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return fmt.Errorf("failed to read authorized scripts dir: %w", err)
	}

	digests := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(a.dir, e.Name()))
		if err != nil {
			return fmt.Errorf("failed to read authorized script %s: %w", e.Name(), err)
		}
		digests[domain.SelectionScript{Content: string(content)}.Digest()] = struct{}{}
	}

	a.digests = digests
	a.loadedAt = a.now()
	a.logger.Debug("Loaded authorized selection scripts", zap.Int("count", len(digests)))
	return nil
}

// ============================================================================
// In-memory result cache
// ============================================================================

type cachedResult struct {
	passed    bool
	expiresAt time.Time
}

// MemoryResultCache is a process-local ResultCache with a fixed TTL.
type MemoryResultCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	results map[string]map[string]cachedResult
	now     func() time.Time
}

// NewMemoryResultCache creates an in-memory result cache.
func NewMemoryResultCache(ttl time.Duration) *MemoryResultCache {
	return &MemoryResultCache{
		ttl:     ttl,
		results: make(map[string]map[string]cachedResult),
		now:     time.Now,
	}
}

// Get returns the cached result for the node and script digest.
func (c *MemoryResultCache) Get(_ context.Context, nodeID, digest string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.results[nodeID][digest]
	if !ok {
		return false, false
	}
	if c.ttl > 0 && c.now().After(r.expiresAt) {
		delete(c.results[nodeID], digest)
		return false, false
	}
	return r.passed, true
}

// Set stores a result.
func (c *MemoryResultCache) Set(_ context.Context, nodeID, digest string, passed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.results[nodeID] == nil {
		c.results[nodeID] = make(map[string]cachedResult)
	}
	c.results[nodeID][digest] = cachedResult{passed: passed, expiresAt: c.now().Add(c.ttl)}
}

// Forget drops every result for the node.
func (c *MemoryResultCache) Forget(_ context.Context, nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.results, nodeID)
}

// errNoVerifier is returned when a request carries scripts but no verifier is configured.
var errNoVerifier = errors.New("no selection script verifier configured")
