package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/limiquantix/placement/internal/domain"
	"github.com/limiquantix/placement/internal/registry"
)

// Allocator is the placement API consumed by the handler.
type Allocator interface {
	Allocate(ctx context.Context, c *domain.Criteria) (*domain.NodeSet, error)
	ReleaseByID(ctx context.Context, allocationID string) int
	FeasibilityCheck(ctx context.Context, c *domain.Criteria) (int, error)
	Allocation(id string) (*domain.NodeSet, error)
}

// NodeView is the read side of the registry used by the handler.
type NodeView interface {
	SnapshotFreeByHost() domain.FreeSnapshot
	List() []*domain.Node
	Stats() registry.Stats
}

// Provisioner registers and deregisters nodes.
type Provisioner interface {
	Register(ctx context.Context, node *domain.Node) (*domain.Node, error)
	Deregister(ctx context.Context, id string) error
	Heartbeat(ctx context.Context, id string) error
}

// PlacementHandler handles HTTP requests for allocations and nodes.
type PlacementHandler struct {
	allocator   Allocator
	nodes       NodeView
	provisioner Provisioner
	logger      *zap.Logger
}

// NewPlacementHandler creates a new placement handler.
func NewPlacementHandler(allocator Allocator, nodes NodeView, provisioner Provisioner, logger *zap.Logger) *PlacementHandler {
	return &PlacementHandler{
		allocator:   allocator,
		nodes:       nodes,
		provisioner: provisioner,
		logger:      logger.Named("placement-handler"),
	}
}

// RegisterRoutes registers placement API routes.
func (h *PlacementHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/allocations", h.handleAllocations)
	mux.HandleFunc("/api/v1/allocations/", h.handleAllocationByID)
	mux.HandleFunc("/api/v1/feasibility", h.handleFeasibility)
	mux.HandleFunc("/api/v1/hosts", h.handleHosts)
	mux.HandleFunc("/api/v1/nodes", h.handleNodes)
	mux.HandleFunc("/api/v1/nodes/", h.handleNodeByID)
}

// =============================================================================
// Request / Response Types
// =============================================================================

// ScriptRequest is a selection script in a request body.
type ScriptRequest struct {
	Name    string `json:"name"`
	Content string `json:"content"`
	Dynamic bool   `json:"dynamic"`
}

// CriteriaRequest is the body of allocation and feasibility requests.
type CriteriaRequest struct {
	Count      int             `json:"count"`
	Topology   string          `json:"topology"`
	Blacklist  []string        `json:"blacklist,omitempty"`
	Acceptable []string        `json:"acceptable,omitempty"`
	BestEffort bool            `json:"best_effort"`
	Scripts    []ScriptRequest `json:"scripts,omitempty"`
	Requester  string          `json:"requester,omitempty"`
}

// Criteria validates the request and builds domain criteria.
func (r CriteriaRequest) Criteria() (*domain.Criteria, error) {
	topology := domain.TopologyArbitrary
	if r.Topology != "" {
		t, err := domain.ParseTopology(r.Topology)
		if err != nil {
			return nil, err
		}
		topology = t
	}

	opts := []domain.CriteriaOption{
		domain.WithBlacklist(r.Blacklist...),
		domain.WithAcceptable(r.Acceptable...),
		domain.WithBestEffort(r.BestEffort),
		domain.WithRequester(r.Requester),
	}
	for _, s := range r.Scripts {
		opts = append(opts, domain.WithScripts(domain.SelectionScript{
			Name:    s.Name,
			Content: s.Content,
			Dynamic: s.Dynamic,
		}))
	}
	return domain.NewCriteria(r.Count, topology, opts...)
}

// AllocationResponse is returned by allocation endpoints.
type AllocationResponse struct {
	Satisfied bool `json:"satisfied"`
	*domain.NodeSet
}

// NodeRequest is the body of a node registration.
type NodeRequest struct {
	ID     string            `json:"id"`
	Host   string            `json:"host"`
	Labels map[string]string `json:"labels,omitempty"`
}

// =============================================================================
// Allocations
// =============================================================================

// handleAllocations handles POST /api/v1/allocations
func (h *PlacementHandler) handleAllocations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.allocate(w, r)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleAllocationByID handles /api/v1/allocations/{id}
func (h *PlacementHandler) handleAllocationByID(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/allocations/"), "/")
	if id == "" || strings.Contains(id, "/") {
		h.writeError(w, "Allocation ID required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		ns, err := h.allocator.Allocation(id)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, AllocationResponse{Satisfied: ns.Satisfied(), NodeSet: ns})
	case http.MethodDelete:
		freed := h.allocator.ReleaseByID(r.Context(), id)
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":    id,
			"freed": freed,
		})
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *PlacementHandler) allocate(w http.ResponseWriter, r *http.Request) {
	var req CriteriaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	c, err := req.Criteria()
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	ns, err := h.allocator.Allocate(r.Context(), c)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := AllocationResponse{Satisfied: ns.Satisfied(), NodeSet: ns}
	if ns.Empty() {
		h.writeJSON(w, http.StatusOK, resp)
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// handleFeasibility handles POST /api/v1/feasibility
func (h *PlacementHandler) handleFeasibility(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CriteriaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	c, err := req.Criteria()
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	n, err := h.allocator.FeasibilityCheck(r.Context(), c)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"candidates": n})
}

// =============================================================================
// Hosts and Nodes
// =============================================================================

// handleHosts handles GET /api/v1/hosts
func (h *PlacementHandler) handleHosts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := h.nodes.SnapshotFreeByHost()
	hosts := snap.Hosts
	if hosts == nil {
		hosts = []domain.HostGroup{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"hosts": hosts,
		"stats": h.nodes.Stats(),
	})
}

// handleNodes handles GET and POST /api/v1/nodes
func (h *PlacementHandler) handleNodes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"nodes": h.nodes.List(),
		})
	case http.MethodPost:
		var req NodeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		node, err := h.provisioner.Register(r.Context(), &domain.Node{
			ID:     req.ID,
			Host:   req.Host,
			Labels: req.Labels,
		})
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		h.writeJSON(w, http.StatusCreated, node)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleNodeByID handles /api/v1/nodes/{id} and /api/v1/nodes/{id}/heartbeat
func (h *PlacementHandler) handleNodeByID(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/nodes/"), "/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		h.writeError(w, "Node ID required", http.StatusBadRequest)
		return
	}
	id := parts[0]

	if len(parts) == 2 && parts[1] == "heartbeat" {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := h.provisioner.Heartbeat(r.Context(), id); err != nil {
			h.writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if len(parts) > 1 {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := h.provisioner.Deregister(r.Context(), id); err != nil {
			h.writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// =============================================================================
// Helpers
// =============================================================================

// writeJSON writes a JSON response.
func (h *PlacementHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeError writes an error response.
func (h *PlacementHandler) writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeDomainError maps a domain error to an HTTP status.
func (h *PlacementHandler) writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	h.writeError(w, err.Error(), status)
}
