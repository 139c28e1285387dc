package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/narvanalabs/hubfleet/internal/auth"
	"github.com/narvanalabs/hubfleet/internal/fleet"
	"github.com/narvanalabs/hubfleet/internal/models"
	"github.com/narvanalabs/hubfleet/internal/registry"
)

// NodeHandler handles node-related HTTP requests.
type NodeHandler struct {
	coord  *fleet.Coordinator
	auth   *auth.Service
	logger *slog.Logger
}

// NewNodeHandler creates a new node handler.
func NewNodeHandler(coord *fleet.Coordinator, authSvc *auth.Service, logger *slog.Logger) *NodeHandler {
	return &NodeHandler{
		coord:  coord,
		auth:   authSvc,
		logger: logger,
	}
}

// RegisterResponse is returned when a node is registered. The token is the
// node's credential for the agent API and is only shown once.
type RegisterResponse struct {
	Node  *models.EdgeNode `json:"node"`
	Token string           `json:"token"`
}

// Register handles POST /v1/nodes - registers a hub.
func (h *NodeHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registry.RegisterRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}

	node, err := h.coord.RegisterNode(r.Context(), req)
	if err != nil {
		WriteFleetError(w, r, h.logger, "failed to register node", err)
		return
	}

	token, err := h.auth.IssueNodeToken(node.ID)
	if err != nil {
		h.logger.Error("failed to issue node token", "error", err, "node_id", node.ID)
		WriteFleetError(w, r, h.logger, "failed to issue node token", err)
		return
	}

	WriteJSON(w, http.StatusCreated, RegisterResponse{Node: node, Token: token})
}

// List handles GET /v1/nodes - lists nodes, optionally filtered by tier.
func (h *NodeHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := registry.ListFilter{Tier: models.Tier(r.URL.Query().Get("tier"))}
	if raw := r.URL.Query().Get("include_inactive"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			WriteBadRequest(w, "include_inactive must be a boolean")
			return
		}
		filter.IncludeInactive = v
	}

	nodes, err := h.coord.ListNodes(r.Context(), filter)
	if err != nil {
		WriteFleetError(w, r, h.logger, "failed to list nodes", err)
		return
	}
	if nodes == nil {
		nodes = []*models.EdgeNode{}
	}
	WriteJSON(w, http.StatusOK, nodes)
}

// Get handles GET /v1/nodes/{nodeID}.
func (h *NodeHandler) Get(w http.ResponseWriter, r *http.Request) {
	node, err := h.coord.GetNode(r.Context(), chi.URLParam(r, "nodeID"))
	if err != nil {
		WriteFleetError(w, r, h.logger, "failed to get node", err)
		return
	}
	WriteJSON(w, http.StatusOK, node)
}

// Deactivate handles DELETE /v1/nodes/{nodeID}. The node's history is kept.
func (h *NodeHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	if err := h.coord.DeactivateNode(r.Context(), nodeID); err != nil {
		WriteFleetError(w, r, h.logger, "failed to deactivate node", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Components handles GET /v1/nodes/{nodeID}/components.
func (h *NodeHandler) Components(w http.ResponseWriter, r *http.Request) {
	installed, err := h.coord.InstalledComponents(r.Context(), chi.URLParam(r, "nodeID"))
	if err != nil {
		WriteFleetError(w, r, h.logger, "failed to load installed components", err)
		return
	}
	if installed == nil {
		installed = map[string]models.InstalledComponent{}
	}
	WriteJSON(w, http.StatusOK, installed)
}

// ComponentHistory handles GET /v1/nodes/{nodeID}/components/history.
func (h *NodeHandler) ComponentHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	records, err := h.coord.ComponentHistory(r.Context(), chi.URLParam(r, "nodeID"), limit)
	if err != nil {
		WriteFleetError(w, r, h.logger, "failed to load component history", err)
		return
	}
	if records == nil {
		records = []*models.ComponentSyncRecord{}
	}
	WriteJSON(w, http.StatusOK, records)
}
