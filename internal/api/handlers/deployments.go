package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/narvanalabs/hubfleet/internal/api/middleware"
	"github.com/narvanalabs/hubfleet/internal/fleet"
	"github.com/narvanalabs/hubfleet/internal/gitops"
	"github.com/narvanalabs/hubfleet/internal/models"
)

// DeploymentHandler handles deployment-related HTTP requests.
type DeploymentHandler struct {
	coord  *fleet.Coordinator
	logger *slog.Logger
}

// NewDeploymentHandler creates a new deployment handler.
func NewDeploymentHandler(coord *fleet.Coordinator, logger *slog.Logger) *DeploymentHandler {
	return &DeploymentHandler{
		coord:  coord,
		logger: logger,
	}
}

// CreateDeploymentRequest represents the request body for creating a deployment.
type CreateDeploymentRequest struct {
	PackageRef string `json:"package_ref"`
}

// ReportStatusRequest carries a rollout status event from the delivery bridge.
type ReportStatusRequest struct {
	Status gitops.RolloutStatus `json:"status"`
}

// Create handles POST /v1/nodes/{nodeID}/deployments.
//
// A deployment whose descriptor could not be committed is still created and
// returned with status failed.
func (h *DeploymentHandler) Create(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")

	var req CreateDeploymentRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if req.PackageRef == "" {
		WriteBadRequest(w, "package_ref is required")
		return
	}

	dep, err := h.coord.Deploy(r.Context(), nodeID, req.PackageRef)
	if err != nil {
		WriteFleetError(w, r, h.logger, "failed to deploy", err)
		return
	}

	h.logger.Info("deployment requested",
		"deployment_id", dep.ID,
		"node_id", nodeID,
		"package_ref", req.PackageRef,
		"status", dep.Status,
		"subject", middleware.GetSubject(r.Context()),
	)
	WriteJSON(w, http.StatusCreated, dep)
}

// List handles GET /v1/nodes/{nodeID}/deployments - newest first.
func (h *DeploymentHandler) List(w http.ResponseWriter, r *http.Request) {
	deps, err := h.coord.ListDeployments(r.Context(), chi.URLParam(r, "nodeID"))
	if err != nil {
		WriteFleetError(w, r, h.logger, "failed to list deployments", err)
		return
	}
	if deps == nil {
		deps = []*models.FleetDeployment{}
	}
	WriteJSON(w, http.StatusOK, deps)
}

// Get handles GET /v1/deployments/{deploymentID}.
func (h *DeploymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	dep, err := h.coord.GetDeployment(r.Context(), chi.URLParam(r, "deploymentID"))
	if err != nil {
		WriteFleetError(w, r, h.logger, "failed to get deployment", err)
		return
	}
	WriteJSON(w, http.StatusOK, dep)
}

// Rollback handles POST /v1/deployments/{deploymentID}/rollback.
func (h *DeploymentHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "deploymentID")
	dep, err := h.coord.Rollback(r.Context(), sourceID)
	if err != nil {
		WriteFleetError(w, r, h.logger, "failed to roll back", err)
		return
	}

	h.logger.Info("rollback requested",
		"deployment_id", dep.ID,
		"rollback_of", sourceID,
		"package_ref", dep.ServicePackageRef,
		"subject", middleware.GetSubject(r.Context()),
	)
	WriteJSON(w, http.StatusCreated, dep)
}

// ReportStatus handles POST /v1/deployments/{deploymentID}/status.
func (h *DeploymentHandler) ReportStatus(w http.ResponseWriter, r *http.Request) {
	var req ReportStatusRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}

	dep, err := h.coord.ReportRolloutStatus(r.Context(), chi.URLParam(r, "deploymentID"), req.Status)
	if err != nil {
		WriteFleetError(w, r, h.logger, "failed to apply rollout status", err)
		return
	}
	WriteJSON(w, http.StatusOK, dep)
}
