package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/narvanalabs/hubfleet/internal/fleet"
	"github.com/narvanalabs/hubfleet/internal/models"
)

// CommandHandler handles the operator side of the command queue.
type CommandHandler struct {
	coord  *fleet.Coordinator
	logger *slog.Logger
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(coord *fleet.Coordinator, logger *slog.Logger) *CommandHandler {
	return &CommandHandler{
		coord:  coord,
		logger: logger,
	}
}

// EnqueueRequest represents the request body for queueing a command.
type EnqueueRequest struct {
	Type    models.CommandType `json:"type"`
	Payload json.RawMessage    `json:"payload,omitempty"`
	// TTLSeconds overrides the default time to live. Zero expires the
	// command on the next sweep.
	TTLSeconds *int `json:"ttl_seconds,omitempty"`
}

// Enqueue handles POST /v1/nodes/{nodeID}/commands.
func (h *CommandHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}

	cr := fleet.CommandRequest{Type: req.Type, Payload: req.Payload}
	if req.TTLSeconds != nil {
		ttl := time.Duration(*req.TTLSeconds) * time.Second
		cr.TTL = &ttl
	}

	cmd, err := h.coord.EnqueueCommand(r.Context(), chi.URLParam(r, "nodeID"), cr)
	if err != nil {
		WriteFleetError(w, r, h.logger, "failed to enqueue command", err)
		return
	}
	WriteJSON(w, http.StatusCreated, cmd)
}

// History handles GET /v1/nodes/{nodeID}/commands.
func (h *CommandHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	cmds, err := h.coord.CommandHistory(r.Context(), chi.URLParam(r, "nodeID"), limit)
	if err != nil {
		WriteFleetError(w, r, h.logger, "failed to load command history", err)
		return
	}
	if cmds == nil {
		cmds = []*models.EdgeNodeCommand{}
	}
	WriteJSON(w, http.StatusOK, cmds)
}

// Get handles GET /v1/commands/{commandID}.
func (h *CommandHandler) Get(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.coord.GetCommand(r.Context(), chi.URLParam(r, "commandID"))
	if err != nil {
		WriteFleetError(w, r, h.logger, "failed to get command", err)
		return
	}
	WriteJSON(w, http.StatusOK, cmd)
}
