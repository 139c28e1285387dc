package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/narvanalabs/hubfleet/internal/api/middleware"
	"github.com/narvanalabs/hubfleet/internal/components"
	"github.com/narvanalabs/hubfleet/internal/fleet"
	"github.com/narvanalabs/hubfleet/internal/fleeterr"
	"github.com/narvanalabs/hubfleet/internal/heartbeat"
	"github.com/narvanalabs/hubfleet/internal/models"
)

const (
	watchPingInterval = 30 * time.Second
	watchWriteTimeout = 10 * time.Second
)

// AgentHandler serves the API used by hub agents. The node is always the one
// named by the agent's token.
type AgentHandler struct {
	coord        *fleet.Coordinator
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	pingInterval time.Duration
}

// NewAgentHandler creates a new agent handler.
func NewAgentHandler(coord *fleet.Coordinator, logger *slog.Logger) *AgentHandler {
	return &AgentHandler{
		coord:  coord,
		logger: logger,
		upgrader: websocket.Upgrader{
			// Agents are not browsers; the token is the only credential.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pingInterval: watchPingInterval,
	}
}

// CommandBatch is pushed to watching agents.
type CommandBatch struct {
	Commands []*models.EdgeNodeCommand `json:"commands"`
}

// Heartbeat handles POST /v1/agent/heartbeat.
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var report heartbeat.Report
	if !decodeJSON(w, r, &report, false) {
		return
	}

	nodeID := middleware.GetNodeID(r.Context())
	outcome, err := h.coord.ReportHeartbeat(r.Context(), nodeID, report)
	if err != nil {
		WriteFleetError(w, r, h.logger, "failed to record heartbeat", err)
		return
	}

	h.logger.Debug("heartbeat received", "node_id", nodeID, "applied", outcome.Applied, "stale", outcome.Stale)
	WriteJSON(w, http.StatusOK, outcome)
}

// ComponentSync handles POST /v1/agent/components/sync.
func (h *AgentHandler) ComponentSync(w http.ResponseWriter, r *http.Request) {
	var report components.SyncReport
	if !decodeJSON(w, r, &report, false) {
		return
	}

	record, err := h.coord.RecordComponentSync(r.Context(), middleware.GetNodeID(r.Context()), report)
	if err != nil {
		WriteFleetError(w, r, h.logger, "failed to record component sync", err)
		return
	}
	WriteJSON(w, http.StatusCreated, record)
}

// Pull handles GET /v1/agent/commands - returns outstanding commands in
// enqueue order and marks them sent.
func (h *AgentHandler) Pull(w http.ResponseWriter, r *http.Request) {
	cmds, err := h.coord.PullCommands(r.Context(), middleware.GetNodeID(r.Context()))
	if err != nil {
		WriteFleetError(w, r, h.logger, "failed to pull commands", err)
		return
	}
	if cmds == nil {
		cmds = []*models.EdgeNodeCommand{}
	}
	WriteJSON(w, http.StatusOK, CommandBatch{Commands: cmds})
}

// Acknowledge handles POST /v1/agent/commands/{commandID}/ack.
func (h *AgentHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	var result models.CommandResult
	if !decodeJSON(w, r, &result, false) {
		return
	}

	cmd, err := h.coord.AcknowledgeCommand(r.Context(), middleware.GetNodeID(r.Context()), chi.URLParam(r, "commandID"), result)
	if err != nil {
		WriteFleetError(w, r, h.logger, "failed to acknowledge command", err)
		return
	}
	WriteJSON(w, http.StatusOK, cmd)
}

// Watch handles GET /v1/agent/commands/watch. It upgrades to a websocket and
// pushes a CommandBatch whenever commands are queued for the node, starting
// with whatever is already outstanding.
func (h *AgentHandler) Watch(w http.ResponseWriter, r *http.Request) {
	nodeID := middleware.GetNodeID(r.Context())

	// Reject unknown or deactivated nodes before upgrading.
	node, err := h.coord.GetNode(r.Context(), nodeID)
	if err != nil {
		WriteFleetError(w, r, h.logger, "failed to open command watch", err)
		return
	}
	if !node.Active {
		WriteFleetError(w, r, h.logger, "failed to open command watch",
			fleeterr.Wrap(fleeterr.ErrNodeInactive, "node %s", nodeID))
		return
	}

	wake, cancel := h.coord.WatchCommands(nodeID)
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket", "error", err, "node_id", nodeID)
		return
	}
	defer conn.Close()

	h.logger.Info("agent watching commands", "node_id", nodeID)
	defer h.logger.Info("agent stopped watching commands", "node_id", nodeID)

	// The reader only exists to notice the agent going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	push := func() bool {
		cmds, err := h.coord.PullCommands(r.Context(), nodeID)
		if err != nil {
			h.logger.Warn("failed to pull commands for watcher", "error", err, "node_id", nodeID)
			return true
		}
		if len(cmds) == 0 {
			return true
		}
		conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
		if err := conn.WriteJSON(CommandBatch{Commands: cmds}); err != nil {
			h.logger.Debug("command push failed", "error", err, "node_id", nodeID)
			return false
		}
		return true
	}

	if !push() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case _, ok := <-wake:
			if !ok || !push() {
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(watchWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
