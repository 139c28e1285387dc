package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/narvanalabs/hubfleet/internal/models"
	"github.com/narvanalabs/hubfleet/internal/store"
)

// CommandStore implements store.CommandStore using PostgreSQL.
type CommandStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *CommandStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const commandColumns = `id, edge_node_id, sequence, type, payload, status, result,
	delivery_attempts, created_at, expires_at, sent_at, acknowledged_at`

// Create inserts a command. The sequence comes from a BIGSERIAL column.
func (s *CommandStore) Create(ctx context.Context, cmd *models.EdgeNodeCommand) error {
	query := `
		INSERT INTO edge_node_commands (id, edge_node_id, type, payload, status,
			delivery_attempts, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING sequence`

	var payload []byte
	if len(cmd.Payload) > 0 {
		payload = cmd.Payload
	}

	err := s.conn().QueryRowContext(ctx, query,
		cmd.ID,
		cmd.EdgeNodeID,
		cmd.Type,
		payload,
		cmd.Status,
		cmd.DeliveryAttempts,
		cmd.CreatedAt,
		cmd.ExpiresAt,
	).Scan(&cmd.Sequence)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("inserting command: %w", err)
	}
	return nil
}

// Get retrieves a command by ID.
func (s *CommandStore) Get(ctx context.Context, id string) (*models.EdgeNodeCommand, error) {
	query := `SELECT ` + commandColumns + ` FROM edge_node_commands WHERE id = $1`

	cmd, err := scanCommand(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if isNotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying command: %w", err)
	}
	return cmd, nil
}

// ListPending retrieves unexpired queued and sent commands of a node in sequence order.
func (s *CommandStore) ListPending(ctx context.Context, nodeID string, now time.Time) ([]*models.EdgeNodeCommand, error) {
	query := `SELECT ` + commandColumns + ` FROM edge_node_commands
		WHERE edge_node_id = $1 AND status IN ('queued', 'sent') AND expires_at > $2
		ORDER BY sequence ASC`

	rows, err := s.conn().QueryContext(ctx, query, nodeID, now)
	if err != nil {
		return nil, fmt.Errorf("querying pending commands: %w", err)
	}
	defer rows.Close()

	return scanCommands(rows)
}

// MarkDelivered moves pending commands to sent and counts the delivery.
func (s *CommandStore) MarkDelivered(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE edge_node_commands
		SET status = 'sent', delivery_attempts = delivery_attempts + 1, sent_at = $2
		WHERE id = ANY($1::uuid[]) AND status IN ('queued', 'sent')`

	if _, err := s.conn().ExecContext(ctx, query, pq.Array(ids), at); err != nil {
		return fmt.Errorf("marking commands delivered: %w", err)
	}
	return nil
}

// Transition moves a command to "to" if its status is one of "from".
func (s *CommandStore) Transition(ctx context.Context, id string, from []models.CommandStatus, to models.CommandStatus, result *models.CommandResult, at time.Time) (bool, error) {
	var resultJSON []byte
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return false, fmt.Errorf("marshaling result: %w", err)
		}
		resultJSON = b
	}
	fromNames := make([]string, len(from))
	for i, st := range from {
		fromNames[i] = string(st)
	}
	var ackAt *time.Time
	if to == models.CommandStatusAcknowledged || to == models.CommandStatusFailed {
		ackAt = &at
	}

	query := `
		UPDATE edge_node_commands
		SET status = $2, result = COALESCE($3::jsonb, result),
			acknowledged_at = COALESCE($4, acknowledged_at)
		WHERE id = $1 AND status = ANY($5)`

	res, err := s.conn().ExecContext(ctx, query, id, to, resultJSON, ackAt, pq.Array(fromNames))
	if err != nil {
		return false, fmt.Errorf("updating command status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	if rows > 0 {
		return true, nil
	}

	found, err := exists(ctx, s.conn(), "edge_node_commands", id)
	if err != nil {
		return false, fmt.Errorf("checking command: %w", err)
	}
	if !found {
		return false, store.ErrNotFound
	}
	return false, nil
}

// ListExpired retrieves pending commands whose expiry is at or before now.
func (s *CommandStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.EdgeNodeCommand, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT ` + commandColumns + ` FROM edge_node_commands
		WHERE status IN ('queued', 'sent') AND expires_at <= $1
		ORDER BY sequence ASC
		LIMIT $2`

	rows, err := s.conn().QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("querying expired commands: %w", err)
	}
	defer rows.Close()

	return scanCommands(rows)
}

// ListByNode retrieves the most recent commands of a node.
func (s *CommandStore) ListByNode(ctx context.Context, nodeID string, limit int) ([]*models.EdgeNodeCommand, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + commandColumns + ` FROM edge_node_commands
		WHERE edge_node_id = $1
		ORDER BY sequence DESC
		LIMIT $2`

	rows, err := s.conn().QueryContext(ctx, query, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying commands by node: %w", err)
	}
	defer rows.Close()

	return scanCommands(rows)
}

func scanCommand(row rowScanner) (*models.EdgeNodeCommand, error) {
	var (
		cmd        models.EdgeNodeCommand
		payload    []byte
		resultJSON []byte
	)
	err := row.Scan(
		&cmd.ID,
		&cmd.EdgeNodeID,
		&cmd.Sequence,
		&cmd.Type,
		&payload,
		&cmd.Status,
		&resultJSON,
		&cmd.DeliveryAttempts,
		&cmd.CreatedAt,
		&cmd.ExpiresAt,
		&cmd.SentAt,
		&cmd.AcknowledgedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		cmd.Payload = json.RawMessage(payload)
	}
	if len(resultJSON) > 0 {
		cmd.Result = &models.CommandResult{}
		if err := json.Unmarshal(resultJSON, cmd.Result); err != nil {
			return nil, fmt.Errorf("unmarshaling command result: %w", err)
		}
	}
	return &cmd, nil
}

func scanCommands(rows *sql.Rows) ([]*models.EdgeNodeCommand, error) {
	var cmds []*models.EdgeNodeCommand
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		cmds = append(cmds, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}
	return cmds, nil
}
