package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/narvanalabs/hubfleet/internal/models"
	"github.com/narvanalabs/hubfleet/internal/store"
)

// DeploymentStore implements store.DeploymentStore using PostgreSQL.
type DeploymentStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *DeploymentStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const deploymentColumns = `id, edge_node_id, service_package_ref, commit_sha, status, rollback_of,
	failure_cause, failure_detail, poll_attempts, next_poll_at,
	started_at, completed_at, updated_at`

// CreateExclusive inserts d unless its node already has an active deployment.
// The partial unique index fleet_deployments_one_active enforces the rule.
func (s *DeploymentStore) CreateExclusive(ctx context.Context, d *models.FleetDeployment) error {
	query := `
		INSERT INTO fleet_deployments (` + deploymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.conn().ExecContext(ctx, query,
		d.ID,
		d.EdgeNodeID,
		d.ServicePackageRef,
		d.CommitSHA,
		d.Status,
		d.RollbackOf,
		d.FailureCause,
		d.FailureDetail,
		d.PollAttempts,
		d.NextPollAt,
		d.StartedAt,
		d.CompletedAt,
		d.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("inserting deployment: %w", err)
	}
	return nil
}

// Get retrieves a deployment by ID.
func (s *DeploymentStore) Get(ctx context.Context, id string) (*models.FleetDeployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM fleet_deployments WHERE id = $1`

	d, err := scanDeployment(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if isNotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying deployment: %w", err)
	}
	return d, nil
}

// ListByNode retrieves all deployments of a node, newest first.
func (s *DeploymentStore) ListByNode(ctx context.Context, nodeID string) ([]*models.FleetDeployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM fleet_deployments
		WHERE edge_node_id = $1
		ORDER BY started_at DESC, id DESC`

	rows, err := s.conn().QueryContext(ctx, query, nodeID)
	if err != nil {
		return nil, fmt.Errorf("querying deployments by node: %w", err)
	}
	defer rows.Close()

	return scanDeployments(rows)
}

// ListDue retrieves deployments in statuses whose next poll time is at or before now.
func (s *DeploymentStore) ListDue(ctx context.Context, statuses []models.DeploymentStatus, now time.Time, limit int) ([]*models.FleetDeployment, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + deploymentColumns + ` FROM fleet_deployments
		WHERE status = ANY($1) AND (next_poll_at IS NULL OR next_poll_at <= $2)
		ORDER BY COALESCE(next_poll_at, started_at) ASC
		LIMIT $3`

	rows, err := s.conn().QueryContext(ctx, query, pq.Array(names), now, limit)
	if err != nil {
		return nil, fmt.Errorf("querying due deployments: %w", err)
	}
	defer rows.Close()

	return scanDeployments(rows)
}

// Transition persists d if the stored status equals expected.
func (s *DeploymentStore) Transition(ctx context.Context, d *models.FleetDeployment, expected models.DeploymentStatus) error {
	query := `
		UPDATE fleet_deployments
		SET status = $2, commit_sha = $3, failure_cause = $4, failure_detail = $5,
			poll_attempts = $6, next_poll_at = $7, completed_at = $8, updated_at = $9
		WHERE id = $1 AND status = $10`

	result, err := s.conn().ExecContext(ctx, query,
		d.ID,
		d.Status,
		d.CommitSHA,
		d.FailureCause,
		d.FailureDetail,
		d.PollAttempts,
		d.NextPollAt,
		d.CompletedAt,
		d.UpdatedAt,
		expected,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("updating deployment: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	found, err := exists(ctx, s.conn(), "fleet_deployments", d.ID)
	if err != nil {
		return fmt.Errorf("checking deployment: %w", err)
	}
	if !found {
		return store.ErrNotFound
	}
	return store.ErrPreconditionFailed
}

// LatestHealthyBefore returns the newest healthy deployment of a node started before the given time.
func (s *DeploymentStore) LatestHealthyBefore(ctx context.Context, nodeID string, before time.Time) (*models.FleetDeployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM fleet_deployments
		WHERE edge_node_id = $1 AND status = 'healthy' AND started_at < $2
		ORDER BY started_at DESC
		LIMIT 1`

	d, err := scanDeployment(s.conn().QueryRowContext(ctx, query, nodeID, before))
	if err != nil {
		if isNotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying last healthy deployment: %w", err)
	}
	return d, nil
}

func scanDeployment(row rowScanner) (*models.FleetDeployment, error) {
	var d models.FleetDeployment
	err := row.Scan(
		&d.ID,
		&d.EdgeNodeID,
		&d.ServicePackageRef,
		&d.CommitSHA,
		&d.Status,
		&d.RollbackOf,
		&d.FailureCause,
		&d.FailureDetail,
		&d.PollAttempts,
		&d.NextPollAt,
		&d.StartedAt,
		&d.CompletedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func scanDeployments(rows *sql.Rows) ([]*models.FleetDeployment, error) {
	var deployments []*models.FleetDeployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning deployment: %w", err)
		}
		deployments = append(deployments, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating deployments: %w", err)
	}
	return deployments, nil
}
