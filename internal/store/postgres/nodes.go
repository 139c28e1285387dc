package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/narvanalabs/hubfleet/internal/models"
	"github.com/narvanalabs/hubfleet/internal/store"
)

// NodeStore implements store.NodeStore using PostgreSQL.
type NodeStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *NodeStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const nodeColumns = `id, name, hostname, tier, managed_by_master, auto_update_enabled,
	sync_status, last_sync_at, last_failure_at, last_failure_reason,
	installed_components, last_component_sync_id, mesh_address, health,
	active, deactivated_at, registered_at, updated_at`

// Create inserts a newly registered node.
func (s *NodeStore) Create(ctx context.Context, node *models.EdgeNode) error {
	installed := node.InstalledComponents
	if installed == nil {
		installed = map[string]models.InstalledComponent{}
	}
	installedJSON, err := json.Marshal(installed)
	if err != nil {
		return fmt.Errorf("marshaling installed components: %w", err)
	}
	healthJSON, err := marshalHealth(node.Health)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO edge_nodes (` + nodeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err = s.conn().ExecContext(ctx, query,
		node.ID,
		node.Name,
		node.Hostname,
		node.Tier,
		node.ManagedByMaster,
		node.AutoUpdateEnabled,
		node.SyncStatus,
		node.LastSyncAt,
		node.LastFailureAt,
		node.LastFailureReason,
		installedJSON,
		node.LastComponentSyncID,
		node.MeshAddress,
		healthJSON,
		node.Active,
		node.DeactivatedAt,
		node.RegisteredAt,
		node.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("inserting node: %w", err)
	}
	return nil
}

// Get retrieves a node by ID.
func (s *NodeStore) Get(ctx context.Context, id string) (*models.EdgeNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM edge_nodes WHERE id = $1`

	node, err := scanNode(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if isNotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying node: %w", err)
	}
	return node, nil
}

// List retrieves nodes ordered by registration time.
func (s *NodeStore) List(ctx context.Context, filter store.NodeFilter) ([]*models.EdgeNode, error) {
	var (
		where []string
		args  []any
	)
	if filter.Tier != "" {
		args = append(args, filter.Tier)
		where = append(where, fmt.Sprintf("tier = $%d", len(args)))
	}
	if !filter.IncludeInactive {
		where = append(where, "active")
	}

	query := `SELECT ` + nodeColumns + ` FROM edge_nodes`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY registered_at ASC, id ASC`

	rows, err := s.conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	return scanNodes(rows)
}

// Deactivate marks a node inactive.
func (s *NodeStore) Deactivate(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE edge_nodes
		SET active = false, deactivated_at = $2, updated_at = $2
		WHERE id = $1 AND active`

	result, err := s.conn().ExecContext(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("deactivating node: %w", err)
	}
	return s.checkAffected(ctx, result, id, nil)
}

// UpdateSync writes the sync fields of node if last_sync_at still matches.
func (s *NodeStore) UpdateSync(ctx context.Context, node *models.EdgeNode, expectedLastSyncAt *time.Time) error {
	healthJSON, err := marshalHealth(node.Health)
	if err != nil {
		return err
	}

	query := `
		UPDATE edge_nodes
		SET sync_status = $2, last_sync_at = $3, last_failure_at = $4,
			last_failure_reason = $5, health = $6, updated_at = $7
		WHERE id = $1 AND last_sync_at IS NOT DISTINCT FROM $8::timestamptz`

	result, err := s.conn().ExecContext(ctx, query,
		node.ID,
		node.SyncStatus,
		node.LastSyncAt,
		node.LastFailureAt,
		node.LastFailureReason,
		healthJSON,
		node.UpdatedAt,
		expectedLastSyncAt,
	)
	if err != nil {
		return fmt.Errorf("updating node sync: %w", err)
	}
	return s.checkAffected(ctx, result, node.ID, store.ErrPreconditionFailed)
}

// ListStale retrieves active synced or failed nodes whose last sync is before cutoff.
func (s *NodeStore) ListStale(ctx context.Context, cutoff time.Time) ([]*models.EdgeNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM edge_nodes
		WHERE active AND sync_status IN ('syncing', 'synced', 'sync_failed') AND last_sync_at < $1
		ORDER BY last_sync_at ASC`

	rows, err := s.conn().QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying stale nodes: %w", err)
	}
	defer rows.Close()

	return scanNodes(rows)
}

// MarkUnreachable moves a node to unreachable if it is still stale.
func (s *NodeStore) MarkUnreachable(ctx context.Context, id string, cutoff, at time.Time) (bool, error) {
	query := `
		UPDATE edge_nodes
		SET sync_status = 'unreachable', updated_at = $3
		WHERE id = $1 AND active AND sync_status IN ('syncing', 'synced', 'sync_failed') AND last_sync_at < $2`

	result, err := s.conn().ExecContext(ctx, query, id, cutoff, at)
	if err != nil {
		return false, fmt.Errorf("marking node unreachable: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return rows > 0, nil
}

// MergeInstalledComponents merges components into the node's installed projection.
// Each key is merged only if the stored entry is not newer, so late reports
// cannot roll the projection back.
func (s *NodeStore) MergeInstalledComponents(ctx context.Context, id string, components map[string]models.InstalledComponent, syncID string, syncAt, at time.Time) error {
	if components == nil {
		components = map[string]models.InstalledComponent{}
	}
	patch, err := json.Marshal(components)
	if err != nil {
		return fmt.Errorf("marshaling components: %w", err)
	}

	query := `
		UPDATE edge_nodes
		SET installed_components = installed_components || COALESCE((
				SELECT jsonb_object_agg(p.key, p.value)
				FROM jsonb_each($2::jsonb) AS p
				WHERE NOT installed_components ? p.key
					OR (installed_components -> p.key ->> 'installed_at')::timestamptz
						<= (p.value ->> 'installed_at')::timestamptz
			), '{}'::jsonb),
			last_component_sync_id = CASE
				WHEN EXISTS (
					SELECT 1 FROM component_sync_records r
					WHERE r.id = edge_nodes.last_component_sync_id AND r.occurred_at > $5
				) THEN last_component_sync_id
				ELSE $3
			END,
			updated_at = $4
		WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query, id, patch, syncID, at, syncAt)
	if err != nil {
		return fmt.Errorf("merging installed components: %w", err)
	}
	return s.checkAffected(ctx, result, id, nil)
}

// checkAffected maps a zero-row update to ErrNotFound, or to onMiss when the row exists.
func (s *NodeStore) checkAffected(ctx context.Context, result sql.Result, id string, onMiss error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	found, err := exists(ctx, s.conn(), "edge_nodes", id)
	if err != nil {
		return fmt.Errorf("checking node: %w", err)
	}
	if !found {
		return store.ErrNotFound
	}
	return onMiss
}

func marshalHealth(h *models.HealthSnapshot) ([]byte, error) {
	if h == nil {
		return nil, nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshaling health: %w", err)
	}
	return b, nil
}

func scanNode(row rowScanner) (*models.EdgeNode, error) {
	var (
		node          models.EdgeNode
		installedJSON []byte
		healthJSON    []byte
	)
	err := row.Scan(
		&node.ID,
		&node.Name,
		&node.Hostname,
		&node.Tier,
		&node.ManagedByMaster,
		&node.AutoUpdateEnabled,
		&node.SyncStatus,
		&node.LastSyncAt,
		&node.LastFailureAt,
		&node.LastFailureReason,
		&installedJSON,
		&node.LastComponentSyncID,
		&node.MeshAddress,
		&healthJSON,
		&node.Active,
		&node.DeactivatedAt,
		&node.RegisteredAt,
		&node.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	node.InstalledComponents = map[string]models.InstalledComponent{}
	if len(installedJSON) > 0 {
		if err := json.Unmarshal(installedJSON, &node.InstalledComponents); err != nil {
			return nil, fmt.Errorf("unmarshaling installed components: %w", err)
		}
	}
	if len(healthJSON) > 0 {
		node.Health = &models.HealthSnapshot{}
		if err := json.Unmarshal(healthJSON, node.Health); err != nil {
			return nil, fmt.Errorf("unmarshaling health: %w", err)
		}
	}
	return &node, nil
}

func scanNodes(rows *sql.Rows) ([]*models.EdgeNode, error) {
	var nodes []*models.EdgeNode
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating nodes: %w", err)
	}
	return nodes, nil
}
