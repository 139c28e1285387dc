package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lib/pq"
	"github.com/narvanalabs/hubfleet/internal/models"
)

// ComponentSyncStore implements store.ComponentSyncStore using PostgreSQL.
type ComponentSyncStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *ComponentSyncStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Append adds a record to the sync log.
func (s *ComponentSyncStore) Append(ctx context.Context, rec *models.ComponentSyncRecord) error {
	results := rec.Results
	if results == nil {
		results = []models.ComponentResult{}
	}
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshaling results: %w", err)
	}

	query := `
		INSERT INTO component_sync_records (id, edge_node_id, components, results, outcome, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = s.conn().ExecContext(ctx, query,
		rec.ID,
		rec.EdgeNodeID,
		pq.Array(rec.Components),
		resultsJSON,
		rec.Outcome,
		rec.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("inserting component sync record: %w", err)
	}
	return nil
}

// ListByNode retrieves the most recent sync records of a node.
func (s *ComponentSyncStore) ListByNode(ctx context.Context, nodeID string, limit int) ([]*models.ComponentSyncRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, edge_node_id, components, results, outcome, occurred_at
		FROM component_sync_records
		WHERE edge_node_id = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2`

	rows, err := s.conn().QueryContext(ctx, query, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying component sync records: %w", err)
	}
	defer rows.Close()

	var records []*models.ComponentSyncRecord
	for rows.Next() {
		var (
			rec         models.ComponentSyncRecord
			resultsJSON []byte
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.EdgeNodeID,
			pq.Array(&rec.Components),
			&resultsJSON,
			&rec.Outcome,
			&rec.OccurredAt,
		); err != nil {
			return nil, fmt.Errorf("scanning component sync record: %w", err)
		}
		if len(resultsJSON) > 0 {
			if err := json.Unmarshal(resultsJSON, &rec.Results); err != nil {
				return nil, fmt.Errorf("unmarshaling results: %w", err)
			}
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating component sync records: %w", err)
	}
	return records, nil
}
