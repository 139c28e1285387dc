package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/narvanalabs/hubfleet/internal/models"
	"github.com/narvanalabs/hubfleet/internal/store"
)

// getTestDSN returns the test database DSN from environment.
func getTestDSN() string {
	return os.Getenv("TEST_DATABASE_URL")
}

// setupTestDB creates a test database connection and applies the embedded migrations.
func setupTestDB(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := getTestDSN()
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database tests")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Fatalf("failed to ping database: %v", err)
	}

	// Drop existing tables to ensure clean state
	for _, table := range []string{"component_sync_records", "edge_node_commands", "fleet_deployments", "edge_nodes", "goose_db_version"} {
		_, _ = db.Exec("DROP TABLE IF EXISTS " + table + " CASCADE")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	m, err := NewMigrator(db, logger)
	if err != nil {
		db.Close()
		t.Fatalf("failed to create migrator: %v", err)
	}
	if err := m.Up(context.Background()); err != nil {
		db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return newStore(db, logger)
}

func createTestNode(t *testing.T, s *PostgresStore, tier models.Tier) *models.EdgeNode {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	caps := models.CapabilitiesFor(tier)
	node := &models.EdgeNode{
		ID:                  uuid.New().String(),
		Name:                "hub",
		Tier:                tier,
		ManagedByMaster:     caps.ManagedByMaster,
		AutoUpdateEnabled:   caps.AutoUpdateDefault,
		SyncStatus:          models.SyncStatusNeverSynced,
		InstalledComponents: map[string]models.InstalledComponent{},
		MeshAddress:         "100.64.0.10",
		Active:              true,
		RegisteredAt:        now,
		UpdatedAt:           now,
	}
	if err := s.Nodes().Create(context.Background(), node); err != nil {
		t.Fatalf("failed to create node: %v", err)
	}
	return node
}

// **Property: At most one active deployment per node**
// For any number of concurrent inserts, the partial unique index admits exactly one.
func TestProperty_OneActiveDeploymentPerNode(t *testing.T) {
	s := setupTestDB(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent CreateExclusive yields a single winner", prop.ForAll(
		func(n int) bool {
			ctx := context.Background()
			node := createTestNode(t, s, models.TierProperty)
			now := time.Now().UTC()

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				wins      int
				conflicts int
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := s.Deployments().CreateExclusive(ctx, &models.FleetDeployment{
						ID:                uuid.New().String(),
						EdgeNodeID:        node.ID,
						ServicePackageRef: "climate@1.0.0",
						Status:            models.DeploymentStatusPending,
						StartedAt:         now,
						UpdatedAt:         now,
					})
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						wins++
					} else if errors.Is(err, store.ErrConflict) {
						conflicts++
					} else {
						t.Logf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()
			return wins == 1 && conflicts == n-1
		},
		gen.IntRange(2, 8),
	))

	properties.TestingRun(t)
}

func TestUpdateSyncRejectsStaleWriter(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	node := createTestNode(t, s, models.TierResidential)

	first := node.Clone()
	ts := time.Now().UTC().Truncate(time.Microsecond)
	first.SyncStatus = models.SyncStatusSynced
	first.LastSyncAt = &ts
	first.UpdatedAt = ts
	if err := s.Nodes().UpdateSync(ctx, first, nil); err != nil {
		t.Fatalf("UpdateSync: %v", err)
	}

	second := node.Clone()
	second.SyncStatus = models.SyncStatusFailed
	if err := s.Nodes().UpdateSync(ctx, second, nil); !errors.Is(err, store.ErrPreconditionFailed) {
		t.Fatalf("expected ErrPreconditionFailed, got %v", err)
	}

	missing := node.Clone()
	missing.ID = uuid.New().String()
	if err := s.Nodes().UpdateSync(ctx, missing, nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCommandSequenceAndTransition(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	node := createTestNode(t, s, models.TierProperty)
	now := time.Now().UTC()

	var ids []string
	for i := 0; i < 3; i++ {
		cmd := &models.EdgeNodeCommand{
			ID:         uuid.New().String(),
			EdgeNodeID: node.ID,
			Type:       models.CommandRestart,
			Status:     models.CommandStatusQueued,
			CreatedAt:  now,
			ExpiresAt:  now.Add(time.Hour),
		}
		if err := s.Commands().Create(ctx, cmd); err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, cmd.ID)
	}

	pending, err := s.Commands().ListPending(ctx, node.ID, now)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	for i, cmd := range pending {
		if cmd.ID != ids[i] {
			t.Fatalf("pending[%d] = %s, want %s", i, cmd.ID, ids[i])
		}
	}

	if err := s.Commands().MarkDelivered(ctx, ids, now); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	got, err := s.Commands().Get(ctx, ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.CommandStatusSent || got.DeliveryAttempts != 1 {
		t.Errorf("after delivery: status=%s attempts=%d", got.Status, got.DeliveryAttempts)
	}

	ok, err := s.Commands().Transition(ctx, ids[0], models.PendingCommandStatuses, models.CommandStatusAcknowledged, &models.CommandResult{Success: true, Output: "ok"}, now)
	if err != nil || !ok {
		t.Fatalf("Transition = %v, %v", ok, err)
	}
	ok, err = s.Commands().Transition(ctx, ids[0], models.PendingCommandStatuses, models.CommandStatusFailed, nil, now)
	if err != nil || ok {
		t.Fatalf("second Transition = %v, %v", ok, err)
	}
	got, _ = s.Commands().Get(ctx, ids[0])
	if got.Result == nil || got.Result.Output != "ok" {
		t.Errorf("result not kept: %+v", got.Result)
	}
}

func TestMergeInstalledComponentsIsAdditive(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	node := createTestNode(t, s, models.TierProperty)
	now := time.Now().UTC().Truncate(time.Microsecond)

	syncA, syncB := uuid.New().String(), uuid.New().String()
	if err := s.Nodes().MergeInstalledComponents(ctx, node.ID, map[string]models.InstalledComponent{
		"mosquitto": {Version: "2.0.18", InstalledAt: now},
	}, syncA, now, now); err != nil {
		t.Fatal(err)
	}
	if err := s.Nodes().MergeInstalledComponents(ctx, node.ID, map[string]models.InstalledComponent{
		"zigbee2mqtt": {Version: "1.40.0", InstalledAt: now},
	}, syncB, now, now); err != nil {
		t.Fatal(err)
	}

	got, err := s.Nodes().Get(ctx, node.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.InstalledComponents) != 2 {
		t.Errorf("installed = %v", got.InstalledComponents)
	}
	if got.LastComponentSyncID == nil || *got.LastComponentSyncID != syncB {
		t.Errorf("LastComponentSyncID = %v", got.LastComponentSyncID)
	}
}

func TestMergeInstalledComponentsKeepsNewer(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	node := createTestNode(t, s, models.TierProperty)
	now := time.Now().UTC().Truncate(time.Microsecond)
	earlier := now.Add(-time.Hour)

	newer := &models.ComponentSyncRecord{
		ID: uuid.New().String(), EdgeNodeID: node.ID, Components: []string{"frigate"},
		Outcome: models.SyncOutcomeSuccess, OccurredAt: now,
	}
	older := &models.ComponentSyncRecord{
		ID: uuid.New().String(), EdgeNodeID: node.ID, Components: []string{"frigate"},
		Outcome: models.SyncOutcomeSuccess, OccurredAt: earlier,
	}
	for _, rec := range []*models.ComponentSyncRecord{newer, older} {
		if err := s.ComponentSyncs().Append(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Nodes().MergeInstalledComponents(ctx, node.ID, map[string]models.InstalledComponent{
		"frigate": {Version: "2.0", InstalledAt: now},
	}, newer.ID, now, now); err != nil {
		t.Fatal(err)
	}
	if err := s.Nodes().MergeInstalledComponents(ctx, node.ID, map[string]models.InstalledComponent{
		"frigate":   {Version: "1.0", InstalledAt: earlier},
		"mosquitto": {Version: "2.0.18", InstalledAt: earlier},
	}, older.ID, earlier, now); err != nil {
		t.Fatal(err)
	}

	got, err := s.Nodes().Get(ctx, node.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.InstalledComponents["frigate"].Version != "2.0" {
		t.Errorf("frigate = %+v", got.InstalledComponents["frigate"])
	}
	if got.InstalledComponents["mosquitto"].Version != "2.0.18" {
		t.Errorf("mosquitto = %+v", got.InstalledComponents["mosquitto"])
	}
	if got.LastComponentSyncID == nil || *got.LastComponentSyncID != newer.ID {
		t.Errorf("LastComponentSyncID = %v, want %s", got.LastComponentSyncID, newer.ID)
	}
}

func TestMalformedIDIsNotFound(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	if _, err := s.Nodes().Get(ctx, "not-a-uuid"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Nodes().Get = %v, want ErrNotFound", err)
	}
	if _, err := s.Deployments().Get(ctx, "not-a-uuid"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Deployments().Get = %v, want ErrNotFound", err)
	}
	if _, err := s.Commands().Get(ctx, "not-a-uuid"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Commands().Get = %v, want ErrNotFound", err)
	}
}
