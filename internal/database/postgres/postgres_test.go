//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kozaktomas/attendance/internal/config"
	"github.com/kozaktomas/attendance/internal/database"
)

func setupTestContainer(t *testing.T) (*Store, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return nil, func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	cfg := &config.DatabaseConfig{
		URL:          fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	store, err := Open(ctx, cfg)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to open store: %v", err)
	}

	cleanup := func() {
		store.Close()
		container.Terminate(ctx)
	}
	return store, cleanup
}

func unitVector(hot int) []float32 {
	v := make([]float32, EmbeddingDim)
	v[hot] = 1
	return v
}

func TestMigrateIsIdempotent(t *testing.T) {
	store, cleanup := setupTestContainer(t)
	if store == nil {
		return
	}
	defer cleanup()

	applied, err := store.pool.Migrate(context.Background())
	if err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected no pending migrations, applied %v", applied)
	}
}

func TestIdentityEmbeddings(t *testing.T) {
	store, cleanup := setupTestContainer(t)
	if store == nil {
		return
	}
	defer cleanup()
	ctx := context.Background()

	for _, e := range []database.IdentityEmbedding{
		{IdentityID: "S1", Embedding: unitVector(0), Model: "buffalo_l"},
		{IdentityID: "S1", Embedding: unitVector(1), Model: "buffalo_l"},
		{IdentityID: "S2", Embedding: unitVector(2), Model: "buffalo_l"},
		{IdentityID: "S3", Embedding: unitVector(3), Model: "buffalo_l"},
	} {
		if _, err := store.SaveIdentityEmbedding(ctx, e); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	t.Run("LoadRoster", func(t *testing.T) {
		got, err := store.LoadRosterEmbeddings(ctx, []string{"S2", "S1"})
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 vectors, got %d", len(got))
		}
		if got[0].IdentityID != "S1" || got[2].IdentityID != "S2" {
			t.Errorf("unexpected order: %s %s %s", got[0].IdentityID, got[1].IdentityID, got[2].IdentityID)
		}
		if len(got[0].Embedding) != EmbeddingDim || got[0].Embedding[0] != 1 {
			t.Errorf("embedding not round-tripped")
		}
	})

	t.Run("Nearest", func(t *testing.T) {
		query := unitVector(2)
		query[3] = 0.5
		got, err := store.NearestIdentities(ctx, query, 2)
		if err != nil {
			t.Fatalf("nearest: %v", err)
		}
		if len(got) != 2 || got[0].IdentityID != "S2" || got[1].IdentityID != "S3" {
			t.Errorf("unexpected nearest: %+v", got)
		}
	})

	t.Run("Counts", func(t *testing.T) {
		n, err := store.CountIdentityEmbeddings(ctx)
		if err != nil || n != 4 {
			t.Errorf("count = %d, %v", n, err)
		}
		ids, err := store.ListIdentities(ctx)
		if err != nil || len(ids) != 3 {
			t.Errorf("identities = %v, %v", ids, err)
		}
	})

	t.Run("WrongDimension", func(t *testing.T) {
		_, err := store.SaveIdentityEmbedding(ctx, database.IdentityEmbedding{IdentityID: "X", Embedding: []float32{1, 2}})
		if err == nil {
			t.Error("expected dimension error")
		}
	})
}

func TestAttendanceRecords(t *testing.T) {
	store, cleanup := setupTestContainer(t)
	if store == nil {
		return
	}
	defer cleanup()
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.CreateSession(ctx, database.SessionRecord{ID: "sess-1", ClassName: "Algorithms", Lecturer: "lect", StartedAt: start}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := store.RecordPresentBatch(ctx, "sess-1", []database.PresentMark{
		{IdentityID: "S1", MarkedAt: start.Add(time.Second), Confidence: 0.91},
	}); err != nil {
		t.Fatalf("batch: %v", err)
	}
	// a retried flush must not move the first mark
	if err := store.RecordPresent(ctx, "sess-1", "S1", start.Add(time.Minute), 0.99); err != nil {
		t.Fatalf("present: %v", err)
	}
	// S1 is included on purpose: absent after present must be ignored
	for _, id := range []string{"S1", "S2", "S3"} {
		if err := store.RecordAbsent(ctx, "sess-1", id); err != nil {
			t.Fatalf("absent %s: %v", id, err)
		}
	}
	if err := store.CloseSession(ctx, "sess-1", start.Add(time.Hour)); err != nil {
		t.Fatalf("close: %v", err)
	}

	records, err := store.SessionRecords(ctx, "sess-1")
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if !records[0].Present() || *records[0].Confidence != 0.91 {
		t.Errorf("S1 should keep its first mark, got %+v", records[0])
	}
	if records[1].Present() || records[2].Present() {
		t.Errorf("S2 and S3 should be absent")
	}

	sess, err := store.GetSession(ctx, "sess-1")
	if err != nil || sess == nil || sess.EndedAt == nil {
		t.Fatalf("expected closed session, got %+v, %v", sess, err)
	}
	missing, err := store.GetSession(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil for unknown session, got %+v, %v", missing, err)
	}
}
