package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lightdash/metricqueryd/internal/adapter/postgres"
)

// setupRecorder creates a pgxpool connection, runs all migrations, and
// returns a ready-to-use Recorder. The pool is closed via t.Cleanup.
func setupRecorder(t *testing.T) (*postgres.Recorder, *pgxpool.Pool) {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()

	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.NewRecorder(pool), pool
}

func TestRecorder_PublishUpsertsQuery(t *testing.T) {
	recorder, pool := setupRecorder(t)
	ctx := context.Background()

	queryID := uuid.NewString()
	payload := fmt.Sprintf(`{"queryId":%q,"projectId":"proj1","status":"SUCCESSFUL","totalPages":1}`, queryID)

	if err := recorder.Publish(ctx, "queries.proj1.status", []byte(payload)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var status string
	if err := pool.QueryRow(ctx, `SELECT status FROM queries WHERE query_id = $1`, queryID).Scan(&status); err != nil {
		t.Fatalf("query row: %v", err)
	}
	if status != "SUCCESSFUL" {
		t.Errorf("status = %q, want SUCCESSFUL", status)
	}
}

func TestRecorder_PublishUpsertsBuild(t *testing.T) {
	recorder, pool := setupRecorder(t)
	ctx := context.Background()

	buildID := uuid.NewString()
	payload := fmt.Sprintf(`{"buildId":%q,"projectId":"proj1","status":"SUCCEEDED","errors":[],"warnings":[]}`, buildID)

	if err := recorder.Publish(ctx, "builds.proj1.status", []byte(payload)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	var status string
	if err := pool.QueryRow(ctx, `SELECT status FROM builds WHERE build_id = $1`, buildID).Scan(&status); err != nil {
		t.Fatalf("query row: %v", err)
	}
	if status != "SUCCEEDED" {
		t.Errorf("status = %q, want SUCCEEDED", status)
	}
}

func TestRecorder_PublishIgnoresUnknownSubject(t *testing.T) {
	recorder, _ := setupRecorder(t)
	if err := recorder.Publish(context.Background(), "other.subject", []byte("{}")); err != nil {
		t.Errorf("Publish on unknown subject should be a no-op, got: %v", err)
	}
}
