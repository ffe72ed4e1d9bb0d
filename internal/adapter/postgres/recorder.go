package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Recorder is a best-effort audit sink for build/query status events: it
// implements the same Publish(ctx, subject, data) shape the NATS adapter
// does, so it can be wired as a second EventPublisher wherever one is
// accepted. Decode and write failures are returned from Publish; the
// query and build publishers only log them, since this is an audit
// trail, not the system of record (that's the in-memory stores).
type Recorder struct {
	pool *pgxpool.Pool
}

// NewRecorder constructs a Recorder over an already-migrated pool.
func NewRecorder(pool *pgxpool.Pool) *Recorder {
	return &Recorder{pool: pool}
}

// Publish upserts the event's payload into the queries or builds table,
// dispatching on the subject's leading segment ("queries." / "builds.").
// Any other subject, or a payload without a query/build id, is ignored;
// a payload that is not valid JSON returns a decode error.
func (r *Recorder) Publish(ctx context.Context, subject string, data []byte) error {
	switch {
	case strings.HasPrefix(subject, "queries."):
		return r.recordQuery(ctx, data)
	case strings.HasPrefix(subject, "builds."):
		return r.recordBuild(ctx, data)
	default:
		return nil
	}
}

type queryEvent struct {
	QueryID        string         `json:"queryId"`
	ProjectID      string         `json:"projectId"`
	Status         string         `json:"status"`
	SQL            *string        `json:"sql"`
	Columns        []any          `json:"columns"`
	Rows           []any          `json:"rows"`
	Warnings       []string       `json:"warnings"`
	TotalPages     *int           `json:"totalPages"`
	Error          *string        `json:"error"`
	RequestPayload map[string]any `json:"requestPayload"`
}

func (r *Recorder) recordQuery(ctx context.Context, data []byte) error {
	var event queryEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("recorder: decode query event: %w", err)
	}
	if event.QueryID == "" {
		return nil
	}

	columns, err := json.Marshal(event.Columns)
	if err != nil {
		return err
	}
	rows, err := json.Marshal(event.Rows)
	if err != nil {
		return err
	}
	warnings, err := json.Marshal(event.Warnings)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO queries (query_id, project_id, status, sql, columns, rows, warnings, total_pages, error, request_payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (query_id) DO UPDATE SET
			status = EXCLUDED.status,
			sql = EXCLUDED.sql,
			columns = EXCLUDED.columns,
			rows = EXCLUDED.rows,
			warnings = EXCLUDED.warnings,
			total_pages = EXCLUDED.total_pages,
			error = EXCLUDED.error`,
		event.QueryID, event.ProjectID, event.Status, event.SQL, columns, rows, warnings, event.TotalPages, event.Error, event.RequestPayload)
	if err != nil {
		return fmt.Errorf("recorder: upsert query: %w", err)
	}
	return nil
}

type buildEvent struct {
	BuildID    string   `json:"buildId"`
	ProjectID  string   `json:"projectId"`
	Status     string   `json:"status"`
	GitRef     *string  `json:"gitRef"`
	Commit     *string  `json:"commit"`
	StartedAt  *string  `json:"startedAt"`
	FinishedAt *string  `json:"finishedAt"`
	Errors     []string `json:"errors"`
	Warnings   []string `json:"warnings"`
	LogTail    *string  `json:"logTail"`
}

func (r *Recorder) recordBuild(ctx context.Context, data []byte) error {
	var event buildEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("recorder: decode build event: %w", err)
	}
	if event.BuildID == "" {
		return nil
	}

	errs, err := json.Marshal(event.Errors)
	if err != nil {
		return err
	}
	warnings, err := json.Marshal(event.Warnings)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO builds (build_id, project_id, status, git_ref, commit, started_at, finished_at, errors, warnings, log_tail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (build_id) DO UPDATE SET
			status = EXCLUDED.status,
			commit = EXCLUDED.commit,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			errors = EXCLUDED.errors,
			warnings = EXCLUDED.warnings,
			log_tail = EXCLUDED.log_tail`,
		event.BuildID, event.ProjectID, event.Status, event.GitRef, event.Commit, event.StartedAt, event.FinishedAt, errs, warnings, event.LogTail)
	if err != nil {
		return fmt.Errorf("recorder: upsert build: %w", err)
	}
	return nil
}
