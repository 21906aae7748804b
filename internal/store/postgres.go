package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	json "github.com/bytedance/sonic"
	_ "github.com/lib/pq"

	"github.com/chase3718/hichord-qa/internal/report"
)

const schema = `
CREATE TABLE IF NOT EXISTS qa_reports (
	run_id      TEXT PRIMARY KEY,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	status      TEXT NOT NULL,
	passed      INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	total       INTEGER NOT NULL,
	firmware    TEXT,
	pcb_batch   INTEGER,
	body        JSONB NOT NULL
)`

// PostgresStore keeps reports in the qa_reports table. Summary columns are
// denormalised for bench dashboards; body holds the full report.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Save(ctx context.Context, r report.FinalReport) error {
	if err := validate(r); err != nil {
		return err
	}
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	var firmware sql.NullString
	var batch sql.NullInt32
	if r.Identity != nil {
		firmware = sql.NullString{String: r.Identity.FirmwareVersion(), Valid: true}
		batch = sql.NullInt32{Int32: int32(r.Identity.PCBBatch), Valid: true}
	}
	var finished sql.NullTime
	if !r.FinishedAt.IsZero() {
		finished = sql.NullTime{Time: r.FinishedAt, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO qa_reports (run_id, started_at, finished_at, status, passed, failed, total, firmware, pcb_batch, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			status      = EXCLUDED.status,
			passed      = EXCLUDED.passed,
			failed      = EXCLUDED.failed,
			total       = EXCLUDED.total,
			firmware    = EXCLUDED.firmware,
			pcb_batch   = EXCLUDED.pcb_batch,
			body        = EXCLUDED.body`,
		r.RunID, r.StartedAt, finished, string(r.Status()),
		r.PassedCount, r.FailedCount, r.TotalCount, firmware, batch, string(body),
	)
	if err != nil {
		return fmt.Errorf("save report %s: %w", r.RunID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, runID string) (report.FinalReport, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM qa_reports WHERE run_id = $1`, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return report.FinalReport{}, ErrNotFound
	}
	if err != nil {
		return report.FinalReport{}, fmt.Errorf("get report %s: %w", runID, err)
	}
	return decode(body)
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]report.FinalReport, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM qa_reports ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []report.FinalReport
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		r, err := decode(body)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func decode(body []byte) (report.FinalReport, error) {
	var r report.FinalReport
	if err := json.Unmarshal(body, &r); err != nil {
		return report.FinalReport{}, fmt.Errorf("unmarshal report: %w", err)
	}
	return r, nil
}
