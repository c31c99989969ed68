package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/sqfstream/internal/chain"
	"github.com/roach88/sqfstream/internal/executor"
	"github.com/roach88/sqfstream/internal/plan"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - Added index on plan_steps(plan_id, seq)
const currentSchemaVersion = 1

// MemoryPath opens a private in-memory journal.
const MemoryPath = ":memory:"

// Journal stores plan runs.
type Journal struct {
	db     *sql.DB
	clock  *Clock
	logger *slog.Logger
}

// Open creates or opens a journal at path. An empty path means MemoryPath.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if path == "" {
		path = MemoryPath
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}

	// One connection: SQLite has a single writer, and an in-memory database
	// lives only as long as its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	var last sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(seq) FROM (
		SELECT MAX(seq) AS seq FROM plan_steps
		UNION ALL SELECT MAX(updated_seq) FROM plans
	)`).Scan(&last); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read journal position: %w", err)
	}

	return &Journal{db: db, clock: NewClockAt(last.Int64), logger: logger}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return runMigrations(db)
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_plan_steps_plan ON plan_steps(plan_id, seq)`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Register records a plan before it runs. Registering twice is a no-op.
func (j *Journal) Register(ctx context.Context, p *plan.Plan) error {
	seq := j.clock.Next()
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO plans (id, digest, total_steps, status, created_seq, updated_seq)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, p.ID, p.Digest, len(p.Steps), string(executor.StatusIdle), seq, seq)
	if err != nil {
		return fmt.Errorf("register plan %s: %w", p.ID, err)
	}
	return nil
}

// Observe implements executor.Observer. Plans not registered beforehand are
// recorded on their first progress, without a digest.
func (j *Journal) Observe(ctx context.Context, p executor.Progress) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("observe: %w", err)
	}
	defer tx.Rollback()

	seq := j.clock.Next()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO plans (id, total_steps, status, created_seq, updated_seq)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, p.PlanID, p.Total, string(p.State.Status), seq, seq); err != nil {
		return fmt.Errorf("observe plan %s: %w", p.PlanID, err)
	}

	var errKind, errText string
	if p.Err != nil {
		errKind = string(chain.KindOf(p.Err))
		errText = p.Err.Error()
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO plan_steps (seq, plan_id, step_index, kind, label, status, error_kind, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, seq, p.PlanID, p.StepIndex, string(p.Kind), p.Label, string(p.Status), errKind, errText); err != nil {
		return fmt.Errorf("observe step %s/%d: %w", p.PlanID, p.StepIndex, err)
	}

	var failedStep sql.NullInt64
	var reason string
	if p.State.Status == executor.StatusFailed {
		failedStep = sql.NullInt64{Int64: int64(p.State.Step), Valid: true}
		if p.State.Reason != nil {
			reason = p.State.Reason.Error()
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE plans SET status = ?, failed_step = ?, reason = ?, updated_seq = ? WHERE id = ?
	`, string(p.State.Status), failedStep, reason, seq, p.PlanID); err != nil {
		return fmt.Errorf("observe plan %s: %w", p.PlanID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("observe: %w", err)
	}
	j.logger.Debug("journal recorded step", "plan_id", p.PlanID, "step_index", p.StepIndex, "status", p.Status, "seq", seq)
	return nil
}

// PlanRecord is a journaled plan.
type PlanRecord struct {
	ID         string `json:"id"`
	Digest     string `json:"digest"`
	TotalSteps int    `json:"total_steps"`
	Status     string `json:"status"`
	FailedStep *int   `json:"failed_step,omitempty"`
	Reason     string `json:"reason,omitempty"`
	CreatedSeq int64  `json:"created_seq"`
	UpdatedSeq int64  `json:"updated_seq"`
}

// StepRecord is one journaled progress of a plan.
type StepRecord struct {
	Seq       int64  `json:"seq"`
	PlanID    string `json:"plan_id"`
	StepIndex int    `json:"step_index"`
	Kind      string `json:"kind"`
	Label     string `json:"label"`
	Status    string `json:"status"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ErrPlanNotFound is returned by Plan for an unknown id.
var ErrPlanNotFound = errors.New("plan not found")

// Plans returns every journaled plan in creation order.
func (j *Journal) Plans(ctx context.Context) ([]PlanRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, digest, total_steps, status, failed_step, reason, created_seq, updated_seq
		FROM plans
		ORDER BY created_seq ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	var out []PlanRecord
	for rows.Next() {
		rec, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Plan returns one journaled plan.
func (j *Journal) Plan(ctx context.Context, id string) (PlanRecord, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT id, digest, total_steps, status, failed_step, reason, created_seq, updated_seq
		FROM plans WHERE id = ?
	`, id)
	rec, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PlanRecord{}, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	return rec, err
}

// Steps returns a plan's journaled progress in seq order.
func (j *Journal) Steps(ctx context.Context, planID string) ([]StepRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, plan_id, step_index, kind, label, status, error_kind, error
		FROM plan_steps
		WHERE plan_id = ?
		ORDER BY seq ASC
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		var r StepRecord
		if err := rows.Scan(&r.Seq, &r.PlanID, &r.StepIndex, &r.Kind, &r.Label, &r.Status, &r.ErrorKind, &r.Error); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(s scanner) (PlanRecord, error) {
	var rec PlanRecord
	var failed sql.NullInt64
	if err := s.Scan(&rec.ID, &rec.Digest, &rec.TotalSteps, &rec.Status, &failed, &rec.Reason, &rec.CreatedSeq, &rec.UpdatedSeq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PlanRecord{}, err
		}
		return PlanRecord{}, fmt.Errorf("scan plan: %w", err)
	}
	if failed.Valid {
		step := int(failed.Int64)
		rec.FailedStep = &step
	}
	return rec, nil
}

var _ executor.Observer = (*Journal)(nil)
