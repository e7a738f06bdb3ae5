// Package db persists runs, their message logs, and schedules in SQLite.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/neboloop/conductor/internal/browser"
	"github.com/neboloop/conductor/internal/logging"
	"github.com/neboloop/conductor/internal/scenario"
)

const runColumns = `id, goal, source, end_reason, scenario_json, started_at, ended_at`

// Store is the single-connection database handle.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying connection for components that share it.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ browser.RunStore = (*Store)(nil)

// SaveRun upserts the run row. Messages are written separately through
// AddMessage/ReplaceMessages.
func (s *Store) SaveRun(ctx context.Context, run *browser.Run) error {
	var scenarioJSON sql.NullString
	if run.Scenario != nil {
		data, err := json.Marshal(run.Scenario)
		if err != nil {
			return fmt.Errorf("encode scenario: %w", err)
		}
		scenarioJSON = sql.NullString{String: string(data), Valid: true}
	}
	var endedAt int64
	if run.Finished() {
		endedAt = run.EndedAt.Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, goal, source, end_reason, scenario_json, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			goal = excluded.goal,
			source = excluded.source,
			end_reason = excluded.end_reason,
			scenario_json = excluded.scenario_json,
			ended_at = excluded.ended_at
	`, run.ID, run.Goal, string(run.Source), run.EndReason, scenarioJSON, run.StartedAt.Unix(), endedAt)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

func (s *Store) AddMessage(ctx context.Context, runID string, msg browser.RunMessage) error {
	at := msg.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_messages (run_id, role, kind, text, image, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, runID, msg.Role, msg.Kind, msg.Text, msg.Image, at.Unix())
	if err != nil {
		return fmt.Errorf("add message to run %s: %w", runID, err)
	}
	return nil
}

// ReplaceMessages swaps the run's whole log for the given one.
func (s *Store) ReplaceMessages(ctx context.Context, runID string, msgs []browser.RunMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_messages WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("clear messages for run %s: %w", runID, err)
	}
	for _, msg := range msgs {
		at := msg.At
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO run_messages (run_id, role, kind, text, image, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, runID, msg.Role, msg.Kind, msg.Text, msg.Image, at.Unix()); err != nil {
			return fmt.Errorf("write message for run %s: %w", runID, err)
		}
	}
	return tx.Commit()
}

// GetRun loads one run with its full message log. Missing runs return
// nil without an error.
func (s *Store) GetRun(ctx context.Context, id string) (*browser.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msgs, err := s.runMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Messages = msgs
	return run, nil
}

// RecentRuns returns up to limit runs newest first, without message
// logs.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]*browser.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*browser.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// LatestUnfinished returns the newest run without an end timestamp,
// message log included, or nil when every run is closed.
func (s *Store) LatestUnfinished(ctx context.Context) (*browser.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs WHERE ended_at = 0 ORDER BY started_at DESC, id DESC LIMIT 1
	`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msgs, err := s.runMessages(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	run.Messages = msgs
	return run, nil
}

// CloseUnfinished stamps every dangling run as stopped, sparing
// exceptID so recovery can still adopt it.
func (s *Store) CloseUnfinished(ctx context.Context, exceptID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET ended_at = ?, end_reason = ? WHERE ended_at = 0 AND id <> ?
	`, time.Now().Unix(), browser.ReasonStopped, exceptID)
	return err
}

func (s *Store) runMessages(ctx context.Context, runID string) ([]browser.RunMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, kind, text, image, created_at FROM run_messages
		WHERE run_id = ? ORDER BY id ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []browser.RunMessage
	for rows.Next() {
		var msg browser.RunMessage
		var at int64
		if err := rows.Scan(&msg.Role, &msg.Kind, &msg.Text, &msg.Image, &at); err != nil {
			return nil, err
		}
		msg.At = time.Unix(at, 0)
		out = append(out, msg)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*browser.Run, error) {
	var (
		run          browser.Run
		source       string
		scenarioJSON sql.NullString
		startedAt    int64
		endedAt      int64
	)
	if err := row.Scan(&run.ID, &run.Goal, &source, &run.EndReason, &scenarioJSON, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	run.Source = browser.Source(source)
	run.StartedAt = time.Unix(startedAt, 0)
	if endedAt > 0 {
		run.EndedAt = time.Unix(endedAt, 0)
	}
	if scenarioJSON.Valid && scenarioJSON.String != "" {
		var sc scenario.Scenario
		if err := json.Unmarshal([]byte(scenarioJSON.String), &sc); err != nil {
			// A bad stored scenario degrades the run to autonomous replay.
			logging.Debugf("[db] run %s: dropping stored scenario: %v", run.ID, err)
		} else {
			run.Scenario = &sc
		}
	}
	return &run, nil
}

// Schedule is a recurring delegation. CronExpr uses the six-field form
// with seconds.
type Schedule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CronExpr  string    `json:"cron_expr"`
	Goal      string    `json:"goal"`
	Enabled   bool      `json:"enabled"`
	RunCount  int64     `json:"run_count"`
	LastRunAt time.Time `json:"last_run_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateSchedule inserts the schedule, assigning an id and timestamps.
func (s *Store) CreateSchedule(ctx context.Context, sched *Schedule) error {
	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	now := time.Now()
	sched.CreatedAt = now
	sched.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, cron_expr, goal, enabled, run_count, last_run_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, '', ?, ?)
	`, sched.ID, sched.Name, sched.CronExpr, sched.Goal, sched.Enabled, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

// GetSchedule returns nil without an error when the id is unknown.
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, cron_expr, goal, enabled, run_count, last_run_at, last_error, created_at, updated_at
		FROM schedules WHERE id = ?
	`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return sched, err
}

func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, goal, enabled, run_count, last_run_at, last_error, created_at, updated_at
		FROM schedules ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// UpdateSchedule rewrites the editable fields (name, cron, goal,
// enabled).
func (s *Store) UpdateSchedule(ctx context.Context, sched *Schedule) error {
	sched.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET name = ?, cron_expr = ?, goal = ?, enabled = ?, updated_at = ? WHERE id = ?
	`, sched.Name, sched.CronExpr, sched.Goal, sched.Enabled, sched.UpdatedAt.Unix(), sched.ID)
	if err != nil {
		return fmt.Errorf("update schedule %s: %w", sched.ID, err)
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return err
}

// MarkScheduleRun records one firing: bumps the counter and stores the
// outcome, empty runErr meaning success.
func (s *Store) MarkScheduleRun(ctx context.Context, id string, at time.Time, runErr string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET run_count = run_count + 1, last_run_at = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, at.Unix(), runErr, time.Now().Unix(), id)
	return err
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var (
		sched     Schedule
		lastRunAt int64
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&sched.ID, &sched.Name, &sched.CronExpr, &sched.Goal, &sched.Enabled,
		&sched.RunCount, &lastRunAt, &sched.LastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if lastRunAt > 0 {
		sched.LastRunAt = time.Unix(lastRunAt, 0)
	}
	sched.CreatedAt = time.Unix(createdAt, 0)
	sched.UpdatedAt = time.Unix(updatedAt, 0)
	return &sched, nil
}
