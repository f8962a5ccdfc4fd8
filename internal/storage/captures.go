package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SaveCapture inserts c, assigning an id when it has none.
func (p *PostgresClient) SaveCapture(ctx context.Context, c *Capture) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.fillShape()
	data, err := json.Marshal(captureData{Analog: c.Analog, Digital: c.Digital})
	if err != nil {
		return fmt.Errorf("failed to marshal capture data: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO captures (id, session_id, sequence, source, sample_rate, samples, channels, note, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, c.ID, c.SessionID, int64(c.Sequence), c.Source, c.SampleRate, c.Samples, c.Channels, c.Note, data, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert capture: %w", err)
	}
	return nil
}

func (p *PostgresClient) GetCapture(ctx context.Context, id uuid.UUID) (*Capture, error) {
	var (
		c    Capture
		seq  int64
		data []byte
	)
	err := p.pool.QueryRow(ctx, `
		SELECT id, session_id, sequence, source, sample_rate, samples, channels, note, data, created_at
		FROM captures
		WHERE id = $1
	`, id).Scan(&c.ID, &c.SessionID, &seq, &c.Source, &c.SampleRate, &c.Samples, &c.Channels, &c.Note, &data, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("capture %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get capture: %w", err)
	}
	c.Sequence = uint64(seq)

	var payload captureData
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal capture data: %w", err)
	}
	c.Analog, c.Digital = payload.Analog, payload.Digital
	return &c, nil
}

// ListCaptures returns capture metadata, newest first, without samples.
func (p *PostgresClient) ListCaptures(ctx context.Context, filter CaptureFilter) ([]*Capture, error) {
	var (
		where []string
		args  []any
	)
	if filter.Source != "" {
		args = append(args, filter.Source)
		where = append(where, fmt.Sprintf("source = $%d", len(args)))
	}
	if filter.SessionID != nil {
		args = append(args, *filter.SessionID)
		where = append(where, fmt.Sprintf("session_id = $%d", len(args)))
	}
	query := `SELECT id, session_id, sequence, source, sample_rate, samples, channels, note, created_at FROM captures`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list captures: %w", err)
	}
	defer rows.Close()

	var captures []*Capture
	for rows.Next() {
		var (
			c   Capture
			seq int64
		)
		if err := rows.Scan(&c.ID, &c.SessionID, &seq, &c.Source, &c.SampleRate, &c.Samples, &c.Channels, &c.Note, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan capture: %w", err)
		}
		c.Sequence = uint64(seq)
		captures = append(captures, &c)
	}
	return captures, rows.Err()
}

func (p *PostgresClient) DeleteCapture(ctx context.Context, id uuid.UUID) error {
	result, err := p.pool.Exec(ctx, `DELETE FROM captures WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete capture: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("capture %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *PostgresClient) RecordCalibrationRun(ctx context.Context, run *CalibrationRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO calibration_runs (id, target, outcome, error, firmware, started_at, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, run.ID, run.Target, run.Outcome, run.Error, run.Firmware, run.StartedAt, run.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record calibration run: %w", err)
	}
	return nil
}

func (p *PostgresClient) ListCalibrationRuns(ctx context.Context, limit int) ([]*CalibrationRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, target, outcome, error, firmware, started_at, duration_ms
		FROM calibration_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list calibration runs: %w", err)
	}
	defer rows.Close()

	var runs []*CalibrationRun
	for rows.Next() {
		var (
			run CalibrationRun
			ms  int64
		)
		if err := rows.Scan(&run.ID, &run.Target, &run.Outcome, &run.Error, &run.Firmware, &run.StartedAt, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan calibration run: %w", err)
		}
		run.Duration = time.Duration(ms) * time.Millisecond
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
