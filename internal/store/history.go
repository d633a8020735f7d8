package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// CallRecord is one row of the local call log.
type CallRecord struct {
	ID          int64
	CallID      string
	Direction   string // "inbound" or "outbound"
	Peer        string
	Disposition string // "admitted", "rejected", or "ended"
	Cause       string
	StartedAt   time.Time
	EndedAt     *time.Time
}

// CallRepository provides call-log persistence.
type CallRepository interface {
	Create(ctx context.Context, rec *CallRecord) error
	MarkEnded(ctx context.Context, callID, cause string, at time.Time) error
	ListRecent(ctx context.Context, limit int) ([]CallRecord, error)
	CountByDirection(ctx context.Context) (inbound, outbound int64, err error)
}

type callRepo struct {
	db *DB
}

// NewCallRepository creates a CallRepository backed by db.
func NewCallRepository(db *DB) CallRepository {
	return &callRepo{db: db}
}

func (r *callRepo) Create(ctx context.Context, rec *CallRecord) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO call_records (call_id, direction, peer, disposition, cause, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.Direction, rec.Peer, rec.Disposition, rec.Cause,
		rec.StartedAt, rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting call record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// MarkEnded closes the most recent open record for a call.
func (r *callRepo) MarkEnded(ctx context.Context, callID, cause string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_records SET disposition = 'ended', cause = ?, ended_at = ?
		 WHERE id = (
		     SELECT id FROM call_records
		     WHERE call_id = ? AND ended_at IS NULL
		     ORDER BY started_at DESC LIMIT 1
		 )`,
		cause, at, callID,
	)
	if err != nil {
		return fmt.Errorf("marking call ended: %w", err)
	}
	return nil
}

func (r *callRepo) ListRecent(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, call_id, direction, peer, disposition, cause, started_at, ended_at
		 FROM call_records ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying call records: %w", err)
	}
	defer rows.Close()

	var records []CallRecord
	for rows.Next() {
		var rec CallRecord
		var endedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.CallID, &rec.Direction, &rec.Peer,
			&rec.Disposition, &rec.Cause, &rec.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scanning call record: %w", err)
		}
		if endedAt.Valid {
			rec.EndedAt = &endedAt.Time
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *callRepo) CountByDirection(ctx context.Context) (int64, int64, error) {
	var inbound, outbound int64
	err := r.db.QueryRowContext(ctx,
		`SELECT
		    COUNT(CASE WHEN direction = 'inbound' THEN 1 END),
		    COUNT(CASE WHEN direction = 'outbound' THEN 1 END)
		 FROM call_records`,
	).Scan(&inbound, &outbound)
	if err != nil {
		return 0, 0, fmt.Errorf("counting call records: %w", err)
	}
	return inbound, outbound, nil
}

// History adapts the repository to the client's fire-and-forget call-history
// hooks. Database failures are logged, never surfaced to call handling.
type History struct {
	repo   CallRepository
	logger *slog.Logger
}

// NewHistory creates a call-history recorder backed by repo.
func NewHistory(repo CallRepository, logger *slog.Logger) *History {
	return &History{
		repo:   repo,
		logger: logger.With("component", "history"),
	}
}

const historyWriteTimeout = 3 * time.Second

func (h *History) record(rec *CallRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()
	if err := h.repo.Create(ctx, rec); err != nil {
		h.logger.Warn("recording call failed",
			"call_id", rec.CallID,
			"disposition", rec.Disposition,
			"error", err,
		)
	}
}

// The Record hooks run on the client's event path and must not block: each
// write happens on its own goroutine.

func (h *History) RecordAdmitted(callID, direction, peer string, at time.Time) {
	go h.record(&CallRecord{
		CallID:      callID,
		Direction:   direction,
		Peer:        peer,
		Disposition: "admitted",
		StartedAt:   at,
	})
}

func (h *History) RecordRejected(callID, direction, peer string, at time.Time) {
	ended := at
	go h.record(&CallRecord{
		CallID:      callID,
		Direction:   direction,
		Peer:        peer,
		Disposition: "rejected",
		Cause:       "busy",
		StartedAt:   at,
		EndedAt:     &ended,
	})
}

func (h *History) RecordEnded(callID, cause string, at time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
		defer cancel()
		if err := h.repo.MarkEnded(ctx, callID, cause, at); err != nil {
			h.logger.Warn("marking call ended failed", "call_id", callID, "error", err)
		}
	}()
}
