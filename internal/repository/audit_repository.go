package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-interview/internal/model"
)

// AuditRepository provides data access for the proctoring audit trail.
type AuditRepository struct {
	pool *pgxpool.Pool
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// InsertBatch bulk-loads events with COPY.
func (r *AuditRepository) InsertBatch(ctx context.Context, events []model.ProctorEvent) error {
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		rows = append(rows, []interface{}{e.SessionID, string(e.Kind), string(payloadOrEmpty(e.Payload)), e.RecordedAt})
	}

	_, err := r.pool.CopyFrom(
		ctx,
		pgx.Identifier{"proctoring_events"},
		[]string{"session_id", "kind", "payload", "recorded_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy proctoring events: %w", err)
	}
	return nil
}

// Insert writes a single event.
func (r *AuditRepository) Insert(ctx context.Context, e model.ProctorEvent) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO proctoring_events (session_id, kind, payload, recorded_at)
		 VALUES ($1, $2, $3::jsonb, $4)`,
		e.SessionID, string(e.Kind), string(payloadOrEmpty(e.Payload)), e.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("insert proctoring event: %w", err)
	}
	return nil
}

// ListBySession returns the most recent events of a session, newest first.
func (r *AuditRepository) ListBySession(ctx context.Context, sessionID string, limit int) ([]model.ProctorEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, kind, payload, recorded_at
		 FROM proctoring_events
		 WHERE session_id = $1
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]model.ProctorEvent, 0)
	for rows.Next() {
		var e model.ProctorEvent
		var kind string
		var payload []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &kind, &payload, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.Kind = model.ProctorEventKind(kind)
		e.Payload = json.RawMessage(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountByKind returns how many events of each kind a session recorded.
func (r *AuditRepository) CountByKind(ctx context.Context, sessionID string) (map[model.ProctorEventKind]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT kind, COUNT(*)
		 FROM proctoring_events
		 WHERE session_id = $1
		 GROUP BY kind`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[model.ProctorEventKind]int64)
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		result[model.ProctorEventKind(kind)] = count
	}
	return result, rows.Err()
}

func payloadOrEmpty(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage(`{}`)
	}
	return p
}
