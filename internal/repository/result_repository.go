package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-interview/internal/model"
)

const upsertResultColumns = `
	completion_reason = EXCLUDED.completion_reason,
	total_questions   = EXCLUDED.total_questions,
	answers_submitted = EXCLUDED.answers_submitted,
	tab_switches      = EXCLUDED.tab_switches,
	fullscreen_exits  = EXCLUDED.fullscreen_exits,
	complete_error    = EXCLUDED.complete_error,
	completed_at      = EXCLUDED.completed_at,
	updated_at        = NOW()`

// ResultRepository stores the outcome of completed interviews.
type ResultRepository struct {
	pool *pgxpool.Pool
}

func NewResultRepository(pool *pgxpool.Pool) *ResultRepository {
	return &ResultRepository{pool: pool}
}

// UpsertBatch writes many outcomes in one statement using UNNEST.
func (r *ResultRepository) UpsertBatch(ctx context.Context, results []model.InterviewResult) error {
	n := len(results)
	ids := make([]string, 0, n)
	reasons := make([]string, 0, n)
	totals := make([]int32, 0, n)
	answered := make([]int32, 0, n)
	switches := make([]int32, 0, n)
	exits := make([]int32, 0, n)
	errs := make([]string, 0, n)
	completedAts := make([]time.Time, 0, n)

	for _, res := range results {
		ids = append(ids, res.SessionID)
		reasons = append(reasons, string(res.CompletionReason))
		totals = append(totals, int32(res.TotalQuestions))
		answered = append(answered, int32(res.AnswersSubmitted))
		switches = append(switches, int32(res.TabSwitches))
		exits = append(exits, int32(res.FullscreenExits))
		errs = append(errs, res.CompleteError)
		completedAts = append(completedAts, res.CompletedAt)
	}

	query := `
		INSERT INTO interview_results (
			session_id, completion_reason, total_questions, answers_submitted,
			tab_switches, fullscreen_exits, complete_error, completed_at
		)
		SELECT * FROM UNNEST(
			$1::varchar[], $2::varchar[], $3::int[], $4::int[],
			$5::int[], $6::int[], $7::text[], $8::timestamptz[]
		)
		ON CONFLICT (session_id) DO UPDATE SET` + upsertResultColumns

	if _, err := r.pool.Exec(ctx, query, ids, reasons, totals, answered, switches, exits, errs, completedAts); err != nil {
		return fmt.Errorf("upsert interview results: %w", err)
	}
	return nil
}

// Upsert writes one outcome.
func (r *ResultRepository) Upsert(ctx context.Context, res model.InterviewResult) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO interview_results (
			session_id, completion_reason, total_questions, answers_submitted,
			tab_switches, fullscreen_exits, complete_error, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE SET`+upsertResultColumns,
		res.SessionID, string(res.CompletionReason), res.TotalQuestions, res.AnswersSubmitted,
		res.TabSwitches, res.FullscreenExits, res.CompleteError, res.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert interview result: %w", err)
	}
	return nil
}

// GetBySession returns the stored outcome of a session, or nil when the
// session has not completed.
func (r *ResultRepository) GetBySession(ctx context.Context, sessionID string) (*model.InterviewResult, error) {
	var res model.InterviewResult
	var reason string
	err := r.pool.QueryRow(ctx, `
		SELECT session_id, completion_reason, total_questions, answers_submitted,
		       tab_switches, fullscreen_exits, complete_error, completed_at
		FROM interview_results
		WHERE session_id = $1`, sessionID,
	).Scan(&res.SessionID, &reason, &res.TotalQuestions, &res.AnswersSubmitted,
		&res.TabSwitches, &res.FullscreenExits, &res.CompleteError, &res.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res.CompletionReason = model.CompletionReason(reason)
	return &res, nil
}
