package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-sync/internal/model"
)

// AttemptRepository handles attempt data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// GetByID retrieves an attempt. Returns pgx.ErrNoRows when absent.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	a := &model.Attempt{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, assessment_id, student_id, started_at, duration_seconds,
		        submitted_at, status, answers_accepted
		 FROM attempts
		 WHERE id = $1`, id,
	).Scan(&a.ID, &a.AssessmentID, &a.StudentID, &a.StartedAt, &a.DurationSeconds,
		&a.SubmittedAt, &a.Status, &a.AnswersAccepted)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Create inserts a new attempt (learner starts the assessment).
func (r *AttemptRepository) Create(ctx context.Context, a *model.Attempt) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO attempts (assessment_id, student_id, duration_seconds, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, started_at`,
		a.AssessmentID, a.StudentID, a.DurationSeconds, model.AttemptInProgress,
	).Scan(&a.ID, &a.StartedAt)
}

// MarkSubmitted finalizes an attempt. It reports false when the attempt was
// already submitted, leaving the stored result untouched.
func (r *AttemptRepository) MarkSubmitted(ctx context.Context, id uuid.UUID, at time.Time, accepted int, trigger string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE attempts
		 SET status = $1, submitted_at = $2, answers_accepted = $3, submit_trigger = $4
		 WHERE id = $5 AND submitted_at IS NULL`,
		model.AttemptSubmitted, at, accepted, trigger, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
