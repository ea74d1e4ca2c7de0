package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-sync/internal/model"
)

// upsertAnswerSQL keeps the newest write per (attempt, question). Replaying
// an older write is a no-op, and repeating an identical one changes nothing.
const upsertAnswerSQL = `INSERT INTO attempt_answers (attempt_id, question_id, answer, time_spent_seconds, updated_at)
	 VALUES ($1, $2, $3, $4, $5)
	 ON CONFLICT (attempt_id, question_id) DO UPDATE
	 SET answer = EXCLUDED.answer,
	     time_spent_seconds = EXCLUDED.time_spent_seconds,
	     updated_at = EXCLUDED.updated_at
	 WHERE attempt_answers.updated_at <= EXCLUDED.updated_at`

// AnswerRepository handles answer data access.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// Upsert writes one answer.
func (r *AnswerRepository) Upsert(ctx context.Context, attemptID uuid.UUID, a model.ServerAnswer) error {
	_, err := r.pool.Exec(ctx, upsertAnswerSQL,
		attemptID, a.QuestionID, []byte(a.Answer), a.TimeSpentSeconds, a.UpdatedAt)
	return err
}

// UpsertBatch writes many answers in one round trip inside a transaction.
func (r *AnswerRepository) UpsertBatch(ctx context.Context, attemptID uuid.UUID, answers []model.ServerAnswer) error {
	if len(answers) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, a := range answers {
		batch.Queue(upsertAnswerSQL, attemptID, a.QuestionID, []byte(a.Answer), a.TimeSpentSeconds, a.UpdatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert batch: %w", err)
	}
	return tx.Commit(ctx)
}

// ListByAttempt retrieves every stored answer of an attempt.
func (r *AnswerRepository) ListByAttempt(ctx context.Context, attemptID uuid.UUID) ([]model.ServerAnswer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, answer, time_spent_seconds, updated_at
		 FROM attempt_answers
		 WHERE attempt_id = $1
		 ORDER BY question_id`, attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var answers []model.ServerAnswer
	for rows.Next() {
		var a model.ServerAnswer
		var raw []byte
		if err := rows.Scan(&a.QuestionID, &raw, &a.TimeSpentSeconds, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Answer = raw
		answers = append(answers, a)
	}
	return answers, rows.Err()
}
