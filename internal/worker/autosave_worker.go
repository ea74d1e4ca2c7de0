package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/model"
)

const retryDelay = 5 * time.Second

// AnswerWriter persists one answer. The repository's upsert keeps the newest
// write, so redelivered jobs are harmless.
type AnswerWriter interface {
	Upsert(ctx context.Context, attemptID uuid.UUID, a model.ServerAnswer) error
}

// AutosaveWorker consumes the persist-answers queue and writes answers
// through to PostgreSQL.
type AutosaveWorker struct {
	answers AnswerWriter
	rdb     *redis.Client
	queue   string
	log     zerolog.Logger
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(answers AnswerWriter, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		answers: answers,
		rdb:     rdb,
		queue:   config.WorkerKey.PersistAnswersQueue,
		log:     log.With().Str("component", "autosave_worker").Logger(),
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AutosaveWorker) processNext(ctx context.Context) {
	// BLPop blocks until an item is available or timeout (1 second).
	result, err := w.rdb.BLPop(ctx, time.Second, w.queue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}
	if len(result) < 2 {
		return
	}

	if err := w.handle(ctx, result[1]); err != nil {
		w.log.Error().Err(err).Msg("Persist error, retrying in 5s")
		w.rdb.RPush(context.WithoutCancel(ctx), w.queue, result[1])
		select {
		case <-ctx.Done():
		case <-time.After(retryDelay):
		}
	}
}

// handle persists one raw job. Malformed jobs are logged and dropped; only
// storage failures are returned for retry.
func (w *AutosaveWorker) handle(ctx context.Context, raw string) error {
	var job model.PersistAnswerJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		w.log.Error().Err(err).Msg("Unmarshal error, dropping job")
		return nil
	}
	if job.AttemptID == uuid.Nil || job.QuestionID == uuid.Nil {
		w.log.Error().Msg("Job without attempt or question id, dropping")
		return nil
	}

	if err := w.answers.Upsert(ctx, job.AttemptID, job.ServerAnswer); err != nil {
		return err
	}
	w.log.Debug().
		Str("attempt_id", job.AttemptID.String()).
		Str("question_id", job.QuestionID.String()).
		Msg("Answer persisted")
	return nil
}

// drain processes all remaining items in the queue before shutdown.
func (w *AutosaveWorker) drain(ctx context.Context) {
	drained := 0
	for {
		result, err := w.rdb.LPop(ctx, w.queue).Result()
		if err != nil {
			break
		}
		if err := w.handle(ctx, result); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, w.queue, result)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
