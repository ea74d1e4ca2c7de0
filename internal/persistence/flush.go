package persistence

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-sync/internal/metrics"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/remote"
)

// FlushAll forces every known unconfirmed answer to the server. It cancels
// the debounce timers, drains the offline queue, and writes the newest value
// per question found across the in-memory store, the queue's durable slots,
// and the session snapshot.
//
// A call made while another flush runs returns Skipped immediately. A call
// made while reconciliation or replay runs waits for it to finish.
func (c *Coordinator) FlushAll(ctx context.Context) FlushResult {
	for {
		release, ok := c.guard.TryAcquire(KindFlush)
		if ok {
			defer release()
			break
		}
		if kind, busy := c.guard.Holder(); busy && kind == KindFlush {
			return FlushResult{Skipped: true}
		}
		if err := c.guard.Wait(ctx); err != nil {
			return FlushResult{Err: err}
		}
	}

	start := time.Now()
	defer func() { metrics.FlushDuration.Observe(time.Since(start).Seconds()) }()

	debounced := c.cancelDebounces()

	merged := c.union(ctx)
	queued := make(map[uuid.UUID]model.QueueEntry)
	for _, e := range c.queue.Drain() {
		queued[e.QuestionID] = e
	}

	res := FlushResult{Failed: make(map[uuid.UUID]error)}
	for _, qid := range sortedKeys(merged) {
		rec := merged[qid]
		var ack *model.QueueEntry
		if e, ok := queued[qid]; ok {
			ack = &e
		}

		if !rec.HasAnswer() || c.isConfirmed(rec) {
			// Nothing to send; a queued entry at or below the confirmed value
			// is already reflected server-side.
			if ack != nil && c.isConfirmed(ack.Record()) {
				c.queue.Acknowledge(ctx, qid, ack.EnqueuedAt)
			}
			continue
		}

		if err := c.write(ctx, rec, ack, triggerFlush); err != nil {
			res.Failed[qid] = err
			continue
		}
		res.Succeeded = append(res.Succeeded, qid)
	}

	if len(res.Succeeded) > 0 {
		c.setOnlineQuiet()
	}
	c.log.Debug().
		Int("debounced", len(debounced)).
		Int("succeeded", len(res.Succeeded)).
		Int("failed", len(res.Failed)).
		Dur("took", time.Since(start)).
		Msg("Flush complete")
	return res
}

// FlushWhenIdle waits for any in-flight flush or reconciliation, then runs a
// flush of its own. Used where the caller needs its own flush result, such as
// navigation and submission.
func (c *Coordinator) FlushWhenIdle(ctx context.Context) FlushResult {
	for {
		if err := c.guard.Wait(ctx); err != nil {
			return FlushResult{Err: err}
		}
		res := c.FlushAll(ctx)
		if !res.Skipped {
			return res
		}
	}
}

// ReplayQueue retries queued writes oldest first, paced by the write limiter.
// It stops at the first write that fails because the server is unreachable.
// Returns the number of entries that were written. Skipped (0, nil) while a
// flush or reconciliation holds the guard.
func (c *Coordinator) ReplayQueue(ctx context.Context) (int, error) {
	release, ok := c.guard.TryAcquire(KindReplay)
	if !ok {
		return 0, nil
	}
	defer release()

	written := 0
	for _, e := range c.queue.Drain() {
		if err := c.limiter.Wait(ctx); err != nil {
			return written, err
		}

		rec := e.Record()
		if cur, ok := c.answers.GetAnswer(e.QuestionID); ok && model.Newer(cur, rec) {
			rec = cur
		}
		if c.isConfirmed(rec) || !rec.HasAnswer() {
			c.queue.Acknowledge(ctx, e.QuestionID, e.EnqueuedAt)
			continue
		}

		entry := e
		if err := c.write(ctx, rec, &entry, triggerReplay); err != nil {
			if remote.IsOffline(err) {
				return written, err
			}
			continue
		}
		written++
		c.setOnlineQuiet()
	}
	return written, nil
}

// Reconcile merges the server's answers into the local store: a local answer
// always wins, a server answer is taken for questions the learner has not
// answered here. Returns how many server values were accepted. Skipped (0, nil)
// while anything else holds the guard.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	release, ok := c.guard.TryAcquire(KindReconcile)
	if !ok {
		c.log.Debug().Msg("Reconciliation skipped; guard busy")
		return 0, nil
	}
	defer release()

	wctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	serverAnswers, err := c.remote.ListAnswers(wctx, c.attemptID)
	if err != nil {
		if remote.IsOffline(err) {
			c.setOffline()
		}
		return 0, err
	}

	accepted := make(map[uuid.UUID]model.AnswerRecord)
	for _, sa := range serverAnswers {
		rec := model.AnswerRecord{
			QuestionID:    sa.QuestionID,
			Answer:        sa.Answer,
			TimeSpentMs:   sa.TimeSpentSeconds * 1000,
			LastMutatedAt: sa.UpdatedAt.Round(0),
			Origin:        model.OriginReconciledFromServer,
		}
		if merged, ok := c.answers.MergeFromServer(rec); ok {
			c.markConfirmed(merged)
			accepted[merged.QuestionID] = merged
		}
	}

	if len(accepted) > 0 {
		_ = c.cache.Save(ctx, accepted)
		c.log.Info().Int("accepted", len(accepted)).Msg("Reconciled answers from server")
	}
	return len(accepted), nil
}

// Snapshot returns the newest record per question across every local tier.
func (c *Coordinator) Snapshot(ctx context.Context) map[uuid.UUID]model.AnswerRecord {
	return c.union(ctx)
}

// CollectUnconfirmed returns answered records whose latest value the server
// has not acknowledged, ordered by question id.
func (c *Coordinator) CollectUnconfirmed(ctx context.Context) []model.AnswerRecord {
	merged := c.union(ctx)
	var out []model.AnswerRecord
	for _, qid := range sortedKeys(merged) {
		rec := merged[qid]
		if rec.HasAnswer() && !c.isConfirmed(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// union scans memory, the queue's durable slots and the session snapshot and
// keeps the newest record per question. Records found newer than memory are
// merged back into the answer store.
func (c *Coordinator) union(ctx context.Context) map[uuid.UUID]model.AnswerRecord {
	merged := c.answers.Snapshot()

	take := func(rec model.AnswerRecord) {
		if cur, ok := merged[rec.QuestionID]; ok && !model.Newer(rec, cur) {
			return
		}
		merged[rec.QuestionID] = rec
		c.answers.MergeNewer(rec)
	}

	if _, err := c.queue.LoadFromDurableStorage(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn().Err(err).Msg("Queue scan failed; using in-memory entries")
	}
	for _, e := range c.queue.Drain() {
		take(e.Record())
	}

	cached, err := c.cache.Load(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Snapshot scan failed")
	}
	for _, rec := range cached {
		take(rec)
	}
	return merged
}

func sortedKeys(m map[uuid.UUID]model.AnswerRecord) []uuid.UUID {
	keys := make([]uuid.UUID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
