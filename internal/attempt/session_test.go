package attempt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/config"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRemote struct {
	mu        sync.Mutex
	offline   bool
	delay     time.Duration
	remaining time.Duration
	answers   map[uuid.UUID]json.RawMessage
	submits   int
}

func newFakeRemote(remaining time.Duration) *fakeRemote {
	return &fakeRemote{remaining: remaining, answers: make(map[uuid.UUID]json.RawMessage)}
}

func (f *fakeRemote) SaveAnswer(_ context.Context, _ uuid.UUID, req model.SaveAnswerRequest) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return errors.New("network unreachable")
	}
	f.answers[req.QuestionID] = req.Answer
	return nil
}

func (f *fakeRemote) ListAnswers(context.Context, uuid.UUID) ([]model.ServerAnswer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, errors.New("network unreachable")
	}
	out := make([]model.ServerAnswer, 0, len(f.answers))
	for qid, a := range f.answers {
		out = append(out, model.ServerAnswer{QuestionID: qid, Answer: a, UpdatedAt: time.Now()})
	}
	return out, nil
}

func (f *fakeRemote) RemainingTime(context.Context, uuid.UUID) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remaining, nil
}

func (f *fakeRemote) Submit(_ context.Context, attemptID uuid.UUID, req model.SubmitRequest) (*model.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, errors.New("network unreachable")
	}
	f.submits++
	for _, a := range req.Answers {
		f.answers[a.QuestionID] = a.Answer
	}
	return &model.SubmitResult{AttemptID: attemptID, Status: model.AttemptSubmitted, SubmittedAt: time.Now(), AnswersAccepted: len(req.Answers)}, nil
}

func (f *fakeRemote) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *fakeRemote) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func testConfig() *config.Config {
	return &config.Config{
		Sync: config.SyncConfig{
			Debounce:          time.Hour,
			ReplayInterval:    time.Hour,
			ReconcileInterval: time.Hour,
			WriteTimeout:      time.Second,
			WriteRate:         100,
			SubmitGrace:       time.Second,
		},
		Timer: config.TimerConfig{
			Tick:            10 * time.Millisecond,
			ResyncInterval:  time.Hour,
			NominalDuration: time.Hour,
		},
		Cache: config.CacheConfig{Salt: "test-salt", KDFIterations: 1000},
	}
}

func openSession(t *testing.T, rmt Remote, store storage.Store, ac model.AttemptContext) *Session {
	t.Helper()
	s, err := Open(context.Background(), Deps{
		Config: testConfig(),
		Store:  store,
		Remote: rmt,
		Secret: []byte("device-secret"),
		Logger: zerolog.Nop(),
	}, ac)
	require.NoError(t, err)
	return s
}

func newAttempt() model.AttemptContext {
	return model.AttemptContext{AttemptID: uuid.New(), AssessmentID: uuid.New(), StudentID: 11}
}

func TestAnswerNavigateSubmit(t *testing.T) {
	ctx := context.Background()
	rmt := newFakeRemote(30 * time.Minute)
	s := openSession(t, rmt, storage.NewMemory(), newAttempt())
	defer s.Close()
	q1, q2 := uuid.New(), uuid.New()

	_, err := s.Navigate(ctx, q1)
	require.NoError(t, err)
	require.NoError(t, s.Answer(q1, json.RawMessage(`"A"`)))

	res, err := s.Navigate(ctx, q2)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, []uuid.UUID{q1}, res.Succeeded)

	out, err := s.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptSubmitted, out.Status)
	assert.Equal(t, model.AttemptSubmitted, s.Status())
	assert.ErrorIs(t, s.Answer(q2, json.RawMessage(`"late"`)), ErrNotEditable)
}

func TestResumeAfterReload(t *testing.T) {
	ctx := context.Background()
	rmt := newFakeRemote(30 * time.Minute)
	store := storage.NewMemory()
	ac := newAttempt()
	qid := uuid.New()

	rmt.setOffline(true)
	first := openSession(t, rmt, store, ac)
	require.NoError(t, first.Answer(qid, json.RawMessage(`"before reload"`)))
	res, _ := first.Navigate(ctx, uuid.New())
	require.Contains(t, res.Failed, qid)
	first.Close()

	second := openSession(t, rmt, store, ac)
	defer second.Close()
	rec, ok := second.Get(qid)
	require.True(t, ok)
	assert.JSONEq(t, `"before reload"`, string(rec.Answer))

	rmt.setOffline(false)
	_, err := second.Submit(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"before reload"`, string(rmt.answers[qid]))
}

func TestTimeUpSubmitsOnce(t *testing.T) {
	rmt := newFakeRemote(50 * time.Millisecond)
	s := openSession(t, rmt, storage.NewMemory(), newAttempt())
	defer s.Close()
	require.NoError(t, s.Answer(uuid.New(), json.RawMessage(`1`)))

	require.Eventually(t, func() bool { return s.Status() == model.AttemptSubmitted }, 2*time.Second, 10*time.Millisecond)

	_, err := s.Submit(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, rmt.submitCount())
}

func TestOpenPullsAnswersFromServer(t *testing.T) {
	ctx := context.Background()
	rmt := newFakeRemote(30 * time.Minute)
	remoteOnly := uuid.New()
	rmt.answers[remoteOnly] = json.RawMessage(`"from other device"`)

	s := openSession(t, rmt, storage.NewMemory(), newAttempt())
	defer s.Close()

	rec, ok := s.Get(remoteOnly)
	require.True(t, ok)
	assert.JSONEq(t, `"from other device"`, string(rec.Answer))
	assert.Equal(t, model.OriginReconciledFromServer, rec.Origin)

	// The reconciled value counts as confirmed, so navigating does not
	// write it back.
	res, err := s.Navigate(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, res.Succeeded)
}

func TestSubmitClearsAnswers(t *testing.T) {
	rmt := newFakeRemote(30 * time.Minute)
	s := openSession(t, rmt, storage.NewMemory(), newAttempt())
	defer s.Close()
	qid := uuid.New()
	require.NoError(t, s.Answer(qid, json.RawMessage(`"A"`)))

	_, err := s.Submit(context.Background())
	require.NoError(t, err)
	_, ok := s.Get(qid)
	assert.False(t, ok)
	assert.JSONEq(t, `"A"`, string(rmt.answers[qid]))
}

func TestNavigateDoesNotBillFlushTime(t *testing.T) {
	ctx := context.Background()
	rmt := newFakeRemote(30 * time.Minute)
	rmt.delay = 200 * time.Millisecond
	s := openSession(t, rmt, storage.NewMemory(), newAttempt())
	defer s.Close()
	q1, q2, q3 := uuid.New(), uuid.New(), uuid.New()

	_, err := s.Navigate(ctx, q1)
	require.NoError(t, err)
	require.NoError(t, s.Answer(q1, json.RawMessage(`"A"`)))

	res, err := s.Navigate(ctx, q2)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{q1}, res.Succeeded)

	rec, _ := s.Get(q1)
	assert.Less(t, rec.TimeSpentMs, int64(100))

	// q1 was not touched after its write, so leaving q2 sends nothing.
	res, err = s.Navigate(ctx, q3)
	require.NoError(t, err)
	assert.Empty(t, res.Succeeded)
}
