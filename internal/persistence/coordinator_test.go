package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/answerstore"
	"github.com/stemsi/exstem-sync/internal/envelope"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/offlinequeue"
	"github.com/stemsi/exstem-sync/internal/sessioncache"
	"github.com/stemsi/exstem-sync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote is an in-memory server of record.
type fakeRemote struct {
	mu      sync.Mutex
	offline bool
	saves   []model.SaveAnswerRequest
	server  map[uuid.UUID]model.ServerAnswer
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{server: make(map[uuid.UUID]model.ServerAnswer)}
}

func (f *fakeRemote) SaveAnswer(_ context.Context, _ uuid.UUID, req model.SaveAnswerRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return errors.New("dial tcp: connection refused")
	}
	f.saves = append(f.saves, req)
	f.server[req.QuestionID] = model.ServerAnswer{
		QuestionID:       req.QuestionID,
		Answer:           req.Answer,
		TimeSpentSeconds: req.TimeSpentSeconds,
		UpdatedAt:        time.Now(),
	}
	return nil
}

func (f *fakeRemote) ListAnswers(context.Context, uuid.UUID) ([]model.ServerAnswer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline {
		return nil, errors.New("dial tcp: connection refused")
	}
	out := make([]model.ServerAnswer, 0, len(f.server))
	for _, a := range f.server {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeRemote) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

func (f *fakeRemote) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func (f *fakeRemote) answer(qid uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.server[qid].Answer)
}

type harness struct {
	coord   *Coordinator
	answers *answerstore.Store
	queue   *offlinequeue.Queue
	cache   *sessioncache.Cache
	store   storage.Store
}

func newHarness(t *testing.T, rmt Remote, debounce time.Duration) *harness {
	t.Helper()
	s, err := envelope.NewSession([]byte("secret"), "42", envelope.Options{Iterations: 1000, Logger: zerolog.Nop()})
	require.NoError(t, err)
	cipher, err := s.Cipher()
	require.NoError(t, err)

	attemptID := uuid.New()
	store := storage.NewMemory()
	h := &harness{
		answers: answerstore.New(),
		queue:   offlinequeue.New(attemptID, store, cipher, zerolog.Nop()),
		cache:   sessioncache.New(attemptID, store, cipher, zerolog.Nop()),
		store:   store,
	}
	h.coord = New(attemptID, h.answers, h.queue, h.cache, rmt, nil, Options{
		Debounce:          debounce,
		ReplayInterval:    time.Hour,
		ReconcileInterval: time.Hour,
		WriteTimeout:      time.Second,
		WriteRate:         1000,
		Logger:            zerolog.Nop(),
	})
	h.answers.OnChange(h.coord.OnAnswerChanged)
	t.Cleanup(h.coord.Stop)
	return h
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestDebounceCoalescesRapidEdits(t *testing.T) {
	rmt := newFakeRemote()
	h := newHarness(t, rmt, 50*time.Millisecond)
	q1 := uuid.New()

	h.answers.SetAnswer(q1, raw(`"A"`))
	h.answers.SetAnswer(q1, raw(`"B"`))
	h.answers.SetAnswer(q1, raw(`"C"`))

	require.Eventually(t, func() bool { return rmt.saveCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, 1, rmt.saveCount())
	assert.JSONEq(t, `"C"`, rmt.answer(q1))

	rec, _ := h.answers.GetAnswer(q1)
	_, confirmed := h.coord.Confirmed()[q1]
	assert.True(t, confirmed)
	assert.Empty(t, h.coord.CollectUnconfirmed(context.Background()), "latest value %s is confirmed", rec.Answer)
}

func TestNoLossAcrossOfflinePeriods(t *testing.T) {
	ctx := context.Background()
	rmt := newFakeRemote()
	h := newHarness(t, rmt, 10*time.Millisecond)
	q1, q2, q3 := uuid.New(), uuid.New(), uuid.New()

	rmt.setOffline(true)
	h.answers.SetAnswer(q1, raw(`"a1"`))
	h.answers.SetAnswer(q2, raw(`"b1"`))
	h.answers.SetAnswer(q3, raw(`"c1"`))
	require.Eventually(t, func() bool { return h.queue.Len() == 3 }, time.Second, 5*time.Millisecond)
	assert.False(t, h.coord.Online())

	rmt.setOffline(false)
	h.answers.SetAnswer(q2, raw(`"b2"`))
	res := h.coord.FlushAll(ctx)
	require.True(t, res.OK())
	assert.Len(t, res.Succeeded, 3)
	assert.Equal(t, 0, h.queue.Len())

	rmt.setOffline(true)
	h.answers.SetAnswer(q1, raw(`"a2"`))
	res = h.coord.FlushAll(ctx)
	require.Contains(t, res.Failed, q1)
	assert.Equal(t, 1, h.queue.Len())

	rmt.setOffline(false)
	res = h.coord.FlushAll(ctx)
	require.True(t, res.OK())

	assert.JSONEq(t, `"a2"`, rmt.answer(q1))
	assert.JSONEq(t, `"b2"`, rmt.answer(q2))
	assert.JSONEq(t, `"c1"`, rmt.answer(q3))
	assert.Equal(t, 0, h.queue.Len())
}

func TestReconcileKeepsLocalValue(t *testing.T) {
	ctx := context.Background()
	rmt := newFakeRemote()
	h := newHarness(t, rmt, time.Hour)
	local, remoteOnly := uuid.New(), uuid.New()

	rmt.server[local] = model.ServerAnswer{QuestionID: local, Answer: raw(`"server"`), UpdatedAt: time.Now().Add(-time.Minute)}
	rmt.server[remoteOnly] = model.ServerAnswer{QuestionID: remoteOnly, Answer: raw(`"from-other-device"`), TimeSpentSeconds: 30, UpdatedAt: time.Now()}

	h.answers.SetAnswer(local, raw(`"local"`))

	n, err := h.coord.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := h.answers.GetAnswer(local)
	assert.JSONEq(t, `"local"`, string(got.Answer))
	assert.Equal(t, model.OriginInMemory, got.Origin)

	got, ok := h.answers.GetAnswer(remoteOnly)
	require.True(t, ok)
	assert.JSONEq(t, `"from-other-device"`, string(got.Answer))
	assert.Equal(t, model.OriginReconciledFromServer, got.Origin)
	assert.Equal(t, int64(30000), got.TimeSpentMs)

	// The accepted server value needs no write-back; the local one does.
	unconfirmed := h.coord.CollectUnconfirmed(ctx)
	require.Len(t, unconfirmed, 1)
	assert.Equal(t, local, unconfirmed[0].QuestionID)
}

// blockingRemote holds every save until released.
type blockingRemote struct {
	*fakeRemote
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRemote) SaveAnswer(ctx context.Context, id uuid.UUID, req model.SaveAnswerRequest) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return b.fakeRemote.SaveAnswer(ctx, id, req)
}

func TestSecondFlushIsSkippedWhileOneRuns(t *testing.T) {
	ctx := context.Background()
	rmt := &blockingRemote{fakeRemote: newFakeRemote(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, rmt, time.Hour)
	h.answers.SetAnswer(uuid.New(), raw(`1`))

	first := make(chan FlushResult, 1)
	go func() { first <- h.coord.FlushAll(ctx) }()
	<-rmt.entered

	second := h.coord.FlushAll(ctx)
	assert.True(t, second.Skipped)
	assert.False(t, second.OK())

	close(rmt.release)
	res := <-first
	assert.True(t, res.OK())
	assert.Equal(t, 1, rmt.saveCount())
}

func TestReconcileSkippedWhileFlushRuns(t *testing.T) {
	ctx := context.Background()
	rmt := &blockingRemote{fakeRemote: newFakeRemote(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, rmt, time.Hour)
	h.answers.SetAnswer(uuid.New(), raw(`1`))

	done := make(chan struct{})
	go func() {
		h.coord.FlushAll(ctx)
		close(done)
	}()
	<-rmt.entered

	n, err := h.coord.Reconcile(ctx)
	assert.NoError(t, err)
	assert.Zero(t, n)

	close(rmt.release)
	<-done
}

func TestFlushPicksUpSnapshotOnlyAnswers(t *testing.T) {
	ctx := context.Background()
	rmt := newFakeRemote()
	h := newHarness(t, rmt, time.Hour)
	qid := uuid.New()

	// A value that only reached the session snapshot, e.g. written just
	// before a reload.
	require.NoError(t, h.cache.Save(ctx, map[uuid.UUID]model.AnswerRecord{
		qid: {QuestionID: qid, Answer: raw(`"cached"`), LastMutatedAt: time.Now(), Origin: model.OriginInMemory},
	}))

	res := h.coord.FlushAll(ctx)
	require.True(t, res.OK())
	assert.Equal(t, []uuid.UUID{qid}, res.Succeeded)
	assert.JSONEq(t, `"cached"`, rmt.answer(qid))

	rec, ok := h.answers.GetAnswer(qid)
	require.True(t, ok)
	assert.JSONEq(t, `"cached"`, string(rec.Answer))
}

func TestReconnectReplaysQueue(t *testing.T) {
	rmt := newFakeRemote()
	h := newHarness(t, rmt, 10*time.Millisecond)
	h.coord.Start(context.Background())
	qid := uuid.New()

	h.coord.SetOnline(false)
	rmt.setOffline(true)
	h.answers.SetAnswer(qid, raw(`"offline"`))
	require.Eventually(t, func() bool { return h.queue.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, rmt.saveCount())

	rmt.setOffline(false)
	h.coord.SetOnline(true)
	require.Eventually(t, func() bool { return h.queue.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `"offline"`, rmt.answer(qid))
}

func TestTimeOnlyRecordsAreNotWritten(t *testing.T) {
	rmt := newFakeRemote()
	h := newHarness(t, rmt, time.Hour)
	h.answers.AccumulateTimeSpent(uuid.New(), 5*time.Second)

	res := h.coord.FlushAll(context.Background())
	assert.True(t, res.OK())
	assert.Empty(t, res.Succeeded)
	assert.Zero(t, rmt.saveCount())
}
