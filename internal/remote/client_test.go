package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stemsi/exstem-sync/internal/model"
	ws "github.com/stemsi/exstem-sync/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeErr(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"code": code, "message": "nope"}})
}

func TestRemainingTime(t *testing.T) {
	attemptID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/attempts/"+attemptID.String()+"/remaining-time", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeData(w, http.StatusOK, model.RemainingTimeResponse{RemainingSeconds: 90.5})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	d, err := c.RemainingTime(context.Background(), attemptID)
	require.NoError(t, err)
	assert.Equal(t, 90500*time.Millisecond, d)
}

func TestSaveAnswerAndList(t *testing.T) {
	attemptID := uuid.New()
	qid := uuid.New()
	var saved model.SaveAnswerRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&saved))
			writeData(w, http.StatusOK, map[string]string{"status": "saved"})
		case http.MethodGet:
			writeData(w, http.StatusOK, map[string]any{"answers": []model.ServerAnswer{{
				QuestionID: qid, Answer: json.RawMessage(`"B"`), TimeSpentSeconds: 12,
			}}})
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	err := c.SaveAnswer(context.Background(), attemptID, model.SaveAnswerRequest{
		QuestionID: qid, Answer: json.RawMessage(`"A"`), TimeSpentSeconds: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, qid, saved.QuestionID)
	assert.JSONEq(t, `"A"`, string(saved.Answer))

	answers, err := c.ListAnswers(context.Background(), attemptID)
	require.NoError(t, err)
	require.Len(t, answers, 1)
	assert.Equal(t, int64(12), answers[0].TimeSpentSeconds)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"server error", http.StatusBadGateway, true},
		{"throttled", http.StatusTooManyRequests, true},
		{"validation", http.StatusUnprocessableEntity, false},
		{"already submitted", http.StatusConflict, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeErr(w, tt.status, "X")
			}))
			defer srv.Close()

			_, err := New(srv.URL, "").Submit(context.Background(), uuid.New(), model.SubmitRequest{})
			require.Error(t, err)
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "X", apiErr.Code)
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.False(t, IsOffline(err))
		})
	}
}

func TestUnreachableIsTransientAndOffline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := New(url, "").SaveAnswer(context.Background(), uuid.New(), model.SaveAnswerRequest{QuestionID: uuid.New()})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.True(t, IsOffline(err))
}

func TestStreamSavesOverSocket(t *testing.T) {
	attemptID := uuid.New()
	qid := uuid.New()
	received := make(chan ws.RequestPayload, 1)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/ws/") {
			t.Errorf("unexpected http fallback to %s", r.URL.Path)
			return
		}
		assert.Equal(t, "tok", r.URL.Query().Get("token"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req ws.RequestPayload
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		received <- req
		_ = conn.WriteJSON(ws.ResponsePayload{Event: ws.EventSaved, RequestID: req.RequestID, QuestionID: req.QuestionID})
	}))
	defer srv.Close()

	s := NewStream(New(srv.URL, "tok"))
	defer s.Close()

	err := s.SaveAnswer(context.Background(), attemptID, model.SaveAnswerRequest{
		QuestionID: qid, Answer: json.RawMessage(`[1,2]`), TimeSpentSeconds: 4,
	})
	require.NoError(t, err)

	req := <-received
	assert.Equal(t, ws.ActionAutosave, req.Action)
	assert.Equal(t, qid, req.QuestionID)
	assert.Equal(t, int64(4), req.TimeSpentSeconds)
}

func TestStreamFallsBackToHTTP(t *testing.T) {
	var httpSaves int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			http.Error(w, "no upgrade", http.StatusServiceUnavailable)
			return
		}
		httpSaves++
		writeData(w, http.StatusOK, nil)
	}))
	defer srv.Close()

	s := NewStream(New(srv.URL, ""))
	defer s.Close()

	err := s.SaveAnswer(context.Background(), uuid.New(), model.SaveAnswerRequest{QuestionID: uuid.New(), Answer: json.RawMessage(`1`)})
	require.NoError(t, err)
	assert.Equal(t, 1, httpSaves)
}
