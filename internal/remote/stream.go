package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stemsi/exstem-sync/internal/model"
	ws "github.com/stemsi/exstem-sync/internal/websocket"
)

// ErrStreamClosed is returned once Close has been called.
var ErrStreamClosed = errors.New("stream closed")

// Stream sends autosaves over the attempt WebSocket and falls back to the HTTP
// endpoint when the socket cannot be used. It satisfies the same SaveAnswer
// contract as Client.
type Stream struct {
	*Client

	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	connID uuid.UUID
	closed bool
}

// NewStream wraps c. Saves go over the socket for attempts the socket was
// opened for and over HTTP otherwise.
func NewStream(c *Client) *Stream {
	return &Stream{
		Client: c,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// SaveAnswer writes over the socket, falling back to HTTP on any socket
// failure. A server-side rejection is returned as an APIError.
func (s *Stream) SaveAnswer(ctx context.Context, attemptID uuid.UUID, req model.SaveAnswerRequest) error {
	err := s.saveOverSocket(ctx, attemptID, req)
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) || errors.Is(err, ErrStreamClosed) {
		return err
	}
	s.log.Debug().Err(err).Str("attempt_id", attemptID.String()).Msg("socket save failed; using http")
	return s.Client.SaveAnswer(ctx, attemptID, req)
}

func (s *Stream) saveOverSocket(ctx context.Context, attemptID uuid.UUID, req model.SaveAnswerRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStreamClosed
	}
	conn, err := s.connLocked(ctx, attemptID)
	if err != nil {
		return err
	}

	requestID := uuid.NewString()
	payload := ws.RequestPayload{
		Action:           ws.ActionAutosave,
		RequestID:        requestID,
		QuestionID:       req.QuestionID,
		Answer:           req.Answer,
		TimeSpentSeconds: req.TimeSpentSeconds,
	}
	if err := ws.WriteTyped(conn, payload); err != nil {
		s.dropLocked()
		return fmt.Errorf("write autosave: %w", err)
	}

	wait := 10 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		wait = time.Until(dl)
	}
	for {
		var resp ws.ResponsePayload
		if err := ws.ReadJSONWithin(conn, &resp, wait); err != nil {
			s.dropLocked()
			return fmt.Errorf("read autosave ack: %w", err)
		}
		if resp.RequestID != requestID {
			// Stale ack from a request that timed out earlier.
			continue
		}
		if resp.Event == ws.EventError {
			return &APIError{StatusCode: http.StatusUnprocessableEntity, Code: "AUTOSAVE_REJECTED", Message: resp.Error}
		}
		return nil
	}
}

func (s *Stream) connLocked(ctx context.Context, attemptID uuid.UUID) (*websocket.Conn, error) {
	if s.conn != nil && s.connID == attemptID {
		return s.conn, nil
	}
	s.dropLocked()

	u, err := s.streamURL(attemptID)
	if err != nil {
		return nil, err
	}
	conn, _, err := s.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	s.conn = conn
	s.connID = attemptID
	return conn, nil
}

func (s *Stream) dropLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Stream) streamURL(attemptID uuid.UUID) (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + fmt.Sprintf("/ws/v1/attempts/%s/stream", attemptID)
	if s.token != "" {
		q := u.Query()
		q.Set("token", s.token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Close tears down the socket. Later saves fail with ErrStreamClosed.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn == nil {
		return nil
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.dropLocked()
	return nil
}

