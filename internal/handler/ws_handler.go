package handler

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/middleware"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/response"
	"github.com/stemsi/exstem-sync/internal/service"
	"github.com/stemsi/exstem-sync/internal/validator"
	ws "github.com/stemsi/exstem-sync/internal/websocket"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients do not send an Origin.
				return true
			}
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler handles the attempt WebSocket stream.
type WSHandler struct {
	attemptService *service.AttemptService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(attemptService *service.AttemptService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		attemptService: attemptService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// AttemptStream godoc
// WS /ws/v1/attempts/:attempt_id/stream
// Upgrades to WebSocket for autosave. Every request is answered with an event
// carrying the same request_id.
func (h *WSHandler) AttemptStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	attemptID := middleware.GetAttemptID(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	studentID := claims.UserID
	wsLog := h.log.With().
		Int("student_id", studentID).
		Str("attempt_id", attemptID.String()).
		Logger()

	wsLog.Info().Msg("Student connected")

	for {
		var msg ws.RequestPayload
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		var werr error
		switch msg.Action {
		case ws.ActionAutosave:
			werr = h.handleAutosave(conn, wsLog, studentID, attemptID, &msg)
		case ws.ActionPing:
			werr = ws.WriteTyped(conn, ws.ResponsePayload{Event: ws.EventPong, RequestID: msg.RequestID})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			werr = ws.WriteError(conn, msg.RequestID, "unknown action: "+string(msg.Action))
		}
		if werr != nil {
			wsLog.Debug().Err(werr).Msg("Write failed, closing")
			return
		}
	}
}

// handleAutosave applies the same rules as the HTTP save-answer endpoint.
func (h *WSHandler) handleAutosave(conn *websocket.Conn, wsLog zerolog.Logger, studentID int, attemptID uuid.UUID, msg *ws.RequestPayload) error {
	req := model.SaveAnswerRequest{
		QuestionID:       msg.QuestionID,
		Answer:           msg.Answer,
		TimeSpentSeconds: msg.TimeSpentSeconds,
	}
	if fields := validator.Struct(&req); fields != nil {
		return ws.WriteError(conn, msg.RequestID, firstField(fields))
	}

	if _, err := h.attemptService.SaveAnswer(context.Background(), attemptID, studentID, req); err != nil {
		status, code := errorStatus(err)
		if status == http.StatusInternalServerError {
			wsLog.Error().Err(err).Msg("Autosave failed")
		}
		return ws.WriteError(conn, msg.RequestID, string(code))
	}

	return ws.WriteTyped(conn, ws.ResponsePayload{
		Event:      ws.EventSaved,
		RequestID:  msg.RequestID,
		QuestionID: msg.QuestionID,
	})
}

func firstField(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return "invalid payload"
	}
	sort.Strings(keys)
	return keys[0] + ": " + fields[keys[0]]
}
