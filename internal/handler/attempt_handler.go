package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-sync/internal/middleware"
	"github.com/stemsi/exstem-sync/internal/model"
	"github.com/stemsi/exstem-sync/internal/response"
	"github.com/stemsi/exstem-sync/internal/service"
	"github.com/stemsi/exstem-sync/internal/validator"
)

// AttemptHandler serves the attempt endpoints the sync engine talks to.
type AttemptHandler struct {
	attemptService *service.AttemptService
	log            zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attemptService *service.AttemptService, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attemptService: attemptService,
		log:            log.With().Str("component", "attempt_handler").Logger(),
	}
}

// RemainingTime godoc
// GET /api/v1/attempts/:attempt_id/remaining-time
func (h *AttemptHandler) RemainingTime(c *gin.Context) {
	claims := middleware.GetClaims(c)
	rem, err := h.attemptService.RemainingTime(c.Request.Context(), middleware.GetAttemptID(c), claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, model.RemainingTimeResponse{RemainingSeconds: rem.Seconds()})
}

// SaveAnswer godoc
// POST /api/v1/attempts/:attempt_id/answers
// Idempotent: repeating a save leaves the newest value in place.
func (h *AttemptHandler) SaveAnswer(c *gin.Context) {
	claims := middleware.GetClaims(c)

	var req model.SaveAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	saved, err := h.attemptService.SaveAnswer(c.Request.Context(), middleware.GetAttemptID(c), claims.UserID, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, saved)
}

// ListAnswers godoc
// GET /api/v1/attempts/:attempt_id/answers
func (h *AttemptHandler) ListAnswers(c *gin.Context) {
	claims := middleware.GetClaims(c)
	answers, err := h.attemptService.ListAnswers(c.Request.Context(), middleware.GetAttemptID(c), claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if answers == nil {
		answers = []model.ServerAnswer{}
	}
	response.Success(c, http.StatusOK, gin.H{"answers": answers})
}

// Submit godoc
// POST /api/v1/attempts/:attempt_id/submit
// A repeated submit returns the stored result.
func (h *AttemptHandler) Submit(c *gin.Context) {
	claims := middleware.GetClaims(c)

	var req model.SubmitRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if req.DeviceInfo.UserAgent == "" {
		req.DeviceInfo.UserAgent = c.Request.UserAgent()
	}

	res, err := h.attemptService.Submit(c.Request.Context(), middleware.GetAttemptID(c), claims.UserID, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

func (h *AttemptHandler) fail(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Attempt request failed")
	}
	response.Fail(c, status, code)
}

// errorStatus maps service errors onto HTTP status and error code.
func errorStatus(err error) (int, response.ErrCode) {
	switch {
	case errors.Is(err, service.ErrAttemptNotFound):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, service.ErrNotAttemptOwner):
		return http.StatusForbidden, response.ErrForbidden
	case errors.Is(err, service.ErrAttemptSubmitted):
		return http.StatusConflict, response.ErrAttemptSubmitted
	case errors.Is(err, service.ErrAttemptExpired):
		return http.StatusConflict, response.ErrAttemptExpired
	case errors.Is(err, service.ErrSubmitInProgress):
		return http.StatusConflict, response.ErrSubmitInProgress
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}
