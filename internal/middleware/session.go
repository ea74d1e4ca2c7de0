package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-sync/internal/response"
	"github.com/stemsi/exstem-sync/internal/service"
)

// ContextKeyAttemptID is the Gin context key for the verified attempt ID.
const ContextKeyAttemptID = "attempt_id"

// RequireAttemptOwner resolves :attempt_id and rejects the request unless the
// attempt belongs to the authenticated student. Must run after a JWT middleware.
func RequireAttemptOwner(attemptService *service.AttemptService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		attemptID, err := uuid.Parse(c.Param("attempt_id"))
		if err != nil {
			response.AbortFail(c, http.StatusBadRequest, response.ErrInvalidID)
			return
		}

		if _, err := attemptService.GetAttempt(c.Request.Context(), attemptID, claims.UserID); err != nil {
			switch {
			case errors.Is(err, service.ErrAttemptNotFound):
				response.AbortFail(c, http.StatusNotFound, response.ErrNotFound)
			case errors.Is(err, service.ErrNotAttemptOwner):
				response.AbortFail(c, http.StatusForbidden, response.ErrForbidden)
			default:
				response.AbortFail(c, http.StatusInternalServerError, response.ErrInternal)
			}
			return
		}

		c.Set(ContextKeyAttemptID, attemptID)
		c.Next()
	}
}

// GetAttemptID retrieves the attempt ID verified by RequireAttemptOwner.
func GetAttemptID(c *gin.Context) uuid.UUID {
	val, exists := c.Get(ContextKeyAttemptID)
	if !exists {
		return uuid.Nil
	}
	id, _ := val.(uuid.UUID)
	return id
}
