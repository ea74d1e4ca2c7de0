package response

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Response is the {data, error, metadata} envelope every endpoint returns.
type Response struct {
	Data     any        `json:"data"`
	Error    *ErrorBody `json:"error,omitempty"`
	Metadata Metadata   `json:"metadata"`
}

// ErrorBody carries a stable code the sync client classifies on, plus
// per-field messages for validation failures.
type ErrorBody struct {
	Code    ErrCode           `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Metadata ties a response to its request log line. ServerTime lets clients
// see the clock the deadline is measured against.
type Metadata struct {
	RequestID  string    `json:"request_id"`
	ServerTime time.Time `json:"server_time"`
}

func Success(c *gin.Context, statusCode int, data any) {
	c.JSON(statusCode, Response{Data: data, Metadata: metadataFor(c)})
}

func Fail(c *gin.Context, statusCode int, code ErrCode) {
	c.JSON(statusCode, errorResponse(c, code, nil))
}

// FailWithFields reports a validation error keyed by JSON field name.
func FailWithFields(c *gin.Context, statusCode int, code ErrCode, fields map[string]string) {
	c.JSON(statusCode, errorResponse(c, code, fields))
}

// AbortFail stops the middleware chain; used by auth and ownership checks.
func AbortFail(c *gin.Context, statusCode int, code ErrCode) {
	c.AbortWithStatusJSON(statusCode, errorResponse(c, code, nil))
}

func errorResponse(c *gin.Context, code ErrCode, fields map[string]string) Response {
	return Response{
		Error:    &ErrorBody{Code: code, Message: GetMessage(code), Fields: fields},
		Metadata: metadataFor(c),
	}
}

func metadataFor(c *gin.Context) Metadata {
	id := c.GetString(ContextKeyRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	return Metadata{RequestID: id, ServerTime: time.Now().UTC()}
}
