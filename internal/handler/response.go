package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// apiResponse is the envelope every surveillance API endpoint returns: code 0
// on success, the HTTP status otherwise, with list endpoints carrying their
// row count in meta.
type apiResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// Ok writes a 200 envelope around data.
func Ok(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusOK, apiResponse{
		Code:    0,
		Message: "ok",
		Data:    data,
		Meta:    meta,
	})
}

// Error writes a non-2xx envelope; message is operator-facing, not wire
// detail from upstream.
func Error(c *gin.Context, status int, message string, meta map[string]any) {
	c.JSON(status, apiResponse{
		Code:    status,
		Message: message,
		Meta:    meta,
	})
}

// ListMeta is the meta block for signal/alert listings.
func ListMeta(count int) map[string]any {
	return map[string]any{"count": count}
}
