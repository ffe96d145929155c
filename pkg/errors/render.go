package errors

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
)

// Response is the JSON envelope for every error returned over HTTP
type Response struct {
	Status  string                 `json:"status"`
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewResponse builds the envelope and status code for err
func NewResponse(err error) (int, Response) {
	code := GetCode(err)
	return MapErrorCodeToHTTPStatus(code), Response{
		Status:  "error",
		Code:    code,
		Message: GetMessage(err),
		Details: GetDetails(err),
	}
}

// Render writes err using the shared envelope. Server errors are logged.
func Render(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := NewResponse(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	render.Status(r, status)
	render.JSON(w, r, resp)
}
