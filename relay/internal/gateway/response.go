package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/drawrelay/drawrelay/relay/internal/model"
)

// Response renders a Submit outcome in the controller-facing shape shared
// by the HTTP and MCP facades.
func Response(task *model.Task, err error) model.DrawResponse {
	resp := model.DrawResponse{Status: "success"}
	if task != nil {
		resp.TaskID = task.ID
		resp.Cached = task.Cached
	}
	if err != nil {
		resp.Status = "error"
		resp.Message = Message(err)
		if errors.Is(err, ErrTimeout) {
			resp.ReceivedURLs = []string{}
			if task != nil && task.URLs != nil {
				resp.ReceivedURLs = task.URLs
			}
		}
		return resp
	}
	if task != nil {
		resp.ImageURLs = task.URLs
	}
	return resp
}

// Message is the controller-facing text for a Submit error.
func Message(err error) string {
	var se *SurfaceError
	switch {
	case errors.Is(err, ErrNotConnected):
		return "No WebSocket client connected"
	case errors.Is(err, ErrBusy):
		return "There is already a drawing task in progress"
	case errors.Is(err, ErrTimeout):
		return "Timeout waiting for images"
	case errors.Is(err, ErrConnectionLost):
		return "WebSocket client disconnected while waiting for images"
	case errors.Is(err, ErrEmptyPrompt):
		return "Command must not be empty"
	case errors.As(err, &se):
		return se.Message
	default:
		return err.Error()
	}
}

// HTTPStatus maps a Submit error to a status code.
func HTTPStatus(err error) int {
	var se *SurfaceError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, ErrBusy):
		return http.StatusConflict
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrConnectionLost):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &se):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
