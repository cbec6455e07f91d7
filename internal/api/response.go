package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"tg_group_market_bot/internal/domain"
	"tg_group_market_bot/internal/lifecycle"
	"tg_group_market_bot/internal/pricing"
	"tg_group_market_bot/internal/withdrawal"
)

// Response is the envelope of every API reply.
type Response struct {
	Data          interface{} `json:"data,omitempty"`
	Success       bool        `json:"success"`
	StatusMessage string      `json:"status_message"`
	Timestamp     string      `json:"timestamp"`
}

var clock = func() time.Time { return time.Now().UTC() }

// Ok wraps data in a successful envelope.
func Ok(data interface{}) Response {
	return Response{
		Data:          data,
		Success:       true,
		StatusMessage: "Success",
		Timestamp:     clock().Format(time.RFC3339),
	}
}

// Error wraps message in a failed envelope.
func Error(message string) Response {
	return Response{
		Success:       false,
		StatusMessage: message,
		Timestamp:     clock().Format(time.RFC3339),
	}
}

func ok(w http.ResponseWriter, r *http.Request, data interface{}) {
	render.JSON(w, r, Ok(data))
}

func fail(w http.ResponseWriter, r *http.Request, status int, message string) {
	render.Status(r, status)
	render.JSON(w, r, Error(message))
}

// statusFor maps service errors onto HTTP codes. Anything unknown is a 500.
func statusFor(err error) int {
	var badRequest *invalidError
	switch {
	case errors.As(err, &badRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusConflict
	case errors.Is(err, pricing.ErrInvalidQuery),
		errors.Is(err, lifecycle.ErrInvalidAmount),
		errors.Is(err, lifecycle.ErrInvalidVerdict),
		errors.Is(err, withdrawal.ErrInvalidRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(status int, err error) string {
	if status == http.StatusInternalServerError {
		return "Internal error"
	}
	return err.Error()
}
