package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"prism-board/domain"
)

// retryAfterSeconds is sent with 503 responses for store conflicts.
const retryAfterSeconds = "1"

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errInvalidBody),
		errors.Is(err, domain.ErrInvalidItem),
		errors.Is(err, domain.ErrInvalidMove),
		errors.Is(err, domain.ErrInvalidPosition):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrStoreConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status code and records the failed stage. Internal
// errors are logged and replaced by a generic message.
func writeError(c echo.Context, m *requestMetrics, stage string, err error) error {
	m.Fail(stage, err)
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusServiceUnavailable:
		c.Response().Header().Set("Retry-After", retryAfterSeconds)
		msg = "concurrent update, retry"
	case http.StatusInternalServerError:
		c.Logger().Error(err)
		msg = "internal error"
	}
	return c.JSON(status, errorResponse{Error: msg})
}
