package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-seat-saga/internal/apperr"
	"github.com/iliyamo/cinema-seat-saga/internal/logging"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Status  int    `json:"status"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

var kindStatus = map[apperr.Kind]int{
	apperr.Validation:   http.StatusBadRequest,
	apperr.Unauthorized: http.StatusUnauthorized,
	apperr.Forbidden:    http.StatusForbidden,
	apperr.NotFound:     http.StatusNotFound,
	apperr.Conflict:     http.StatusConflict,
	apperr.Dependency:   http.StatusServiceUnavailable,
	apperr.Internal:     http.StatusInternalServerError,
}

// ErrorHandler renders errors returned by handlers and middleware as
// {status, error, message} bodies.  Internal errors are logged and never
// shown to the caller.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	body := render(err)
	if body.Status >= http.StatusInternalServerError {
		logging.FromContext(c.Request().Context()).WithError(err).Error("handler: request failed")
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(body.Status)
	} else {
		err = c.JSON(body.Status, body)
	}
	if err != nil {
		logging.FromContext(c.Request().Context()).WithError(err).Warn("handler: writing error response failed")
	}
}

func render(err error) errorBody {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		return errorBody{Status: he.Code, Error: httpCode(he.Code), Message: msg}
	}
	code, msg, detail := apperr.Details(err)
	return errorBody{Status: kindStatus[apperr.KindOf(err)], Error: code, Message: msg, Detail: detail}
}

func httpCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusRequestEntityTooLarge:
		return "request_too_large"
	}
	if status >= 500 {
		return "internal_error"
	}
	return "error"
}

// badRequest wraps a body binding failure.
func badRequest(msg string) error {
	return apperr.New(apperr.Validation, "invalid_request", msg)
}
