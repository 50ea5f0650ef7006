package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/fyrsmithlabs/ragd/internal/chat"
	"github.com/fyrsmithlabs/ragd/internal/vectorstore"
	"github.com/labstack/echo/v4"
)

// errorStatus maps a domain error to an HTTP status code.
func errorStatus(err error) int {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code
	case errors.Is(err, vectorstore.ErrConfiguration),
		errors.Is(err, chat.ErrEmptyQuestion),
		errors.Is(err, chat.ErrInvalidHistory):
		return http.StatusBadRequest
	case errors.Is(err, vectorstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, vectorstore.ErrConnection):
		return http.StatusServiceUnavailable
	case errors.Is(err, vectorstore.ErrEmbedding),
		errors.Is(err, chat.ErrGeneration):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// toHTTPError converts err into an echo error carrying the mapped status.
// Unclassified errors keep their detail out of the response body.
func toHTTPError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError && !errors.Is(err, vectorstore.ErrStorage) {
		msg = http.StatusText(status)
	}
	return echo.NewHTTPError(status, msg).SetInternal(err)
}

func badRequest(msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}
