package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memsync/internal/remote"
	"github.com/fyrsmithlabs/memsync/internal/services"
)

// Codes this package adds to the remote error codes.
const (
	CodeUnauthorized    = "unauthorized"
	CodeIndexerDisabled = "indexer_disabled"
	CodeBadRequest      = "bad_request"
)

// errorResponse maps err onto a status and a JSON body. Internal errors do
// not expose their message.
func errorResponse(err error) (int, remote.ErrorBody) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, remote.ErrorBody{Error: fmt.Sprint(he.Message), Code: codeForStatus(he.Code)}
	}
	if errors.Is(err, services.ErrIndexerDisabled) {
		return http.StatusConflict, remote.ErrorBody{Error: err.Error(), Code: CodeIndexerDisabled}
	}
	status := remote.StatusFor(err)
	if status == http.StatusInternalServerError {
		return status, remote.ErrorBody{Error: "internal error", Code: remote.CodeInternal}
	}
	return status, remote.ErrorBody{Error: err.Error(), Code: remote.ErrorCode(err)}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeBadRequest
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return remote.CodePermissionDenied
	case http.StatusNotFound:
		return remote.CodeNotFound
	case http.StatusServiceUnavailable:
		return remote.CodeUnavailable
	}
	return remote.CodeInternal
}

// errorHandler writes every handler error as a remote.ErrorBody so the
// sync client can map it back onto its sentinel.
func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, body := errorResponse(err)
		if status >= http.StatusInternalServerError {
			logger.Error("request failed",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Int("status", status),
				zap.Error(err),
			)
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Warn("writing error response", zap.Error(err))
		}
	}
}
