package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/fyrsmithlabs/memsync/internal/record"
)

// Error codes carried in the "code" field of error responses.
const (
	CodeQuotaExceeded    = "quota_exceeded"
	CodePermissionDenied = "permission_denied"
	CodeInvalidReference = "invalid_reference"
	CodeInvalidRecord    = "invalid_record"
	CodeUnknownDevice    = "unknown_device"
	CodeNotFound         = "not_found"
	CodeUnavailable      = "unavailable"
	CodeTimeout          = "timeout"
	CodeInternal         = "internal"
)

// ErrorBody is the JSON body of every non-2xx sync response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ErrorCode classifies err for the wire.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, record.ErrQuotaExceeded):
		return CodeQuotaExceeded
	case errors.Is(err, record.ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, record.ErrInvalidReference):
		return CodeInvalidReference
	case errors.Is(err, record.ErrInvalidRecord):
		return CodeInvalidRecord
	case errors.Is(err, record.ErrUnknownDevice):
		return CodeUnknownDevice
	case errors.Is(err, record.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, record.ErrRemoteTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, record.ErrRemoteUnavailable):
		return CodeUnavailable
	}
	return CodeInternal
}

// StatusFor returns the HTTP status the server answers err with.
func StatusFor(err error) int {
	switch ErrorCode(err) {
	case CodeQuotaExceeded:
		return http.StatusPaymentRequired
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeInvalidReference, CodeInvalidRecord:
		return http.StatusBadRequest
	case CodeUnknownDevice, CodeNotFound:
		return http.StatusNotFound
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// ErrorFromResponse turns a non-2xx response into an error wrapping the
// matching sentinel. The body is read up to 4KB.
func ErrorFromResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body ErrorBody
	if json.Unmarshal(raw, &body) != nil || body.Error == "" {
		body.Error = string(raw)
	}
	sentinel := sentinelFor(resp.StatusCode, body.Code)
	return fmt.Errorf("%w: status %d: %s", sentinel, resp.StatusCode, body.Error)
}

func sentinelFor(status int, code string) error {
	switch status {
	case http.StatusPaymentRequired:
		return record.ErrQuotaExceeded
	case http.StatusUnauthorized, http.StatusForbidden:
		return record.ErrPermissionDenied
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		if code == CodeInvalidReference {
			return record.ErrInvalidReference
		}
		return record.ErrInvalidRecord
	case http.StatusNotFound:
		if code == CodeUnknownDevice {
			return record.ErrUnknownDevice
		}
		return record.ErrNotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return record.ErrRemoteTimeout
	}
	if code == CodeQuotaExceeded {
		return record.ErrQuotaExceeded
	}
	return record.ErrRemoteUnavailable
}
