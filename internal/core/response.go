package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"safewatch/internal/types"
)

// maxRequestBodySize is the hard ceiling on a decoded body. BodyLimitMiddleware
// usually applies a tighter limit first.
const maxRequestBodySize = 1 << 20

// errCodeValidationInvalidJSON is returned for bodies DecodeJSON rejects.
const errCodeValidationInvalidJSON types.ErrorCode = "validation_invalid_json"

// APIResponse is the envelope of every successful response.
type APIResponse struct {
	Data any   `json:"data,omitempty"`
	Meta *Meta `json:"meta,omitempty"`
}

// Meta carries non-blocking information alongside a response, such as a
// reading that was accepted but discarded.
type Meta struct {
	Warnings []string `json:"warnings,omitempty"`
}

// Envelope wraps data, attaching Meta only when there are warnings.
func Envelope(data any, warnings ...string) APIResponse {
	resp := APIResponse{Data: data}
	if len(warnings) > 0 {
		resp.Meta = &Meta{Warnings: warnings}
	}
	return resp
}

// APIErrorResponse is the envelope of every error response.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the client-facing part of an AppError.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON writes data with the given status. Responses carry child locations
// and alerts, so they are marked no-store unless the handler already chose a
// cache policy. A value that cannot be marshalled becomes a 500 envelope.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(APIErrorResponse{Error: ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "failed to marshal response",
			RequestID: types.GetRequestID(r.Context()),
		}})
	}

	h := w.Header()
	h.Set("Content-Type", "application/json")
	if h.Get("Cache-Control") == "" {
		h.Set("Cache-Control", "no-store")
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error writes err as an error envelope. AppErrors keep their code, message
// and details and map to their HTTP status. Anything else is a 500 whose
// text is not exposed.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	detail := ErrorDetail{
		Code:      string(types.ErrCodeInternalUnexpected),
		Message:   "an unexpected error occurred",
		RequestID: types.GetRequestID(r.Context()),
	}
	status := http.StatusInternalServerError

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		detail.Code = string(appErr.Code)
		detail.Message = appErr.Message
		detail.Details = appErr.Details
		status = appErr.HTTPStatus()
	}
	JSON(w, r, status, APIErrorResponse{Error: detail})
}

// DecodeJSON strictly decodes a single JSON value from the body into dst.
// Unknown fields, trailing values, empty bodies and bodies over 1 MB are
// rejected with validation_invalid_json.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return mapDecodeError(err)
	}
	if dec.More() {
		return invalidJSON("request body must contain a single JSON object", nil)
	}
	return nil
}

func invalidJSON(msg string, err error) *types.AppError {
	return types.NewAppError(errCodeValidationInvalidJSON, msg, err)
}

func mapDecodeError(err error) *types.AppError {
	var (
		tooLarge   *http.MaxBytesError
		syntaxErr  *json.SyntaxError
		typeErr    *json.UnmarshalTypeError
		unknownPfx = "json: unknown field "
	)

	switch {
	case errors.As(err, &tooLarge):
		return invalidJSON(fmt.Sprintf("request body must not exceed %d bytes", tooLarge.Limit), err)
	case errors.As(err, &syntaxErr):
		return invalidJSON("malformed JSON in request body", err).
			WithDetails(map[string]any{"offset": syntaxErr.Offset})
	case errors.As(err, &typeErr):
		return invalidJSON("invalid value for field", err).
			WithDetails(map[string]any{"field": typeErr.Field, "expected": typeErr.Type.String()})
	case strings.HasPrefix(err.Error(), unknownPfx):
		field := strings.Trim(strings.TrimPrefix(err.Error(), unknownPfx), `"`)
		return invalidJSON("unknown field in request body: "+field, err).
			WithDetails(map[string]any{"field": field})
	case errors.Is(err, io.EOF):
		return invalidJSON("request body must not be empty", err)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return invalidJSON("malformed JSON in request body", err)
	default:
		return invalidJSON("invalid JSON in request body", err)
	}
}
