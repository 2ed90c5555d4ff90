package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/caseguide/internal/apperr"
	"github.com/roach88/caseguide/internal/openrouter"
	"github.com/roach88/caseguide/internal/ratelimit"
	"github.com/roach88/caseguide/internal/rerank"
	"github.com/roach88/caseguide/internal/retry"
	"github.com/roach88/caseguide/internal/scraper"
)

const maxBodyBytes = 1 << 20

// Envelope statuses.
const (
	statusSuccess = "success"
	statusError   = "error"
)

type envelope struct {
	Status string     `json:"status"`
	Data   any        `json:"data,omitempty"`
	Error  *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code      string              `json:"code"`
	Message   string              `json:"message"`
	Details   []apperr.FieldError `json:"details,omitempty"`
	RequestID string              `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, envelope{Status: statusSuccess, Data: data})
}

// httpStatus maps an error to its response status and code.
func httpStatus(err error) (int, apperr.Code) {
	switch {
	case retry.IsCircuitOpen(err):
		return http.StatusServiceUnavailable, apperr.CodeUnavailable
	case scraper.IsURLError(err):
		return http.StatusBadRequest, apperr.CodeValidation
	case rerank.IsAPIError(err), isOpenRouterError(err):
		return http.StatusBadGateway, apperr.CodeUnavailable
	}
	var le *ratelimit.LimitError
	if errors.As(err, &le) {
		return http.StatusTooManyRequests, apperr.CodeRateLimited
	}

	code := apperr.CodeOf(err)
	switch code {
	case apperr.CodeValidation:
		return http.StatusBadRequest, code
	case apperr.CodeUnauthorized:
		return http.StatusUnauthorized, code
	case apperr.CodeForbidden:
		return http.StatusForbidden, code
	case apperr.CodeNotFound:
		return http.StatusNotFound, code
	case apperr.CodeConflict, apperr.CodeInvalidTransition:
		return http.StatusConflict, code
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests, code
	case apperr.CodeUnavailable:
		return http.StatusServiceUnavailable, code
	}
	return http.StatusInternalServerError, apperr.CodeInternal
}

func isOpenRouterError(err error) bool {
	var oe *openrouter.APIError
	return errors.As(err, &oe)
}

// writeError renders err in the envelope. Internal errors are logged and
// replaced with a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := httpStatus(err)
	body := &errorBody{Code: string(code), RequestID: middleware.GetReqID(r.Context())}

	var ae *apperr.Error
	switch {
	case status == http.StatusInternalServerError:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "request_id", body.RequestID, "error", err)
		body.Message = "internal server error"
	case errors.As(err, &ae):
		body.Message = ae.Message
		body.Details = ae.Fields
	default:
		body.Message = err.Error()
	}
	writeJSON(w, status, envelope{Status: statusError, Error: body})
}

// decode reads a JSON request body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Invalid("body", "request body is empty")
		}
		return apperr.Invalid("body", "malformed JSON: %v", err)
	}
	return nil
}

// queryInt returns the integer query parameter key, or def when absent.
func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Invalid(key, "must be an integer")
	}
	return v, nil
}
