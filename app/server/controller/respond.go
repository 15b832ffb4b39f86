package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/collateralvault/vaultmirror/pkg/utils"
	"github.com/collateralvault/vaultmirror/pkg/vault"
	"go.uber.org/zap"
)

const (
	defaultLimit = 50
	maxLimit     = 100
)

// envelope is the body of every API response.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, envelope{Success: false, Error: msg})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, vault.ErrNotFound), errors.Is(err, mirror.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, vault.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, vault.ErrInsufficientBalance),
		errors.Is(err, vault.ErrInsufficientLockedBalance),
		errors.Is(err, vault.ErrOverflow),
		errors.Is(err, vault.ErrUnderflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, vault.ErrConflict),
		errors.Is(err, mirror.ErrAlreadyExists),
		errors.Is(err, mirror.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, vault.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError reports err to the caller. Internal failures are logged
// and their details withheld.
func (c *Controller) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		c.App.Logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", code),
			zap.Error(err))
		if code == http.StatusInternalServerError {
			writeError(w, code, "internal error")
			return
		}
	}
	writeError(w, code, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

// queryLimit reads ?limit, clamped to [1,maxLimit].
func queryLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return utils.ClampLimit(n, defaultLimit, maxLimit)
}

func queryOffset(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

// orEmpty renders a nil listing as [] rather than null.
func orEmpty[T any](rows []T) []T {
	if rows == nil {
		return []T{}
	}
	return rows
}
