package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/types"
)

// errSecretsDisabled is returned by the secret handlers when the
// kernel booted without vault key material.
var errSecretsDisabled = errors.New("secrets are disabled: no vault key configured")

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// Machine-readable reasons for the statuses that map Is-style sentinel
// errors. Denials use the capability VerifyReason vocabulary instead,
// and validation failures name the offending field.
const (
	ReasonNotFound          = "not_found"
	ReasonAlreadyRegistered = "already_registered"
	ReasonSwapInFlight      = "swap_in_flight"
	ReasonCompileFailed     = "compile_failed"
	ReasonResourceExhausted = "resource_exhausted"
	ReasonCircuitOpen       = "circuit_open"
	ReasonSecretsDisabled   = "secrets_disabled"
)

// writeError maps a kernel error onto an HTTP status. The mapping
// mirrors the error taxonomy: validation 400, not found 404, conflicts
// 409, compile 422, shedding 429, denials 403, open circuit and
// disabled vault 503, everything else 500.
func writeError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	body := errorBody{Error: err.Error()}

	var verr *types.ValidationError
	var cerr *types.CompileError
	var derr *types.DeniedError

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		body.Reason = verr.Field
	case errors.As(err, &cerr):
		status = http.StatusUnprocessableEntity
		body.Reason = ReasonCompileFailed
	case errors.As(err, &derr):
		status = http.StatusForbidden
		body.Reason = string(derr.Reason)
	case errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
		body.Reason = ReasonNotFound
	case errors.Is(err, types.ErrAlreadyRegistered):
		status = http.StatusConflict
		body.Reason = ReasonAlreadyRegistered
	case errors.Is(err, types.ErrSwapInFlight):
		status = http.StatusConflict
		body.Reason = ReasonSwapInFlight
	case errors.Is(err, types.ErrResourceExhausted):
		status = http.StatusTooManyRequests
		body.Reason = ReasonResourceExhausted
	case errors.Is(err, types.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
		body.Reason = ReasonCircuitOpen
	case errors.Is(err, errSecretsDisabled):
		status = http.StatusServiceUnavailable
		body.Reason = ReasonSecretsDisabled
	}

	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, body)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &types.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}
