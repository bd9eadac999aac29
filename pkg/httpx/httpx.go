package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/accordsai/esign/pkg/domain"
	"github.com/google/uuid"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func ErrorBody(code, message string, details any) map[string]any {
	return map[string]any{
		"request_id": NewRequestID(),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	}
}

func WriteError(w http.ResponseWriter, status int, code, message string, details any) {
	WriteJSON(w, status, ErrorBody(code, message, details))
}

// StatusFor maps a domain error to its HTTP status and error code.
func StatusFor(err error) (int, string, any) {
	var (
		ves domain.ValidationErrors
		ve  domain.ValidationError
		re  *domain.ResolutionError
		pe  *domain.PermissionError
	)
	switch {
	case errors.As(err, &ves):
		return http.StatusUnprocessableEntity, "VALIDATION_FAILED", []domain.ValidationError(ves)
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity, "VALIDATION_FAILED", []domain.ValidationError{ve}
	case errors.As(err, &re):
		return http.StatusUnprocessableEntity, "RESOLUTION_FAILED", map[string]any{"party_id": re.PartyID}
	case errors.As(err, &pe):
		return http.StatusForbidden, "PERMISSION_DENIED", map[string]any{"action": pe.Action}
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden, "PERMISSION_DENIED", nil
	case errors.Is(err, domain.ErrContractClosed):
		return http.StatusConflict, "CONTRACT_CLOSED", nil
	case errors.Is(err, domain.ErrAlreadyFulfilled):
		return http.StatusConflict, "ALREADY_FULFILLED", nil
	case errors.Is(err, domain.ErrStaleState):
		return http.StatusConflict, "STALE_STATE", nil
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrFieldNotFound):
		return http.StatusNotFound, "NOT_FOUND", nil
	}
	return http.StatusInternalServerError, "INTERNAL", nil
}

func WriteDomainError(w http.ResponseWriter, err error) {
	status, code, details := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	WriteError(w, status, code, msg, details)
}
