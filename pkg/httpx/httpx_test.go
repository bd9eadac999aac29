package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/accordsai/esign/pkg/domain"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ValidationErrors{{FieldID: "f", Reason: "bad"}}, 422, "VALIDATION_FAILED"},
		{&domain.ResolutionError{PartyID: "A", Reason: "unbound"}, 422, "RESOLUTION_FAILED"},
		{&domain.PermissionError{Action: "SIGN", Reason: "no"}, 403, "PERMISSION_DENIED"},
		{fmt.Errorf("%w: ctr_1", domain.ErrContractClosed), 409, "CONTRACT_CLOSED"},
		{fmt.Errorf("%w: sig_a", domain.ErrAlreadyFulfilled), 409, "ALREADY_FULFILLED"},
		{domain.ErrStaleState, 409, "STALE_STATE"},
		{fmt.Errorf("contract ctr_9: %w", domain.ErrNotFound), 404, "NOT_FOUND"},
		{errors.New("connection reset"), 500, "INTERNAL"},
	}
	for _, tc := range cases {
		status, code, _ := StatusFor(tc.err)
		if status != tc.status || code != tc.code {
			t.Fatalf("%v: expected %d %s, got %d %s", tc.err, tc.status, tc.code, status, code)
		}
	}
}

func TestWriteDomainErrorHidesInternalMessages(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteDomainError(rec, errors.New("pq: password authentication failed"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "password") {
		t.Fatalf("internal detail leaked: %s", rec.Body.String())
	}
	var body struct {
		RequestID string `json:"request_id"`
		Error     struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(body.RequestID, "req_") || body.Error.Code != "INTERNAL" {
		t.Fatalf("unexpected envelope %+v", body)
	}
}
