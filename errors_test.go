package authmesh

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestOutcomeMapping(t *testing.T) {
	tests := []struct {
		outcome Outcome
		code    string
		status  int
	}{
		{OutcomeUnauthorized, "authentication_required", http.StatusUnauthorized},
		{OutcomeForbidden, "forbidden", http.StatusForbidden},
		{OutcomeTokenExpired, "token_expired", http.StatusUnauthorized},
		{OutcomeServiceDegraded, "service_degraded", http.StatusServiceUnavailable},
		{OutcomeValidationFailed, "validation_failed", http.StatusUnauthorized},
	}
	for _, tc := range tests {
		if got := tc.outcome.Code(); got != tc.code {
			t.Fatalf("%v: expected code %q, got %q", tc.outcome, tc.code, got)
		}
		if got := tc.outcome.HTTPStatus(); got != tc.status {
			t.Fatalf("%v: expected status %d, got %d", tc.outcome, tc.status, got)
		}
		if tc.outcome.Message() == "" {
			t.Fatalf("%v: empty message", tc.outcome)
		}
	}
	if OutcomeAccepted.Code() != "" || OutcomeAccepted.String() != "accepted" {
		t.Fatal("accepted outcome must have no error code")
	}
}

func TestOutcomeBodyJSON(t *testing.T) {
	data, err := json.Marshal(OutcomeServiceDegraded.Body(true))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"error":"service_degraded","message":"Authentication service temporarily unavailable","degraded_mode":true}`
	if string(data) != want {
		t.Fatalf("unexpected body %s", data)
	}
}

func TestOutcomeFor(t *testing.T) {
	tests := []struct {
		err  error
		want Outcome
	}{
		{nil, OutcomeAccepted},
		{ErrTokenMissing, OutcomeUnauthorized},
		{fmt.Errorf("%w: bad", ErrTokenMalformed), OutcomeValidationFailed},
		{ErrSignatureInvalid, OutcomeValidationFailed},
		{ErrTokenExpired, OutcomeTokenExpired},
		{ErrForbidden, OutcomeForbidden},
		{fmt.Errorf("%w: redis down", ErrDependencyUnavailable), OutcomeServiceDegraded},
		{ErrEngineNotReady, OutcomeServiceDegraded},
		{ErrSessionNotFound, OutcomeValidationFailed},
		{ErrUserMismatch, OutcomeValidationFailed},
		{ErrUserInactive, OutcomeValidationFailed},
		{errors.New("anything else"), OutcomeUnauthorized},
	}
	for _, tc := range tests {
		if got := OutcomeFor(tc.err); got != tc.want {
			t.Fatalf("OutcomeFor(%v): expected %s, got %s", tc.err, tc.want, got)
		}
	}
}
