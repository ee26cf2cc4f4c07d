package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/MrEthical07/authmesh"
	"github.com/MrEthical07/authmesh/token"
)

// Rejection is the typed error returned by [CurrentIdentity].
type Rejection struct {
	Outcome  authmesh.Outcome
	Degraded bool
	err      error
}

func (r *Rejection) Error() string { return r.Outcome.Code() }

func (r *Rejection) Unwrap() error { return r.err }

// CurrentIdentity returns the result stored by [Validator]. Routes mounted outside
// the validator get an unauthorized rejection.
func CurrentIdentity(r *http.Request) (*authmesh.AuthResult, error) {
	res, ok := authmesh.AuthResultFromContext(r.Context())
	if !ok || !res.Accepted() {
		return nil, &Rejection{Outcome: authmesh.OutcomeUnauthorized, err: authmesh.ErrTokenMissing}
	}
	return res, nil
}

// RequireRole admits callers whose role is one of roles. It must run after [Validator].
func RequireRole(roles ...token.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := CurrentIdentity(r)
			if err != nil {
				WriteRejection(w, authmesh.OutcomeUnauthorized, false)
				return
			}
			if !slices.Contains(roles, res.Identity.Role) {
				WriteRejection(w, authmesh.OutcomeForbidden, res.Degraded)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WriteRejection writes the standard JSON body for outcome.
func WriteRejection(w http.ResponseWriter, outcome authmesh.Outcome, degraded bool) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(outcome.HTTPStatus())
	_ = json.NewEncoder(w).Encode(outcome.Body(degraded))
}

// WriteError classifies err with [authmesh.OutcomeFor] and writes the body.
func WriteError(w http.ResponseWriter, err error) {
	var rej *Rejection
	if errors.As(err, &rej) {
		WriteRejection(w, rej.Outcome, rej.Degraded)
		return
	}
	outcome := authmesh.OutcomeFor(err)
	WriteRejection(w, outcome, outcome == authmesh.OutcomeServiceDegraded)
}
