// Package httpapi implements the HTTP and WebSocket surface from
// SPEC_FULL.md §6: workspace activation, terminal CRUD, directed
// messaging, and the `/ws/terminal/:id` and `/ws/messages` upgrades.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/ehrlich-b/tower/internal/address"
)

// errorCode is one of the stable codes spec.md §6 lists on the wire.
type errorCode string

const (
	codeInvalidParams errorCode = "INVALID_PARAMS"
	codeNotFound      errorCode = "NOT_FOUND"
	codeAmbiguous     errorCode = "AMBIGUOUS"
	codeNoContext     errorCode = "NO_CONTEXT"
	codeInternal      errorCode = "INTERNAL_ERROR"
	codeRateLimited   errorCode = "RATE_LIMITED"
)

type errorBody struct {
	Code       errorCode `json:"code"`
	Message    string    `json:"message"`
	Candidates []string  `json:"candidates,omitempty"`
}

func statusForCode(c errorCode) int {
	switch c {
	case codeAmbiguous:
		return http.StatusConflict
	case codeNotFound:
		return http.StatusNotFound
	case codeInvalidParams, codeNoContext:
		return http.StatusBadRequest
	case codeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, c errorCode, msg string, candidates []string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusForCode(c))
	json.NewEncoder(w).Encode(errorBody{Code: c, Message: msg, Candidates: candidates})
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeError(w, codeInternal, err.Error(), nil)
}

// writeResolveError translates a *address.ResolveError (or any other
// error) into the matching wire error code.
func writeResolveError(w http.ResponseWriter, err error) {
	if re, ok := err.(*address.ResolveError); ok {
		switch re.Code {
		case address.NotFound:
			writeError(w, codeNotFound, re.Detail, re.Candidates)
		case address.Ambiguous:
			writeError(w, codeAmbiguous, re.Detail, re.Candidates)
		case address.NoContext:
			writeError(w, codeNoContext, re.Detail, nil)
		default:
			writeInternalError(w, err)
		}
		return
	}
	writeInternalError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
