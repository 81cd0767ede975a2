// Package httpx holds the JSON response helpers shared by the operator API
// and the webhook endpoint.
package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rustyeddy/termfleet/account"
)

// ErrBadRequest marks a request that could not be decoded.
var ErrBadRequest = errors.New("bad request")

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Reason extends account.Reason with transport-level failures.
func Reason(err error) string {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.As(err, &tooLarge):
		return "too_large"
	}
	return account.Reason(err)
}

// Status maps an error to its HTTP status code.
func Status(err error) int {
	switch Reason(err) {
	case account.ReasonDuplicate, account.ReasonBusy:
		return http.StatusConflict
	case account.ReasonNotFound, account.ReasonAccountNotFound:
		return http.StatusNotFound
	case account.ReasonMalformedSignal, account.ReasonInvalidAccount, "bad_request":
		return http.StatusBadRequest
	case account.ReasonUnauthorized:
		return http.StatusUnauthorized
	case account.ReasonAccountUnavailable:
		return http.StatusServiceUnavailable
	case "too_large":
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes err as an ErrorBody.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, Status(err), ErrorBody{Error: Reason(err), Message: err.Error()})
}
