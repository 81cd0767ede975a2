package webhook

import (
	"io"
	"net/http"
	"strings"

	"github.com/rustyeddy/termfleet/internal/httpx"
)

// DefaultTokenHeader carries the token when it is not in the path.
const DefaultTokenHeader = "X-Webhook-Token"

// DefaultMaxBody bounds the size of a signal payload.
const DefaultMaxBody = 64 << 10

// Accepted is the success response body.
type Accepted struct {
	Status string `json:"status"`
	AckID  string `json:"ack_id"`
}

// HandlerOptions tunes the HTTP endpoint.
type HandlerOptions struct {
	TokenHeader string
	MaxBody     int64
}

// Handler serves POST requests. The token is read from the {token} path
// value when the route declares one, otherwise from the token header.
func (r *Router) Handler(opts HandlerOptions) http.Handler {
	if opts.TokenHeader == "" {
		opts.TokenHeader = DefaultTokenHeader
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = DefaultMaxBody
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		token := req.PathValue("token")
		if token == "" {
			token = strings.TrimSpace(req.Header.Get(opts.TokenHeader))
		}
		if err := r.Authenticate(token); err != nil {
			httpx.WriteError(w, err)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, opts.MaxBody))
		if err != nil {
			httpx.WriteError(w, err)
			return
		}

		ackID, err := r.Dispatch(req.Context(), token, body)
		if err != nil {
			httpx.WriteError(w, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, Accepted{Status: "accepted", AckID: ackID})
	})
}
