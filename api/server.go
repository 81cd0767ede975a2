// Package api serves the operator HTTP interface: account commands, the
// health summary, the live event stream and the webhook endpoint.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rustyeddy/termfleet/account"
	"github.com/rustyeddy/termfleet/health"
	"github.com/rustyeddy/termfleet/internal/httpx"
	"github.com/rustyeddy/termfleet/journal"
)

const maxRequestBody = 16 << 10

// Lifecycle is the command surface the API drives.
type Lifecycle interface {
	Add(ctx context.Context, number, nickname string) (account.Account, error)
	Open(ctx context.Context, number string) (account.Account, error)
	Restart(ctx context.Context, number string) (account.Account, error)
	Stop(ctx context.Context, number string) (account.Account, error)
	Delete(ctx context.Context, number string) (account.Account, error)
	Rename(ctx context.Context, number, nickname string) (account.Account, error)
	Get(ctx context.Context, number string) (account.Account, error)
	List(ctx context.Context) ([]account.Account, error)
	Await(ctx context.Context, number string) error
}

// History looks up journaled events for an account.
type History interface {
	History(ctx context.Context, number string, limit int) ([]journal.Record, error)
}

const defaultHistoryLimit = 50

// Server routes operator requests.
type Server struct {
	lc       Lifecycle
	reporter *health.Reporter
	history  History
	events   http.Handler
	webhook  http.Handler
	prefix   string
	log      *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithEvents serves the event stream at /api/events.
func WithEvents(h http.Handler) Option {
	return func(s *Server) { s.events = h }
}

// WithHistory serves /api/accounts/{number}/history.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithWebhook serves h at prefix and prefix/{token}.
func WithWebhook(prefix string, h http.Handler) Option {
	return func(s *Server) {
		s.prefix = strings.TrimSuffix(prefix, "/")
		s.webhook = h
	}
}

func New(lc Lifecycle, reporter *health.Reporter, opts ...Option) *Server {
	s := &Server{
		lc:       lc,
		reporter: reporter,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /api/summary", s.summary)

	mux.HandleFunc("GET /api/accounts", s.listAccounts)
	mux.HandleFunc("POST /api/accounts", s.addAccount)
	mux.HandleFunc("GET /api/accounts/{number}", s.getAccount)
	mux.HandleFunc("PATCH /api/accounts/{number}", s.renameAccount)
	mux.HandleFunc("DELETE /api/accounts/{number}", s.command(s.lc.Delete))
	mux.HandleFunc("POST /api/accounts/{number}/open", s.command(s.lc.Open))
	mux.HandleFunc("POST /api/accounts/{number}/restart", s.command(s.lc.Restart))
	mux.HandleFunc("POST /api/accounts/{number}/stop", s.command(s.lc.Stop))

	if s.history != nil {
		mux.HandleFunc("GET /api/accounts/{number}/history", s.accountHistory)
	}
	if s.events != nil {
		mux.Handle("GET /api/events", s.events)
	}
	if s.webhook != nil {
		mux.Handle(s.prefix, s.webhook)
		mux.Handle(s.prefix+"/{token}", s.webhook)
	}

	return s.logRequests(mux)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	accts, err := s.lc.List(r.Context())
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s.reporter.Report(accts))
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := s.lc.List(r.Context())
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if accts == nil {
		accts = []account.Account{}
	}
	httpx.WriteJSON(w, http.StatusOK, accts)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.lc.Get(r.Context(), r.PathValue("number"))
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, a)
}

func (s *Server) accountHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httpx.WriteError(w, fmt.Errorf("limit %q: %w", v, httpx.ErrBadRequest))
			return
		}
		limit = n
	}

	recs, err := s.history.History(r.Context(), r.PathValue("number"), limit)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, recs)
}

// AddRequest is the body of POST /api/accounts.
type AddRequest struct {
	Number   string `json:"account_number"`
	Nickname string `json:"nickname"`
}

func (s *Server) addAccount(w http.ResponseWriter, r *http.Request) {
	var req AddRequest
	if err := decode(w, r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	a, err := s.lc.Add(r.Context(), req.Number, req.Nickname)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	s.respond(w, r, a)
}

// RenameRequest is the body of PATCH /api/accounts/{number}.
type RenameRequest struct {
	Nickname string `json:"nickname"`
}

func (s *Server) renameAccount(w http.ResponseWriter, r *http.Request) {
	var req RenameRequest
	if err := decode(w, r, &req); err != nil {
		httpx.WriteError(w, err)
		return
	}

	a, err := s.lc.Rename(r.Context(), r.PathValue("number"), req.Nickname)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, a)
}

func (s *Server) command(fn func(context.Context, string) (account.Account, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := fn(r.Context(), r.PathValue("number"))
		if err != nil {
			httpx.WriteError(w, err)
			return
		}
		s.respond(w, r, a)
	}
}

// respond answers 202 with the account as of the command's first
// transition, or with ?wait=true blocks until the command completes and
// answers with the final state.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, a account.Account) {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		httpx.WriteJSON(w, http.StatusAccepted, a)
		return
	}

	if err := s.lc.Await(r.Context(), a.Number); err != nil {
		httpx.WriteError(w, err)
		return
	}

	final, err := s.lc.Get(r.Context(), a.Number)
	if account.Reason(err) == account.ReasonNotFound && r.Method == http.MethodDelete {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, final)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", httpx.ErrBadRequest, err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack passes the connection through for the WebSocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.log.Log(r.Context(), level, "http request",
			slog.String("method", r.Method),
			slog.String("path", s.redact(r.URL.Path)),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

// redact hides the webhook token in logged paths.
func (s *Server) redact(path string) string {
	if s.webhook != nil && strings.HasPrefix(path, s.prefix+"/") {
		return s.prefix + "/***"
	}
	return path
}
