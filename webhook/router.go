// Package webhook accepts trading signals over HTTP and routes them to the
// running terminal of the target account.
//
// A request is checked in a fixed order: the shared-secret token first, so
// unauthenticated callers learn nothing about which accounts exist; then
// the payload; then the account, which must be registered and Online.
// Signals are never queued for an account that is not running.
package webhook

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rustyeddy/termfleet/account"
	"github.com/rustyeddy/termfleet/events"
)

// Accounts admits a delivery. Admit looks the account up and runs fn with
// it while no lifecycle command can start tearing the terminal down; it
// fails with account.ErrAccountUnavailable if one already is.
type Accounts interface {
	Admit(ctx context.Context, number string, fn func(account.Account) error) error
}

// Deliverer hands a signal to an account's terminal and returns an
// acknowledgment id.
type Deliverer interface {
	Deliver(sig account.Signal) (string, error)
}

// Router validates and dispatches webhook signals.
type Router struct {
	token    []byte
	accounts Accounts
	box      Deliverer
	pub      events.Publisher
	log      *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.log = l }
}

func WithPublisher(p events.Publisher) Option {
	return func(r *Router) { r.pub = p }
}

// NewRouter creates a router that accepts requests carrying token. An
// empty token rejects every request.
func NewRouter(token string, accounts Accounts, box Deliverer, opts ...Option) *Router {
	r := &Router{
		token:    []byte(token),
		accounts: accounts,
		box:      box,
		pub:      events.Discard{},
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Authenticate compares token with the configured secret in constant time.
func (r *Router) Authenticate(token string) error {
	if len(r.token) == 0 || subtle.ConstantTimeCompare([]byte(token), r.token) != 1 {
		return account.ErrAuth
	}
	return nil
}

// Dispatch runs the full acceptance sequence for one request and returns
// the ack id of the delivered signal.
func (r *Router) Dispatch(ctx context.Context, token string, body []byte) (string, error) {
	if err := r.Authenticate(token); err != nil {
		r.log.Warn("webhook rejected", slog.String("reason", account.ReasonUnauthorized))
		return "", err
	}

	sig, err := Parse(body)
	if err != nil {
		r.log.Info("webhook rejected", slog.String("reason", account.ReasonMalformedSignal), slog.Any("error", err))
		return "", err
	}
	return r.Route(ctx, sig)
}

// Route delivers an already validated signal.
func (r *Router) Route(ctx context.Context, sig account.Signal) (string, error) {
	log := r.log.With(slog.String("account", sig.Account), slog.String("symbol", sig.Symbol), slog.String("action", string(sig.Action)))

	var (
		ackID string
		pid   int
	)
	err := r.accounts.Admit(ctx, sig.Account, func(a account.Account) error {
		if a.Status != account.StatusOnline {
			return fmt.Errorf("%w: %s is %s", account.ErrAccountUnavailable, sig.Account, a.Status)
		}
		id, err := r.box.Deliver(sig)
		if err != nil {
			return fmt.Errorf("deliver signal to %s: %w", sig.Account, err)
		}
		ackID, pid = id, a.PID()
		return nil
	})
	switch reason := account.Reason(err); {
	case err == nil:
	case reason == account.ReasonNotFound:
		log.Info("webhook rejected", slog.String("reason", account.ReasonAccountNotFound))
		return "", fmt.Errorf("%w: %s", account.ErrAccountNotFound, sig.Account)
	case reason == account.ReasonAccountUnavailable:
		log.Info("webhook rejected", slog.String("reason", reason), slog.Any("error", err))
		return "", err
	default:
		log.Error("deliver signal", slog.Any("error", err))
		return "", err
	}

	log.Info("signal accepted", slog.String("ack_id", ackID), slog.String("volume", sig.Volume.String()))
	_ = r.pub.Publish(ctx, events.Event{
		Type:    events.SignalAccepted,
		Account: sig.Account,
		AckID:   ackID,
		PID:     pid,
		Time:    time.Now(),
	})
	return ackID, nil
}

// payload is the webhook body. Account numbers may arrive as JSON strings
// or numbers; decimals may be either too.
type payload struct {
	AccountNumber json.RawMessage  `json:"account_number"`
	Symbol        string           `json:"symbol"`
	Action        string           `json:"action"`
	Volume        *decimal.Decimal `json:"volume"`
	TakeProfit    *decimal.Decimal `json:"take_profit"`
	StopLoss      *decimal.Decimal `json:"stop_loss"`
	Comment       string           `json:"comment"`
}

const maxComment = 512

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", account.ErrMalformedSignal, fmt.Sprintf(format, args...))
}

// Parse decodes and structurally validates a webhook body.
func Parse(body []byte) (account.Signal, error) {
	var p payload
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return account.Signal{}, malformed("invalid JSON: %v", err)
	}

	number, err := accountNumber(p.AccountNumber)
	if err != nil {
		return account.Signal{}, err
	}

	symbol := strings.TrimSpace(p.Symbol)
	if symbol == "" {
		return account.Signal{}, malformed("symbol is required")
	}

	action, ok := account.ParseAction(p.Action)
	if !ok {
		return account.Signal{}, malformed("unknown action %q", p.Action)
	}

	if p.Volume == nil {
		return account.Signal{}, malformed("volume is required")
	}
	if !p.Volume.IsPositive() {
		return account.Signal{}, malformed("volume must be positive, got %s", p.Volume)
	}
	for name, v := range map[string]*decimal.Decimal{"take_profit": p.TakeProfit, "stop_loss": p.StopLoss} {
		if v != nil && v.IsNegative() {
			return account.Signal{}, malformed("%s must not be negative", name)
		}
	}
	if len(p.Comment) > maxComment {
		return account.Signal{}, malformed("comment longer than %d bytes", maxComment)
	}

	return account.Signal{
		Account:    number,
		Symbol:     symbol,
		Action:     action,
		Volume:     *p.Volume,
		TakeProfit: p.TakeProfit,
		StopLoss:   p.StopLoss,
		Comment:    p.Comment,
	}, nil
}

func accountNumber(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", malformed("account_number is required")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", malformed("account_number must be a string")
		}
		s = n.String()
	}

	number, err := account.NormalizeNumber(s)
	if err != nil {
		return "", malformed("account_number %q is not valid", s)
	}
	return number, nil
}
