// Package events fans lifecycle transitions out to observers: the log, a
// Redis pub/sub channel and WebSocket clients of the dashboard.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/rustyeddy/termfleet/account"
)

// Type names an event.
type Type string

const (
	AccountAdded    Type = "account.added"
	AccountRenamed  Type = "account.renamed"
	AccountRemoved  Type = "account.removed"
	StatusChanged   Type = "account.status"
	SignalAccepted  Type = "signal.accepted"
	SignalConsumed  Type = "signal.consumed"
	OrchestratorEnd Type = "orchestrator.stopping"
)

// Event is one observable change.
type Event struct {
	Type    Type           `json:"type"`
	Account string         `json:"account_number,omitempty"`
	Status  account.Status `json:"status,omitempty"`
	PID     int            `json:"pid,omitempty"`
	Error   string         `json:"error,omitempty"`
	AckID   string         `json:"ack_id,omitempty"`
	Time    time.Time      `json:"time"`
}

// FromAccount builds an event describing a's current state.
func FromAccount(t Type, a account.Account) Event {
	return Event{
		Type:    t,
		Account: a.Number,
		Status:  a.Status,
		PID:     a.PID(),
		Error:   a.LastError,
		Time:    time.Now(),
	}
}

// Publisher receives events. Implementations must not block for long; the
// lifecycle publishes while holding an account's command slot.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Multi publishes to every member and logs failures instead of returning them.
type Multi struct {
	pubs []Publisher
	log  *slog.Logger
}

// NewMulti combines publishers. nil entries are skipped.
func NewMulti(log *slog.Logger, pubs ...Publisher) *Multi {
	if log == nil {
		log = slog.Default()
	}
	m := &Multi{log: log}
	for _, p := range pubs {
		if p != nil {
			m.pubs = append(m.pubs, p)
		}
	}
	return m
}

// Add appends a publisher.
func (m *Multi) Add(p Publisher) {
	m.pubs = append(m.pubs, p)
}

func (m *Multi) Publish(ctx context.Context, ev Event) error {
	for _, p := range m.pubs {
		if err := p.Publish(ctx, ev); err != nil {
			m.log.Warn("publish event", slog.String("type", string(ev.Type)), slog.Any("error", err))
		}
	}
	return nil
}

// Log writes every event to a logger.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Publish(ctx context.Context, ev Event) error {
	attrs := []slog.Attr{slog.String("type", string(ev.Type))}
	if ev.Account != "" {
		attrs = append(attrs, slog.String("account", ev.Account))
	}
	if ev.Status != "" {
		attrs = append(attrs, slog.String("status", string(ev.Status)))
	}
	if ev.PID != 0 {
		attrs = append(attrs, slog.Int("pid", ev.PID))
	}
	if ev.Error != "" {
		attrs = append(attrs, slog.String("last_error", ev.Error))
	}
	if ev.AckID != "" {
		attrs = append(attrs, slog.String("ack_id", ev.AckID))
	}
	l.log.LogAttrs(ctx, slog.LevelInfo, "event", attrs...)
	return nil
}

// Discard drops events.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

// Recorder keeps events in memory. Tests use it to assert on transitions.
type Recorder struct {
	ch chan Event
}

func NewRecorder(size int) *Recorder {
	return &Recorder{ch: make(chan Event, size)}
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	select {
	case r.ch <- ev:
	default:
	}
	return nil
}

// C returns the recorded events in publish order.
func (r *Recorder) C() <-chan Event {
	return r.ch
}
