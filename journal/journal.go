// Package journal keeps an append-only history of lifecycle events so an
// operator can see why an account went offline after the fact.
package journal

import (
	"time"

	"github.com/rustyeddy/termfleet/account"
	"github.com/rustyeddy/termfleet/events"
)

// Record is one journaled event.
type Record struct {
	Seq     int64          `json:"seq"`
	Time    time.Time      `json:"time"`
	Type    events.Type    `json:"type"`
	Account string         `json:"account_number,omitempty"`
	Status  account.Status `json:"status,omitempty"`
	PID     int            `json:"pid,omitempty"`
	Error   string         `json:"error,omitempty"`
	AckID   string         `json:"ack_id,omitempty"`
}

func recordOf(ev events.Event) Record {
	t := ev.Time
	if t.IsZero() {
		t = time.Now()
	}
	return Record{
		Time:    t,
		Type:    ev.Type,
		Account: ev.Account,
		Status:  ev.Status,
		PID:     ev.PID,
		Error:   ev.Error,
		AckID:   ev.AckID,
	}
}
