// Package health derives the dashboard summary from registry state. It
// holds no state of its own; uptimes are recomputed from handle start times
// on every call.
package health

import (
	"time"

	"github.com/rustyeddy/termfleet/account"
)

// System health levels.
const (
	Healthy = "healthy"
	Partial = "partial"
	Offline = "offline"
)

// AccountUptime is the per-account part of a summary.
type AccountUptime struct {
	Account        string         `json:"account_number"`
	Nickname       string         `json:"nickname"`
	Status         account.Status `json:"status"`
	PID            int            `json:"pid,omitempty"`
	Uptime         Duration       `json:"uptime"`
	PendingSignals int            `json:"pending_signals"`
	LastError      string         `json:"last_error,omitempty"`
}

// Summary is the aggregate view of all accounts.
type Summary struct {
	Total        int             `json:"total"`
	Online       int             `json:"online"`
	Offline      int             `json:"offline"`
	Pending      int             `json:"pending"`
	SystemHealth string          `json:"system_health"`
	SystemUptime Duration        `json:"system_uptime"`
	Accounts     []AccountUptime `json:"accounts"`
}

// Summarize counts accounts by status. It is a pure function of its input.
func Summarize(accts []account.Account) Summary {
	var s Summary
	s.Total = len(accts)
	for _, a := range accts {
		switch a.Status {
		case account.StatusOnline:
			s.Online++
		case account.StatusOffline:
			s.Offline++
		case account.StatusPending:
			s.Pending++
		}
	}
	s.SystemHealth = Level(s.Online, s.Total)
	return s
}

// Level is healthy when every account is online, partial when some are,
// and offline otherwise.
func Level(online, total int) string {
	switch {
	case total > 0 && online == total:
		return Healthy
	case online > 0:
		return Partial
	default:
		return Offline
	}
}

// Reporter adds uptimes and inbox depth to a Summary.
type Reporter struct {
	started time.Time
	pending func(number string) int
	now     func() time.Time
}

// NewReporter measures system uptime from started. pending may be nil.
func NewReporter(started time.Time, pending func(number string) int) *Reporter {
	return &Reporter{started: started, pending: pending, now: time.Now}
}

// Report summarizes accts as of now.
func (r *Reporter) Report(accts []account.Account) Summary {
	now := r.now()
	s := Summarize(accts)
	s.SystemUptime = Duration(now.Sub(r.started))
	s.Accounts = make([]AccountUptime, 0, len(accts))
	for _, a := range accts {
		u := AccountUptime{
			Account:   a.Number,
			Nickname:  a.Nickname,
			Status:    a.Status,
			PID:       a.PID(),
			LastError: a.LastError,
		}
		if a.Status == account.StatusOnline {
			u.Uptime = Duration(a.Handle.Uptime(now))
		}
		if r.pending != nil {
			u.PendingSignals = r.pending(a.Number)
		}
		s.Accounts = append(s.Accounts, u)
	}
	return s
}
