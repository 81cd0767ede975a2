// Package account holds the orchestrator's data model: registered trading
// accounts, the weak process handle they carry, lifecycle commands and
// inbound trading signals.
package account

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the run state of an account's terminal.
type Status string

const (
	StatusPending Status = "Pending"
	StatusOnline  Status = "Online"
	StatusOffline Status = "Offline"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusOnline, StatusOffline:
		return true
	}
	return false
}

// Handle is the account's reference to its supervised process. It is a
// lookup value only: terminating the process always goes through the
// supervisor, which owns the real process.
type Handle struct {
	ID      string    `json:"id"`
	PID     int       `json:"pid"`
	Started time.Time `json:"started"`
}

// Uptime is the wall-clock time since the process was spawned.
func (h *Handle) Uptime(now time.Time) time.Duration {
	if h == nil || h.Started.IsZero() {
		return 0
	}
	return now.Sub(h.Started)
}

// Same reports whether both handles refer to the same process instance.
func (h *Handle) Same(o *Handle) bool {
	if h == nil || o == nil {
		return h == nil && o == nil
	}
	return h.ID == o.ID
}

// Account is a registered trading account.
type Account struct {
	Number    string    `json:"account_number"`
	Nickname  string    `json:"nickname"`
	Created   time.Time `json:"created"`
	Status    Status    `json:"status"`
	Handle    *Handle   `json:"handle,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// PID returns the process id of the current handle, or 0 if there is none.
func (a Account) PID() int {
	if a.Handle == nil {
		return 0
	}
	return a.Handle.PID
}

// Consistent checks the handle invariant: Online always carries a handle,
// Offline never does. Pending may or may not (a restart keeps the old handle
// until it is terminated).
func (a Account) Consistent() error {
	switch a.Status {
	case StatusOnline:
		if a.Handle == nil {
			return fmt.Errorf("account %s: online without handle", a.Number)
		}
	case StatusOffline:
		if a.Handle != nil {
			return fmt.Errorf("account %s: offline with handle %s", a.Number, a.Handle.ID)
		}
	case StatusPending:
	default:
		return fmt.Errorf("account %s: unknown status %q", a.Number, a.Status)
	}
	return nil
}

var numberRE = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// NormalizeNumber trims surrounding space and validates an account number.
// Numbers double as directory names, so only a conservative character set
// is accepted.
func NormalizeNumber(number string) (string, error) {
	n := strings.TrimSpace(number)
	if !numberRE.MatchString(n) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAccount, number)
	}
	return n, nil
}

// CommandKind enumerates lifecycle commands.
type CommandKind int

const (
	CmdAdd CommandKind = iota
	CmdOpen
	CmdRestart
	CmdStop
	CmdDelete
)

func (k CommandKind) String() string {
	switch k {
	case CmdAdd:
		return "add"
	case CmdOpen:
		return "open"
	case CmdRestart:
		return "restart"
	case CmdStop:
		return "stop"
	case CmdDelete:
		return "delete"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// Command is a request to change an account's run state. It lives only for
// the duration of the request.
type Command struct {
	Account     string
	Kind        CommandKind
	RequestedAt time.Time
}

// Action is a trading signal order type.
type Action string

const (
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionClose Action = "CLOSE"
)

// ParseAction accepts an action in any letter case.
func ParseAction(s string) (Action, bool) {
	switch a := Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case ActionBuy, ActionSell, ActionClose:
		return a, true
	}
	return "", false
}

// Signal is a validated trading instruction destined for one account's
// running terminal. It is never stored by the orchestrator.
type Signal struct {
	Account    string           `json:"account_number"`
	Symbol     string           `json:"symbol"`
	Action     Action           `json:"action"`
	Volume     decimal.Decimal  `json:"volume"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	Comment    string           `json:"comment,omitempty"`
}
