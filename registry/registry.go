// Package registry is the durable table of accounts and their current status.
//
// All mutation goes through Add, UpdateStatus, CompareAndUpdate, Rename and
// Remove; each is atomic with respect to concurrent readers, so a reader
// never sees a status paired with a stale handle.
package registry

import (
	"context"
	"time"

	"github.com/rustyeddy/termfleet/account"
)

// Update is the replacement value for an account's run-state fields.
// LastError is written as given, so a successful transition clears it.
type Update struct {
	Status    account.Status
	Handle    *account.Handle
	LastError string
}

// Registry stores accounts keyed by account number.
type Registry interface {
	// Add creates a Pending account. It fails with account.ErrDuplicate if
	// the number is already registered.
	Add(ctx context.Context, number, nickname string, created time.Time) (account.Account, error)

	// Get returns account.ErrNotFound for unknown numbers.
	Get(ctx context.Context, number string) (account.Account, error)

	// List returns accounts in insertion order.
	List(ctx context.Context) ([]account.Account, error)

	// UpdateStatus replaces status, handle and last error in one step.
	UpdateStatus(ctx context.Context, number string, u Update) error

	// CompareAndUpdate applies u only if the account's current handle is the
	// same process instance as expect. It reports whether u was applied.
	CompareAndUpdate(ctx context.Context, number string, expect *account.Handle, u Update) (bool, error)

	// Rename changes the display nickname.
	Rename(ctx context.Context, number, nickname string) (account.Account, error)

	// Remove deletes the record.
	Remove(ctx context.Context, number string) error

	Close() error
}

// Reconciler is implemented by durable registries whose rows can outlive
// the processes they describe.
type Reconciler interface {
	// Reconcile marks every non-Offline account Offline with the given
	// last error and returns how many rows changed.
	Reconcile(ctx context.Context, reason string) (int, error)
}

func (u Update) check(number string) error {
	a := account.Account{Number: number, Status: u.Status, Handle: u.Handle}
	return a.Consistent()
}

func cloneHandle(h *account.Handle) *account.Handle {
	if h == nil {
		return nil
	}
	c := *h
	return &c
}
