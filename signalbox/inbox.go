// Package signalbox is the control channel between the orchestrator and a
// running terminal. Each account owns an inbox directory; a dispatched
// signal becomes one JSON file named after its ack id, and the terminal
// consumes it by removing the file.
package signalbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/rustyeddy/termfleet/account"
	"github.com/rustyeddy/termfleet/pkg/id"
)

const ext = ".json"

// Envelope is the file format read by the terminal.
type Envelope struct {
	ID         string         `json:"id"`
	ReceivedAt time.Time      `json:"received_at"`
	Signal     account.Signal `json:"signal"`
}

// Inbox maps accounts to inbox directories under a common root.
type Inbox struct {
	root string
}

// New returns an inbox rooted at root. Account inboxes are created on
// first delivery.
func New(root string) *Inbox {
	return &Inbox{root: root}
}

// Dir is the inbox directory of an account.
func (b *Inbox) Dir(number string) string {
	return filepath.Join(b.root, number, "inbox")
}

// Deliver writes sig atomically into its account's inbox and returns the
// ack id. The file is complete and synced when Deliver returns.
func (b *Inbox) Deliver(sig account.Signal) (string, error) {
	if _, err := account.NormalizeNumber(sig.Account); err != nil {
		return "", err
	}

	env := Envelope{
		ID:         id.New(),
		ReceivedAt: time.Now().UTC(),
		Signal:     sig,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode signal: %w", err)
	}

	dir := b.Dir(sig.Account)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create inbox: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(dir, env.ID+ext), data, 0o644); err != nil {
		return "", fmt.Errorf("write signal %s: %w", env.ID, err)
	}
	return env.ID, nil
}

// List returns the ack ids still waiting in an account's inbox, oldest
// first.
func (b *Inbox) List(number string) ([]string, error) {
	entries, err := os.ReadDir(b.Dir(number))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if ackID, ok := ackOf(e.Name()); ok && e.Type().IsRegular() {
			ids = append(ids, ackID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Pending counts undelivered signals. A missing inbox counts as empty.
func (b *Inbox) Pending(number string) int {
	ids, err := b.List(number)
	if err != nil {
		return 0
	}
	return len(ids)
}

// Read loads one pending signal.
func (b *Inbox) Read(number, ackID string) (Envelope, error) {
	var env Envelope
	data, err := os.ReadFile(filepath.Join(b.Dir(number), ackID+ext))
	if err != nil {
		return env, err
	}
	err = json.Unmarshal(data, &env)
	return env, err
}

// Purge drops every undelivered signal of an account and returns how many
// were removed. A new terminal instance must never act on a signal meant
// for the previous one.
func (b *Inbox) Purge(number string) (int, error) {
	ids, err := b.List(number)
	if err != nil {
		return 0, err
	}

	n := 0
	var errs []error
	for _, ackID := range ids {
		err := os.Remove(filepath.Join(b.Dir(number), ackID+ext))
		switch {
		case err == nil:
			n++
		case errors.Is(err, os.ErrNotExist):
		default:
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}

// ackOf extracts the ack id from an inbox file name. Temporary files
// written during delivery are hidden and skipped.
func ackOf(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ext) {
		return "", false
	}
	return strings.TrimSuffix(name, ext), true
}
