package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/termfleet/account"
)

// Memory is a process-local Registry.
type Memory struct {
	mu    sync.RWMutex
	rows  map[string]*account.Account
	order []string
}

// NewMemory returns an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string]*account.Account)}
}

func (m *Memory) Add(_ context.Context, number, nickname string, created time.Time) (account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows[number]; ok {
		return account.Account{}, fmt.Errorf("add %s: %w", number, account.ErrDuplicate)
	}

	a := &account.Account{
		Number:   number,
		Nickname: nickname,
		Created:  created,
		Status:   account.StatusPending,
	}
	m.rows[number] = a
	m.order = append(m.order, number)
	return *a, nil
}

func (m *Memory) Get(_ context.Context, number string) (account.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.rows[number]
	if !ok {
		return account.Account{}, fmt.Errorf("get %s: %w", number, account.ErrNotFound)
	}
	return snapshot(a), nil
}

func (m *Memory) List(_ context.Context) ([]account.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]account.Account, 0, len(m.order))
	for _, n := range m.order {
		out = append(out, snapshot(m.rows[n]))
	}
	return out, nil
}

func (m *Memory) UpdateStatus(_ context.Context, number string, u Update) error {
	_, err := m.update(number, func(*account.Account) bool { return true }, u)
	return err
}

func (m *Memory) CompareAndUpdate(_ context.Context, number string, expect *account.Handle, u Update) (bool, error) {
	return m.update(number, func(a *account.Account) bool { return a.Handle.Same(expect) }, u)
}

func (m *Memory) update(number string, cond func(*account.Account) bool, u Update) (bool, error) {
	if err := u.check(number); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.rows[number]
	if !ok {
		return false, fmt.Errorf("update %s: %w", number, account.ErrNotFound)
	}
	if !cond(a) {
		return false, nil
	}
	a.Status = u.Status
	a.Handle = cloneHandle(u.Handle)
	a.LastError = u.LastError
	return true, nil
}

func (m *Memory) Rename(_ context.Context, number, nickname string) (account.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.rows[number]
	if !ok {
		return account.Account{}, fmt.Errorf("rename %s: %w", number, account.ErrNotFound)
	}
	a.Nickname = nickname
	return snapshot(a), nil
}

func (m *Memory) Remove(_ context.Context, number string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows[number]; !ok {
		return fmt.Errorf("remove %s: %w", number, account.ErrNotFound)
	}
	delete(m.rows, number)
	for i, n := range m.order {
		if n == number {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }

func snapshot(a *account.Account) account.Account {
	c := *a
	c.Handle = cloneHandle(a.Handle)
	return c
}
