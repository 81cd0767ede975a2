// Package lifecycle drives accounts through the Pending, Online and Offline
// states.
//
// Every command takes the account's command slot before it touches the
// registry. A second command for the same account is rejected with
// account.ErrBusy instead of queuing. Spawns and terminates run in the
// background; the slot is released once their outcome is recorded.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"vawter.tech/stopper"

	"github.com/rustyeddy/termfleet/account"
	"github.com/rustyeddy/termfleet/events"
	"github.com/rustyeddy/termfleet/registry"
	"github.com/rustyeddy/termfleet/supervisor"
)

// ErrClosed is returned for commands issued after Shutdown.
var ErrClosed = errors.New("lifecycle manager closed")

// RestartedReason is recorded on accounts found running when the
// orchestrator boots. Their processes are not re-adopted.
const RestartedReason = "orchestrator restarted"

// Supervisor is the process contract the manager depends on.
type Supervisor interface {
	Spawn(ctx context.Context, number string) (*account.Handle, error)
	Terminate(ctx context.Context, h *account.Handle, graceful bool) error
	Poll(h *account.Handle) supervisor.Liveness
	Exits() <-chan supervisor.ExitEvent
}

// Inbox is the signal channel of running accounts. Signals left behind by
// a stopped instance are purged so a later instance never acts on them.
type Inbox interface {
	Watch(number string) error
	Unwatch(number string)
	Purge(number string) (int, error)
}

type nopInbox struct{}

func (nopInbox) Watch(string) error        { return nil }
func (nopInbox) Unwatch(string)            {}
func (nopInbox) Purge(string) (int, error) { return 0, nil }

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.pub = p }
}

func WithInbox(in Inbox) Option {
	return func(m *Manager) { m.inbox = in }
}

// WithSpawnTimeout bounds each spawn. Zero leaves spawns unbounded.
func WithSpawnTimeout(d time.Duration) Option {
	return func(m *Manager) { m.spawnTimeout = d }
}

type command struct {
	account.Command
	done chan struct{}
	err  error
}

// Manager serializes lifecycle commands per account and applies
// supervisor outcomes to the registry.
type Manager struct {
	reg   registry.Registry
	sup   Supervisor
	inbox Inbox
	pub   events.Publisher
	log   *slog.Logger

	spawnTimeout time.Duration

	// ctx bounds process operations and is cancelled by Shutdown; store
	// outlives it so outcomes are still recorded.
	ctx    context.Context
	cancel context.CancelFunc
	store  context.Context
	sctx   *stopper.Context

	mu       sync.Mutex
	inflight map[string]*command
	closed   bool
	wg       sync.WaitGroup
}

// New creates a Manager and starts consuming the supervisor's exit events.
func New(ctx context.Context, reg registry.Registry, sup Supervisor, opts ...Option) *Manager {
	m := &Manager{
		reg:      reg,
		sup:      sup,
		inbox:    nopInbox{},
		pub:      events.Discard{},
		log:      slog.Default(),
		store:    context.WithoutCancel(ctx),
		inflight: make(map[string]*command),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.sctx = stopper.WithContext(ctx)
	m.sctx.Go(m.watchExits)
	return m
}

// Reconcile resets accounts a previous run left Pending or Online. It is a
// no-op for registries that do not outlive the process.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	rc, ok := m.reg.(registry.Reconciler)
	if !ok {
		return 0, nil
	}
	n, err := rc.Reconcile(ctx, RestartedReason)
	if err != nil {
		return 0, fmt.Errorf("reconcile registry: %w", err)
	}
	if n > 0 {
		m.log.Warn("reset accounts left running by a previous run", slog.Int("accounts", n))
	}
	return n, nil
}

// List returns all accounts in insertion order.
func (m *Manager) List(ctx context.Context) ([]account.Account, error) {
	return m.reg.List(ctx)
}

// Get returns one account.
func (m *Manager) Get(ctx context.Context, number string) (account.Account, error) {
	number, err := account.NormalizeNumber(number)
	if err != nil {
		return account.Account{}, err
	}
	return m.reg.Get(ctx, number)
}

// Add registers a new account as Pending and starts its terminal.
func (m *Manager) Add(ctx context.Context, number, nickname string) (account.Account, error) {
	number, err := account.NormalizeNumber(number)
	if err != nil {
		return account.Account{}, err
	}
	if _, err := m.reg.Get(ctx, number); err == nil {
		return account.Account{}, fmt.Errorf("%w: %s", account.ErrDuplicate, number)
	} else if !errors.Is(err, account.ErrNotFound) {
		return account.Account{}, err
	}

	c, err := m.begin(number, account.CmdAdd)
	if err != nil {
		return account.Account{}, err
	}

	a, err := m.reg.Add(ctx, number, strings.TrimSpace(nickname), time.Now())
	if err != nil {
		m.finish(c, err)
		return account.Account{}, err
	}
	m.publish(events.FromAccount(events.AccountAdded, a))
	m.log.Info("account added", slog.String("account", number), slog.String("nickname", a.Nickname))

	m.async(c, func() error { return m.spawn(number) })
	return a, nil
}

// Open starts the terminal of an Offline account. Opening an Online account
// changes nothing.
func (m *Manager) Open(ctx context.Context, number string) (account.Account, error) {
	c, a, err := m.acquire(ctx, number, account.CmdOpen)
	if err != nil {
		return account.Account{}, err
	}

	if a.Status == account.StatusOnline {
		m.finish(c, nil)
		return a, nil
	}
	return m.startOpen(c, a)
}

func (m *Manager) startOpen(c *command, a account.Account) (account.Account, error) {
	number := a.Number
	if err := m.commit(number, registry.Update{Status: account.StatusPending}); err != nil {
		m.finish(c, err)
		return account.Account{}, err
	}
	m.async(c, func() error { return m.spawn(number) })
	return m.snapshot(number, a), nil
}

// Restart replaces the terminal of an account. An Online account is stopped
// gracefully first; an Offline account is simply opened.
func (m *Manager) Restart(ctx context.Context, number string) (account.Account, error) {
	c, a, err := m.acquire(ctx, number, account.CmdRestart)
	if err != nil {
		return account.Account{}, err
	}
	if a.Status == account.StatusOffline {
		return m.startOpen(c, a)
	}

	old := a.Handle
	if err := m.commit(number, registry.Update{Status: account.StatusPending, Handle: old}); err != nil {
		m.finish(c, err)
		return account.Account{}, err
	}

	m.async(c, func() error {
		if err := m.terminate(number, old); err != nil {
			return err
		}
		if err := m.commit(number, registry.Update{Status: account.StatusPending}); err != nil {
			return err
		}
		return m.spawn(number)
	})
	return m.snapshot(number, a), nil
}

// Stop terminates an Online account's terminal. The account stays Online
// until the process is confirmed gone. Stopping an Offline account is a
// no-op.
func (m *Manager) Stop(ctx context.Context, number string) (account.Account, error) {
	c, a, err := m.acquire(ctx, number, account.CmdStop)
	if err != nil {
		return account.Account{}, err
	}
	if a.Status == account.StatusOffline {
		m.finish(c, nil)
		return a, nil
	}

	h := a.Handle
	m.async(c, func() error {
		if err := m.terminate(number, h); err != nil {
			return err
		}
		_, err := m.commitIf(number, h, registry.Update{Status: account.StatusOffline})
		m.dropSignals(number)
		return err
	})
	return a, nil
}

// Delete removes an account. An Online account is stopped first; if its
// process cannot be confirmed gone the record is kept.
func (m *Manager) Delete(ctx context.Context, number string) (account.Account, error) {
	c, a, err := m.acquire(ctx, number, account.CmdDelete)
	if err != nil {
		return account.Account{}, err
	}

	if a.Status == account.StatusOffline {
		err := m.remove(number)
		m.finish(c, err)
		return a, err
	}

	h := a.Handle
	m.async(c, func() error {
		if err := m.terminate(number, h); err != nil {
			return err
		}
		return m.remove(number)
	})
	return a, nil
}

// Rename changes an account's nickname. It does not take the command slot;
// the nickname is independent of run state.
func (m *Manager) Rename(ctx context.Context, number, nickname string) (account.Account, error) {
	number, err := account.NormalizeNumber(number)
	if err != nil {
		return account.Account{}, err
	}
	a, err := m.reg.Rename(ctx, number, strings.TrimSpace(nickname))
	if err != nil {
		return account.Account{}, err
	}
	m.publish(events.FromAccount(events.AccountRenamed, a))
	return a, nil
}

// OpenAll issues Open for every Offline account and returns how many were
// started.
func (m *Manager) OpenAll(ctx context.Context) (int, error) {
	accts, err := m.reg.List(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, a := range accts {
		if a.Status != account.StatusOffline {
			continue
		}
		if _, err := m.Open(ctx, a.Number); err != nil {
			m.log.Warn("autostart", slog.String("account", a.Number), slog.Any("error", err))
			continue
		}
		n++
	}
	return n, nil
}

// Busy reports whether a command is in flight for the account.
func (m *Manager) Busy(number string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[number]
	return ok
}

// Admit runs fn with the current state of number while no lifecycle
// command can begin. A Stop, Restart or Delete already in flight means the
// terminal is going away, so the account is reported unavailable without
// calling fn.
func (m *Manager) Admit(ctx context.Context, number string, fn func(account.Account) error) error {
	number, err := account.NormalizeNumber(number)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("%w: %s: orchestrator is shutting down", account.ErrAccountUnavailable, number)
	}
	if c, ok := m.inflight[number]; ok {
		switch c.Kind {
		case account.CmdStop, account.CmdRestart, account.CmdDelete:
			return fmt.Errorf("%w: %s: %s in progress", account.ErrAccountUnavailable, number, c.Kind)
		}
	}

	a, err := m.reg.Get(ctx, number)
	if err != nil {
		return err
	}
	return fn(a)
}

// Await blocks until the command in flight for number, if any, has
// completed, and returns its outcome. The outcome is also recorded as the
// account's last error.
func (m *Manager) Await(ctx context.Context, number string) error {
	m.mu.Lock()
	c := m.inflight[number]
	m.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown rejects new commands, waits for in-flight ones, then stops every
// Online account. If ctx expires first, pending spawns are abandoned and
// terminates fall back to SIGKILL.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		m.log.Warn("shutdown: abandoning in-flight commands")
		m.cancel()
		<-drained
	}

	accts, err := m.reg.List(m.store)
	if err != nil {
		m.cancel()
		return err
	}

	var errs []error
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, a := range accts {
		if a.Handle == nil {
			continue
		}
		wg.Add(1)
		go func(a account.Account) {
			defer wg.Done()
			if err := m.terminate(a.Number, a.Handle); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return
			}
			_, _ = m.commitIf(a.Number, a.Handle, registry.Update{Status: account.StatusOffline})
			m.dropSignals(a.Number)
		}(a)
	}
	wg.Wait()

	m.publish(events.Event{Type: events.OrchestratorEnd, Time: time.Now()})

	m.cancel()
	m.sctx.Stop(100 * time.Millisecond)
	if err := m.sctx.Wait(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// acquire takes the command slot for an existing account. Pending accounts
// are always busy.
func (m *Manager) acquire(ctx context.Context, number string, kind account.CommandKind) (*command, account.Account, error) {
	number, err := account.NormalizeNumber(number)
	if err != nil {
		return nil, account.Account{}, err
	}

	c, err := m.begin(number, kind)
	if err != nil {
		return nil, account.Account{}, err
	}

	a, err := m.reg.Get(ctx, number)
	if err != nil {
		m.finish(c, err)
		return nil, account.Account{}, err
	}
	if a.Status == account.StatusPending {
		err := fmt.Errorf("%w: %s is pending", account.ErrBusy, number)
		m.finish(c, err)
		return nil, account.Account{}, err
	}
	return c, a, nil
}

func (m *Manager) begin(number string, kind account.CommandKind) (*command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if cur, ok := m.inflight[number]; ok {
		return nil, fmt.Errorf("%w: %s in progress for %s", account.ErrBusy, cur.Kind, number)
	}

	c := &command{
		Command: account.Command{Account: number, Kind: kind, RequestedAt: time.Now()},
		done:    make(chan struct{}),
	}
	m.inflight[number] = c
	m.wg.Add(1)
	return c, nil
}

func (m *Manager) finish(c *command, err error) {
	c.err = err

	m.mu.Lock()
	delete(m.inflight, c.Account)
	m.mu.Unlock()

	close(c.done)
	m.wg.Done()

	log := m.log.With(slog.String("account", c.Account), slog.String("command", c.Kind.String()))
	if err != nil {
		log.Warn("command failed", slog.Duration("elapsed", time.Since(c.RequestedAt)), slog.Any("error", err))
		return
	}
	log.Debug("command done", slog.Duration("elapsed", time.Since(c.RequestedAt)))
}

func (m *Manager) async(c *command, fn func() error) {
	go func() {
		m.finish(c, fn())
	}()
}

// spawn starts the terminal of a Pending account and records the outcome.
func (m *Manager) spawn(number string) error {
	ctx := m.ctx
	if m.spawnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.spawnTimeout)
		defer cancel()
	}

	// A fresh instance starts with an empty inbox; anything left there was
	// accepted for a previous one.
	m.dropSignals(number)

	h, err := m.sup.Spawn(ctx, number)
	if err != nil {
		_ = m.commit(number, registry.Update{Status: account.StatusOffline, LastError: err.Error()})
		return err
	}

	if err := m.inbox.Watch(number); err != nil {
		m.log.Warn("watch inbox", slog.String("account", number), slog.Any("error", err))
	}
	if err := m.commit(number, registry.Update{Status: account.StatusOnline, Handle: h}); err != nil {
		_ = m.sup.Terminate(m.ctx, h, false)
		return err
	}

	// An exit between the end of the startup probe and the commit above
	// may have been reported before the handle was recorded.
	if live := m.sup.Poll(h); !live.Alive {
		m.exited(supervisor.ExitEvent{
			Account:  number,
			Handle:   *h,
			ExitCode: live.ExitCode,
			Reason:   fmt.Sprintf("exited with code %d", live.ExitCode),
			At:       time.Now(),
		})
	}
	return nil
}

// terminate stops h gracefully. When the process cannot be confirmed gone
// the account keeps its handle and the error is recorded.
func (m *Manager) terminate(number string, h *account.Handle) error {
	err := m.sup.Terminate(m.ctx, h, true)
	if err == nil {
		return nil
	}

	if m.sup.Poll(h).Alive {
		_, _ = m.commitIf(number, h, registry.Update{Status: account.StatusOnline, Handle: h, LastError: err.Error()})
		return err
	}

	m.log.Warn("terminate reported an error but the process is gone",
		slog.String("account", number), slog.Any("error", err))
	return nil
}

func (m *Manager) remove(number string) error {
	if err := m.reg.Remove(m.store, number); err != nil {
		return err
	}
	m.dropSignals(number)
	m.publish(events.Event{Type: events.AccountRemoved, Account: number, Time: time.Now()})
	m.log.Info("account deleted", slog.String("account", number))
	return nil
}

func (m *Manager) dropSignals(number string) {
	defer m.inbox.Unwatch(number)
	n, err := m.inbox.Purge(number)
	if err != nil {
		m.log.Warn("purge inbox", slog.String("account", number), slog.Any("error", err))
	}
	if n > 0 {
		m.log.Info("dropped undelivered signals", slog.String("account", number), slog.Int("signals", n))
	}
}

func (m *Manager) watchExits(sctx *stopper.Context) error {
	for {
		select {
		case <-sctx.Stopping():
			return nil
		case ev := <-m.sup.Exits():
			m.exited(ev)
		}
	}
}

// exited applies an unrequested exit. It does not take the command slot;
// the handle comparison alone keeps a stale exit from clobbering a newer
// instance.
func (m *Manager) exited(ev supervisor.ExitEvent) {
	h := ev.Handle
	ok, err := m.commitIf(ev.Account, &h, registry.Update{Status: account.StatusOffline, LastError: ev.Reason})
	log := m.log.With(slog.String("account", ev.Account), slog.Int("pid", h.PID))
	switch {
	case errors.Is(err, account.ErrNotFound):
		log.Debug("exit for removed account")
	case err != nil:
		log.Error("record exit", slog.Any("error", err))
	case !ok:
		log.Debug("stale exit ignored", slog.String("handle", h.ID))
	default:
		log.Warn("account went offline", slog.Int("exit_code", ev.ExitCode), slog.String("reason", ev.Reason))
		m.dropSignals(ev.Account)
	}
}

func (m *Manager) commit(number string, u registry.Update) error {
	if err := m.reg.UpdateStatus(m.store, number, u); err != nil {
		m.log.Error("update status", slog.String("account", number), slog.Any("error", err))
		return err
	}
	m.announce(number)
	return nil
}

func (m *Manager) commitIf(number string, expect *account.Handle, u registry.Update) (bool, error) {
	ok, err := m.reg.CompareAndUpdate(m.store, number, expect, u)
	if err != nil || !ok {
		return ok, err
	}
	m.announce(number)
	return true, nil
}

func (m *Manager) announce(number string) {
	a, err := m.reg.Get(m.store, number)
	if err != nil {
		return
	}
	m.log.Info("status changed",
		slog.String("account", number),
		slog.String("status", string(a.Status)),
		slog.Int("pid", a.PID()),
	)
	m.publish(events.FromAccount(events.StatusChanged, a))
}

func (m *Manager) publish(ev events.Event) {
	_ = m.pub.Publish(m.store, ev)
}

// snapshot re-reads an account after a transition, falling back to the
// value read before it.
func (m *Manager) snapshot(number string, fallback account.Account) account.Account {
	a, err := m.reg.Get(m.store, number)
	if err != nil {
		return fallback
	}
	return a
}
