// Package supervisor owns the terminal processes behind registered accounts.
//
// It is the only component that touches OS processes: Spawn launches the
// terminal configured for an account, Terminate stops it (SIGTERM, then
// SIGKILL once the grace period runs out) and Poll reports liveness. A
// process that exits without a Terminate request is reported on Exits.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"vawter.tech/stopper"

	"github.com/rustyeddy/termfleet/account"
)

const (
	// DefaultStartupGrace is how long a fresh process must stay alive for
	// Spawn to report success.
	DefaultStartupGrace = 500 * time.Millisecond

	// DefaultGracePeriod bounds the wait between SIGTERM and SIGKILL.
	DefaultGracePeriod = 10 * time.Second

	// DefaultKillWait bounds the wait for exit after SIGKILL.
	DefaultKillWait = 5 * time.Second

	// maxRecentExits caps how many exit codes Poll remembers for processes
	// that are gone.
	maxRecentExits = 256
)

// Config describes how to launch the terminal for an account.
//
// Args may contain the placeholders {account}, {workdir} and {inbox}.
type Config struct {
	Binary       string
	Args         []string
	Env          []string
	WorkRoot     string
	StartupGrace time.Duration
	GracePeriod  time.Duration
	KillWait     time.Duration

	// InboxDir returns the control inbox for an account. Defaults to
	// <workdir>/inbox.
	InboxDir func(number string) string
}

// ExitEvent reports a process that exited on its own.
type ExitEvent struct {
	Account  string
	Handle   account.Handle
	ExitCode int
	Reason   string
	At       time.Time
}

// Liveness is the result of Poll.
type Liveness struct {
	Alive    bool
	ExitCode int
}

// Supervisor spawns and reaps terminal processes. It is safe for concurrent use.
type Supervisor struct {
	cfg Config
	log *slog.Logger

	sctx  *stopper.Context
	exits chan ExitEvent

	mu     sync.RWMutex
	procs  map[string]*process
	recent map[string]int
	order  []string

	closed atomic.Bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger used for lifecycle and child output lines.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		s.log = l
	}
}

// New creates a Supervisor. Exit watchers run until Shutdown or until ctx
// is cancelled.
func New(ctx context.Context, cfg Config, opts ...Option) *Supervisor {
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = DefaultStartupGrace
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.KillWait <= 0 {
		cfg.KillWait = DefaultKillWait
	}

	s := &Supervisor{
		cfg:    cfg,
		log:    slog.Default(),
		sctx:   stopper.WithContext(ctx),
		exits:  make(chan ExitEvent, 64),
		procs:  make(map[string]*process),
		recent: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Exits delivers unexpected exits. The channel is never closed.
func (s *Supervisor) Exits() <-chan ExitEvent {
	return s.exits
}

// WorkDir is the working directory of an account's terminal.
func (s *Supervisor) WorkDir(number string) string {
	return filepath.Join(s.cfg.WorkRoot, number)
}

func (s *Supervisor) inboxDir(number string) string {
	if s.cfg.InboxDir != nil {
		return s.cfg.InboxDir(number)
	}
	return filepath.Join(s.WorkDir(number), "inbox")
}

func (s *Supervisor) command(number string) (*exec.Cmd, error) {
	path, err := exec.LookPath(s.cfg.Binary)
	if err != nil {
		return nil, &account.SpawnError{Account: number, Reason: "terminal binary not found", Err: err}
	}

	workdir := s.WorkDir(number)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, &account.SpawnError{Account: number, Reason: "create work dir", Err: err}
	}

	r := strings.NewReplacer("{account}", number, "{workdir}", workdir, "{inbox}", s.inboxDir(number))
	args := make([]string, len(s.cfg.Args))
	for i, a := range s.cfg.Args {
		args[i] = r.Replace(a)
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	cmd.Env = append(cmd.Env, "TERMFLEET_ACCOUNT="+number, "TERMFLEET_INBOX="+s.inboxDir(number))
	// Bounds how long Wait blocks on output pipes held open by grandchildren.
	cmd.WaitDelay = time.Second
	return cmd, nil
}

// Spawn launches the terminal for number and returns its handle once the
// process has survived the startup grace period. The caller's ctx bounds
// the whole spawn; on expiry the process is killed.
func (s *Supervisor) Spawn(ctx context.Context, number string) (*account.Handle, error) {
	if s.closed.Load() {
		return nil, &account.SpawnError{Account: number, Reason: "supervisor shutting down"}
	}
	if _, err := account.NormalizeNumber(number); err != nil {
		return nil, &account.SpawnError{Account: number, Reason: "invalid account configuration", Err: err}
	}

	cmd, err := s.command(number)
	if err != nil {
		return nil, err
	}

	log := s.log.With(slog.String("account", number))
	stderr := newLineWriter(log, "stderr")
	cmd.Stdout = newLineWriter(log, "stdout")
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, &account.SpawnError{Account: number, Reason: "start process", Err: err}
	}

	h := account.Handle{ID: uuid.NewString(), PID: cmd.Process.Pid, Started: time.Now()}
	p := newProcess(number, h, cmd, stderr)

	s.mu.Lock()
	s.procs[h.ID] = p
	s.mu.Unlock()

	s.sctx.Go(func(*stopper.Context) error {
		s.watch(p)
		return nil
	})

	log.Info("terminal started", slog.Int("pid", h.PID), slog.String("handle", h.ID))

	select {
	case <-p.done:
		return nil, &account.SpawnError{Account: number, Reason: "exited during startup: " + p.exitReason()}
	case <-ctx.Done():
		_ = p.signal(syscall.SIGKILL)
		<-p.done
		return nil, &account.SpawnError{Account: number, Reason: "spawn timed out", Err: ctx.Err()}
	case <-time.After(s.cfg.StartupGrace):
	}

	// From here on an exit is a crash the lifecycle must hear about. An exit
	// racing this store is caught by the caller's Poll after it records h.
	p.expected.Store(false)
	return &h, nil
}

// watch reaps p and reports the exit if nobody asked for it.
func (s *Supervisor) watch(p *process) {
	p.wait()

	s.mu.Lock()
	delete(s.procs, p.handle.ID)
	s.recent[p.handle.ID] = int(p.exitCode.Load())
	s.order = append(s.order, p.handle.ID)
	if len(s.order) > maxRecentExits {
		delete(s.recent, s.order[0])
		s.order = s.order[1:]
	}
	s.mu.Unlock()

	log := s.log.With(slog.String("account", p.account), slog.Int("pid", p.handle.PID))
	if p.expected.Load() {
		log.Info("terminal stopped", slog.Int("exit_code", int(p.exitCode.Load())))
		return
	}

	ev := ExitEvent{
		Account:  p.account,
		Handle:   p.handle,
		ExitCode: int(p.exitCode.Load()),
		Reason:   p.exitReason(),
		At:       time.Now(),
	}
	log.Warn("terminal exited unexpectedly", slog.String("reason", ev.Reason))

	select {
	case s.exits <- ev:
	case <-s.sctx.Stopping():
	}
}

// Poll reports whether the process behind h is still running.
func (s *Supervisor) Poll(h *account.Handle) Liveness {
	if h == nil {
		return Liveness{ExitCode: -1}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.procs[h.ID]; ok {
		if p.alive() {
			return Liveness{Alive: true}
		}
		return Liveness{ExitCode: int(p.exitCode.Load())}
	}
	if code, ok := s.recent[h.ID]; ok {
		return Liveness{ExitCode: code}
	}
	return Liveness{ExitCode: -1}
}

// Terminate stops the process behind h. A graceful terminate sends SIGTERM
// and escalates to SIGKILL after the grace period. It returns nil once the
// process is confirmed gone, including when it had already exited.
func (s *Supervisor) Terminate(ctx context.Context, h *account.Handle, graceful bool) error {
	if h == nil {
		return nil
	}

	s.mu.RLock()
	p, ok := s.procs[h.ID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	p.expected.Store(true)
	log := s.log.With(slog.String("account", p.account), slog.Int("pid", h.PID))

	if graceful {
		if err := p.signal(syscall.SIGTERM); err != nil {
			log.Warn("sigterm failed", slog.Any("error", err))
		}

		grace := time.NewTimer(s.cfg.GracePeriod)
		defer grace.Stop()

		select {
		case <-p.done:
			return nil
		case <-grace.C:
			log.Warn("grace period expired, killing terminal", slog.Duration("grace", s.cfg.GracePeriod))
		case <-ctx.Done():
			log.Warn("terminate cancelled, killing terminal", slog.Any("error", ctx.Err()))
		}
	}

	if err := p.signal(syscall.SIGKILL); err != nil {
		return &account.TerminateError{Account: p.account, PID: h.PID, Reason: "sigkill", Err: err}
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(s.cfg.KillWait):
		return &account.TerminateError{Account: p.account, PID: h.PID, Reason: "process still alive after kill"}
	}
}

// Running returns the handles of all live processes.
func (s *Supervisor) Running() []account.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]account.Handle, 0, len(s.procs))
	for _, p := range s.procs {
		if p.alive() {
			out = append(out, p.handle)
		}
	}
	return out
}

// Shutdown terminates every supervised process, bounded by the grace
// period, and stops the exit watchers. Further spawns fail.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}

	s.mu.RLock()
	procs := make([]*process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error
	for _, p := range procs {
		wg.Add(1)
		go func(p *process) {
			defer wg.Done()
			h := p.handle
			if err := s.Terminate(ctx, &h, true); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	s.sctx.Stop(100 * time.Millisecond)
	if err := s.sctx.Wait(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("supervisor shutdown: %d errors, first: %w", len(errs), errs[0])
	}
	return nil
}
