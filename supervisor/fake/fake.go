// Package fake provides an in-memory stand-in for the process supervisor so
// lifecycle logic can be tested without real processes.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/termfleet/account"
	"github.com/rustyeddy/termfleet/supervisor"
)

// Supervisor records spawns and terminates and lets tests script failures,
// delays and crashes.
type Supervisor struct {
	mu       sync.Mutex
	nextPID  int
	seq      int
	alive    map[string]account.Handle
	owner    map[string]string
	exitCode map[string]int
	failNext map[string]error
	termErr  map[string]error
	gate     map[string]chan struct{}

	SpawnDelay     time.Duration
	TerminateDelay time.Duration

	Spawns     int
	Terminates int

	exits chan supervisor.ExitEvent
}

// New returns a fake with no running processes.
func New() *Supervisor {
	return &Supervisor{
		nextPID:  1000,
		alive:    make(map[string]account.Handle),
		owner:    make(map[string]string),
		exitCode: make(map[string]int),
		failNext: make(map[string]error),
		termErr:  make(map[string]error),
		gate:     make(map[string]chan struct{}),
		exits:    make(chan supervisor.ExitEvent, 16),
	}
}

// FailSpawn makes the next Spawn for number fail with a SpawnError.
func (f *Supervisor) FailSpawn(number, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[number] = &account.SpawnError{Account: number, Reason: reason}
}

// FailTerminate makes every Terminate for number fail until cleared with nil.
func (f *Supervisor) FailTerminate(number string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.termErr, number)
		return
	}
	f.termErr[number] = err
}

// Hold blocks the next Spawn for number until the returned func is called.
func (f *Supervisor) Hold(number string) (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gate[number] = ch
	f.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *Supervisor) Spawn(ctx context.Context, number string) (*account.Handle, error) {
	f.mu.Lock()
	f.Spawns++
	gate := f.gate[number]
	delete(f.gate, number)
	delay := f.SpawnDelay
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &account.SpawnError{Account: number, Reason: "spawn timed out", Err: ctx.Err()}
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, &account.SpawnError{Account: number, Reason: "spawn timed out", Err: ctx.Err()}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.failNext[number]; ok {
		delete(f.failNext, number)
		return nil, err
	}

	f.nextPID++
	f.seq++
	h := account.Handle{ID: fmt.Sprintf("fake-%d", f.seq), PID: f.nextPID, Started: time.Now()}
	f.alive[h.ID] = h
	f.owner[h.ID] = number
	return &h, nil
}

func (f *Supervisor) Terminate(ctx context.Context, h *account.Handle, graceful bool) error {
	if h == nil {
		return nil
	}

	f.mu.Lock()
	f.Terminates++
	delay := f.TerminateDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.termErr[f.owner[h.ID]]; ok {
		return err
	}
	delete(f.alive, h.ID)
	f.exitCode[h.ID] = 0
	return nil
}

func (f *Supervisor) Poll(h *account.Handle) supervisor.Liveness {
	if h == nil {
		return supervisor.Liveness{ExitCode: -1}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.alive[h.ID]; ok {
		return supervisor.Liveness{Alive: true}
	}
	if code, ok := f.exitCode[h.ID]; ok {
		return supervisor.Liveness{ExitCode: code}
	}
	return supervisor.Liveness{ExitCode: -1}
}

func (f *Supervisor) Exits() <-chan supervisor.ExitEvent {
	return f.exits
}

// Crash marks the process behind h dead and emits an ExitEvent for it, as
// the real supervisor does for an unrequested exit.
func (f *Supervisor) Crash(number string, h account.Handle, code int) {
	f.mu.Lock()
	delete(f.alive, h.ID)
	f.exitCode[h.ID] = code
	f.mu.Unlock()

	f.exits <- supervisor.ExitEvent{
		Account:  number,
		Handle:   h,
		ExitCode: code,
		Reason:   fmt.Sprintf("exited with code %d", code),
		At:       time.Now(),
	}
}

// Kill marks the process dead without emitting an event, simulating an exit
// that races the spawn result.
func (f *Supervisor) Kill(h account.Handle, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.alive, h.ID)
	f.exitCode[h.ID] = code
}

// Alive returns the number of live fake processes.
func (f *Supervisor) Alive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alive)
}

// Counts returns the spawn and terminate call counts.
func (f *Supervisor) Counts() (spawns, terminates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Spawns, f.Terminates
}
