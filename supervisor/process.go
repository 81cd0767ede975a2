package supervisor

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/rustyeddy/termfleet/account"
)

// process is one supervised terminal instance.
type process struct {
	handle  account.Handle
	account string
	cmd     *exec.Cmd
	stderr  *lineWriter

	done     chan struct{}
	exitCode atomic.Int32

	// expected suppresses the ExitEvent. It is true while Spawn still owns
	// the startup outcome and again once a terminate has been requested.
	expected atomic.Bool
}

func newProcess(number string, h account.Handle, cmd *exec.Cmd, stderr *lineWriter) *process {
	p := &process{
		handle:  h,
		account: number,
		cmd:     cmd,
		stderr:  stderr,
		done:    make(chan struct{}),
	}
	p.exitCode.Store(-1)
	p.expected.Store(true)
	return p
}

func (p *process) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *process) signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return errors.New("process not started")
	}
	err := p.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// wait blocks until the process exits and records its exit code.
func (p *process) wait() {
	err := p.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	p.exitCode.Store(int32(code))
	close(p.done)
}

// exitReason describes how the process ended, folding in the last line it
// wrote to stderr.
func (p *process) exitReason() string {
	var b strings.Builder
	if code := p.exitCode.Load(); code >= 0 {
		b.WriteString("exited with code ")
		b.WriteString(strconv.Itoa(int(code)))
	} else {
		b.WriteString("killed by signal")
	}
	if last := p.stderr.Last(); last != "" {
		b.WriteString(": ")
		b.WriteString(last)
	}
	return b.String()
}

// lineWriter logs child output line by line and remembers the last line.
type lineWriter struct {
	log    *slog.Logger
	stream string

	mu   sync.Mutex
	buf  bytes.Buffer
	last string
}

func newLineWriter(log *slog.Logger, stream string) *lineWriter {
	return &lineWriter{log: log, stream: stream}
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(b)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line, keep it for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		w.last = line
		w.log.Debug("terminal output", slog.String("stream", w.stream), slog.String("line", line))
	}
	return len(b), nil
}

// Last returns the most recent complete or partial line.
func (w *lineWriter) Last() string {
	if w == nil {
		return ""
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if rest := strings.TrimSpace(w.buf.String()); rest != "" {
		return rest
	}
	return w.last
}
