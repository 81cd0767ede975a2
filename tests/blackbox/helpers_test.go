//go:build blackbox

package blackbox

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/termfleet/config"
)

const token = "blackbox-token"

type orchestrator struct {
	url     string
	workDir string
	cmd     *exec.Cmd
	logs    *bytes.Buffer
	done    chan struct{}
	waitErr error
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// startOrchestrator runs "termfleet serve" with sleep standing in for the
// trading terminal.
func startOrchestrator(t *testing.T) *orchestrator {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Server.Listen = freeAddr(t)
	cfg.Terminal.Binary = "sleep"
	cfg.Terminal.Args = []string{"300"}
	cfg.Terminal.WorkRoot = filepath.Join(dir, "accounts")
	cfg.Terminal.StartupGrace = "100ms"
	cfg.Terminal.GracePeriod = "2s"
	cfg.Terminal.KillWait = "1s"
	cfg.Registry.DSN = filepath.Join(dir, "termfleet.db")
	cfg.Events.Journal = filepath.Join(dir, "journal.db")
	cfg.Webhook.Token = token
	cfg.Log.Level = "debug"

	path := filepath.Join(dir, "termfleet.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	o := &orchestrator{
		url:     "http://" + cfg.Server.Listen,
		workDir: cfg.Terminal.WorkRoot,
		logs:    &bytes.Buffer{},
		done:    make(chan struct{}),
	}
	o.cmd = exec.Command(termfleetBin, "serve", "-c", path, "--env-file", filepath.Join(dir, "none.env"))
	o.cmd.Stdout = o.logs
	o.cmd.Stderr = o.logs
	require.NoError(t, o.cmd.Start())
	go func() {
		o.waitErr = o.cmd.Wait()
		close(o.done)
	}()

	t.Cleanup(func() {
		select {
		case <-o.done:
		default:
			_ = o.cmd.Process.Kill()
			<-o.done
		}
		if t.Failed() {
			t.Logf("orchestrator output:\n%s", o.logs.String())
		}
	})

	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(o.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return o
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("orchestrator did not come up: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (o *orchestrator) stop(t *testing.T) {
	t.Helper()
	require.NoError(t, o.cmd.Process.Signal(syscall.SIGTERM))
	select {
	case <-o.done:
		require.NoError(t, o.waitErr)
	case <-time.After(15 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
}

func (o *orchestrator) cli(t *testing.T, args ...string) string {
	t.Helper()
	return run(t, append([]string{"--server", o.url}, args...)...)
}

func inboxFiles(t *testing.T, dir, number string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, number, "inbox"))
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			out = append(out, e.Name())
		}
	}
	return out
}

func signalBody(number, action, volume string) string {
	return fmt.Sprintf(`{"account_number":%q,"symbol":"EURUSD","action":%q,"volume":%s}`, number, action, volume)
}
