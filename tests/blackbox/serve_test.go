//go:build blackbox

package blackbox

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/termfleet/webhook"
)

func TestServeAccountAndSignal(t *testing.T) {
	o := startOrchestrator(t)

	out := o.cli(t, "accounts", "add", "1123456", "--nickname", "Main", "--wait")
	assert.Contains(t, out, "1123456 (Main): Online pid")

	resp, err := http.Post(o.url+"/webhook/"+token, "application/json", strings.NewReader(signalBody("1123456", "BUY", "0.10")))
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var ack webhook.Accepted
	require.NoError(t, json.Unmarshal(data, &ack))
	assert.Equal(t, []string{ack.AckID + ".json"}, inboxFiles(t, o.workDir, "1123456"))

	resp, err = http.Post(o.url+"/webhook/wrong", "application/json", strings.NewReader(signalBody("1123456", "BUY", "0.10")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	out = o.cli(t, "accounts", "summary")
	assert.Contains(t, out, "System:  healthy")

	out = o.cli(t, "accounts", "stop", "1123456", "--wait")
	assert.Contains(t, out, "Offline")

	resp, err = http.Post(o.url+"/webhook/"+token, "application/json", strings.NewReader(signalBody("1123456", "SELL", "0.10")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	out = o.cli(t, "accounts", "history", "1123456", "--limit", "0")
	assert.Contains(t, out, "signal.accepted")
	assert.Contains(t, out, "account.added")

	o.stop(t)
}

func TestServeShutdownStopsTerminals(t *testing.T) {
	o := startOrchestrator(t)

	o.cli(t, "accounts", "add", "2002", "--wait")
	o.cli(t, "accounts", "add", "3003", "--wait")
	out := o.cli(t, "accounts", "list")
	assert.Equal(t, 2, strings.Count(out, "Online"))

	o.stop(t)
	assert.Contains(t, o.logs.String(), "termfleet stopped")
}
