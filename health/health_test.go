package health

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/termfleet/account"
)

func acct(n string, s account.Status, started time.Time) account.Account {
	a := account.Account{Number: n, Nickname: "nick-" + n, Status: s}
	if s == account.StatusOnline {
		a.Handle = &account.Handle{ID: "h-" + n, PID: 100, Started: started}
	}
	return a
}

func TestSummarize(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		accts []account.Account
		want  Summary
	}{
		{
			name: "empty",
			want: Summary{SystemHealth: Offline},
		},
		{
			name:  "all online",
			accts: []account.Account{acct("1", account.StatusOnline, now), acct("2", account.StatusOnline, now)},
			want:  Summary{Total: 2, Online: 2, SystemHealth: Healthy},
		},
		{
			name: "mixed",
			accts: []account.Account{
				acct("1", account.StatusOnline, now),
				acct("2", account.StatusOffline, now),
				acct("3", account.StatusPending, now),
			},
			want: Summary{Total: 3, Online: 1, Offline: 1, Pending: 1, SystemHealth: Partial},
		},
		{
			name:  "none online",
			accts: []account.Account{acct("1", account.StatusOffline, now), acct("2", account.StatusPending, now)},
			want:  Summary{Total: 2, Offline: 1, Pending: 1, SystemHealth: Offline},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Summarize(tt.accts))
		})
	}
}

func TestReport(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewReporter(now.Add(-2*time.Hour), func(n string) int {
		if n == "1" {
			return 3
		}
		return 0
	})
	r.now = func() time.Time { return now }

	s := r.Report([]account.Account{
		acct("1", account.StatusOnline, now.Add(-90*time.Second)),
		acct("2", account.StatusOffline, now),
	})

	assert.Equal(t, Duration(2*time.Hour), s.SystemUptime)
	require.Len(t, s.Accounts, 2)
	assert.Equal(t, Duration(90*time.Second), s.Accounts[0].Uptime)
	assert.Equal(t, 3, s.Accounts[0].PendingSignals)
	assert.Equal(t, 100, s.Accounts[0].PID)
	assert.Zero(t, s.Accounts[1].Uptime)
	assert.Zero(t, s.Accounts[1].PID)
	assert.Equal(t, Partial, s.SystemHealth)
}

func TestDurationJSON(t *testing.T) {
	data, err := json.Marshal(Duration(3723*time.Second + 400*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, `"1h2m3s"`, string(data))

	var d Duration
	require.NoError(t, json.Unmarshal(data, &d))
	assert.Equal(t, Duration(3723*time.Second), d)
	assert.Error(t, json.Unmarshal([]byte(`5`), &d))
}
