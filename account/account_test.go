package account

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeNumber(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"1123456", "1123456", false},
		{"  2234567 ", "2234567", false},
		{"demo_01-a", "demo_01-a", false},
		{"", "", true},
		{"   ", "", true},
		{"../etc", "", true},
		{"12 34", "", true},
		{"123456789012345678901234567890123", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeNumber(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidAccount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConsistent(t *testing.T) {
	h := &Handle{ID: "h1", PID: 42, Started: time.Now()}

	assert.NoError(t, Account{Number: "1", Status: StatusOnline, Handle: h}.Consistent())
	assert.NoError(t, Account{Number: "1", Status: StatusOffline}.Consistent())
	assert.NoError(t, Account{Number: "1", Status: StatusPending}.Consistent())
	assert.NoError(t, Account{Number: "1", Status: StatusPending, Handle: h}.Consistent())

	assert.Error(t, Account{Number: "1", Status: StatusOnline}.Consistent())
	assert.Error(t, Account{Number: "1", Status: StatusOffline, Handle: h}.Consistent())
	assert.Error(t, Account{Number: "1", Status: "Deleted"}.Consistent())
}

func TestHandleSame(t *testing.T) {
	a := &Handle{ID: "a", PID: 1}
	a2 := &Handle{ID: "a", PID: 1}
	b := &Handle{ID: "b", PID: 1}

	assert.True(t, a.Same(a2))
	assert.False(t, a.Same(b))
	assert.False(t, a.Same(nil))
	var nilHandle *Handle
	assert.True(t, nilHandle.Same(nil))
}

func TestHandleUptime(t *testing.T) {
	start := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)
	h := &Handle{ID: "a", Started: start}

	assert.Equal(t, 90*time.Minute, h.Uptime(start.Add(90*time.Minute)))

	var nilHandle *Handle
	assert.Equal(t, time.Duration(0), nilHandle.Uptime(start))
}

func TestParseAction(t *testing.T) {
	for in, want := range map[string]Action{"buy": ActionBuy, "SELL": ActionSell, " Close ": ActionClose} {
		got, ok := ParseAction(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got)
	}

	_, ok := ParseAction("HOLD")
	assert.False(t, ok)
}

func TestReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrDuplicate, ReasonDuplicate},
		{fmt.Errorf("add 1: %w", ErrDuplicate), ReasonDuplicate},
		{ErrNotFound, ReasonNotFound},
		{ErrBusy, ReasonBusy},
		{ErrInvalidAccount, ReasonInvalidAccount},
		{ErrAuth, ReasonUnauthorized},
		{ErrMalformedSignal, ReasonMalformedSignal},
		{ErrAccountNotFound, ReasonAccountNotFound},
		{ErrAccountUnavailable, ReasonAccountUnavailable},
		{&SpawnError{Account: "1", Reason: "binary missing"}, ReasonSpawnFailed},
		{&TerminateError{Account: "1", PID: 3, Reason: "still alive"}, ReasonTerminateFailed},
		{&SpawnError{Account: "a/b", Reason: "invalid account configuration", Err: ErrInvalidAccount}, ReasonSpawnFailed},
		{fmt.Errorf("open 1: %w", &TerminateError{Account: "1", Reason: "sigkill", Err: ErrNotFound}), ReasonTerminateFailed},
		{errors.New("boom"), ReasonInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Reason(tt.err))
	}
}

func TestSpawnErrorUnwrap(t *testing.T) {
	inner := errors.New("permission denied")
	err := &SpawnError{Account: "1123456", Reason: "start process", Err: inner}

	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "1123456")
	assert.Contains(t, err.Error(), "permission denied")
}
