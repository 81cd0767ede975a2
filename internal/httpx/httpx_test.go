package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/termfleet/account"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{account.ErrDuplicate, http.StatusConflict},
		{fmt.Errorf("x: %w", account.ErrBusy), http.StatusConflict},
		{account.ErrNotFound, http.StatusNotFound},
		{account.ErrAccountNotFound, http.StatusNotFound},
		{account.ErrMalformedSignal, http.StatusBadRequest},
		{account.ErrInvalidAccount, http.StatusBadRequest},
		{account.ErrAuth, http.StatusUnauthorized},
		{account.ErrAccountUnavailable, http.StatusServiceUnavailable},
		{&http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge},
		{fmt.Errorf("%w: not json", ErrBadRequest), http.StatusBadRequest},
		{&account.SpawnError{Account: "1", Reason: "x"}, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Status(tt.err), tt.err.Error())
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, fmt.Errorf("%w: 1123456", account.ErrBusy))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "busy", body.Error)
	assert.Equal(t, "account busy: 1123456", body.Message)
}

func TestReason(t *testing.T) {
	assert.Equal(t, "bad_request", Reason(fmt.Errorf("decode: %w", ErrBadRequest)))
	assert.Equal(t, "too_large", Reason(&http.MaxBytesError{Limit: 1}))
	assert.Equal(t, account.ReasonBusy, Reason(account.ErrBusy))
}
