package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/termfleet/account"
)

type factory func(t *testing.T) Registry

func backends() map[string]factory {
	return map[string]factory{
		"memory": func(t *testing.T) Registry {
			return NewMemory()
		},
		"sqlite": func(t *testing.T) Registry {
			r, err := NewSQL("sqlite3", filepath.Join(t.TempDir(), "registry.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = r.Close() })
			return r
		},
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, r Registry)) {
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, mk(t))
		})
	}
}

var created = time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)

func TestAddAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r Registry) {
		ctx := context.Background()

		a, err := r.Add(ctx, "1123456", "Main", created)
		require.NoError(t, err)
		assert.Equal(t, account.StatusPending, a.Status)
		assert.Nil(t, a.Handle)

		got, err := r.Get(ctx, "1123456")
		require.NoError(t, err)
		assert.Equal(t, "Main", got.Nickname)
		assert.True(t, created.Equal(got.Created))
		assert.Equal(t, account.StatusPending, got.Status)
	})
}

func TestAddDuplicate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r Registry) {
		ctx := context.Background()

		_, err := r.Add(ctx, "1123456", "Main", created)
		require.NoError(t, err)

		_, err = r.Add(ctx, "1123456", "Other", created)
		assert.ErrorIs(t, err, account.ErrDuplicate)

		list, err := r.List(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
		assert.Equal(t, "Main", list[0].Nickname)
	})
}

func TestGetNotFound(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r Registry) {
		_, err := r.Get(context.Background(), "nope")
		assert.ErrorIs(t, err, account.ErrNotFound)
	})
}

func TestListInsertionOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r Registry) {
		ctx := context.Background()
		numbers := []string{"300", "100", "200"}
		for _, n := range numbers {
			_, err := r.Add(ctx, n, "acct "+n, created)
			require.NoError(t, err)
		}
		require.NoError(t, r.Remove(ctx, "100"))
		_, err := r.Add(ctx, "050", "late", created)
		require.NoError(t, err)

		list, err := r.List(ctx)
		require.NoError(t, err)

		var got []string
		for _, a := range list {
			got = append(got, a.Number)
		}
		assert.Equal(t, []string{"300", "200", "050"}, got)
	})
}

func TestUpdateStatus(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r Registry) {
		ctx := context.Background()
		_, err := r.Add(ctx, "1", "one", created)
		require.NoError(t, err)

		h := &account.Handle{ID: "h-1", PID: 4242, Started: created.Add(time.Second)}
		require.NoError(t, r.UpdateStatus(ctx, "1", Update{Status: account.StatusOnline, Handle: h}))

		got, err := r.Get(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, account.StatusOnline, got.Status)
		require.NotNil(t, got.Handle)
		assert.Equal(t, "h-1", got.Handle.ID)
		assert.Equal(t, 4242, got.Handle.PID)
		assert.True(t, h.Started.Equal(got.Handle.Started))

		require.NoError(t, r.UpdateStatus(ctx, "1", Update{Status: account.StatusOffline, LastError: "exit 3"}))
		got, err = r.Get(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, account.StatusOffline, got.Status)
		assert.Nil(t, got.Handle)
		assert.Equal(t, "exit 3", got.LastError)

		err = r.UpdateStatus(ctx, "missing", Update{Status: account.StatusOffline})
		assert.ErrorIs(t, err, account.ErrNotFound)
	})
}

func TestUpdateStatusRejectsInconsistent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r Registry) {
		ctx := context.Background()
		_, err := r.Add(ctx, "1", "one", created)
		require.NoError(t, err)

		assert.Error(t, r.UpdateStatus(ctx, "1", Update{Status: account.StatusOnline}))
		assert.Error(t, r.UpdateStatus(ctx, "1", Update{Status: account.StatusOffline, Handle: &account.Handle{ID: "x"}}))

		got, err := r.Get(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, account.StatusPending, got.Status)
	})
}

func TestCompareAndUpdate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r Registry) {
		ctx := context.Background()
		_, err := r.Add(ctx, "1", "one", created)
		require.NoError(t, err)

		old := &account.Handle{ID: "old", PID: 1, Started: created}
		cur := &account.Handle{ID: "new", PID: 2, Started: created}
		require.NoError(t, r.UpdateStatus(ctx, "1", Update{Status: account.StatusOnline, Handle: cur}))

		ok, err := r.CompareAndUpdate(ctx, "1", old, Update{Status: account.StatusOffline, LastError: "stale"})
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := r.Get(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, account.StatusOnline, got.Status)
		assert.Equal(t, "new", got.Handle.ID)

		ok, err = r.CompareAndUpdate(ctx, "1", cur, Update{Status: account.StatusOffline, LastError: "exited"})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err = r.Get(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, account.StatusOffline, got.Status)
		assert.Equal(t, "exited", got.LastError)

		_, err = r.CompareAndUpdate(ctx, "missing", nil, Update{Status: account.StatusOffline})
		assert.ErrorIs(t, err, account.ErrNotFound)
	})
}

func TestRenameAndRemove(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r Registry) {
		ctx := context.Background()
		_, err := r.Add(ctx, "1", "one", created)
		require.NoError(t, err)

		a, err := r.Rename(ctx, "1", "primary")
		require.NoError(t, err)
		assert.Equal(t, "primary", a.Nickname)

		_, err = r.Rename(ctx, "2", "x")
		assert.ErrorIs(t, err, account.ErrNotFound)

		require.NoError(t, r.Remove(ctx, "1"))
		assert.ErrorIs(t, r.Remove(ctx, "1"), account.ErrNotFound)

		_, err = r.Get(ctx, "1")
		assert.ErrorIs(t, err, account.ErrNotFound)
	})
}

func TestConcurrentReadersSeeConsistentRows(t *testing.T) {
	forEachBackend(t, func(t *testing.T, r Registry) {
		ctx := context.Background()
		_, err := r.Add(ctx, "1", "one", created)
		require.NoError(t, err)

		var wg sync.WaitGroup
		stop := make(chan struct{})

		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				h := &account.Handle{ID: fmt.Sprintf("h%d", i), PID: i + 1, Started: created}
				_ = r.UpdateStatus(ctx, "1", Update{Status: account.StatusOnline, Handle: h})
				_ = r.UpdateStatus(ctx, "1", Update{Status: account.StatusOffline})
			}
			close(stop)
		}()

		for {
			select {
			case <-stop:
				wg.Wait()
				return
			default:
			}
			a, err := r.Get(ctx, "1")
			require.NoError(t, err)
			require.NoError(t, a.Consistent())
		}
	})
}

func TestSQLReconcile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	ctx := context.Background()

	r, err := NewSQL("sqlite3", path)
	require.NoError(t, err)

	_, err = r.Add(ctx, "1", "one", created)
	require.NoError(t, err)
	_, err = r.Add(ctx, "2", "two", created)
	require.NoError(t, err)
	_, err = r.Add(ctx, "3", "three", created)
	require.NoError(t, err)
	require.NoError(t, r.UpdateStatus(ctx, "1", Update{Status: account.StatusOnline, Handle: &account.Handle{ID: "a", PID: 10, Started: created}}))
	require.NoError(t, r.UpdateStatus(ctx, "3", Update{Status: account.StatusOffline}))
	require.NoError(t, r.Close())

	r, err = NewSQL("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	n, err := r.Reconcile(ctx, "orchestrator restarted")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for _, a := range list {
		assert.Equal(t, account.StatusOffline, a.Status, a.Number)
		assert.Nil(t, a.Handle)
		require.NoError(t, a.Consistent())
	}
	assert.Equal(t, "orchestrator restarted", list[0].LastError)
	assert.Equal(t, "", list[2].LastError)
}

func TestNewSQLUnsupportedDriver(t *testing.T) {
	_, err := NewSQL("mysql", "x")
	assert.Error(t, err)
}
