package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/rustyeddy/termfleet/account"
)

// SQL is a Registry persisted in sqlite3 or postgres.
type SQL struct {
	db *sqlx.DB

	// mu serializes writers so Add's duplicate check and sequence
	// assignment happen as one step.
	mu sync.Mutex
}

type row struct {
	Number    string         `db:"number"`
	Seq       int64          `db:"seq"`
	Nickname  string         `db:"nickname"`
	CreatedNS int64          `db:"created_ns"`
	Status    string         `db:"status"`
	HandleID  sql.NullString `db:"handle_id"`
	PID       sql.NullInt64  `db:"pid"`
	StartedNS sql.NullInt64  `db:"started_ns"`
	LastError string         `db:"last_error"`
}

const selectColumns = `number, seq, nickname, created_ns, status, handle_id, pid, started_ns, last_error`

// NewSQL opens the database and creates the schema if needed. driver is
// "sqlite3" or "postgres".
func NewSQL(driver, dsn string) (*SQL, error) {
	switch driver {
	case "sqlite3", "postgres":
	default:
		return nil, fmt.Errorf("registry: unsupported driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// A single connection avoids SQLITE_BUSY and keeps ":memory:"
		// databases from splitting per connection.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: create schema: %w", err)
	}

	return &SQL{db: db}, nil
}

func (s *SQL) Add(ctx context.Context, number, nickname string, created time.Time) (account.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return account.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.GetContext(ctx, &n, tx.Rebind(`SELECT COUNT(*) FROM accounts WHERE number = ?`), number); err != nil {
		return account.Account{}, err
	}
	if n > 0 {
		return account.Account{}, fmt.Errorf("add %s: %w", number, account.ErrDuplicate)
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO accounts (number, seq, nickname, created_ns, status, last_error)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM accounts), ?, ?, ?, '')`),
		number, nickname, created.UnixNano(), string(account.StatusPending),
	)
	if err != nil {
		return account.Account{}, fmt.Errorf("add %s: %w", number, err)
	}
	if err := tx.Commit(); err != nil {
		return account.Account{}, err
	}

	return account.Account{
		Number:   number,
		Nickname: nickname,
		Created:  time.Unix(0, created.UnixNano()),
		Status:   account.StatusPending,
	}, nil
}

func (s *SQL) Get(ctx context.Context, number string) (account.Account, error) {
	var r row
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT `+selectColumns+` FROM accounts WHERE number = ?`), number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return account.Account{}, fmt.Errorf("get %s: %w", number, account.ErrNotFound)
		}
		return account.Account{}, err
	}
	return r.account(), nil
}

func (s *SQL) List(ctx context.Context) ([]account.Account, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+selectColumns+` FROM accounts ORDER BY seq ASC`); err != nil {
		return nil, err
	}

	out := make([]account.Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.account())
	}
	return out, nil
}

func (s *SQL) UpdateStatus(ctx context.Context, number string, u Update) error {
	if err := u.check(number); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, args := updateQuery(number, u)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", number, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update %s: %w", number, account.ErrNotFound)
	}
	return nil
}

func (s *SQL) CompareAndUpdate(ctx context.Context, number string, expect *account.Handle, u Update) (bool, error) {
	if err := u.check(number); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	expectID := ""
	if expect != nil {
		expectID = expect.ID
	}

	q, args := updateQuery(number, u)
	q += ` AND COALESCE(handle_id, '') = ?`
	args = append(args, expectID)

	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return false, fmt.Errorf("update %s: %w", number, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	// Distinguish a lost race from a missing account.
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM accounts WHERE number = ?`), number); err != nil {
		return false, err
	}
	if n == 0 {
		return false, fmt.Errorf("update %s: %w", number, account.ErrNotFound)
	}
	return false, nil
}

func (s *SQL) Rename(ctx context.Context, number, nickname string) (account.Account, error) {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE accounts SET nickname = ? WHERE number = ?`), nickname, number)
	s.mu.Unlock()
	if err != nil {
		return account.Account{}, fmt.Errorf("rename %s: %w", number, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return account.Account{}, fmt.Errorf("rename %s: %w", number, account.ErrNotFound)
	}
	return s.Get(ctx, number)
}

func (s *SQL) Remove(ctx context.Context, number string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM accounts WHERE number = ?`), number)
	if err != nil {
		return fmt.Errorf("remove %s: %w", number, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("remove %s: %w", number, account.ErrNotFound)
	}
	return nil
}

func (s *SQL) Reconcile(ctx context.Context, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE accounts
		SET status = ?, handle_id = NULL, pid = NULL, started_ns = NULL, last_error = ?
		WHERE status <> ?`),
		string(account.StatusOffline), reason, string(account.StatusOffline),
	)
	if err != nil {
		return 0, fmt.Errorf("reconcile: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func updateQuery(number string, u Update) (string, []any) {
	var (
		handleID any
		pid      any
		started  any
	)
	if u.Handle != nil {
		handleID = u.Handle.ID
		pid = u.Handle.PID
		started = u.Handle.Started.UnixNano()
	}
	q := `UPDATE accounts SET status = ?, handle_id = ?, pid = ?, started_ns = ?, last_error = ? WHERE number = ?`
	return q, []any{string(u.Status), handleID, pid, started, u.LastError, number}
}

func (r row) account() account.Account {
	a := account.Account{
		Number:    r.Number,
		Nickname:  r.Nickname,
		Created:   time.Unix(0, r.CreatedNS),
		Status:    account.Status(r.Status),
		LastError: r.LastError,
	}
	if r.HandleID.Valid {
		a.Handle = &account.Handle{
			ID:      r.HandleID.String,
			PID:     int(r.PID.Int64),
			Started: time.Unix(0, r.StartedNS.Int64),
		}
	}
	return a
}
