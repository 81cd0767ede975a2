package journal

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rustyeddy/termfleet/events"
)

// SQLite is an events.Publisher that appends every event to a sqlite table.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func (j *SQLite) Publish(ctx context.Context, ev events.Event) error {
	r := recordOf(ev)
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO events
		(time_ns, type, account, status, pid, error, ack_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.Time.UnixNano(), string(r.Type), r.Account, string(r.Status), r.PID, r.Error, r.AckID,
	)
	if err != nil {
		return fmt.Errorf("journal %s: %w", r.Type, err)
	}
	return nil
}

func (j *SQLite) Close() error {
	return j.db.Close()
}
