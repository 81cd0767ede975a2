package journal

import (
	"context"
	"database/sql"
	"slices"
	"time"

	"github.com/rustyeddy/termfleet/account"
	"github.com/rustyeddy/termfleet/events"
)

const columns = `seq, time_ns, type, account, status, pid, error, ack_id`

// History returns the most recent limit events for an account, oldest
// first. A limit of zero or less returns all of them.
func (j *SQLite) History(ctx context.Context, number string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT `+columns+`
		FROM events
		WHERE account = ?
		ORDER BY seq DESC
		LIMIT ?`, number, limit)
	if err != nil {
		return nil, err
	}
	out, err := scan(rows)
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// Between returns events of every account recorded within [start, end).
func (j *SQLite) Between(ctx context.Context, start, end time.Time) ([]Record, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT `+columns+`
		FROM events
		WHERE time_ns >= ? AND time_ns < ?
		ORDER BY seq ASC`, start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, err
	}
	return scan(rows)
}

// Prune deletes events recorded before t and reports how many went.
func (j *SQLite) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM events WHERE time_ns < ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scan(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		var (
			rec         Record
			ns          int64
			typ, status string
		)
		if err := rows.Scan(
			&rec.Seq,
			&ns,
			&typ,
			&rec.Account,
			&status,
			&rec.PID,
			&rec.Error,
			&rec.AckID,
		); err != nil {
			return nil, err
		}
		rec.Time = time.Unix(0, ns)
		rec.Type = events.Type(typ)
		rec.Status = account.Status(status)
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
