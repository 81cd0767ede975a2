package registry

// Schema is portable between sqlite3 and postgres. Timestamps are stored as
// unix nanoseconds so both drivers round-trip them identically.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	number TEXT PRIMARY KEY,
	seq BIGINT NOT NULL,
	nickname TEXT NOT NULL,
	created_ns BIGINT NOT NULL,
	status TEXT NOT NULL,
	handle_id TEXT,
	pid INTEGER,
	started_ns BIGINT,
	last_error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_accounts_seq ON accounts(seq);
`
