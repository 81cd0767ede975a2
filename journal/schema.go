package journal

const Schema = `
CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	time_ns INTEGER NOT NULL,
	type TEXT NOT NULL,
	account TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	pid INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	ack_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_events_account ON events(account, seq);
CREATE INDEX IF NOT EXISTS idx_events_time ON events(time_ns);
`
