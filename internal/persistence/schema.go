package persistence

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	crew TEXT NOT NULL,
	inputs TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS task_states (
	run_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	state TEXT NOT NULL,
	retries INTEGER NOT NULL DEFAULT 0,
	agent TEXT NOT NULL DEFAULT '',
	output TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (run_id, task_id),
	FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	agent TEXT NOT NULL,
	output TEXT NOT NULL,
	passed INTEGER NOT NULL,
	feedback TEXT NOT NULL DEFAULT '[]',
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_attempts_run_task ON attempts(run_id, task_id, attempt);
`
