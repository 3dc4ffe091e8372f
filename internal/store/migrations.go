package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const migration001 = `
-- agents: persisted agent identities
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	last_seen_at TIMESTAMP
);

-- tasks: per-agent queued work; position is strictly increasing per agent
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	status TEXT NOT NULL,
	items TEXT NOT NULL DEFAULT '[]',
	error TEXT,
	created_at TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	UNIQUE(agent_id, position)
);
CREATE INDEX IF NOT EXISTS idx_tasks_agent_status ON tasks(agent_id, status, position);

-- workflows: graph definitions
CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	name TEXT,
	owner_id TEXT,
	definition TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

-- executions: one row per trigger firing
CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	status TEXT NOT NULL,
	trigger_source TEXT NOT NULL,
	error TEXT,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id, started_at);

-- execution_log: append-only node firing records, sequenced per execution
CREATE TABLE IF NOT EXISTS execution_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	node_id TEXT NOT NULL,
	status TEXT NOT NULL,
	input TEXT,
	output TEXT,
	error TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	timestamp TIMESTAMP NOT NULL,
	UNIQUE(execution_id, sequence)
);

-- continuations: parked waiting nodes, matched by event name/agent or timer
CREATE TABLE IF NOT EXISTS continuations (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	node_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	event_name TEXT,
	agent_id TEXT,
	resume_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_continuations_execution ON continuations(execution_id);
CREATE INDEX IF NOT EXISTS idx_continuations_event ON continuations(kind, event_name);
`

// migration holds a versioned SQL migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{Version: 1, Name: "initial_schema", SQL: migration001},
}

// runMigrations creates the schema_version table and applies any pending migrations.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		for _, stmt := range splitStatements(m.SQL) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version, name) VALUES (?, ?)`, m.Version, m.Name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

// splitStatements splits a SQL script on semicolons. Comment lines are
// stripped first so a semicolon inside a comment never splits a statement.
func splitStatements(script string) []string {
	var sb strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	var stmts []string
	for _, raw := range strings.Split(sb.String(), ";") {
		if s := strings.TrimSpace(raw); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
