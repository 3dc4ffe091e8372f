package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/solmak/bothive/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Agents ---

func (s *LibSQLStore) RegisterAgent(ctx context.Context, rec *schema.AgentRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, owner_id, name, type, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET owner_id=excluded.owner_id, name=excluded.name, type=excluded.type`,
		rec.ID, rec.OwnerID, rec.Name, rec.Type, timeOrNow(rec.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetAgent(ctx context.Context, id string) (*schema.AgentRecord, error) {
	rec := &schema.AgentRecord{}
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, type, created_at, last_seen_at FROM agents WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.OwnerID, &rec.Name, &rec.Type, &rec.CreatedAt, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("agent", id)
	}
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		rec.LastSeenAt = &lastSeen.Time
	}
	return rec, nil
}

func (s *LibSQLStore) ListAgents(ctx context.Context) ([]*schema.AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, type, created_at, last_seen_at FROM agents ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*schema.AgentRecord
	for rows.Next() {
		rec := &schema.AgentRecord{}
		var lastSeen sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.Name, &rec.Type, &rec.CreatedAt, &lastSeen); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			rec.LastSeenAt = &lastSeen.Time
		}
		agents = append(agents, rec)
	}
	return agents, rows.Err()
}

func (s *LibSQLStore) UpdateAgentSeen(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_seen_at = CURRENT_TIMESTAMP WHERE id = ?`, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "agent", id)
}

// --- Tasks ---

func (s *LibSQLStore) CreateTask(ctx context.Context, task *schema.Task) error {
	items, err := json.Marshal(task.Items)
	if err != nil {
		return fmt.Errorf("marshal task items: %w", err)
	}
	if task.Status == "" {
		task.Status = schema.TaskStatusPending
	}
	task.CreatedAt = timeOrNow(task.CreatedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Assign the next position for this agent under the transaction.
	var pos int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) + 1 FROM tasks WHERE agent_id = ?`, task.AgentID,
	).Scan(&pos)
	if err != nil {
		return fmt.Errorf("next position: %w", err)
	}
	task.Position = pos

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, agent_id, position, status, items, error, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.AgentID, task.Position, string(task.Status),
		string(items), nullStr(task.Error), task.CreatedAt, nullTime(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*schema.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, position, status, items, error, created_at, completed_at
		 FROM tasks WHERE id = ?`, id,
	)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", id)
	}
	return task, err
}

func (s *LibSQLStore) UpdateTask(ctx context.Context, id string, update TaskUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Items != nil {
		items, err := json.Marshal(update.Items)
		if err != nil {
			return fmt.Errorf("marshal task items: %w", err)
		}
		sets = append(sets, "items = ?")
		args = append(args, string(items))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "task", id)
}

func (s *LibSQLStore) NextPendingTask(ctx context.Context, agentID string) (*schema.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, position, status, items, error, created_at, completed_at
		 FROM tasks WHERE agent_id = ? AND status = ? ORDER BY position ASC LIMIT 1`,
		agentID, string(schema.TaskStatusPending),
	)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

func (s *LibSQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*schema.Task, error) {
	var where []string
	var args []any

	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, agent_id, position, status, items, error, created_at, completed_at FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY agent_id, position ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*schema.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*schema.Task, error) {
	task := &schema.Task{}
	var status, itemsJSON string
	var taskErr sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&task.ID, &task.AgentID, &task.Position, &status,
		&itemsJSON, &taskErr, &task.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	task.Status = schema.TaskStatus(status)
	if err := json.Unmarshal([]byte(itemsJSON), &task.Items); err != nil {
		return nil, fmt.Errorf("unmarshal task items: %w", err)
	}
	task.Error = taskErr.String
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	return task, nil
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	def.CreatedAt = timeOrNow(def.CreatedAt)
	def.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, owner_id, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, owner_id=excluded.owner_id,
		   definition=excluded.definition, updated_at=excluded.updated_at`,
		def.ID, nullStr(def.Name), nullStr(def.OwnerID), string(raw), def.CreatedAt, def.UpdatedAt,
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM workflows WHERE id = ?`, id,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(raw), def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return def, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM workflows ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		def := &schema.WorkflowDefinition{}
		if err := json.Unmarshal([]byte(raw), def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *schema.Execution) error {
	trigger, err := json.Marshal(exec.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	exec.StartedAt = timeOrNow(exec.StartedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, trigger_source, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, string(exec.Status), string(trigger),
		nullStr(exec.Error), exec.StartedAt, nullTime(exec.FinishedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	exec := &schema.Execution{}
	var status, triggerJSON string
	var execErr sql.NullString
	var finishedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, status, trigger_source, error, started_at, finished_at
		 FROM executions WHERE id = ?`, id,
	).Scan(&exec.ID, &exec.WorkflowID, &status, &triggerJSON, &execErr, &exec.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	if err := json.Unmarshal([]byte(triggerJSON), &exec.Trigger); err != nil {
		return nil, fmt.Errorf("unmarshal trigger: %w", err)
	}
	exec.Error = execErr.String
	if finishedAt.Valid {
		exec.FinishedAt = &finishedAt.Time
	}
	return exec, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, workflow_id, status, trigger_source, error, started_at, finished_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*schema.Execution
	for rows.Next() {
		exec := &schema.Execution{}
		var status, triggerJSON string
		var execErr sql.NullString
		var finishedAt sql.NullTime
		if err := rows.Scan(&exec.ID, &exec.WorkflowID, &status, &triggerJSON, &execErr, &exec.StartedAt, &finishedAt); err != nil {
			return nil, err
		}
		exec.Status = schema.ExecutionStatus(status)
		if err := json.Unmarshal([]byte(triggerJSON), &exec.Trigger); err != nil {
			return nil, fmt.Errorf("unmarshal trigger: %w", err)
		}
		exec.Error = execErr.String
		if finishedAt.Valid {
			exec.FinishedAt = &finishedAt.Time
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// --- Execution log ---

func (s *LibSQLStore) AppendLogEntry(ctx context.Context, entry *schema.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this execution
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_log WHERE execution_id = ?`, entry.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	entry.Sequence = seq
	entry.Timestamp = timeOrNow(entry.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO execution_log (execution_id, sequence, node_id, status, input, output, error, duration_ms, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ExecutionID, seq, entry.NodeID, string(entry.Status),
		nullRaw(entry.Input), nullRaw(entry.Output), nullStr(entry.Error),
		entry.DurationMs, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log entry: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetLog(ctx context.Context, executionID string) ([]*schema.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, sequence, node_id, status, input, output, error, duration_ms, timestamp
		 FROM execution_log WHERE execution_id = ? ORDER BY sequence ASC`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*schema.LogEntry
	for rows.Next() {
		e := &schema.LogEntry{}
		var status string
		var input, output, entryErr sql.NullString
		if err := rows.Scan(&e.ExecutionID, &e.Sequence, &e.NodeID, &status,
			&input, &output, &entryErr, &e.DurationMs, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Status = schema.NodeRunStatus(status)
		e.Input = rawOrNil(input)
		e.Output = rawOrNil(output)
		e.Error = entryErr.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Continuations ---

func (s *LibSQLStore) PutContinuation(ctx context.Context, c *schema.Continuation) error {
	c.CreatedAt = timeOrNow(c.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO continuations (id, execution_id, node_id, kind, event_name, agent_id, resume_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET kind=excluded.kind, event_name=excluded.event_name,
		   agent_id=excluded.agent_id, resume_at=excluded.resume_at`,
		c.ID, c.ExecutionID, c.NodeID, c.Matcher.Kind,
		nullStr(c.Matcher.EventName), nullStr(c.Matcher.AgentID),
		nullTime(c.Matcher.ResumeAt), c.CreatedAt,
	)
	return err
}

func (s *LibSQLStore) DeleteContinuation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM continuations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "continuation", id)
}

func (s *LibSQLStore) DeleteContinuationsForExecution(ctx context.Context, executionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM continuations WHERE execution_id = ?`, executionID)
	return err
}

func (s *LibSQLStore) ListContinuations(ctx context.Context, executionID string) ([]*schema.Continuation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, kind, event_name, agent_id, resume_at, created_at
		 FROM continuations WHERE execution_id = ? ORDER BY created_at ASC`, executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContinuations(rows)
}

func (s *LibSQLStore) MatchEventContinuations(ctx context.Context, eventName, agentID string) ([]*schema.Continuation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, kind, event_name, agent_id, resume_at, created_at
		 FROM continuations
		 WHERE kind = ? AND (event_name IS NULL OR event_name = ?) AND (agent_id IS NULL OR agent_id = ?)
		 ORDER BY created_at ASC`,
		schema.WaitKindEvent, eventName, agentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContinuations(rows)
}

func (s *LibSQLStore) DueTimerContinuations(ctx context.Context, now time.Time) ([]*schema.Continuation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, kind, event_name, agent_id, resume_at, created_at
		 FROM continuations
		 WHERE kind = ? AND resume_at IS NOT NULL AND resume_at <= ?
		 ORDER BY created_at ASC`,
		schema.WaitKindTimer, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContinuations(rows)
}

func scanContinuations(rows *sql.Rows) ([]*schema.Continuation, error) {
	var conts []*schema.Continuation
	for rows.Next() {
		c := &schema.Continuation{}
		var eventName, agentID sql.NullString
		var resumeAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.ExecutionID, &c.NodeID, &c.Matcher.Kind,
			&eventName, &agentID, &resumeAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Matcher.EventName = eventName.String
		c.Matcher.AgentID = agentID.String
		if resumeAt.Valid {
			c.Matcher.ResumeAt = &resumeAt.Time
		}
		conts = append(conts, c)
	}
	return conts, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.HiveError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
