// Package store persists session rows and implements the atomic claim that
// gates every supervisor start. All status and bookkeeping mutations flow
// through here so the row stays the single source of truth across worker
// restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agendo/agendo/internal/db"
)

// Session statuses.
const (
	StatusActive        = "active"
	StatusAwaitingInput = "awaiting_input"
	StatusIdle          = "idle"
	StatusEnded         = "ended"
)

// Session kinds.
const (
	KindExecution    = "execution"
	KindConversation = "conversation"
)

// ErrNotFound is returned when a session row does not exist.
var ErrNotFound = errors.New("session not found")

// Session is one durable conversation with an agent. It may survive many
// process restarts; event_seq never resets.
type Session struct {
	ID             string         `db:"id"`
	Status         string         `db:"status"`
	Kind           string         `db:"kind"`
	AgentID        string         `db:"agent_id"`
	TaskID         sql.NullString `db:"task_id"`
	ProjectID      sql.NullString `db:"project_id"`
	WorkerID       sql.NullString `db:"worker_id"`
	PID            sql.NullInt64  `db:"pid"`
	SessionRef     sql.NullString `db:"session_ref"`
	EventSeq       uint64         `db:"event_seq"`
	HeartbeatAt    sql.NullTime   `db:"heartbeat_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	LastActiveAt   sql.NullTime   `db:"last_active_at"`
	EndedAt        sql.NullTime   `db:"ended_at"`
	IdleTimeoutSec int            `db:"idle_timeout_sec"`
	LogFilePath    sql.NullString `db:"log_file_path"`
	TotalCostUSD   float64        `db:"total_cost_usd"`
	TotalTurns     int            `db:"total_turns"`
	PermissionMode string         `db:"permission_mode"`
	AllowedTools   string         `db:"allowed_tools"` // JSON array of patterns
	Model          sql.NullString `db:"model"`
	InitialPrompt  sql.NullString `db:"initial_prompt"`
	PlanFilePath   sql.NullString `db:"plan_file_path"`
	WorkingDir     sql.NullString `db:"working_dir"`
	ProjectRoot    sql.NullString `db:"project_root"`
	Env            string         `db:"env"` // JSON object of overrides
	TeamLeader     bool           `db:"team_leader"`
	McpEnabled     bool           `db:"mcp_enabled"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// AllowedToolList decodes the allowed_tools JSON column.
func (s *Session) AllowedToolList() []string {
	if s.AllowedTools == "" {
		return nil
	}
	var tools []string
	if err := json.Unmarshal([]byte(s.AllowedTools), &tools); err != nil {
		return nil
	}
	return tools
}

// EnvOverrides decodes the env JSON column.
func (s *Session) EnvOverrides() map[string]string {
	if s.Env == "" {
		return nil
	}
	var env map[string]string
	if err := json.Unmarshal([]byte(s.Env), &env); err != nil {
		return nil
	}
	return env
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'idle',
	kind TEXT NOT NULL DEFAULT 'execution',
	agent_id TEXT NOT NULL,
	task_id TEXT,
	project_id TEXT,
	worker_id TEXT,
	pid INTEGER,
	session_ref TEXT,
	event_seq INTEGER NOT NULL DEFAULT 0,
	heartbeat_at TIMESTAMP,
	started_at TIMESTAMP,
	last_active_at TIMESTAMP,
	ended_at TIMESTAMP,
	idle_timeout_sec INTEGER NOT NULL DEFAULT 1800,
	log_file_path TEXT,
	total_cost_usd REAL NOT NULL DEFAULT 0,
	total_turns INTEGER NOT NULL DEFAULT 0,
	permission_mode TEXT NOT NULL DEFAULT 'default',
	allowed_tools TEXT NOT NULL DEFAULT '[]',
	model TEXT,
	initial_prompt TEXT,
	plan_file_path TEXT,
	working_dir TEXT,
	project_root TEXT,
	env TEXT NOT NULL DEFAULT '{}',
	team_leader BOOLEAN NOT NULL DEFAULT FALSE,
	mcp_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_worker ON sessions(worker_id);
`

// Store provides session row persistence over a read/write pool.
type Store struct {
	pool *db.Pool
}

// New creates a Store and ensures the schema exists.
func New(ctx context.Context, pool *db.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if _, err := pool.Writer().ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize sessions schema: %w", err)
	}
	return s, nil
}

// Create inserts a new session row.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Status == "" {
		sess.Status = StatusIdle
	}
	if sess.Kind == "" {
		sess.Kind = KindExecution
	}
	if sess.PermissionMode == "" {
		sess.PermissionMode = "default"
	}
	if sess.AllowedTools == "" {
		sess.AllowedTools = "[]"
	}
	if sess.Env == "" {
		sess.Env = "{}"
	}
	query := s.pool.Writer().Rebind(`
		INSERT INTO sessions (
			id, status, kind, agent_id, task_id, project_id, worker_id, pid,
			session_ref, event_seq, idle_timeout_sec, log_file_path,
			total_cost_usd, total_turns, permission_mode, allowed_tools, model,
			initial_prompt, plan_file_path, working_dir, project_root, env,
			team_leader, mcp_enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.pool.Writer().ExecContext(ctx, query,
		sess.ID, sess.Status, sess.Kind, sess.AgentID, sess.TaskID, sess.ProjectID,
		sess.WorkerID, sess.PID, sess.SessionRef, sess.EventSeq, sess.IdleTimeoutSec,
		sess.LogFilePath, sess.TotalCostUSD, sess.TotalTurns, sess.PermissionMode,
		sess.AllowedTools, sess.Model, sess.InitialPrompt, sess.PlanFilePath,
		sess.WorkingDir, sess.ProjectRoot, sess.Env, sess.TeamLeader, sess.McpEnabled,
		sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Get loads a session row by id.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	query := s.pool.Reader().Rebind(`SELECT * FROM sessions WHERE id = ?`)
	if err := s.pool.Reader().GetContext(ctx, &sess, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &sess, nil
}

// Claim conditionally takes ownership of a session for this worker. The guard
// on status defeats double-delivery from the work queue: exactly one of two
// concurrent claims sees an affected row. On success the current event_seq is
// returned so emission stays monotonic across resumes.
func (s *Store) Claim(ctx context.Context, id, workerID string) (uint64, bool, error) {
	now := time.Now().UTC()
	query := s.pool.Writer().Rebind(`
		UPDATE sessions
		SET status = ?, worker_id = ?, started_at = ?, heartbeat_at = ?, ended_at = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
		RETURNING event_seq`)
	var seq uint64
	err := s.pool.Writer().QueryRowxContext(ctx, query,
		StatusActive, workerID, now, now, now, id, StatusIdle, StatusEnded).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to claim session: %w", err)
	}
	return seq, true, nil
}

// SetStatus updates the session status. Entering a terminal status clears the
// pid and stamps ended_at; active statuses stamp last_active_at.
func (s *Store) SetStatus(ctx context.Context, id, status string) error {
	now := time.Now().UTC()
	var query string
	var args []any
	switch status {
	case StatusIdle, StatusEnded:
		query = `UPDATE sessions SET status = ?, pid = NULL, ended_at = ?, updated_at = ? WHERE id = ?`
		args = []any{status, now, now, id}
	default:
		query = `UPDATE sessions SET status = ?, last_active_at = ?, updated_at = ? WHERE id = ?`
		args = []any{status, now, now, id}
	}
	return s.exec(ctx, query, args...)
}

// SetPID records the running subprocess pid.
func (s *Store) SetPID(ctx context.Context, id string, pid int) error {
	return s.exec(ctx, `UPDATE sessions SET pid = ?, updated_at = ? WHERE id = ?`, pid, time.Now().UTC(), id)
}

// SetSessionRef records the agent-assigned resume identifier. The ref is
// written once; later identical writes are harmless.
func (s *Store) SetSessionRef(ctx context.Context, id, ref string) error {
	return s.exec(ctx, `UPDATE sessions SET session_ref = ?, updated_at = ? WHERE id = ?`, ref, time.Now().UTC(), id)
}

// ClearSessionRef drops the resume identifier (clear-context restart).
func (s *Store) ClearSessionRef(ctx context.Context, id string) error {
	return s.exec(ctx, `UPDATE sessions SET session_ref = NULL, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
}

// SetEventSeq persists the supervisor's sequence counter.
func (s *Store) SetEventSeq(ctx context.Context, id string, seq uint64) error {
	return s.exec(ctx, `UPDATE sessions SET event_seq = ?, updated_at = ? WHERE id = ?`, seq, time.Now().UTC(), id)
}

// Heartbeat stamps heartbeat_at.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return s.exec(ctx, `UPDATE sessions SET heartbeat_at = ?, updated_at = ? WHERE id = ?`, now, now, id)
}

// SetLogFilePath records where the session log lives.
func (s *Store) SetLogFilePath(ctx context.Context, id, path string) error {
	return s.exec(ctx, `UPDATE sessions SET log_file_path = ?, updated_at = ? WHERE id = ?`, path, time.Now().UTC(), id)
}

// AddUsage accumulates turn cost and count from a result event.
func (s *Store) AddUsage(ctx context.Context, id string, costUSD float64, turns int) error {
	return s.exec(ctx, `UPDATE sessions SET total_cost_usd = total_cost_usd + ?, total_turns = total_turns + ?, updated_at = ? WHERE id = ?`,
		costUSD, turns, time.Now().UTC(), id)
}

// SetAllowedTools replaces the persisted allowlist.
func (s *Store) SetAllowedTools(ctx context.Context, id string, tools []string) error {
	data, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("failed to encode allowed tools: %w", err)
	}
	return s.exec(ctx, `UPDATE sessions SET allowed_tools = ?, updated_at = ? WHERE id = ?`, string(data), time.Now().UTC(), id)
}

// SetPermissionMode persists the permission mode.
func (s *Store) SetPermissionMode(ctx context.Context, id, mode string) error {
	return s.exec(ctx, `UPDATE sessions SET permission_mode = ?, updated_at = ? WHERE id = ?`, mode, time.Now().UTC(), id)
}

// SetModel persists the active model.
func (s *Store) SetModel(ctx context.Context, id, model string) error {
	return s.exec(ctx, `UPDATE sessions SET model = ?, updated_at = ? WHERE id = ?`, model, time.Now().UTC(), id)
}

// SetPlanFilePath records the captured plan file.
func (s *Store) SetPlanFilePath(ctx context.Context, id, path string) error {
	return s.exec(ctx, `UPDATE sessions SET plan_file_path = ?, updated_at = ? WHERE id = ?`, path, time.Now().UTC(), id)
}

// SetInitialPrompt replaces the initial prompt (clear-context restart).
func (s *Store) SetInitialPrompt(ctx context.Context, id, prompt string) error {
	return s.exec(ctx, `UPDATE sessions SET initial_prompt = ?, updated_at = ? WHERE id = ?`, prompt, time.Now().UTC(), id)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	bound := s.pool.Writer().Rebind(query)
	res, err := s.pool.Writer().ExecContext(ctx, bound, args...)
	if err != nil {
		return fmt.Errorf("session update failed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
