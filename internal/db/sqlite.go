package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/ashrun/ash/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    version INTEGER NOT NULL DEFAULT 1,
    path TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE(tenant_id, name)
);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    agent_name TEXT NOT NULL,
    sandbox_id TEXT,
    status TEXT NOT NULL,
    runner_id TEXT,
    parent_session_id TEXT,
    model TEXT,
    config TEXT,
    last_error TEXT,
    created_at TIMESTAMP NOT NULL,
    last_active_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_tenant_agent ON sessions(tenant_id, agent_name);
CREATE INDEX IF NOT EXISTS idx_sessions_runner ON sessions(runner_id);

CREATE TABLE IF NOT EXISTS sandboxes (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    session_id TEXT,
    agent_name TEXT NOT NULL,
    state TEXT NOT NULL,
    workspace_dir TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    last_used_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sandboxes_state ON sandboxes(state, last_used_at);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE(tenant_id, session_id, sequence)
);

CREATE TABLE IF NOT EXISTS session_events (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    type TEXT NOT NULL,
    data TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE(tenant_id, session_id, sequence)
);

CREATE TABLE IF NOT EXISTS runners (
    id TEXT PRIMARY KEY,
    host TEXT NOT NULL,
    port INTEGER NOT NULL,
    max_sandboxes INTEGER NOT NULL,
    active_count INTEGER NOT NULL DEFAULT 0,
    warming_count INTEGER NOT NULL DEFAULT 0,
    last_heartbeat_at TIMESTAMP NOT NULL,
    registered_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    key_hash TEXT NOT NULL UNIQUE,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS credentials (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    agent_name TEXT,
    encrypted_value TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE(tenant_id, name)
);

CREATE TABLE IF NOT EXISTS attachments (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    session_id TEXT,
    filename TEXT NOT NULL,
    store_key TEXT NOT NULL,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_items (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    payload TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_events (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    runner_id TEXT,
    model TEXT,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost_usd REAL NOT NULL DEFAULT 0,
    num_turns INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    synced INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_unsynced ON usage_events(synced) WHERE synced = 0;
`

// SQLiteRepo is the embedded single-writer backend. One open connection
// serializes all writes, which is what makes the MAX+1 sequence assignment
// safe without an atomic statement.
type SQLiteRepo struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the embedded database and applies the
// schema.
func OpenSQLite(path string) (*SQLiteRepo, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteRepo{db: db}, nil
}

// Migrate is a no-op: the schema is applied in full at open.
func (s *SQLiteRepo) Migrate(ctx context.Context) error { return nil }

// Close closes the database.
func (s *SQLiteRepo) Close() error { return s.db.Close() }

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func isDuplicateKey(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) &&
		(se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}

func strOrEmpty(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}

// --- Agents ---

const agentColumns = `id, tenant_id, name, version, path, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*types.Agent, error) {
	a := &types.Agent{}
	err := row.Scan(&a.ID, &a.TenantID, &a.Name, &a.Version, &a.Path, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *SQLiteRepo) UpsertAgent(ctx context.Context, tenant, name, path string) (*types.Agent, error) {
	tenant = tenantOrDefault(tenant)
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := scanAgent(tx.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE tenant_id = ? AND name = ?`, tenant, name))
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx,
			`UPDATE agents SET version = version + 1, path = ?, updated_at = ? WHERE id = ?`,
			path, now, existing.ID); err != nil {
			return nil, fmt.Errorf("bump agent version: %w", err)
		}
		existing.Version++
		existing.Path = path
		existing.UpdatedAt = now
	case errors.Is(err, ErrNotFound):
		existing = &types.Agent{
			ID: uuid.NewString(), TenantID: tenant, Name: name, Version: 1,
			Path: path, CreatedAt: now, UpdatedAt: now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			existing.ID, tenant, name, 1, path, now, now); err != nil {
			return nil, fmt.Errorf("insert agent: %w", err)
		}
	default:
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return existing, nil
}

func (s *SQLiteRepo) GetAgent(ctx context.Context, tenant, name string) (*types.Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE tenant_id = ? AND name = ?`,
		tenantOrDefault(tenant), name))
}

func (s *SQLiteRepo) ListAgents(ctx context.Context, tenant string) ([]types.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE tenant_id = ? ORDER BY name`,
		tenantOrDefault(tenant))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *SQLiteRepo) DeleteAgent(ctx context.Context, tenant, name string) error {
	tenant = tenantOrDefault(tenant)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agents WHERE tenant_id = ? AND name = ?`, tenant, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Sessions ---

const sessionColumns = `id, tenant_id, agent_name, sandbox_id, status, runner_id, parent_session_id, model, config, last_error, created_at, last_active_at`

func scanSession(row interface{ Scan(...any) error }) (*types.Session, error) {
	sess := &types.Session{}
	var sandboxID, runnerID, parentID, model, config, lastError sql.NullString
	err := row.Scan(&sess.ID, &sess.TenantID, &sess.AgentName, &sandboxID, &sess.Status,
		&runnerID, &parentID, &model, &config, &lastError, &sess.CreatedAt, &sess.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.SandboxID = strOrEmpty(sandboxID)
	sess.RunnerID = strOrEmpty(runnerID)
	sess.ParentSessionID = strOrEmpty(parentID)
	sess.Model = strOrEmpty(model)
	sess.LastError = strOrEmpty(lastError)
	if config.Valid {
		cfg, err := unmarshalConfig(&config.String)
		if err != nil {
			return nil, fmt.Errorf("decode session config: %w", err)
		}
		sess.Config = cfg
	}
	return sess, nil
}

func (s *SQLiteRepo) insertSessionTx(ctx context.Context, tx *sql.Tx, sess *types.Session) error {
	sess.TenantID = tenantOrDefault(sess.TenantID)
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.LastActiveAt.IsZero() {
		sess.LastActiveAt = now
	}
	cfg, err := marshalConfig(sess.Config)
	if err != nil {
		return err
	}
	var cfgVal any
	if cfg != nil {
		cfgVal = *cfg
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.TenantID, sess.AgentName, nullStr(sess.SandboxID), sess.Status,
		nullStr(sess.RunnerID), nullStr(sess.ParentSessionID), nullStr(sess.Model),
		cfgVal, nullStr(sess.LastError), sess.CreatedAt, sess.LastActiveAt)
	return err
}

func (s *SQLiteRepo) InsertSession(ctx context.Context, sess *types.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.insertSessionTx(ctx, tx, sess); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return tx.Commit()
}

// InsertForkedSession atomically inserts the fork and copies the parent's
// messages under new ids, preserving role, content, and sequence.
func (s *SQLiteRepo) InsertForkedSession(ctx context.Context, fork *types.Session, parentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.insertSessionTx(ctx, tx, fork); err != nil {
		return fmt.Errorf("insert forked session: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT role, content, sequence, created_at FROM messages
		 WHERE tenant_id = ? AND session_id = ? ORDER BY sequence`,
		fork.TenantID, parentID)
	if err != nil {
		return err
	}
	type parentMsg struct {
		role      string
		content   string
		sequence  int
		createdAt time.Time
	}
	var parents []parentMsg
	for rows.Next() {
		var m parentMsg
		if err := rows.Scan(&m.role, &m.content, &m.sequence, &m.createdAt); err != nil {
			rows.Close()
			return err
		}
		parents = append(parents, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range parents {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, tenant_id, session_id, role, content, sequence, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), fork.TenantID, fork.ID, m.role, m.content, m.sequence, m.createdAt); err != nil {
			return fmt.Errorf("copy message %d: %w", m.sequence, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteRepo) UpdateSessionStatus(ctx context.Context, tenant, id string, status types.SessionStatus, lastError string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, last_error = ? WHERE tenant_id = ? AND id = ?`,
		status, nullStr(lastError), tenantOrDefault(tenant), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteRepo) UpdateSessionSandbox(ctx context.Context, tenant, id, sandboxID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET sandbox_id = ? WHERE tenant_id = ? AND id = ?`,
		nullStr(sandboxID), tenantOrDefault(tenant), id)
	return err
}

func (s *SQLiteRepo) UpdateSessionRunner(ctx context.Context, tenant, id, runnerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET runner_id = ? WHERE tenant_id = ? AND id = ?`,
		nullStr(runnerID), tenantOrDefault(tenant), id)
	return err
}

func (s *SQLiteRepo) UpdateSessionConfig(ctx context.Context, tenant, id string, model *string, config *types.SessionConfig) error {
	sets := ""
	args := []any{}
	if model != nil {
		sets = "model = ?"
		args = append(args, nullStr(*model))
	}
	if config != nil {
		raw, err := json.Marshal(config)
		if err != nil {
			return err
		}
		if sets != "" {
			sets += ", "
		}
		sets += "config = ?"
		args = append(args, string(raw))
	}
	if sets == "" {
		return nil
	}
	args = append(args, tenantOrDefault(tenant), id)
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+sets+` WHERE tenant_id = ? AND id = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteRepo) GetSession(ctx context.Context, tenant, id string) (*types.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = ? AND id = ?`,
		tenantOrDefault(tenant), id))
}

func (s *SQLiteRepo) ListSessions(ctx context.Context, tenant, agent string) ([]types.Session, error) {
	tenant = tenantOrDefault(tenant)
	var (
		rows *sql.Rows
		err  error
	)
	if agent != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = ? AND agent_name = ? ORDER BY created_at DESC`,
			tenant, agent)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = ? ORDER BY created_at DESC`,
			tenant)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (s *SQLiteRepo) ListSessionsByRunner(ctx context.Context, runnerID string) ([]types.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE runner_id = ? ORDER BY created_at DESC`, runnerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessions(rows)
}

func collectSessions(rows *sql.Rows) ([]types.Session, error) {
	var out []types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// BulkPauseSessionsByRunner pauses every starting/active session on the
// runner. The runner id column is kept as a fast-resume hint.
func (s *SQLiteRepo) BulkPauseSessionsByRunner(ctx context.Context, runnerID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'paused' WHERE runner_id = ? AND status IN ('starting', 'active')`,
		runnerID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteRepo) TouchSession(ctx context.Context, tenant, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = ? WHERE tenant_id = ? AND id = ?`,
		time.Now().UTC(), tenantOrDefault(tenant), id)
	return err
}

// --- Sandboxes ---

const sandboxColumns = `id, tenant_id, session_id, agent_name, state, workspace_dir, created_at, last_used_at`

func scanSandbox(row interface{ Scan(...any) error }) (*types.SandboxRecord, error) {
	sb := &types.SandboxRecord{}
	var sessionID sql.NullString
	err := row.Scan(&sb.ID, &sb.TenantID, &sessionID, &sb.AgentName, &sb.State,
		&sb.WorkspaceDir, &sb.CreatedAt, &sb.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sb.SessionID = strOrEmpty(sessionID)
	return sb, nil
}

func (s *SQLiteRepo) InsertSandbox(ctx context.Context, sb *types.SandboxRecord) error {
	sb.TenantID = tenantOrDefault(sb.TenantID)
	now := time.Now().UTC()
	if sb.CreatedAt.IsZero() {
		sb.CreatedAt = now
	}
	if sb.LastUsedAt.IsZero() {
		sb.LastUsedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sandboxes (`+sandboxColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sb.ID, sb.TenantID, nullStr(sb.SessionID), sb.AgentName, sb.State,
		sb.WorkspaceDir, sb.CreatedAt, sb.LastUsedAt)
	return err
}

func (s *SQLiteRepo) UpdateSandboxState(ctx context.Context, id string, state types.SandboxState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET state = ?, last_used_at = ? WHERE id = ?`,
		state, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteRepo) UpdateSandboxSession(ctx context.Context, id, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET session_id = ? WHERE id = ?`, nullStr(sessionID), id)
	return err
}

func (s *SQLiteRepo) TouchSandbox(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET last_used_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

func (s *SQLiteRepo) GetSandbox(ctx context.Context, id string) (*types.SandboxRecord, error) {
	return scanSandbox(s.db.QueryRowContext(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE id = ?`, id))
}

func (s *SQLiteRepo) SandboxBySession(ctx context.Context, sessionID string) (*types.SandboxRecord, error) {
	return scanSandbox(s.db.QueryRowContext(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`,
		sessionID))
}

func (s *SQLiteRepo) CountSandboxes(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sandboxes`).Scan(&n)
	return n, err
}

func (s *SQLiteRepo) CountSandboxesByState(ctx context.Context) (map[types.SandboxState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM sandboxes GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[types.SandboxState]int)
	for rows.Next() {
		var state types.SandboxState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// BestEvictionCandidate picks cold before warm before waiting, oldest
// last_used_at first. Running and warming sandboxes are never candidates.
func (s *SQLiteRepo) BestEvictionCandidate(ctx context.Context) (*types.SandboxRecord, error) {
	return scanSandbox(s.db.QueryRowContext(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes
		 WHERE state IN ('cold', 'warm', 'waiting')
		 ORDER BY CASE state WHEN 'cold' THEN 0 WHEN 'warm' THEN 1 ELSE 2 END, last_used_at ASC
		 LIMIT 1`))
}

func (s *SQLiteRepo) IdleSandboxes(ctx context.Context, olderThan time.Time) ([]types.SandboxRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE state = 'waiting' AND last_used_at < ?`,
		olderThan.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSandboxes(rows)
}

func (s *SQLiteRepo) ColdSandboxes(ctx context.Context, olderThan time.Time) ([]types.SandboxRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE state = 'cold' AND last_used_at < ?`,
		olderThan.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSandboxes(rows)
}

func collectSandboxes(rows *sql.Rows) ([]types.SandboxRecord, error) {
	var out []types.SandboxRecord
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sb)
	}
	return out, rows.Err()
}

func (s *SQLiteRepo) DeleteSandbox(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE id = ?`, id)
	return err
}

// MarkAllSandboxesCold is the startup reconciliation: any record claiming a
// live process is wrong after a restart.
func (s *SQLiteRepo) MarkAllSandboxesCold(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET state = 'cold' WHERE state != 'cold'`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Messages and session events ---

// InsertMessage assigns the next dense sequence. MAX+1 inside a
// transaction is safe here because the connection pool is capped at one.
func (s *SQLiteRepo) InsertMessage(ctx context.Context, tenant, sessionID string, role types.MessageRole, content string) (*types.Message, error) {
	tenant = tenantOrDefault(tenant)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE tenant_id = ? AND session_id = ?`,
		tenant, sessionID).Scan(&seq); err != nil {
		return nil, err
	}

	msg := &types.Message{
		ID: uuid.NewString(), TenantID: tenant, SessionID: sessionID,
		Role: role, Content: content, Sequence: seq, CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, tenant_id, session_id, role, content, sequence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.TenantID, msg.SessionID, msg.Role, msg.Content, msg.Sequence, msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *SQLiteRepo) ListMessages(ctx context.Context, tenant, sessionID string) ([]types.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, session_id, role, content, sequence, created_at
		 FROM messages WHERE tenant_id = ? AND session_id = ? ORDER BY sequence`,
		tenantOrDefault(tenant), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var m types.Message
		if err := rows.Scan(&m.ID, &m.TenantID, &m.SessionID, &m.Role, &m.Content, &m.Sequence, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteRepo) InsertEvent(ctx context.Context, tenant, sessionID, eventType string, data json.RawMessage) (*types.SessionEvent, error) {
	tenant = tenantOrDefault(tenant)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM session_events WHERE tenant_id = ? AND session_id = ?`,
		tenant, sessionID).Scan(&seq); err != nil {
		return nil, err
	}

	ev := &types.SessionEvent{
		ID: uuid.NewString(), TenantID: tenant, SessionID: sessionID,
		Type: eventType, Data: string(data), Sequence: seq, CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_events (id, tenant_id, session_id, type, data, sequence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TenantID, ev.SessionID, ev.Type, ev.Data, ev.Sequence, ev.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *SQLiteRepo) ListEvents(ctx context.Context, tenant, sessionID string) ([]types.SessionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, session_id, type, data, sequence, created_at
		 FROM session_events WHERE tenant_id = ? AND session_id = ? ORDER BY sequence`,
		tenantOrDefault(tenant), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.SessionEvent
	for rows.Next() {
		var e types.SessionEvent
		if err := rows.Scan(&e.ID, &e.TenantID, &e.SessionID, &e.Type, &e.Data, &e.Sequence, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Runners ---

const runnerColumns = `id, host, port, max_sandboxes, active_count, warming_count, last_heartbeat_at, registered_at`

func scanRunner(row interface{ Scan(...any) error }) (*types.Runner, error) {
	r := &types.Runner{}
	err := row.Scan(&r.ID, &r.Host, &r.Port, &r.MaxSandboxes, &r.ActiveCount,
		&r.WarmingCount, &r.LastHeartbeatAt, &r.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLiteRepo) UpsertRunner(ctx context.Context, r *types.Runner) error {
	now := time.Now().UTC()
	if r.RegisteredAt.IsZero() {
		r.RegisteredAt = now
	}
	r.LastHeartbeatAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runners (`+runnerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   host = excluded.host, port = excluded.port,
		   max_sandboxes = excluded.max_sandboxes,
		   active_count = excluded.active_count, warming_count = excluded.warming_count,
		   last_heartbeat_at = excluded.last_heartbeat_at`,
		r.ID, r.Host, r.Port, r.MaxSandboxes, r.ActiveCount, r.WarmingCount,
		r.LastHeartbeatAt, r.RegisteredAt)
	return err
}

func (s *SQLiteRepo) HeartbeatRunner(ctx context.Context, id string, activeCount, warmingCount int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runners SET active_count = ?, warming_count = ?, last_heartbeat_at = ? WHERE id = ?`,
		activeCount, warmingCount, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteRepo) GetRunner(ctx context.Context, id string) (*types.Runner, error) {
	return scanRunner(s.db.QueryRowContext(ctx,
		`SELECT `+runnerColumns+` FROM runners WHERE id = ?`, id))
}

func (s *SQLiteRepo) ListRunners(ctx context.Context) ([]types.Runner, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runnerColumns+` FROM runners ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRunners(rows)
}

func (s *SQLiteRepo) ListHealthyRunners(ctx context.Context, cutoff time.Time) ([]types.Runner, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runnerColumns+` FROM runners WHERE last_heartbeat_at > ?
		 ORDER BY (max_sandboxes - active_count - warming_count) DESC`,
		cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRunners(rows)
}

func (s *SQLiteRepo) ListDeadRunners(ctx context.Context, cutoff time.Time) ([]types.Runner, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runnerColumns+` FROM runners WHERE last_heartbeat_at <= ?`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRunners(rows)
}

// SelectBestRunner returns the healthy runner with the most available
// capacity.
func (s *SQLiteRepo) SelectBestRunner(ctx context.Context, cutoff time.Time) (*types.Runner, error) {
	return scanRunner(s.db.QueryRowContext(ctx,
		`SELECT `+runnerColumns+` FROM runners
		 WHERE last_heartbeat_at > ? AND (max_sandboxes - active_count - warming_count) > 0
		 ORDER BY (max_sandboxes - active_count - warming_count) DESC
		 LIMIT 1`,
		cutoff.UTC()))
}

func (s *SQLiteRepo) DeleteRunner(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runners WHERE id = ?`, id)
	return err
}

func collectRunners(rows *sql.Rows) ([]types.Runner, error) {
	var out []types.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// --- API keys ---

func (s *SQLiteRepo) InsertAPIKey(ctx context.Context, k *types.APIKey) error {
	k.TenantID = tenantOrDefault(k.TenantID)
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		k.ID, k.TenantID, k.Name, k.KeyHash, k.CreatedAt)
	return err
}

func (s *SQLiteRepo) GetAPIKeyByHash(ctx context.Context, hash string) (*types.APIKey, error) {
	k := &types.APIKey{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, key_hash, created_at FROM api_keys WHERE key_hash = ?`, hash,
	).Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (s *SQLiteRepo) ListAPIKeys(ctx context.Context, tenant string) ([]types.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, key_hash, created_at FROM api_keys WHERE tenant_id = ? ORDER BY created_at`,
		tenantOrDefault(tenant))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.APIKey
	for rows.Next() {
		var k types.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLiteRepo) DeleteAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Credentials ---

func (s *SQLiteRepo) UpsertCredential(ctx context.Context, c *types.Credential) (*types.Credential, error) {
	c.TenantID = tenantOrDefault(c.TenantID)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (id, tenant_id, name, agent_name, encrypted_value, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, name) DO UPDATE SET
		   agent_name = excluded.agent_name, encrypted_value = excluded.encrypted_value`,
		c.ID, c.TenantID, c.Name, nullStr(c.AgentName), c.EncryptedValue, c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return s.GetCredential(ctx, c.TenantID, c.Name)
}

func (s *SQLiteRepo) GetCredential(ctx context.Context, tenant, name string) (*types.Credential, error) {
	c := &types.Credential{}
	var agentName sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, agent_name, encrypted_value, created_at
		 FROM credentials WHERE tenant_id = ? AND name = ?`,
		tenantOrDefault(tenant), name,
	).Scan(&c.ID, &c.TenantID, &c.Name, &agentName, &c.EncryptedValue, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.AgentName = strOrEmpty(agentName)
	return c, nil
}

func (s *SQLiteRepo) ListCredentials(ctx context.Context, tenant string) ([]types.Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, agent_name, encrypted_value, created_at
		 FROM credentials WHERE tenant_id = ? ORDER BY name`,
		tenantOrDefault(tenant))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Credential
	for rows.Next() {
		var c types.Credential
		var agentName sql.NullString
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &agentName, &c.EncryptedValue, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.AgentName = strOrEmpty(agentName)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteRepo) DeleteCredential(ctx context.Context, tenant, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE tenant_id = ? AND name = ?`,
		tenantOrDefault(tenant), name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Attachments ---

func (s *SQLiteRepo) InsertAttachment(ctx context.Context, a *types.Attachment) error {
	a.TenantID = tenantOrDefault(a.TenantID)
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (id, tenant_id, session_id, filename, store_key, size_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, nullStr(a.SessionID), a.Filename, a.StoreKey, a.SizeBytes, a.CreatedAt)
	return err
}

func (s *SQLiteRepo) GetAttachment(ctx context.Context, tenant, id string) (*types.Attachment, error) {
	a := &types.Attachment{}
	var sessionID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, session_id, filename, store_key, size_bytes, created_at
		 FROM attachments WHERE tenant_id = ? AND id = ?`,
		tenantOrDefault(tenant), id,
	).Scan(&a.ID, &a.TenantID, &sessionID, &a.Filename, &a.StoreKey, &a.SizeBytes, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.SessionID = strOrEmpty(sessionID)
	return a, nil
}

func (s *SQLiteRepo) ListAttachments(ctx context.Context, tenant, sessionID string) ([]types.Attachment, error) {
	tenant = tenantOrDefault(tenant)
	var (
		rows *sql.Rows
		err  error
	)
	if sessionID != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, tenant_id, session_id, filename, store_key, size_bytes, created_at
			 FROM attachments WHERE tenant_id = ? AND session_id = ? ORDER BY created_at`,
			tenant, sessionID)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, tenant_id, session_id, filename, store_key, size_bytes, created_at
			 FROM attachments WHERE tenant_id = ? ORDER BY created_at`,
			tenant)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Attachment
	for rows.Next() {
		var a types.Attachment
		var sid sql.NullString
		if err := rows.Scan(&a.ID, &a.TenantID, &sid, &a.Filename, &a.StoreKey, &a.SizeBytes, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.SessionID = strOrEmpty(sid)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteRepo) DeleteAttachment(ctx context.Context, tenant, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM attachments WHERE tenant_id = ? AND id = ?`,
		tenantOrDefault(tenant), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Queue items ---

func (s *SQLiteRepo) InsertQueueItem(ctx context.Context, q *types.QueueItem) error {
	q.TenantID = tenantOrDefault(q.TenantID)
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_items (id, tenant_id, session_id, kind, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		q.ID, q.TenantID, q.SessionID, q.Kind, nullStr(q.Payload), q.CreatedAt)
	return err
}

func (s *SQLiteRepo) ListQueueItems(ctx context.Context, sessionID string) ([]types.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, session_id, kind, payload, created_at
		 FROM queue_items WHERE session_id = ? ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.QueueItem
	for rows.Next() {
		var q types.QueueItem
		var payload sql.NullString
		if err := rows.Scan(&q.ID, &q.TenantID, &q.SessionID, &q.Kind, &payload, &q.CreatedAt); err != nil {
			return nil, err
		}
		q.Payload = strOrEmpty(payload)
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *SQLiteRepo) DeleteQueueItem(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id)
	return err
}

// ClearQueueItems drops all turn markers, run at startup since no turn
// survives a restart.
func (s *SQLiteRepo) ClearQueueItems(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queue_items`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Usage events ---

const usageColumns = `id, tenant_id, session_id, runner_id, model, input_tokens, output_tokens, cost_usd, num_turns, duration_ms, synced, created_at`

func (s *SQLiteRepo) InsertUsageEvent(ctx context.Context, u *types.UsageEvent) error {
	u.TenantID = tenantOrDefault(u.TenantID)
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_events (`+usageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.TenantID, u.SessionID, nullStr(u.RunnerID), nullStr(u.Model),
		u.InputTokens, u.OutputTokens, u.CostUSD, u.NumTurns, u.DurationMs, u.Synced, u.CreatedAt)
	return err
}

func scanUsage(rows *sql.Rows) ([]types.UsageEvent, error) {
	var out []types.UsageEvent
	for rows.Next() {
		var u types.UsageEvent
		var runnerID, model sql.NullString
		if err := rows.Scan(&u.ID, &u.TenantID, &u.SessionID, &runnerID, &model,
			&u.InputTokens, &u.OutputTokens, &u.CostUSD, &u.NumTurns, &u.DurationMs,
			&u.Synced, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.RunnerID = strOrEmpty(runnerID)
		u.Model = strOrEmpty(model)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLiteRepo) ListUsageEvents(ctx context.Context, tenant, sessionID string) ([]types.UsageEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+usageColumns+` FROM usage_events
		 WHERE tenant_id = ? AND session_id = ? ORDER BY created_at`,
		tenantOrDefault(tenant), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsage(rows)
}

// UnsyncedUsageEvents feeds the usage publisher's outbox loop.
func (s *SQLiteRepo) UnsyncedUsageEvents(ctx context.Context, limit int) ([]types.UsageEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+usageColumns+` FROM usage_events WHERE synced = 0 ORDER BY created_at LIMIT ?`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsage(rows)
}

func (s *SQLiteRepo) MarkUsageSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE usage_events SET synced = 1 WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

var _ Repository = (*SQLiteRepo)(nil)
