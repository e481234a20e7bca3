package db

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashrun/ash/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sequenceInsertRetries bounds the re-read loop when concurrent writers
// collide on a session's next sequence number.
const sequenceInsertRetries = 5

// PostgresRepo is the concurrent backend used by coordinator deployments.
type PostgresRepo struct {
	pool *pgxpool.Pool
}

// OpenPostgres creates a connection pool and verifies it.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresRepo, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresRepo{pool: pool}, nil
}

// Close closes the connection pool.
func (p *PostgresRepo) Close() error {
	p.pool.Close()
	return nil
}

// Migrate runs database migrations.
func (p *PostgresRepo) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err = p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	migrations := []struct {
		version  int
		filename string
	}{
		{1, "migrations/001_initial.up.sql"},
	}

	for _, m := range migrations {
		if currentVersion >= m.version {
			continue
		}
		sql, err := migrationsFS.ReadFile(m.filename)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", m.filename, err)
		}
		tx, err := p.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", m.version, err)
		}
		defer tx.Rollback(ctx)

		if _, err := tx.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("failed to apply migration %03d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
			return fmt.Errorf("failed to record migration %03d: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %03d: %w", m.version, err)
		}
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func fromPtr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// --- Agents ---

// UpsertAgent inserts the agent or, on the (tenant, name) conflict, bumps
// the version in place. The id never changes across redeploys.
func (p *PostgresRepo) UpsertAgent(ctx context.Context, tenant, name, path string) (*types.Agent, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO agents (id, tenant_id, name, version, path, created_at, updated_at)
		VALUES ($1, $2, $3, 1, $4, now(), now())
		ON CONFLICT (tenant_id, name) DO UPDATE SET
			version = agents.version + 1, path = excluded.path, updated_at = now()
		RETURNING `+agentColumns,
		uuid.NewString(), tenantOrDefault(tenant), name, path)
	a, err := scanAgentPG(row)
	if err != nil {
		return nil, fmt.Errorf("upsert agent: %w", err)
	}
	return a, nil
}

func scanAgentPG(row pgx.Row) (*types.Agent, error) {
	a := &types.Agent{}
	err := row.Scan(&a.ID, &a.TenantID, &a.Name, &a.Version, &a.Path, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return a, nil
}

func (p *PostgresRepo) GetAgent(ctx context.Context, tenant, name string) (*types.Agent, error) {
	return scanAgentPG(p.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE tenant_id = $1 AND name = $2`,
		tenantOrDefault(tenant), name))
}

func (p *PostgresRepo) ListAgents(ctx context.Context, tenant string) ([]types.Agent, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE tenant_id = $1 ORDER BY name`,
		tenantOrDefault(tenant))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Agent
	for rows.Next() {
		a, err := scanAgentPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (p *PostgresRepo) DeleteAgent(ctx context.Context, tenant, name string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM agents WHERE tenant_id = $1 AND name = $2`,
		tenantOrDefault(tenant), name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Sessions ---

func scanSessionPG(row pgx.Row) (*types.Session, error) {
	sess := &types.Session{}
	var sandboxID, runnerID, parentID, model, cfgRaw, lastError *string
	err := row.Scan(&sess.ID, &sess.TenantID, &sess.AgentName, &sandboxID, &sess.Status,
		&runnerID, &parentID, &model, &cfgRaw, &lastError, &sess.CreatedAt, &sess.LastActiveAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	sess.SandboxID = fromPtr(sandboxID)
	sess.RunnerID = fromPtr(runnerID)
	sess.ParentSessionID = fromPtr(parentID)
	sess.Model = fromPtr(model)
	sess.LastError = fromPtr(lastError)
	cfg, err := unmarshalConfig(cfgRaw)
	if err != nil {
		return nil, fmt.Errorf("decode session config: %w", err)
	}
	sess.Config = cfg
	return sess, nil
}

func insertSessionPG(ctx context.Context, tx pgx.Tx, sess *types.Session) error {
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
	_, err = tx.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sess.ID, sess.TenantID, sess.AgentName, nullStr(sess.SandboxID), sess.Status,
		nullStr(sess.RunnerID), nullStr(sess.ParentSessionID), nullStr(sess.Model),
		cfg, nullStr(sess.LastError), sess.CreatedAt, sess.LastActiveAt)
	return err
}

func (p *PostgresRepo) InsertSession(ctx context.Context, sess *types.Session) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := insertSessionPG(ctx, tx, sess); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return tx.Commit(ctx)
}

// InsertForkedSession atomically inserts the fork and copies the parent's
// messages under fresh ids, preserving role, content, and sequence.
func (p *PostgresRepo) InsertForkedSession(ctx context.Context, fork *types.Session, parentID string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertSessionPG(ctx, tx, fork); err != nil {
		return fmt.Errorf("insert forked session: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO messages (id, tenant_id, session_id, role, content, sequence, created_at)
		SELECT gen_random_uuid()::text, tenant_id, $1, role, content, sequence, created_at
		FROM messages WHERE tenant_id = $2 AND session_id = $3`,
		fork.ID, fork.TenantID, parentID); err != nil {
		return fmt.Errorf("copy parent messages: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *PostgresRepo) UpdateSessionStatus(ctx context.Context, tenant, id string, status types.SessionStatus, lastError string) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE sessions SET status = $1, last_error = $2 WHERE tenant_id = $3 AND id = $4`,
		status, nullStr(lastError), tenantOrDefault(tenant), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresRepo) UpdateSessionSandbox(ctx context.Context, tenant, id, sandboxID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE sessions SET sandbox_id = $1 WHERE tenant_id = $2 AND id = $3`,
		nullStr(sandboxID), tenantOrDefault(tenant), id)
	return err
}

func (p *PostgresRepo) UpdateSessionRunner(ctx context.Context, tenant, id, runnerID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE sessions SET runner_id = $1 WHERE tenant_id = $2 AND id = $3`,
		nullStr(runnerID), tenantOrDefault(tenant), id)
	return err
}

func (p *PostgresRepo) UpdateSessionConfig(ctx context.Context, tenant, id string, model *string, config *types.SessionConfig) error {
	var sets []string
	var args []any
	n := 1
	if model != nil {
		sets = append(sets, fmt.Sprintf("model = $%d", n))
		args = append(args, nullStr(*model))
		n++
	}
	if config != nil {
		raw, err := json.Marshal(config)
		if err != nil {
			return err
		}
		sets = append(sets, fmt.Sprintf("config = $%d", n))
		args = append(args, string(raw))
		n++
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, tenantOrDefault(tenant), id)
	tag, err := p.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE sessions SET %s WHERE tenant_id = $%d AND id = $%d`,
			strings.Join(sets, ", "), n, n+1),
		args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresRepo) GetSession(ctx context.Context, tenant, id string) (*types.Session, error) {
	return scanSessionPG(p.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = $1 AND id = $2`,
		tenantOrDefault(tenant), id))
}

func (p *PostgresRepo) ListSessions(ctx context.Context, tenant, agent string) ([]types.Session, error) {
	tenant = tenantOrDefault(tenant)
	var (
		rows pgx.Rows
		err  error
	)
	if agent != "" {
		rows, err = p.pool.Query(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = $1 AND agent_name = $2 ORDER BY created_at DESC`,
			tenant, agent)
	} else {
		rows, err = p.pool.Query(ctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id = $1 ORDER BY created_at DESC`,
			tenant)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessionsPG(rows)
}

func (p *PostgresRepo) ListSessionsByRunner(ctx context.Context, runnerID string) ([]types.Session, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE runner_id = $1 ORDER BY created_at DESC`,
		runnerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSessionsPG(rows)
}

func collectSessionsPG(rows pgx.Rows) ([]types.Session, error) {
	var out []types.Session
	for rows.Next() {
		sess, err := scanSessionPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (p *PostgresRepo) BulkPauseSessionsByRunner(ctx context.Context, runnerID string) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE sessions SET status = 'paused' WHERE runner_id = $1 AND status IN ('starting', 'active')`,
		runnerID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresRepo) TouchSession(ctx context.Context, tenant, id string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE sessions SET last_active_at = now() WHERE tenant_id = $1 AND id = $2`,
		tenantOrDefault(tenant), id)
	return err
}

// --- Sandboxes ---

func scanSandboxPG(row pgx.Row) (*types.SandboxRecord, error) {
	sb := &types.SandboxRecord{}
	var sessionID *string
	err := row.Scan(&sb.ID, &sb.TenantID, &sessionID, &sb.AgentName, &sb.State,
		&sb.WorkspaceDir, &sb.CreatedAt, &sb.LastUsedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	sb.SessionID = fromPtr(sessionID)
	return sb, nil
}

func (p *PostgresRepo) InsertSandbox(ctx context.Context, sb *types.SandboxRecord) error {
	sb.TenantID = tenantOrDefault(sb.TenantID)
	now := time.Now().UTC()
	if sb.CreatedAt.IsZero() {
		sb.CreatedAt = now
	}
	if sb.LastUsedAt.IsZero() {
		sb.LastUsedAt = now
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO sandboxes (`+sandboxColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sb.ID, sb.TenantID, nullStr(sb.SessionID), sb.AgentName, sb.State,
		sb.WorkspaceDir, sb.CreatedAt, sb.LastUsedAt)
	return err
}

func (p *PostgresRepo) UpdateSandboxState(ctx context.Context, id string, state types.SandboxState) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE sandboxes SET state = $1, last_used_at = now() WHERE id = $2`, state, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresRepo) UpdateSandboxSession(ctx context.Context, id, sessionID string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE sandboxes SET session_id = $1 WHERE id = $2`, nullStr(sessionID), id)
	return err
}

func (p *PostgresRepo) TouchSandbox(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE sandboxes SET last_used_at = now() WHERE id = $1`, id)
	return err
}

func (p *PostgresRepo) GetSandbox(ctx context.Context, id string) (*types.SandboxRecord, error) {
	return scanSandboxPG(p.pool.QueryRow(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE id = $1`, id))
}

func (p *PostgresRepo) SandboxBySession(ctx context.Context, sessionID string) (*types.SandboxRecord, error) {
	return scanSandboxPG(p.pool.QueryRow(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE session_id = $1 ORDER BY created_at DESC LIMIT 1`,
		sessionID))
}

func (p *PostgresRepo) CountSandboxes(ctx context.Context) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sandboxes`).Scan(&n)
	return n, err
}

func (p *PostgresRepo) CountSandboxesByState(ctx context.Context) (map[types.SandboxState]int, error) {
	rows, err := p.pool.Query(ctx, `SELECT state, COUNT(*) FROM sandboxes GROUP BY state`)
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

func (p *PostgresRepo) BestEvictionCandidate(ctx context.Context) (*types.SandboxRecord, error) {
	return scanSandboxPG(p.pool.QueryRow(ctx, `
		SELECT `+sandboxColumns+` FROM sandboxes
		WHERE state IN ('cold', 'warm', 'waiting')
		ORDER BY CASE state WHEN 'cold' THEN 0 WHEN 'warm' THEN 1 ELSE 2 END, last_used_at ASC
		LIMIT 1`))
}

func (p *PostgresRepo) IdleSandboxes(ctx context.Context, olderThan time.Time) ([]types.SandboxRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE state = 'waiting' AND last_used_at < $1`,
		olderThan.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSandboxesPG(rows)
}

func (p *PostgresRepo) ColdSandboxes(ctx context.Context, olderThan time.Time) ([]types.SandboxRecord, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE state = 'cold' AND last_used_at < $1`,
		olderThan.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSandboxesPG(rows)
}

func collectSandboxesPG(rows pgx.Rows) ([]types.SandboxRecord, error) {
	var out []types.SandboxRecord
	for rows.Next() {
		sb, err := scanSandboxPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sb)
	}
	return out, rows.Err()
}

func (p *PostgresRepo) DeleteSandbox(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM sandboxes WHERE id = $1`, id)
	return err
}

func (p *PostgresRepo) MarkAllSandboxesCold(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx,
		`UPDATE sandboxes SET state = 'cold' WHERE state != 'cold'`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Messages and session events ---

// InsertMessage assigns the next sequence atomically: the MAX subquery and
// the insert run in one statement, and the unique index catches the race
// between concurrent writers, which we resolve by re-reading.
func (p *PostgresRepo) InsertMessage(ctx context.Context, tenant, sessionID string, role types.MessageRole, content string) (*types.Message, error) {
	tenant = tenantOrDefault(tenant)
	msg := &types.Message{
		ID: uuid.NewString(), TenantID: tenant, SessionID: sessionID,
		Role: role, Content: content, CreatedAt: time.Now().UTC(),
	}
	for attempt := 0; attempt < sequenceInsertRetries; attempt++ {
		err := p.pool.QueryRow(ctx, `
			INSERT INTO messages (id, tenant_id, session_id, role, content, sequence, created_at)
			VALUES ($1, $2, $3, $4, $5,
				COALESCE((SELECT MAX(sequence) FROM messages WHERE tenant_id = $2 AND session_id = $3), 0) + 1,
				$6)
			RETURNING sequence`,
			msg.ID, tenant, sessionID, role, content, msg.CreatedAt).Scan(&msg.Sequence)
		if isUniqueViolation(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}
		return msg, nil
	}
	return nil, fmt.Errorf("insert message: sequence contention on session %s", sessionID)
}

func (p *PostgresRepo) ListMessages(ctx context.Context, tenant, sessionID string) ([]types.Message, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, tenant_id, session_id, role, content, sequence, created_at
		 FROM messages WHERE tenant_id = $1 AND session_id = $2 ORDER BY sequence`,
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

func (p *PostgresRepo) InsertEvent(ctx context.Context, tenant, sessionID, eventType string, data json.RawMessage) (*types.SessionEvent, error) {
	tenant = tenantOrDefault(tenant)
	ev := &types.SessionEvent{
		ID: uuid.NewString(), TenantID: tenant, SessionID: sessionID,
		Type: eventType, Data: string(data), CreatedAt: time.Now().UTC(),
	}
	for attempt := 0; attempt < sequenceInsertRetries; attempt++ {
		err := p.pool.QueryRow(ctx, `
			INSERT INTO session_events (id, tenant_id, session_id, type, data, sequence, created_at)
			VALUES ($1, $2, $3, $4, $5,
				COALESCE((SELECT MAX(sequence) FROM session_events WHERE tenant_id = $2 AND session_id = $3), 0) + 1,
				$6)
			RETURNING sequence`,
			ev.ID, tenant, sessionID, eventType, ev.Data, ev.CreatedAt).Scan(&ev.Sequence)
		if isUniqueViolation(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("insert event: %w", err)
		}
		return ev, nil
	}
	return nil, fmt.Errorf("insert event: sequence contention on session %s", sessionID)
}

func (p *PostgresRepo) ListEvents(ctx context.Context, tenant, sessionID string) ([]types.SessionEvent, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, tenant_id, session_id, type, data, sequence, created_at
		 FROM session_events WHERE tenant_id = $1 AND session_id = $2 ORDER BY sequence`,
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

func scanRunnerPG(row pgx.Row) (*types.Runner, error) {
	r := &types.Runner{}
	err := row.Scan(&r.ID, &r.Host, &r.Port, &r.MaxSandboxes, &r.ActiveCount,
		&r.WarmingCount, &r.LastHeartbeatAt, &r.RegisteredAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return r, nil
}

func (p *PostgresRepo) UpsertRunner(ctx context.Context, r *types.Runner) error {
	now := time.Now().UTC()
	if r.RegisteredAt.IsZero() {
		r.RegisteredAt = now
	}
	r.LastHeartbeatAt = now
	_, err := p.pool.Exec(ctx, `
		INSERT INTO runners (`+runnerColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			host = excluded.host, port = excluded.port,
			max_sandboxes = excluded.max_sandboxes,
			active_count = excluded.active_count, warming_count = excluded.warming_count,
			last_heartbeat_at = excluded.last_heartbeat_at`,
		r.ID, r.Host, r.Port, r.MaxSandboxes, r.ActiveCount, r.WarmingCount,
		r.LastHeartbeatAt, r.RegisteredAt)
	return err
}

func (p *PostgresRepo) HeartbeatRunner(ctx context.Context, id string, activeCount, warmingCount int) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE runners SET active_count = $1, warming_count = $2, last_heartbeat_at = now() WHERE id = $3`,
		activeCount, warmingCount, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresRepo) GetRunner(ctx context.Context, id string) (*types.Runner, error) {
	return scanRunnerPG(p.pool.QueryRow(ctx,
		`SELECT `+runnerColumns+` FROM runners WHERE id = $1`, id))
}

func (p *PostgresRepo) ListRunners(ctx context.Context) ([]types.Runner, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+runnerColumns+` FROM runners ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRunnersPG(rows)
}

func (p *PostgresRepo) ListHealthyRunners(ctx context.Context, cutoff time.Time) ([]types.Runner, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+runnerColumns+` FROM runners WHERE last_heartbeat_at > $1
		 ORDER BY (max_sandboxes - active_count - warming_count) DESC`,
		cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRunnersPG(rows)
}

func (p *PostgresRepo) ListDeadRunners(ctx context.Context, cutoff time.Time) ([]types.Runner, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+runnerColumns+` FROM runners WHERE last_heartbeat_at <= $1`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRunnersPG(rows)
}

func (p *PostgresRepo) SelectBestRunner(ctx context.Context, cutoff time.Time) (*types.Runner, error) {
	return scanRunnerPG(p.pool.QueryRow(ctx, `
		SELECT `+runnerColumns+` FROM runners
		WHERE last_heartbeat_at > $1 AND (max_sandboxes - active_count - warming_count) > 0
		ORDER BY (max_sandboxes - active_count - warming_count) DESC
		LIMIT 1`,
		cutoff.UTC()))
}

func (p *PostgresRepo) DeleteRunner(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM runners WHERE id = $1`, id)
	return err
}

func collectRunnersPG(rows pgx.Rows) ([]types.Runner, error) {
	var out []types.Runner
	for rows.Next() {
		r, err := scanRunnerPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// --- API keys ---

func (p *PostgresRepo) InsertAPIKey(ctx context.Context, k *types.APIKey) error {
	k.TenantID = tenantOrDefault(k.TenantID)
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, created_at) VALUES ($1, $2, $3, $4, $5)`,
		k.ID, k.TenantID, k.Name, k.KeyHash, k.CreatedAt)
	return err
}

func (p *PostgresRepo) GetAPIKeyByHash(ctx context.Context, hash string) (*types.APIKey, error) {
	k := &types.APIKey{}
	err := p.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, key_hash, created_at FROM api_keys WHERE key_hash = $1`, hash,
	).Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return k, nil
}

func (p *PostgresRepo) ListAPIKeys(ctx context.Context, tenant string) ([]types.APIKey, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, created_at FROM api_keys WHERE tenant_id = $1 ORDER BY created_at`,
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

func (p *PostgresRepo) DeleteAPIKey(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Credentials ---

func (p *PostgresRepo) UpsertCredential(ctx context.Context, c *types.Credential) (*types.Credential, error) {
	c.TenantID = tenantOrDefault(c.TenantID)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO credentials (id, tenant_id, name, agent_name, encrypted_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, name) DO UPDATE SET
			agent_name = excluded.agent_name, encrypted_value = excluded.encrypted_value`,
		c.ID, c.TenantID, c.Name, nullStr(c.AgentName), c.EncryptedValue, c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return p.GetCredential(ctx, c.TenantID, c.Name)
}

func (p *PostgresRepo) GetCredential(ctx context.Context, tenant, name string) (*types.Credential, error) {
	c := &types.Credential{}
	var agentName *string
	err := p.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, agent_name, encrypted_value, created_at
		 FROM credentials WHERE tenant_id = $1 AND name = $2`,
		tenantOrDefault(tenant), name,
	).Scan(&c.ID, &c.TenantID, &c.Name, &agentName, &c.EncryptedValue, &c.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	c.AgentName = fromPtr(agentName)
	return c, nil
}

func (p *PostgresRepo) ListCredentials(ctx context.Context, tenant string) ([]types.Credential, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, tenant_id, name, agent_name, encrypted_value, created_at
		 FROM credentials WHERE tenant_id = $1 ORDER BY name`,
		tenantOrDefault(tenant))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Credential
	for rows.Next() {
		var c types.Credential
		var agentName *string
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &agentName, &c.EncryptedValue, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.AgentName = fromPtr(agentName)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *PostgresRepo) DeleteCredential(ctx context.Context, tenant, name string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM credentials WHERE tenant_id = $1 AND name = $2`,
		tenantOrDefault(tenant), name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Attachments ---

func (p *PostgresRepo) InsertAttachment(ctx context.Context, a *types.Attachment) error {
	a.TenantID = tenantOrDefault(a.TenantID)
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO attachments (id, tenant_id, session_id, filename, store_key, size_bytes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.TenantID, nullStr(a.SessionID), a.Filename, a.StoreKey, a.SizeBytes, a.CreatedAt)
	return err
}

func (p *PostgresRepo) GetAttachment(ctx context.Context, tenant, id string) (*types.Attachment, error) {
	a := &types.Attachment{}
	var sessionID *string
	err := p.pool.QueryRow(ctx,
		`SELECT id, tenant_id, session_id, filename, store_key, size_bytes, created_at
		 FROM attachments WHERE tenant_id = $1 AND id = $2`,
		tenantOrDefault(tenant), id,
	).Scan(&a.ID, &a.TenantID, &sessionID, &a.Filename, &a.StoreKey, &a.SizeBytes, &a.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	a.SessionID = fromPtr(sessionID)
	return a, nil
}

func (p *PostgresRepo) ListAttachments(ctx context.Context, tenant, sessionID string) ([]types.Attachment, error) {
	tenant = tenantOrDefault(tenant)
	var (
		rows pgx.Rows
		err  error
	)
	if sessionID != "" {
		rows, err = p.pool.Query(ctx,
			`SELECT id, tenant_id, session_id, filename, store_key, size_bytes, created_at
			 FROM attachments WHERE tenant_id = $1 AND session_id = $2 ORDER BY created_at`,
			tenant, sessionID)
	} else {
		rows, err = p.pool.Query(ctx,
			`SELECT id, tenant_id, session_id, filename, store_key, size_bytes, created_at
			 FROM attachments WHERE tenant_id = $1 ORDER BY created_at`,
			tenant)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Attachment
	for rows.Next() {
		var a types.Attachment
		var sid *string
		if err := rows.Scan(&a.ID, &a.TenantID, &sid, &a.Filename, &a.StoreKey, &a.SizeBytes, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.SessionID = fromPtr(sid)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresRepo) DeleteAttachment(ctx context.Context, tenant, id string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM attachments WHERE tenant_id = $1 AND id = $2`,
		tenantOrDefault(tenant), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Queue items ---

func (p *PostgresRepo) InsertQueueItem(ctx context.Context, q *types.QueueItem) error {
	q.TenantID = tenantOrDefault(q.TenantID)
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO queue_items (id, tenant_id, session_id, kind, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		q.ID, q.TenantID, q.SessionID, q.Kind, nullStr(q.Payload), q.CreatedAt)
	return err
}

func (p *PostgresRepo) ListQueueItems(ctx context.Context, sessionID string) ([]types.QueueItem, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, tenant_id, session_id, kind, payload, created_at
		 FROM queue_items WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.QueueItem
	for rows.Next() {
		var q types.QueueItem
		var payload *string
		if err := rows.Scan(&q.ID, &q.TenantID, &q.SessionID, &q.Kind, &payload, &q.CreatedAt); err != nil {
			return nil, err
		}
		q.Payload = fromPtr(payload)
		out = append(out, q)
	}
	return out, rows.Err()
}

func (p *PostgresRepo) DeleteQueueItem(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM queue_items WHERE id = $1`, id)
	return err
}

func (p *PostgresRepo) ClearQueueItems(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM queue_items`)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// --- Usage events ---

func (p *PostgresRepo) InsertUsageEvent(ctx context.Context, u *types.UsageEvent) error {
	u.TenantID = tenantOrDefault(u.TenantID)
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO usage_events (`+usageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		u.ID, u.TenantID, u.SessionID, nullStr(u.RunnerID), nullStr(u.Model),
		u.InputTokens, u.OutputTokens, u.CostUSD, u.NumTurns, u.DurationMs, u.Synced, u.CreatedAt)
	return err
}

func scanUsagePG(rows pgx.Rows) ([]types.UsageEvent, error) {
	var out []types.UsageEvent
	for rows.Next() {
		var u types.UsageEvent
		var runnerID, model *string
		if err := rows.Scan(&u.ID, &u.TenantID, &u.SessionID, &runnerID, &model,
			&u.InputTokens, &u.OutputTokens, &u.CostUSD, &u.NumTurns, &u.DurationMs,
			&u.Synced, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.RunnerID = fromPtr(runnerID)
		u.Model = fromPtr(model)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *PostgresRepo) ListUsageEvents(ctx context.Context, tenant, sessionID string) ([]types.UsageEvent, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+usageColumns+` FROM usage_events
		 WHERE tenant_id = $1 AND session_id = $2 ORDER BY created_at`,
		tenantOrDefault(tenant), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsagePG(rows)
}

func (p *PostgresRepo) UnsyncedUsageEvents(ctx context.Context, limit int) ([]types.UsageEvent, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+usageColumns+` FROM usage_events WHERE NOT synced ORDER BY created_at LIMIT $1`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUsagePG(rows)
}

func (p *PostgresRepo) MarkUsageSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx,
		`UPDATE usage_events SET synced = TRUE WHERE id = ANY($1)`, ids)
	return err
}

var _ Repository = (*PostgresRepo)(nil)
