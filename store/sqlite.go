package store

import (
	"context"
	"database/sql"
	"encoding/json"
	goerrors "errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/vinayprograms/agentloop/errors"
	"github.com/vinayprograms/agentloop/model"
)

const sqliteSchemaVersion = 1

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	handle             TEXT NOT NULL DEFAULT '',
	personality        TEXT NOT NULL DEFAULT '',
	expertise          TEXT NOT NULL DEFAULT '[]',
	heartbeat_interval INTEGER NOT NULL DEFAULT 0,
	feeds              TEXT NOT NULL DEFAULT '[]',
	created_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS heartbeats (
	id                TEXT PRIMARY KEY,
	agent_id          TEXT NOT NULL,
	status            TEXT NOT NULL,
	scheduled_at      INTEGER NOT NULL,
	started_at        INTEGER,
	completed_at      INTEGER,
	events_processed  INTEGER NOT NULL DEFAULT 0,
	actions_triggered INTEGER NOT NULL DEFAULT 0,
	error_message     TEXT NOT NULL DEFAULT '',
	window_start      INTEGER,
	window_end        INTEGER,
	attempt           INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS heartbeats_due ON heartbeats(status, scheduled_at);
CREATE INDEX IF NOT EXISTS heartbeats_agent ON heartbeats(agent_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS heartbeats_one_executing ON heartbeats(agent_id) WHERE status = 'EXECUTING';

CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	agent_id   TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	payload    TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	priority   INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS events_agent_window ON events(agent_id, created_at);

CREATE TABLE IF NOT EXISTS tools (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	capability TEXT NOT NULL DEFAULT '',
	config     TEXT NOT NULL DEFAULT '{}',
	is_active  INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS tool_subscriptions (
	id              TEXT PRIMARY KEY,
	tool_id         TEXT NOT NULL REFERENCES tools(id),
	event_type      TEXT NOT NULL,
	filter          TEXT NOT NULL DEFAULT '',
	execution_order INTEGER NOT NULL DEFAULT 0,
	is_active       INTEGER NOT NULL DEFAULT 1,
	UNIQUE (tool_id, event_type)
);

CREATE TABLE IF NOT EXISTS actions (
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	id                TEXT NOT NULL UNIQUE,
	agent_id          TEXT NOT NULL,
	tool_id           TEXT NOT NULL,
	heartbeat_id      TEXT NOT NULL REFERENCES heartbeats(id),
	event_id          TEXT NOT NULL,
	parent_action_id  TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	request_meta      TEXT NOT NULL DEFAULT '',
	response_meta     TEXT NOT NULL DEFAULT '',
	error_message     TEXT NOT NULL DEFAULT '',
	execution_time_ms INTEGER,
	started_at        INTEGER,
	completed_at      INTEGER,
	created_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS actions_heartbeat ON actions(heartbeat_id, seq);
`

// SQLiteStore implements Store on a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path. ":memory:" opens a
// private in-memory database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.InvalidInput("sqlite path required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background(), path != ":memory:"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context, wal bool) error {
	if wal {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("set journal mode: %w", err)
		}
	}
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > sqliteSchemaVersion {
		return fmt.Errorf("database schema v%d is newer than supported v%d", version, sqliteSchemaVersion)
	}
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d;", sqliteSchemaVersion)); err != nil {
		return fmt.Errorf("write schema version: %w", err)
	}
	return nil
}

// retryOnBusy retries f while SQLite reports BUSY or LOCKED, with capped
// exponential backoff and jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 25 * time.Millisecond
	const maxDelay = 400 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = f(); err == nil || !isBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if goerrors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if goerrors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := retryOnBusy(ctx, 5, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func sqlErr(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if isUniqueViolation(err) {
		return errors.Conflict(msg, errors.WithCause(err))
	}
	return errors.WrapWithCode(err, errors.ErrCodeStorage, msg)
}

// --- column helpers ---

func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nullNano(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().UnixNano()
}

func fromNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNano(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNano(n.Int64)
	return &t
}

func nullInt(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(p *string) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func toJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func fromJSON(s string, v interface{}) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// --- Agents ---

// GetAgent loads an agent.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, handle, personality, expertise, heartbeat_interval, feeds, created_at
		FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if goerrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("agent", id)
	}
	if err != nil {
		return nil, sqlErr(err, "loading agent %s", id)
	}
	return a, nil
}

func scanAgent(row scanner) (*model.Agent, error) {
	var a model.Agent
	var expertise, feeds string
	var created int64
	if err := row.Scan(&a.ID, &a.Name, &a.Handle, &a.Personality, &expertise, &a.HeartbeatInterval, &feeds, &created); err != nil {
		return nil, err
	}
	if err := fromJSON(expertise, &a.Expertise); err != nil {
		return nil, err
	}
	if err := fromJSON(feeds, &a.Feeds); err != nil {
		return nil, err
	}
	a.CreatedAt = fromNano(created)
	return &a, nil
}

// PutAgent inserts or replaces an agent.
func (s *SQLiteStore) PutAgent(ctx context.Context, agent *model.Agent) error {
	if agent.ID == "" {
		return errors.InvalidInput("agent id required")
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	expertise, _ := json.Marshal(orEmpty(agent.Expertise))
	feeds, _ := json.Marshal(orEmpty(agent.Feeds))
	_, err := s.exec(ctx, `INSERT INTO agents (id, name, handle, personality, expertise, heartbeat_interval, feeds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, handle = excluded.handle,
			personality = excluded.personality, expertise = excluded.expertise,
			heartbeat_interval = excluded.heartbeat_interval, feeds = excluded.feeds`,
		agent.ID, agent.Name, agent.Handle, agent.Personality, string(expertise),
		agent.HeartbeatInterval, string(feeds), unixNano(agent.CreatedAt))
	return sqlErr(err, "saving agent %s", agent.ID)
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ListAgents returns all agents ordered by id.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, handle, personality, expertise, heartbeat_interval, feeds, created_at
		FROM agents ORDER BY id`)
	if err != nil {
		return nil, sqlErr(err, "listing agents")
	}
	defer rows.Close()

	var out []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, sqlErr(err, "scanning agent")
		}
		out = append(out, a)
	}
	return out, sqlErr(rows.Err(), "listing agents")
}

// --- Heartbeats ---

const heartbeatColumns = `id, agent_id, status, scheduled_at, started_at, completed_at, events_processed,
	actions_triggered, error_message, window_start, window_end, attempt, created_at`

func scanHeartbeat(row scanner) (*model.Heartbeat, error) {
	var hb model.Heartbeat
	var status string
	var scheduled, created int64
	var started, completed, wStart, wEnd sql.NullInt64
	if err := row.Scan(&hb.ID, &hb.AgentID, &status, &scheduled, &started, &completed, &hb.EventsProcessed,
		&hb.ActionsTriggered, &hb.ErrorMessage, &wStart, &wEnd, &hb.Attempt, &created); err != nil {
		return nil, err
	}
	hb.Status = model.HeartbeatStatus(status)
	hb.ScheduledAt = fromNano(scheduled)
	hb.StartedAt = fromNullNano(started)
	hb.CompletedAt = fromNullNano(completed)
	hb.WindowStart = fromNullNano(wStart)
	hb.WindowEnd = fromNullNano(wEnd)
	hb.CreatedAt = fromNano(created)
	return &hb, nil
}

func (s *SQLiteStore) queryHeartbeats(ctx context.Context, where string, args ...interface{}) ([]*model.Heartbeat, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+heartbeatColumns+" FROM heartbeats "+where, args...)
	if err != nil {
		return nil, sqlErr(err, "querying heartbeats")
	}
	defer rows.Close()

	var out []*model.Heartbeat
	for rows.Next() {
		hb, err := scanHeartbeat(rows)
		if err != nil {
			return nil, sqlErr(err, "scanning heartbeat")
		}
		out = append(out, hb)
	}
	return out, sqlErr(rows.Err(), "querying heartbeats")
}

// CreateHeartbeat inserts a heartbeat.
func (s *SQLiteStore) CreateHeartbeat(ctx context.Context, hb *model.Heartbeat) error {
	if hb.AgentID == "" {
		return errors.InvalidInput("heartbeat agent id required")
	}
	prepareHeartbeat(hb)
	_, err := s.exec(ctx, `INSERT INTO heartbeats (`+heartbeatColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		hb.ID, hb.AgentID, string(hb.Status), unixNano(hb.ScheduledAt), nullNano(hb.StartedAt),
		nullNano(hb.CompletedAt), hb.EventsProcessed, hb.ActionsTriggered, hb.ErrorMessage,
		nullNano(hb.WindowStart), nullNano(hb.WindowEnd), hb.Attempt, unixNano(hb.CreatedAt))
	return sqlErr(err, "creating heartbeat %s", hb.ID)
}

// GetHeartbeat loads a heartbeat.
func (s *SQLiteStore) GetHeartbeat(ctx context.Context, id string) (*model.Heartbeat, error) {
	hbs, err := s.queryHeartbeats(ctx, "WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(hbs) == 0 {
		return nil, errors.NotFound("heartbeat", id)
	}
	return hbs[0], nil
}

// GetDueHeartbeats returns PENDING heartbeats scheduled at or before now.
func (s *SQLiteStore) GetDueHeartbeats(ctx context.Context, now time.Time) ([]*model.Heartbeat, error) {
	return s.queryHeartbeats(ctx, "WHERE status = ? AND scheduled_at <= ? ORDER BY scheduled_at, id",
		string(model.HeartbeatPending), unixNano(now))
}

// TransitionHeartbeat performs a conditional status update.
func (s *SQLiteStore) TransitionHeartbeat(ctx context.Context, id string, from, to model.HeartbeatStatus, upd model.HeartbeatUpdate) (*model.Heartbeat, error) {
	if !from.CanTransition(to) {
		return nil, errors.InvalidInput(fmt.Sprintf("illegal heartbeat transition %s -> %s", from, to))
	}

	query := `UPDATE heartbeats SET
		status = ?,
		started_at = COALESCE(?, started_at),
		completed_at = COALESCE(?, completed_at),
		events_processed = COALESCE(?, events_processed),
		actions_triggered = COALESCE(?, actions_triggered),
		error_message = COALESCE(?, error_message),
		window_start = COALESCE(?, window_start),
		window_end = COALESCE(?, window_end)
		WHERE id = ? AND status = ?`
	args := []interface{}{
		string(to), nullNano(upd.StartedAt), nullNano(upd.CompletedAt), nullInt(upd.EventsProcessed),
		nullInt(upd.ActionsTriggered), nullString(upd.ErrorMessage), nullNano(upd.WindowStart),
		nullNano(upd.WindowEnd), id, string(from),
	}
	if to == model.HeartbeatExecuting {
		query += ` AND NOT EXISTS (SELECT 1 FROM heartbeats other
			WHERE other.agent_id = heartbeats.agent_id AND other.status = 'EXECUTING')`
	}

	res, err := s.exec(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Conflict(fmt.Sprintf("agent of heartbeat %s already has one executing", id),
				errors.WithHeartbeatID(id), errors.WithCause(err))
		}
		return nil, sqlErr(err, "updating heartbeat %s", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, sqlErr(err, "updating heartbeat %s", id)
	}

	current, err := s.GetHeartbeat(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if current.Status != from {
			return nil, errors.Conflict(fmt.Sprintf("heartbeat %s is %s, expected %s", id, current.Status, from),
				errors.WithHeartbeatID(id))
		}
		return nil, errors.Conflict(fmt.Sprintf("agent %s already has a heartbeat executing", current.AgentID),
			errors.WithHeartbeatID(id), errors.WithAgentID(current.AgentID))
	}
	return current, nil
}

// LastCompletedHeartbeat returns the most recently completed heartbeat.
func (s *SQLiteStore) LastCompletedHeartbeat(ctx context.Context, agentID string) (*model.Heartbeat, error) {
	hbs, err := s.queryHeartbeats(ctx, `WHERE agent_id = ? AND status = ? AND completed_at IS NOT NULL
		ORDER BY completed_at DESC LIMIT 1`, agentID, string(model.HeartbeatCompleted))
	if err != nil || len(hbs) == 0 {
		return nil, err
	}
	return hbs[0], nil
}

// ActiveHeartbeat returns a PENDING or EXECUTING heartbeat of the agent.
func (s *SQLiteStore) ActiveHeartbeat(ctx context.Context, agentID string) (*model.Heartbeat, error) {
	hbs, err := s.queryHeartbeats(ctx, `WHERE agent_id = ? AND status IN (?, ?)
		ORDER BY CASE status WHEN 'EXECUTING' THEN 0 ELSE 1 END, scheduled_at LIMIT 1`,
		agentID, string(model.HeartbeatPending), string(model.HeartbeatExecuting))
	if err != nil || len(hbs) == 0 {
		return nil, err
	}
	return hbs[0], nil
}

// ListHeartbeats returns the agent's heartbeats by schedule.
func (s *SQLiteStore) ListHeartbeats(ctx context.Context, agentID string) ([]*model.Heartbeat, error) {
	return s.queryHeartbeats(ctx, "WHERE agent_id = ? ORDER BY scheduled_at, id", agentID)
}

// --- Events ---

// AppendEvent inserts an event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *model.Event) error {
	if ev.EventType == "" {
		return errors.InvalidInput("event type required")
	}
	if err := prepareEvent(ev); err != nil {
		return err
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "encoding event payload")
	}
	_, err = s.exec(ctx, `INSERT INTO events (id, agent_id, event_type, payload, source, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.AgentID, string(ev.EventType), string(payload), ev.Source, ev.Priority, unixNano(ev.CreatedAt))
	return sqlErr(err, "appending event %s", ev.ID)
}

func scanEvent(row scanner) (*model.Event, error) {
	var ev model.Event
	var eventType, payload string
	var created int64
	if err := row.Scan(&ev.ID, &ev.AgentID, &eventType, &payload, &ev.Source, &ev.Priority, &created); err != nil {
		return nil, err
	}
	ev.EventType = model.EventType(eventType)
	ev.CreatedAt = fromNano(created)
	if err := fromJSON(payload, &ev.Payload); err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetEvent loads an event.
func (s *SQLiteStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, agent_id, event_type, payload, source, priority, created_at
		FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if goerrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("event", id)
	}
	if err != nil {
		return nil, sqlErr(err, "loading event %s", id)
	}
	return ev, nil
}

// GetEventsInWindow returns the agent's events inside [start, end).
func (s *SQLiteStore) GetEventsInWindow(ctx context.Context, agentID string, start, end time.Time) ([]*model.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, agent_id, event_type, payload, source, priority, created_at
		FROM events WHERE agent_id = ? AND created_at >= ? AND created_at < ?
		ORDER BY created_at, seq`, agentID, unixNano(start), unixNano(end))
	if err != nil {
		return nil, sqlErr(err, "querying events")
	}
	defer rows.Close()

	var out []*model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, sqlErr(err, "scanning event")
		}
		out = append(out, ev)
	}
	return out, sqlErr(rows.Err(), "querying events")
}

// --- Tools ---

// PutTool inserts or replaces a tool.
func (s *SQLiteStore) PutTool(ctx context.Context, tool *model.Tool) error {
	if tool.Name == "" {
		return errors.InvalidInput("tool name required")
	}
	if tool.ID == "" {
		if existing, err := s.GetToolByName(ctx, tool.Name); err == nil {
			tool.ID = existing.ID
		} else {
			tool.ID = NewID()
		}
	}
	cfg, err := toJSON(tool.Config)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "encoding tool config")
	}
	_, err = s.exec(ctx, `INSERT INTO tools (id, name, capability, config, is_active) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, capability = excluded.capability,
			config = excluded.config, is_active = excluded.is_active`,
		tool.ID, tool.Name, tool.Capability, cfg, tool.IsActive)
	return sqlErr(err, "saving tool %s", tool.Name)
}

func scanTool(row scanner) (*model.Tool, error) {
	var t model.Tool
	var cfg string
	if err := row.Scan(&t.ID, &t.Name, &t.Capability, &cfg, &t.IsActive); err != nil {
		return nil, err
	}
	if err := fromJSON(cfg, &t.Config); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLiteStore) getToolWhere(ctx context.Context, where, key string) (*model.Tool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT id, name, capability, config, is_active FROM tools WHERE "+where, key)
	t, err := scanTool(row)
	if goerrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("tool", key)
	}
	if err != nil {
		return nil, sqlErr(err, "loading tool %s", key)
	}
	return t, nil
}

// GetTool loads a tool.
func (s *SQLiteStore) GetTool(ctx context.Context, id string) (*model.Tool, error) {
	return s.getToolWhere(ctx, "id = ?", id)
}

// GetToolByName loads a tool by its unique name.
func (s *SQLiteStore) GetToolByName(ctx context.Context, name string) (*model.Tool, error) {
	return s.getToolWhere(ctx, "name = ?", name)
}

// ListTools returns all tools ordered by name.
func (s *SQLiteStore) ListTools(ctx context.Context) ([]*model.Tool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, capability, config, is_active FROM tools ORDER BY name")
	if err != nil {
		return nil, sqlErr(err, "listing tools")
	}
	defer rows.Close()

	var out []*model.Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, sqlErr(err, "scanning tool")
		}
		out = append(out, t)
	}
	return out, sqlErr(rows.Err(), "listing tools")
}

// PutSubscription inserts or replaces a subscription.
func (s *SQLiteStore) PutSubscription(ctx context.Context, sub *model.ToolSubscription) error {
	if sub.ToolID == "" || sub.EventType == "" {
		return errors.InvalidInput("subscription needs tool id and event type")
	}
	if _, err := s.GetTool(ctx, sub.ToolID); err != nil {
		return err
	}
	if sub.ID == "" {
		var existing string
		err := s.db.QueryRowContext(ctx, "SELECT id FROM tool_subscriptions WHERE tool_id = ? AND event_type = ?",
			sub.ToolID, string(sub.EventType)).Scan(&existing)
		switch {
		case err == nil:
			sub.ID = existing
		case goerrors.Is(err, sql.ErrNoRows):
			sub.ID = NewID()
		default:
			return sqlErr(err, "reading subscription")
		}
	}
	var filter string
	if !sub.Filter.Empty() {
		var err error
		if filter, err = toJSON(sub.Filter); err != nil {
			return errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "encoding filter")
		}
	}
	_, err := s.exec(ctx, `INSERT INTO tool_subscriptions (id, tool_id, event_type, filter, execution_order, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET tool_id = excluded.tool_id, event_type = excluded.event_type,
			filter = excluded.filter, execution_order = excluded.execution_order, is_active = excluded.is_active`,
		sub.ID, sub.ToolID, string(sub.EventType), filter, sub.ExecutionOrder, sub.IsActive)
	return sqlErr(err, "saving subscription %s", sub.ID)
}

func (s *SQLiteStore) querySubscriptions(ctx context.Context, where string, args ...interface{}) ([]*model.ToolSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, tool_id, event_type, filter, execution_order, is_active
		FROM tool_subscriptions `+where+` ORDER BY execution_order, tool_id`, args...)
	if err != nil {
		return nil, sqlErr(err, "querying subscriptions")
	}
	defer rows.Close()

	var out []*model.ToolSubscription
	for rows.Next() {
		var sub model.ToolSubscription
		var eventType, filter string
		if err := rows.Scan(&sub.ID, &sub.ToolID, &eventType, &filter, &sub.ExecutionOrder, &sub.IsActive); err != nil {
			return nil, sqlErr(err, "scanning subscription")
		}
		sub.EventType = model.EventType(eventType)
		if filter != "" {
			sub.Filter = &model.Filter{}
			if err := fromJSON(filter, sub.Filter); err != nil {
				return nil, sqlErr(err, "decoding filter of subscription %s", sub.ID)
			}
		}
		out = append(out, &sub)
	}
	return out, sqlErr(rows.Err(), "querying subscriptions")
}

// GetActiveSubscriptions returns active subscriptions for an event type.
func (s *SQLiteStore) GetActiveSubscriptions(ctx context.Context, eventType model.EventType) ([]*model.ToolSubscription, error) {
	return s.querySubscriptions(ctx, "WHERE event_type = ? AND is_active = 1", string(eventType))
}

// ListSubscriptions returns all subscriptions.
func (s *SQLiteStore) ListSubscriptions(ctx context.Context) ([]*model.ToolSubscription, error) {
	return s.querySubscriptions(ctx, "")
}

// --- Actions ---

const actionColumns = `id, agent_id, tool_id, heartbeat_id, event_id, parent_action_id, status, request_meta,
	response_meta, error_message, execution_time_ms, started_at, completed_at, created_at`

// CreateAction inserts an action.
func (s *SQLiteStore) CreateAction(ctx context.Context, a *model.Action) error {
	if a.HeartbeatID == "" || a.EventID == "" || a.ToolID == "" {
		return errors.InvalidInput("action needs heartbeat, event and tool ids")
	}
	prepareAction(a)
	req, err := toJSON(a.RequestMeta)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "encoding request meta")
	}
	resp, err := toJSON(a.ResponseMeta)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "encoding response meta")
	}
	var execMs interface{}
	if a.ExecutionTimeMs != nil {
		execMs = *a.ExecutionTimeMs
	}
	_, err = s.exec(ctx, `INSERT INTO actions (`+actionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.AgentID, a.ToolID, a.HeartbeatID, a.EventID, a.ParentActionID, string(a.Status), req, resp,
		a.ErrorMessage, execMs, nullNano(a.StartedAt), nullNano(a.CompletedAt), unixNano(a.CreatedAt))
	return sqlErr(err, "creating action %s", a.ID)
}

func scanAction(row scanner) (*model.Action, error) {
	var a model.Action
	var status, req, resp string
	var execMs, started, completed sql.NullInt64
	var created int64
	if err := row.Scan(&a.ID, &a.AgentID, &a.ToolID, &a.HeartbeatID, &a.EventID, &a.ParentActionID, &status,
		&req, &resp, &a.ErrorMessage, &execMs, &started, &completed, &created); err != nil {
		return nil, err
	}
	a.Status = model.ActionStatus(status)
	if err := fromJSON(req, &a.RequestMeta); err != nil {
		return nil, err
	}
	if err := fromJSON(resp, &a.ResponseMeta); err != nil {
		return nil, err
	}
	if execMs.Valid {
		ms := execMs.Int64
		a.ExecutionTimeMs = &ms
	}
	a.StartedAt = fromNullNano(started)
	a.CompletedAt = fromNullNano(completed)
	a.CreatedAt = fromNano(created)
	return &a, nil
}

// UpdateAction performs a conditional action transition.
func (s *SQLiteStore) UpdateAction(ctx context.Context, id string, from model.ActionStatus, upd model.ActionUpdate) (*model.Action, error) {
	if !from.CanTransition(upd.Status) {
		return nil, errors.InvalidInput(fmt.Sprintf("illegal action transition %s -> %s", from, upd.Status))
	}
	var resp interface{}
	if upd.ResponseMeta != nil {
		encoded, err := toJSON(upd.ResponseMeta)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "encoding response meta")
		}
		resp = encoded
	}
	var execMs interface{}
	if upd.ExecutionTimeMs != nil {
		execMs = *upd.ExecutionTimeMs
	}

	res, err := s.exec(ctx, `UPDATE actions SET
		status = ?,
		response_meta = COALESCE(?, response_meta),
		error_message = COALESCE(?, error_message),
		execution_time_ms = COALESCE(?, execution_time_ms),
		started_at = COALESCE(?, started_at),
		completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND status = ?`,
		string(upd.Status), resp, nullString(upd.ErrorMessage), execMs, nullNano(upd.StartedAt),
		nullNano(upd.CompletedAt), id, string(from))
	if err != nil {
		return nil, sqlErr(err, "updating action %s", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, sqlErr(err, "updating action %s", id)
	}

	current, err := s.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, errors.Conflict(fmt.Sprintf("action %s is %s, expected %s", id, current.Status, from),
			errors.WithActionID(id))
	}
	return current, nil
}

// GetAction loads an action.
func (s *SQLiteStore) GetAction(ctx context.Context, id string) (*model.Action, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+actionColumns+" FROM actions WHERE id = ?", id)
	a, err := scanAction(row)
	if goerrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("action", id)
	}
	if err != nil {
		return nil, sqlErr(err, "loading action %s", id)
	}
	return a, nil
}

// ListActions returns a heartbeat's actions in creation order.
func (s *SQLiteStore) ListActions(ctx context.Context, heartbeatID string) ([]*model.Action, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+actionColumns+" FROM actions WHERE heartbeat_id = ? ORDER BY seq", heartbeatID)
	if err != nil {
		return nil, sqlErr(err, "listing actions")
	}
	defer rows.Close()

	var out []*model.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, sqlErr(err, "scanning action")
		}
		out = append(out, a)
	}
	return out, sqlErr(rows.Err(), "listing actions")
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*KVStore)(nil)
)
