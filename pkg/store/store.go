// Package store implements the PersistentStore: a relational store for
// AgentRecord and Telemetry rows, backed by SQLite in WAL mode with a single
// writer connection, a bounded-retry wrapper on busy/locked errors, and a
// batched parent→children loader for O(n) tree reconstruction.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"codemachine/pkg/agenterrors"
	"codemachine/pkg/logx"
)

// Status is an AgentRecord lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// AgentRecord is a durable row per agent execution.
type AgentRecord struct {
	ID         int64
	Name       string
	Status     Status
	ParentID   *int64
	PID        *int
	StartTime  time.Time
	EndTime    *time.Time
	DurationMS *int64
	Prompt     string
	LogPath    string
	Error      *string
	EngineID   string
	Model      string
	SessionID  *string
}

// Telemetry is the zero-or-one-per-agent token/cost rollup.
type Telemetry struct {
	AgentID             int64
	TokensIn            int64
	TokensOut           int64
	CachedTokens        *int64
	CacheCreationTokens *int64
	CacheReadTokens     *int64
	Cost                *float64
}

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	parent_id INTEGER REFERENCES agents(id),
	pid INTEGER,
	start_time TEXT NOT NULL,
	end_time TEXT,
	duration_ms INTEGER,
	prompt TEXT NOT NULL,
	log_path TEXT NOT NULL DEFAULT '',
	error TEXT,
	engine_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	session_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_agents_parent_id ON agents(parent_id);

CREATE TABLE IF NOT EXISTS telemetry (
	agent_id INTEGER PRIMARY KEY REFERENCES agents(id),
	tokens_in INTEGER NOT NULL DEFAULT 0,
	tokens_out INTEGER NOT NULL DEFAULT 0,
	cached_tokens INTEGER,
	cache_creation_tokens INTEGER,
	cache_read_tokens INTEGER,
	cost REAL
);
`

// Store is an explicitly constructed handle onto one workspace's
// registry.db. New code threads an instance through rather than reaching
// for a package-level singleton.
type Store struct {
	db  *sql.DB
	log *logx.Logger
}

// Open creates (if needed) and opens the sqlite database at path, in WAL
// mode with a busy timeout, and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", path,
	))
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindIO, err, "open registry.db")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, agenterrors.Wrap(agenterrors.KindIO, err, "ping registry.db")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, agenterrors.Wrap(agenterrors.KindIO, err, "initialize schema")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db, log: logx.NewLogger("store")}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

// withRetry runs fn inside a fresh transaction, retrying on a busy/locked
// error with exponential backoff (initial 50ms, doubling, capped at 2s, up
// to 5 attempts total). The transaction is re-created on each attempt so
// every retried write is applied atomically.
func (s *Store) withRetry(ctx context.Context, fn func(tx *sql.Tx) error) error {
	cfg := agenterrors.DefaultRetryConfigs[agenterrors.KindStorageBusy]

	var lastErr error
	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := agenterrors.CalculateDelay(cfg, attempt-1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return agenterrors.Wrap(agenterrors.KindCancelled, ctx.Err(), "store write cancelled")
			}
		}

		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusyErr(err) {
			return err
		}
		s.log.Warn("write busy, retrying (attempt %d/%d): %v", attempt+1, cfg.MaxRetries, err)
	}
	return agenterrors.Wrap(agenterrors.KindStorageBusy, lastErr, "store busy after retries")
}

func (s *Store) runOnce(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// InsertAgent inserts a new AgentRecord and assigns its ID.
func (s *Store) InsertAgent(ctx context.Context, rec *AgentRecord) (int64, error) {
	var id int64
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO agents (name, status, parent_id, pid, start_time, end_time, duration_ms, prompt, log_path, error, engine_id, model, session_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.Name, string(rec.Status), rec.ParentID, rec.PID, formatTime(rec.StartTime),
			formatTimePtr(rec.EndTime), rec.DurationMS, rec.Prompt, rec.LogPath, rec.Error,
			rec.EngineID, rec.Model, rec.SessionID,
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// UpdateAgentFields updates the mutable fields of an existing agent row.
func (s *Store) UpdateAgentFields(ctx context.Context, rec *AgentRecord) error {
	return s.withRetry(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE agents SET status=?, pid=?, end_time=?, duration_ms=?, log_path=?, error=?, engine_id=?, model=?, session_id=?
			WHERE id=?`,
			string(rec.Status), rec.PID, formatTimePtr(rec.EndTime), rec.DurationMS, rec.LogPath,
			rec.Error, rec.EngineID, rec.Model, rec.SessionID, rec.ID,
		)
		return err
	})
}

// UpdateAgentAndTelemetry atomically updates agent fields plus a telemetry
// upsert in a single transaction, per §4.1's "atomic multi-row update".
func (s *Store) UpdateAgentAndTelemetry(ctx context.Context, rec *AgentRecord, tel *Telemetry) error {
	return s.withRetry(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET status=?, pid=?, end_time=?, duration_ms=?, log_path=?, error=?, engine_id=?, model=?, session_id=?
			WHERE id=?`,
			string(rec.Status), rec.PID, formatTimePtr(rec.EndTime), rec.DurationMS, rec.LogPath,
			rec.Error, rec.EngineID, rec.Model, rec.SessionID, rec.ID,
		); err != nil {
			return err
		}
		if tel == nil {
			return nil
		}
		return upsertTelemetryTx(ctx, tx, tel)
	})
}

// UpsertTelemetry performs the idempotent telemetry upsert on its own.
func (s *Store) UpsertTelemetry(ctx context.Context, tel *Telemetry) error {
	return s.withRetry(ctx, func(tx *sql.Tx) error {
		return upsertTelemetryTx(ctx, tx, tel)
	})
}

func upsertTelemetryTx(ctx context.Context, tx *sql.Tx, tel *Telemetry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO telemetry (agent_id, tokens_in, tokens_out, cached_tokens, cache_creation_tokens, cache_read_tokens, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			tokens_in=excluded.tokens_in,
			tokens_out=excluded.tokens_out,
			cached_tokens=excluded.cached_tokens,
			cache_creation_tokens=excluded.cache_creation_tokens,
			cache_read_tokens=excluded.cache_read_tokens,
			cost=excluded.cost`,
		tel.AgentID, tel.TokensIn, tel.TokensOut, tel.CachedTokens, tel.CacheCreationTokens,
		tel.CacheReadTokens, tel.Cost,
	)
	return err
}

// GetAgent reads a single agent row (non-transactional).
func (s *Store) GetAgent(ctx context.Context, id int64) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, parent_id, pid, start_time, end_time, duration_ms, prompt, log_path, error, engine_id, model, session_id
		FROM agents WHERE id=?`, id)
	return scanAgent(row)
}

// GetAll reads every agent row (non-transactional).
func (s *Store) GetAll(ctx context.Context) ([]*AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, parent_id, pid, start_time, end_time, duration_ms, prompt, log_path, error, engine_id, model, session_id
		FROM agents ORDER BY id`)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindIO, err, "query agents")
	}
	defer rows.Close()
	return scanAgents(rows)
}

// GetChildren reads the direct children of parentID.
func (s *Store) GetChildren(ctx context.Context, parentID int64) ([]*AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, parent_id, pid, start_time, end_time, duration_ms, prompt, log_path, error, engine_id, model, session_id
		FROM agents WHERE parent_id=? ORDER BY id`, parentID)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindIO, err, "query children")
	}
	defer rows.Close()
	return scanAgents(rows)
}

// GetRootAgents reads agents with no parent.
func (s *Store) GetRootAgents(ctx context.Context) ([]*AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, status, parent_id, pid, start_time, end_time, duration_ms, prompt, log_path, error, engine_id, model, session_id
		FROM agents WHERE parent_id IS NULL ORDER BY id`)
	if err != nil {
		return nil, agenterrors.Wrap(agenterrors.KindIO, err, "query roots")
	}
	defer rows.Close()
	return scanAgents(rows)
}

// AgentNode is a tree node produced by BuildAgentTree.
type AgentNode struct {
	Record   *AgentRecord
	Children []*AgentNode
}

// BuildAgentTree loads every agent row in one pass and reconstructs the
// parent/child forest in O(n) using a precomputed parent→children index,
// rather than querying children once per node.
func (s *Store) BuildAgentTree(ctx context.Context) ([]*AgentNode, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	byParent := make(map[int64][]*AgentRecord)
	var roots []*AgentRecord
	for _, rec := range all {
		if rec.ParentID == nil {
			roots = append(roots, rec)
			continue
		}
		byParent[*rec.ParentID] = append(byParent[*rec.ParentID], rec)
	}

	var build func(rec *AgentRecord) *AgentNode
	build = func(rec *AgentRecord) *AgentNode {
		node := &AgentNode{Record: rec}
		for _, child := range byParent[rec.ID] {
			node.Children = append(node.Children, build(child))
		}
		return node
	}

	nodes := make([]*AgentNode, 0, len(roots))
	for _, r := range roots {
		nodes = append(nodes, build(r))
	}
	return nodes, nil
}

// GetFullSubtree returns id and every descendant of id using the same
// batched index as BuildAgentTree.
func (s *Store) GetFullSubtree(ctx context.Context, id int64) ([]*AgentRecord, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	byParent := make(map[int64][]*AgentRecord)
	byID := make(map[int64]*AgentRecord, len(all))
	for _, rec := range all {
		byID[rec.ID] = rec
		if rec.ParentID != nil {
			byParent[*rec.ParentID] = append(byParent[*rec.ParentID], rec)
		}
	}
	root, ok := byID[id]
	if !ok {
		return nil, nil
	}

	var out []*AgentRecord
	var walk func(rec *AgentRecord)
	walk = func(rec *AgentRecord) {
		out = append(out, rec)
		for _, child := range byParent[rec.ID] {
			walk(child)
		}
	}
	walk(root)
	return out, nil
}

// GetAgentsByRoot groups every agent under the root of its ancestry chain.
func (s *Store) GetAgentsByRoot(ctx context.Context) (map[int64][]*AgentRecord, error) {
	all, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*AgentRecord, len(all))
	for _, rec := range all {
		byID[rec.ID] = rec
	}
	rootOf := func(rec *AgentRecord) int64 {
		cur := rec
		for cur.ParentID != nil {
			parent, ok := byID[*cur.ParentID]
			if !ok {
				break
			}
			cur = parent
		}
		return cur.ID
	}
	out := make(map[int64][]*AgentRecord)
	for _, rec := range all {
		root := rootOf(rec)
		out[root] = append(out[root], rec)
	}
	return out, nil
}

// ClearDescendants deletes id's descendants (not id itself), post-order,
// telemetry rows first per table due to the FK from telemetry to agents.
func (s *Store) ClearDescendants(ctx context.Context, id int64) error {
	sub, err := s.GetFullSubtree(ctx, id)
	if err != nil {
		return err
	}
	var ids []int64
	for _, rec := range sub {
		if rec.ID != id {
			ids = append(ids, rec.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return s.withRetry(ctx, func(tx *sql.Tx) error {
		for i := len(ids) - 1; i >= 0; i-- {
			if _, err := tx.ExecContext(ctx, `DELETE FROM telemetry WHERE agent_id=?`, ids[i]); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE id=?`, ids[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClearAll deletes every row, telemetry first due to the foreign key.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.withRetry(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM telemetry`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM agents`)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*AgentRecord, error) {
	var rec AgentRecord
	var status, startTime string
	var endTime sql.NullString
	var durationMS sql.NullInt64
	var parentID sql.NullInt64
	var pid sql.NullInt64
	var errStr, sessionID sql.NullString

	if err := row.Scan(&rec.ID, &rec.Name, &status, &parentID, &pid, &startTime, &endTime,
		&durationMS, &rec.Prompt, &rec.LogPath, &errStr, &rec.EngineID, &rec.Model, &sessionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, agenterrors.Wrap(agenterrors.KindIO, err, "scan agent row")
	}

	rec.Status = Status(status)
	rec.StartTime = parseTime(startTime)
	if endTime.Valid {
		t := parseTime(endTime.String)
		rec.EndTime = &t
	}
	if durationMS.Valid {
		rec.DurationMS = &durationMS.Int64
	}
	if parentID.Valid {
		rec.ParentID = &parentID.Int64
	}
	if pid.Valid {
		p := int(pid.Int64)
		rec.PID = &p
	}
	if errStr.Valid {
		rec.Error = &errStr.String
	}
	if sessionID.Valid {
		rec.SessionID = &sessionID.String
	}
	return &rec, nil
}

func scanAgents(rows *sql.Rows) ([]*AgentRecord, error) {
	var out []*AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
