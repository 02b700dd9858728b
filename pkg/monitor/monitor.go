// Package monitor implements AgentMonitor: the sole owner of AgentRecord
// mutations, enforcing the status state machine on top of an injected
// store.Store handle.
package monitor

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"codemachine/pkg/logx"
	"codemachine/pkg/ratelimitmgr"
	"codemachine/pkg/store"
)

// RegisterInput is what the caller supplies to register a new agent.
type RegisterInput struct {
	Name     string
	ParentID *int64
	Prompt   string
	EngineID string
	Model    string
	PID      *int
}

// Monitor owns AgentRecord mutations for one workspace's store.
type Monitor struct {
	store   *store.Store
	logsDir string
	log     *logx.Logger
}

// New returns a Monitor over store, rooted at logsDir for default log paths.
func New(st *store.Store, logsDir string) *Monitor {
	return &Monitor{store: st, logsDir: logsDir, log: logx.NewLogger("monitor")}
}

// legalTransitions enumerates the state machine from §4.10: running is the
// only non-absorbing non-terminal besides paused, and every terminal state
// is absorbing.
var legalTransitions = map[store.Status]map[store.Status]bool{
	store.StatusRunning: {
		store.StatusPaused:    true,
		store.StatusCompleted: true,
		store.StatusFailed:    true,
		store.StatusSkipped:   true,
	},
	store.StatusPaused: {
		store.StatusRunning:   true,
		store.StatusCompleted: true,
		store.StatusFailed:    true,
		store.StatusSkipped:   true,
	},
}

func (m *Monitor) checkTransition(from, to store.Status) bool {
	allowed, ok := legalTransitions[from]
	if !ok {
		// from is a terminal (absorbing) state.
		return false
	}
	return allowed[to]
}

func defaultLogPath(logsDir string, id int64, name string) string {
	ts := time.Now().UTC().Format("20060102T150405Z")
	return filepath.Join(logsDir, fmt.Sprintf("agent-%d-%s-%s.log", id, name, ts))
}

// Register inserts a new row (status=running), computes a default logPath
// when omitted, and returns the assigned id.
func (m *Monitor) Register(ctx context.Context, input RegisterInput, logPath string) (int64, error) {
	rec := &store.AgentRecord{
		Name:      input.Name,
		Status:    store.StatusRunning,
		ParentID:  input.ParentID,
		PID:       input.PID,
		StartTime: time.Now(),
		Prompt:    ratelimitmgr.TruncatePrompt(input.Prompt),
		EngineID:  input.EngineID,
		Model:     input.Model,
	}
	id, err := m.store.InsertAgent(ctx, rec)
	if err != nil {
		return 0, err
	}
	if logPath == "" {
		logPath = defaultLogPath(m.logsDir, id, input.Name)
	}
	rec.ID = id
	rec.LogPath = logPath
	if err := m.store.UpdateAgentFields(ctx, rec); err != nil {
		return 0, err
	}
	return id, nil
}

func (m *Monitor) transitionOnly(ctx context.Context, id int64, to store.Status, terminal bool) error {
	rec, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("monitor: agent %d not found", id)
	}
	if !m.checkTransition(rec.Status, to) {
		m.log.Warn("illegal transition for agent %d: %s -> %s", id, rec.Status, to)
		return nil
	}
	rec.Status = to
	if terminal {
		now := time.Now()
		rec.EndTime = &now
		if !rec.StartTime.IsZero() {
			ms := now.Sub(rec.StartTime).Milliseconds()
			rec.DurationMS = &ms
		}
	} else {
		rec.EndTime = nil
		rec.DurationMS = nil
	}
	return m.store.UpdateAgentFields(ctx, rec)
}

// MarkRunning transitions to running (from paused, or a resume).
func (m *Monitor) MarkRunning(ctx context.Context, id int64) error {
	return m.transitionOnly(ctx, id, store.StatusRunning, false)
}

// MarkPaused transitions to paused.
func (m *Monitor) MarkPaused(ctx context.Context, id int64) error {
	return m.transitionOnly(ctx, id, store.StatusPaused, false)
}

// MarkSkipped transitions to the terminal skipped state.
func (m *Monitor) MarkSkipped(ctx context.Context, id int64) error {
	return m.transitionOnly(ctx, id, store.StatusSkipped, true)
}

// Complete transitions to completed, optionally upserting telemetry.
func (m *Monitor) Complete(ctx context.Context, id int64, tel *store.Telemetry) error {
	rec, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("monitor: agent %d not found", id)
	}
	if !m.checkTransition(rec.Status, store.StatusCompleted) {
		m.log.Warn("illegal transition for agent %d: %s -> completed", id, rec.Status)
		return nil
	}
	now := time.Now()
	rec.Status = store.StatusCompleted
	rec.EndTime = &now
	if !rec.StartTime.IsZero() {
		ms := now.Sub(rec.StartTime).Milliseconds()
		rec.DurationMS = &ms
	}
	if tel != nil {
		tel.AgentID = id
	}
	return m.store.UpdateAgentAndTelemetry(ctx, rec, tel)
}

// Fail transitions to failed, recording errMsg. It never overwrites
// existing telemetry.
func (m *Monitor) Fail(ctx context.Context, id int64, errMsg string) error {
	rec, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("monitor: agent %d not found", id)
	}
	if !m.checkTransition(rec.Status, store.StatusFailed) {
		m.log.Warn("illegal transition for agent %d: %s -> failed", id, rec.Status)
		return nil
	}
	now := time.Now()
	rec.Status = store.StatusFailed
	rec.EndTime = &now
	rec.Error = &errMsg
	if !rec.StartTime.IsZero() {
		ms := now.Sub(rec.StartTime).Milliseconds()
		rec.DurationMS = &ms
	}
	return m.store.UpdateAgentFields(ctx, rec)
}

// UpdateTelemetry upserts telemetry for id without touching status.
func (m *Monitor) UpdateTelemetry(ctx context.Context, id int64, tel store.Telemetry) error {
	tel.AgentID = id
	return m.store.UpsertTelemetry(ctx, &tel)
}

// SetSessionID records a provider session id for a resumable engine.
func (m *Monitor) SetSessionID(ctx context.Context, id int64, sessionID string) error {
	rec, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("monitor: agent %d not found", id)
	}
	rec.SessionID = &sessionID
	return m.store.UpdateAgentFields(ctx, rec)
}

func (m *Monitor) GetAgent(ctx context.Context, id int64) (*store.AgentRecord, error) {
	return m.store.GetAgent(ctx, id)
}

func (m *Monitor) GetAll(ctx context.Context) ([]*store.AgentRecord, error) {
	return m.store.GetAll(ctx)
}

func (m *Monitor) GetChildren(ctx context.Context, parentID int64) ([]*store.AgentRecord, error) {
	return m.store.GetChildren(ctx, parentID)
}

func (m *Monitor) GetRootAgents(ctx context.Context) ([]*store.AgentRecord, error) {
	return m.store.GetRootAgents(ctx)
}

func (m *Monitor) BuildAgentTree(ctx context.Context) ([]*store.AgentNode, error) {
	return m.store.BuildAgentTree(ctx)
}

func (m *Monitor) GetFullSubtree(ctx context.Context, id int64) ([]*store.AgentRecord, error) {
	return m.store.GetFullSubtree(ctx, id)
}

func (m *Monitor) ClearDescendants(ctx context.Context, id int64) error {
	return m.store.ClearDescendants(ctx, id)
}

func (m *Monitor) ClearAll(ctx context.Context) error {
	return m.store.ClearAll(ctx)
}

func (m *Monitor) GetAgentsByRoot(ctx context.Context) (map[int64][]*store.AgentRecord, error) {
	return m.store.GetAgentsByRoot(ctx)
}

// singleton support for legacy callers; new code constructs a Monitor
// explicitly with an injected store instead.
var shared *Monitor

// SetShared installs the package-level singleton instance.
func SetShared(m *Monitor) { shared = m }

// Shared returns the package-level singleton, or nil if none was installed.
func Shared() *Monitor { return shared }
