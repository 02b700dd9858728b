// Package ratelimitmgr implements the durable per-engine cooldown tracker:
// a wall-clock "parked until a known time" signal, deliberately kept
// separate from the circuit breaker's "too broken right now" signal (the
// two are composed together in the fallback executor). Persisted through a
// create-and-rename write so a crash mid-write never leaves a torn file.
package ratelimitmgr

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codemachine/pkg/logx"
	"codemachine/pkg/metrics"
)

// Entry is one engine's durable cooldown record.
type Entry struct {
	EngineID          string     `json:"engineId"`
	RateLimitedAt     time.Time  `json:"rateLimitedAt"`
	ResetsAt          time.Time  `json:"resetsAt"`
	RetryAfterSeconds *int       `json:"retryAfterSeconds,omitempty"`
}

type fileFormat struct {
	Entries     []Entry   `json:"entries"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Manager owns rate-limits.json for one workspace.
type Manager struct {
	mu      sync.Mutex
	path    string
	entries map[string]Entry
	log     *logx.Logger
	rec     *metrics.Recorder
}

// New returns a Manager rooted at <workspaceRoot>/rate-limits.json. Call
// Initialize to perform the crash-recovery load.
func New(workspaceRoot string) *Manager {
	return &Manager{
		path:    filepath.Join(workspaceRoot, "rate-limits.json"),
		entries: make(map[string]Entry),
		log:     logx.NewLogger("ratelimitmgr"),
	}
}

// SetRecorder attaches rec so cooldown changes are reflected in the
// rate_limit_cooldown_seconds gauge. rec may be nil, which disables metrics.
func (m *Manager) SetRecorder(rec *metrics.Recorder) {
	m.mu.Lock()
	m.rec = rec
	m.mu.Unlock()
}

func (m *Manager) reportCooldown(engineID string, secondsRemaining float64) {
	m.mu.Lock()
	rec := m.rec
	m.mu.Unlock()
	if rec != nil {
		rec.SetRateLimitCooldown(engineID, secondsRemaining)
	}
}

// Initialize loads the persisted file (if any), dropping already-expired
// entries — the crash-recovery path.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		m.log.Warn("rate-limits.json is corrupted, starting fresh: %v", err)
		return nil
	}

	now := time.Now()
	for _, e := range ff.Entries {
		if e.ResetsAt.After(now) {
			m.entries[e.EngineID] = e
		}
	}
	return nil
}

// MarkRateLimited records engineID as unavailable until resetsAt (if
// given), else now+retryAfterSeconds, else a 60s default.
func (m *Manager) MarkRateLimited(engineID string, resetsAt *time.Time, retryAfterSeconds *int) error {
	now := time.Now()
	var reset time.Time
	switch {
	case resetsAt != nil:
		reset = *resetsAt
	case retryAfterSeconds != nil:
		reset = now.Add(time.Duration(*retryAfterSeconds) * time.Second)
	default:
		reset = now.Add(60 * time.Second)
	}

	m.mu.Lock()
	m.entries[engineID] = Entry{
		EngineID:          engineID,
		RateLimitedAt:     now,
		ResetsAt:          reset,
		RetryAfterSeconds: retryAfterSeconds,
	}
	m.mu.Unlock()

	m.reportCooldown(engineID, time.Until(reset).Seconds())
	return m.persist()
}

// IsEngineAvailable reports whether engineID may be tried now, purging an
// expired entry as a side effect.
func (m *Manager) IsEngineAvailable(engineID string) bool {
	m.mu.Lock()
	e, ok := m.entries[engineID]
	if !ok {
		m.mu.Unlock()
		return true
	}
	if !e.ResetsAt.After(time.Now()) {
		delete(m.entries, engineID)
		m.mu.Unlock()
		m.reportCooldown(engineID, 0)
		_ = m.persist()
		return true
	}
	m.mu.Unlock()
	m.reportCooldown(engineID, time.Until(e.ResetsAt).Seconds())
	return false
}

// GetTimeUntilAvailable returns the seconds remaining until engineID is
// available again (0 if already available).
func (m *Manager) GetTimeUntilAvailable(engineID string) float64 {
	m.mu.Lock()
	e, ok := m.entries[engineID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	remaining := time.Until(e.ResetsAt).Seconds()
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ClearRateLimit removes engineID's cooldown entirely.
func (m *Manager) ClearRateLimit(engineID string) error {
	m.mu.Lock()
	delete(m.entries, engineID)
	m.mu.Unlock()
	m.reportCooldown(engineID, 0)
	return m.persist()
}

// Cleanup purges every expired entry.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	now := time.Now()
	for id, e := range m.entries {
		if !e.ResetsAt.After(now) {
			delete(m.entries, id)
		}
	}
	m.mu.Unlock()
	return m.persist()
}

// persist writes the current entry map via create-and-rename, so a crash
// mid-write never leaves a torn rate-limits.json.
func (m *Manager) persist() error {
	m.mu.Lock()
	entries := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	ff := fileFormat{Entries: entries, LastUpdated: time.Now()}
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}
