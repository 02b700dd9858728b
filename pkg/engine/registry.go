// Package engine implements EngineRegistry: a lazy-loaded catalog of
// provider adapters keyed by a stable id, where concurrent callers share a
// single in-flight load per id.
package engine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"codemachine/pkg/agenterrors"
	"codemachine/pkg/logx"
)

// Metadata is static per-provider information.
type Metadata struct {
	ID             string
	DisplayName    string
	DefaultModel   string
	Order          int
	SupportsResume bool
}

// TelemetryFrame is a token/cost snapshot emitted mid-run by an adapter.
type TelemetryFrame struct {
	TokensIn            int64
	TokensOut           int64
	CachedTokens        *int64
	CacheCreationTokens *int64
	CacheReadTokens     *int64
	Cost                *float64
}

// RunOptions carries everything an adapter's Run needs, including the
// streaming callbacks the caller observes output and telemetry through.
type RunOptions struct {
	WorkDir     string
	Prompt      string
	Model       string
	SessionID   string
	Timeout     time.Duration
	Cancel      <-chan struct{}
	OnData      func(chunk []byte)
	OnErrorData func(chunk []byte)
	OnTelemetry func(frame TelemetryFrame)
	OnSessionID func(sessionID string)
}

// RunResult is what an adapter's Run returns on completion.
type RunResult struct {
	Stdout            string
	Stderr            string
	ExitCode          int
	IsRateLimitError  bool
	RateLimitResetsAt *time.Time
	RetryAfterSeconds *int
	SessionID         string
}

// Auth is the authentication contract every adapter exposes.
type Auth interface {
	IsAuthenticated(ctx context.Context) (bool, error)
	EnsureAuth(ctx context.Context) error
	ClearAuth(ctx context.Context) error
}

// Module is the full provider adapter contract.
type Module interface {
	Metadata() Metadata
	Auth() Auth
	Run(ctx context.Context, opts RunOptions) (RunResult, error)
}

// Loader constructs a Module on first use.
type Loader func() (Module, error)

type lazyEngine struct {
	metadata Metadata
	loader   Loader

	once   sync.Once
	module Module
	err    error
}

func (l *lazyEngine) load() (Module, error) {
	l.once.Do(func() {
		l.module, l.err = l.loader()
		if l.err == nil {
			if err := validateModule(l.module); err != nil {
				l.err = err
			}
		}
	})
	return l.module, l.err
}

func validateModule(m Module) error {
	if m == nil {
		return agenterrors.New("invalid-engine-module", "loader returned a nil module")
	}
	if m.Metadata().ID == "" {
		return agenterrors.New("invalid-engine-module", "module metadata has no id")
	}
	if m.Auth() == nil {
		return agenterrors.New("invalid-engine-module", "module has no auth contract")
	}
	return nil
}

const mockEngineEnvVar = "CODEMACHINE_ENABLE_MOCK_ENGINE"

// Registry holds the known engines, keyed by id.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*lazyEngine
	log     *logx.Logger
}

// NewRegistry builds a Registry from the hard-coded known-provider list
// plus the test-only mock provider, which only registers when
// CODEMACHINE_ENABLE_MOCK_ENGINE is set.
func NewRegistry(builtins map[string]struct {
	Metadata Metadata
	Loader   Loader
}) *Registry {
	r := &Registry{engines: make(map[string]*lazyEngine), log: logx.NewLogger("registry")}
	for id, b := range builtins {
		if id == "mock" {
			continue
		}
		r.engines[id] = &lazyEngine{metadata: b.Metadata, loader: b.Loader}
	}
	if os.Getenv(mockEngineEnvVar) != "" {
		if mb, ok := builtins["mock"]; ok {
			r.engines["mock"] = &lazyEngine{metadata: mb.Metadata, loader: mb.Loader}
		}
	}
	return r
}

// Register manually inserts a module (for testing). If the id already
// exists, it warns and skips rather than overwriting.
func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := m.Metadata().ID
	if _, exists := r.engines[id]; exists {
		r.log.Warn("engine %s already registered, skipping", id)
		return
	}
	le := &lazyEngine{metadata: m.Metadata(), loader: func() (Module, error) { return m, nil }}
	le.module = m
	le.once.Do(func() {}) // mark as already loaded
	r.engines[id] = le
}

// Has reports whether id is known, without triggering a load.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.engines[id]
	return ok
}

// GetAllIds returns every known id, without triggering a load.
func (r *Registry) GetAllIds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetAllMetadata returns metadata for every known engine, sorted by order,
// without triggering a load.
func (r *Registry) GetAllMetadata() []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.engines))
	for _, le := range r.engines {
		out = append(out, le.metadata)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// GetAsync loads (if needed, exactly once across concurrent callers) and
// returns the module for id.
func (r *Registry) GetAsync(id string) (Module, error) {
	r.mu.RLock()
	le, ok := r.engines[id]
	r.mu.RUnlock()
	if !ok {
		return nil, agenterrors.New(agenterrors.KindEngineNotFound, fmt.Sprintf("unknown engine %q", id)).WithEngine(id)
	}
	return le.load()
}

// GetAllAsync loads every known engine and returns the modules sorted by
// metadata.Order ascending.
func (r *Registry) GetAllAsync() ([]Module, error) {
	ids := r.GetAllIds()
	metas := r.GetAllMetadata()
	order := make(map[string]int, len(metas))
	for _, m := range metas {
		order[m.ID] = m.Order
	}

	modules := make([]Module, 0, len(ids))
	for _, id := range ids {
		m, err := r.GetAsync(id)
		if err != nil {
			return nil, err
		}
		modules = append(modules, m)
	}
	sort.Slice(modules, func(i, j int) bool {
		return modules[i].Metadata().Order < modules[j].Metadata().Order
	})
	return modules, nil
}

// GetDefaultAsync returns the lowest-order engine.
func (r *Registry) GetDefaultAsync() (Module, error) {
	modules, err := r.GetAllAsync()
	if err != nil {
		return nil, err
	}
	if len(modules) == 0 {
		return nil, agenterrors.New(agenterrors.KindEngineNotFound, "no engines registered")
	}
	return modules[0], nil
}
