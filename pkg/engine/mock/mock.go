// Package mock implements the test-only engine module gated behind
// CODEMACHINE_ENABLE_MOCK_ENGINE, used by integration and e2e tests to
// exercise the selector/fallback/runner pipeline without a live provider.
package mock

import (
	"context"
	"time"

	"codemachine/pkg/engine"
)

// Behavior scripts what a mock run does, for deterministic tests.
type Behavior struct {
	Authenticated     bool
	Chunks            []string
	Telemetry         []engine.TelemetryFrame
	SessionID         string
	IsRateLimitError  bool
	RateLimitResetsAt *time.Time
	RetryAfterSeconds *int
	Err               error
	ExitCode          int
}

// Module is a scriptable in-process stand-in for a real provider adapter.
type Module struct {
	meta     engine.Metadata
	behavior Behavior
}

// New returns a mock engine with the given id/order and scripted behavior.
func New(id string, order int, behavior Behavior) *Module {
	return &Module{
		meta: engine.Metadata{
			ID: id, DisplayName: "Mock " + id, DefaultModel: "mock-model",
			Order: order, SupportsResume: true,
		},
		behavior: behavior,
	}
}

func (m *Module) Metadata() engine.Metadata { return m.meta }
func (m *Module) Auth() engine.Auth         { return mockAuth{authenticated: m.behavior.Authenticated} }

func (m *Module) Run(ctx context.Context, opts engine.RunOptions) (engine.RunResult, error) {
	if m.behavior.Err != nil {
		return engine.RunResult{}, m.behavior.Err
	}

	for _, chunk := range m.behavior.Chunks {
		select {
		case <-ctx.Done():
			return engine.RunResult{}, ctx.Err()
		case <-opts.Cancel:
			return engine.RunResult{}, context.Canceled
		default:
		}
		if opts.OnData != nil {
			opts.OnData([]byte(chunk))
		}
	}
	for _, frame := range m.behavior.Telemetry {
		if opts.OnTelemetry != nil {
			opts.OnTelemetry(frame)
		}
	}
	if m.behavior.SessionID != "" && opts.OnSessionID != nil {
		opts.OnSessionID(m.behavior.SessionID)
	}

	if m.behavior.IsRateLimitError {
		return engine.RunResult{
			IsRateLimitError:  true,
			RateLimitResetsAt: m.behavior.RateLimitResetsAt,
			RetryAfterSeconds: m.behavior.RetryAfterSeconds,
		}, nil
	}

	stdout := ""
	for _, c := range m.behavior.Chunks {
		stdout += c
	}
	return engine.RunResult{Stdout: stdout, ExitCode: m.behavior.ExitCode, SessionID: m.behavior.SessionID}, nil
}

type mockAuth struct{ authenticated bool }

func (a mockAuth) IsAuthenticated(ctx context.Context) (bool, error) { return a.authenticated, nil }
func (a mockAuth) EnsureAuth(ctx context.Context) error              { return nil }
func (a mockAuth) ClearAuth(ctx context.Context) error               { return nil }
