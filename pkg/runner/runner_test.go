package runner

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemachine/pkg/authcache"
	"codemachine/pkg/engine"
	"codemachine/pkg/engine/mock"
	"codemachine/pkg/fallback"
	"codemachine/pkg/monitor"
	"codemachine/pkg/preset"
	"codemachine/pkg/ratelimitmgr"
	"codemachine/pkg/selector"
	"codemachine/pkg/store"
	"codemachine/pkg/toolparser"
)

func newTestRunner(t *testing.T, behavior mock.Behavior) (*Runner, *monitor.Monitor) {
	t.Helper()

	m := mock.New("primary", 1, behavior)
	builtins := map[string]struct {
		Metadata engine.Metadata
		Loader   engine.Loader
	}{
		"primary": {Metadata: m.Metadata(), Loader: func() (engine.Module, error) { return m, nil }},
	}
	reg := engine.NewRegistry(builtins)

	st, err := store.Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	mon := monitor.New(st, t.TempDir())

	sel := selector.New(reg, authcache.New(), preset.NewResolver(nil), ratelimitmgr.New(t.TempDir()), nil)
	fb := fallback.New(reg, authcache.New(), ratelimitmgr.New(t.TempDir()), nil, nil, nil)

	r := New(sel, fb, mon, reg, preset.NewResolver(nil), t.TempDir(), nil, nil, nil)
	return r, mon
}

func TestExecuteAgent_CompletesAndRecordsTelemetry(t *testing.T) {
	r, mon := newTestRunner(t, mock.Behavior{
		Authenticated: true,
		Chunks:        []string{"please help me write a test.", " done."},
		Telemetry:     []engine.TelemetryFrame{{TokensIn: 10, TokensOut: 5}},
		SessionID:     "sess-1",
	})

	res, err := r.ExecuteAgent(context.Background(), "agent1", "please help me write a test.", Options{WorkDir: t.TempDir()})
	require.NoError(t, err)
	require.NotNil(t, res)

	rec, err := mon.GetAgent(context.Background(), res.MonitoringID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rec.Status)
	require.NotNil(t, rec.SessionID)
	assert.Equal(t, "sess-1", *rec.SessionID)
}

func TestExecuteAgent_FailsRecordOnError(t *testing.T) {
	r, mon := newTestRunner(t, mock.Behavior{Authenticated: true, Err: assertError{"boom"}})

	res, err := r.ExecuteAgent(context.Background(), "agent1", "do something", Options{WorkDir: t.TempDir()})
	require.Error(t, err)
	require.Nil(t, res)

	all, err := mon.GetAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, store.StatusFailed, all[0].Status)
}

func TestExecuteAgent_InvokesGoalAndContextCallbacks(t *testing.T) {
	r, _ := newTestRunner(t, mock.Behavior{
		Authenticated: true,
		Chunks:        []string{`please implement the login flow. <invoke name="Read"><parameter name="file_path">/a.go</parameter></invoke>`},
	})

	var goal string
	var gotContext toolparser.Context
	_, err := r.ExecuteAgent(context.Background(), "agent1", "please implement the login flow.", Options{
		WorkDir: t.TempDir(),
		OnGoal:  func(g string) { goal = g },
		OnContext: func(c toolparser.Context) {
			gotContext = c
		},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, goal)
	assert.Equal(t, "/a.go", gotContext.CurrentFile)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
