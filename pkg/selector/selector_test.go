package selector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemachine/pkg/authcache"
	"codemachine/pkg/engine"
	"codemachine/pkg/preset"
	"codemachine/pkg/ratelimitmgr"
)

type fakeAuth struct{ authed bool }

func (f fakeAuth) IsAuthenticated(ctx context.Context) (bool, error) { return f.authed, nil }
func (f fakeAuth) EnsureAuth(ctx context.Context) error              { return nil }
func (f fakeAuth) ClearAuth(ctx context.Context) error               { return nil }

type fakeModule struct {
	meta  engine.Metadata
	authd bool
}

func (m fakeModule) Metadata() engine.Metadata { return m.meta }
func (m fakeModule) Auth() engine.Auth         { return fakeAuth{authed: m.authd} }
func (m fakeModule) Run(ctx context.Context, opts engine.RunOptions) (engine.RunResult, error) {
	return engine.RunResult{}, nil
}

func newTestRegistry(authed map[string]bool) *engine.Registry {
	builtins := map[string]struct {
		Metadata engine.Metadata
		Loader   engine.Loader
	}{
		"a": {Metadata: engine.Metadata{ID: "a", Order: 1}, Loader: func() (engine.Module, error) {
			return fakeModule{meta: engine.Metadata{ID: "a", Order: 1}, authd: authed["a"]}, nil
		}},
		"b": {Metadata: engine.Metadata{ID: "b", Order: 2}, Loader: func() (engine.Module, error) {
			return fakeModule{meta: engine.Metadata{ID: "b", Order: 2}, authd: authed["b"]}, nil
		}},
	}
	return engine.NewRegistry(builtins)
}

func TestSelectEngine_ExplicitStepEngineAuthenticated(t *testing.T) {
	reg := newTestRegistry(map[string]bool{"a": true, "b": true})
	sel := New(reg, authcache.New(), preset.NewResolver(nil), ratelimitmgr.New(t.TempDir()), nil)

	id, err := sel.SelectEngine(Step{AgentID: "agent1", Engine: "b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", id)
}

func TestSelectEngine_FallsBackWhenExplicitUnauthenticated(t *testing.T) {
	reg := newTestRegistry(map[string]bool{"a": true, "b": false})
	sel := New(reg, authcache.New(), preset.NewResolver(nil), ratelimitmgr.New(t.TempDir()), nil)

	id, err := sel.SelectEngine(Step{AgentID: "agent1", Engine: "b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", id)
}

func TestSelectEngine_NoFallbackRaisesAuthRequired(t *testing.T) {
	reg := newTestRegistry(map[string]bool{"a": true, "b": false})
	sel := New(reg, authcache.New(), preset.NewResolver(nil), ratelimitmgr.New(t.TempDir()), nil)

	noFallback := false
	_, err := sel.SelectEngine(Step{AgentID: "agent1", Engine: "b"}, &Context{FallbackAllowed: &noFallback})
	require.Error(t, err)
}

func TestSelectEngine_EmptyStepEngineScansInOrder(t *testing.T) {
	reg := newTestRegistry(map[string]bool{"a": false, "b": true})
	sel := New(reg, authcache.New(), preset.NewResolver(nil), ratelimitmgr.New(t.TempDir()), nil)

	id, err := sel.SelectEngine(Step{AgentID: "agent1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", id)
}

func TestSelectEngine_NoneAuthenticatedFallsBackToRegistryDefault(t *testing.T) {
	reg := newTestRegistry(map[string]bool{"a": false, "b": false})
	sel := New(reg, authcache.New(), preset.NewResolver(nil), ratelimitmgr.New(t.TempDir()), nil)

	id, err := sel.SelectEngine(Step{AgentID: "agent1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", id) // lowest Order
}

func TestSelectEngine_PresetResolvedAndAuthenticatedWins(t *testing.T) {
	reg := newTestRegistry(map[string]bool{"a": true, "b": true})
	sel := New(reg, authcache.New(), preset.NewResolver(nil), ratelimitmgr.New(t.TempDir()), nil)

	ctx := &Context{Selection: &preset.SelectionContext{GlobalEngine: "b"}}
	id, err := sel.SelectEngine(Step{AgentID: "agent1"}, ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", id)
}

func TestSelectEngine_EmitsDecisionEvents(t *testing.T) {
	reg := newTestRegistry(map[string]bool{"a": true, "b": true})
	var events []DecisionEvent
	sel := New(reg, authcache.New(), preset.NewResolver(nil), ratelimitmgr.New(t.TempDir()), func(e DecisionEvent) {
		events = append(events, e)
	})

	_, err := sel.SelectEngine(Step{AgentID: "agent1", Engine: "a"}, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].Engine)
}
