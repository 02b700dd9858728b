package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAndGetAgent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertAgent(ctx, &AgentRecord{
		Name:      "coder",
		Status:    StatusRunning,
		StartTime: time.Now(),
		Prompt:    "implement the thing",
		EngineID:  "anthropic-claude",
		Model:     "claude-opus",
	})
	require.NoError(t, err)
	require.Positive(t, id)

	got, err := s.GetAgent(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "coder", got.Name)
	require.Equal(t, StatusRunning, got.Status)
	require.Nil(t, got.EndTime)
}

func TestUpdateAgentAndTelemetryIsAtomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertAgent(ctx, &AgentRecord{Name: "a", Status: StatusRunning, StartTime: time.Now(), Prompt: "p"})
	require.NoError(t, err)

	endTime := time.Now()
	duration := int64(1500)
	rec := &AgentRecord{ID: id, Status: StatusCompleted, EndTime: &endTime, DurationMS: &duration}
	tel := &Telemetry{AgentID: id, TokensIn: 100, TokensOut: 50}

	require.NoError(t, s.UpdateAgentAndTelemetry(ctx, rec, tel))

	got, err := s.GetAgent(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.EndTime)
}

func TestUpsertTelemetryIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertAgent(ctx, &AgentRecord{Name: "a", Status: StatusRunning, StartTime: time.Now(), Prompt: "p"})
	require.NoError(t, err)

	require.NoError(t, s.UpsertTelemetry(ctx, &Telemetry{AgentID: id, TokensIn: 10, TokensOut: 5}))
	require.NoError(t, s.UpsertTelemetry(ctx, &Telemetry{AgentID: id, TokensIn: 30, TokensOut: 20}))

	rows, err := s.db.QueryContext(ctx, `SELECT tokens_in, tokens_out FROM telemetry WHERE agent_id=?`, id)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	var in, out int64
	require.NoError(t, rows.Scan(&in, &out))
	require.Equal(t, int64(30), in)
	require.Equal(t, int64(20), out)
}

func TestBuildAgentTreeReconstructsForest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rootID, err := s.InsertAgent(ctx, &AgentRecord{Name: "root", Status: StatusRunning, StartTime: time.Now(), Prompt: "p"})
	require.NoError(t, err)
	childID, err := s.InsertAgent(ctx, &AgentRecord{Name: "child", Status: StatusRunning, StartTime: time.Now(), Prompt: "p", ParentID: &rootID})
	require.NoError(t, err)

	tree, err := s.BuildAgentTree(ctx)
	require.NoError(t, err)
	require.Len(t, tree, 1)
	require.Equal(t, rootID, tree[0].Record.ID)
	require.Len(t, tree[0].Children, 1)
	require.Equal(t, childID, tree[0].Children[0].Record.ID)
}

func TestClearDescendantsKeepsRoot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rootID, err := s.InsertAgent(ctx, &AgentRecord{Name: "root", Status: StatusRunning, StartTime: time.Now(), Prompt: "p"})
	require.NoError(t, err)
	_, err = s.InsertAgent(ctx, &AgentRecord{Name: "child", Status: StatusRunning, StartTime: time.Now(), Prompt: "p", ParentID: &rootID})
	require.NoError(t, err)

	require.NoError(t, s.ClearDescendants(ctx, rootID))

	children, err := s.GetChildren(ctx, rootID)
	require.NoError(t, err)
	require.Empty(t, children)

	root, err := s.GetAgent(ctx, rootID)
	require.NoError(t, err)
	require.NotNil(t, root)
}

func TestClearAllDeletesTelemetryFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertAgent(ctx, &AgentRecord{Name: "a", Status: StatusRunning, StartTime: time.Now(), Prompt: "p"})
	require.NoError(t, err)
	require.NoError(t, s.UpsertTelemetry(ctx, &Telemetry{AgentID: id, TokensIn: 1, TokensOut: 1}))

	require.NoError(t, s.ClearAll(ctx))

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	require.Empty(t, all)
}
