package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemachine/pkg/agenterrors"
)

type fakeAuth struct{}

func (fakeAuth) IsAuthenticated(ctx context.Context) (bool, error) { return true, nil }
func (fakeAuth) EnsureAuth(ctx context.Context) error              { return nil }
func (fakeAuth) ClearAuth(ctx context.Context) error               { return nil }

type fakeModule struct {
	meta Metadata
}

func (f fakeModule) Metadata() Metadata { return f.meta }
func (f fakeModule) Auth() Auth         { return fakeAuth{} }
func (f fakeModule) Run(ctx context.Context, opts RunOptions) (RunResult, error) {
	return RunResult{Stdout: "ok", ExitCode: 0}, nil
}

func builtinsFixture(loadCount *int32) map[string]struct {
	Metadata Metadata
	Loader   Loader
} {
	return map[string]struct {
		Metadata Metadata
		Loader   Loader
	}{
		"a": {
			Metadata: Metadata{ID: "a", Order: 1},
			Loader: func() (Module, error) {
				if loadCount != nil {
					atomic.AddInt32(loadCount, 1)
				}
				return fakeModule{meta: Metadata{ID: "a", Order: 1}}, nil
			},
		},
		"b": {
			Metadata: Metadata{ID: "b", Order: 2},
			Loader:   func() (Module, error) { return fakeModule{meta: Metadata{ID: "b", Order: 2}}, nil },
		},
	}
}

func TestGetAsyncLoadsExactlyOnceConcurrently(t *testing.T) {
	var loadCount int32
	r := NewRegistry(builtinsFixture(&loadCount))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := r.GetAsync("a")
			assert.NoError(t, err)
			assert.Equal(t, "a", m.Metadata().ID)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&loadCount))
}

func TestGetAllAsyncSortsByOrder(t *testing.T) {
	r := NewRegistry(builtinsFixture(nil))
	modules, err := r.GetAllAsync()
	require.NoError(t, err)
	require.Len(t, modules, 2)
	assert.Equal(t, "a", modules[0].Metadata().ID)
	assert.Equal(t, "b", modules[1].Metadata().ID)
}

func TestGetDefaultAsyncReturnsLowestOrder(t *testing.T) {
	r := NewRegistry(builtinsFixture(nil))
	m, err := r.GetDefaultAsync()
	require.NoError(t, err)
	assert.Equal(t, "a", m.Metadata().ID)
}

func TestGetAsyncUnknownIDFailsEngineNotFound(t *testing.T) {
	r := NewRegistry(builtinsFixture(nil))
	_, err := r.GetAsync("nope")
	require.Error(t, err)
	kind, ok := agenterrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, agenterrors.KindEngineNotFound, kind)
}

func TestRegisterSkipsDuplicateID(t *testing.T) {
	r := NewRegistry(builtinsFixture(nil))
	r.Register(fakeModule{meta: Metadata{ID: "a", Order: 99}})

	m, err := r.GetAsync("a")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Metadata().Order) // original registration wins
}

func TestMockEngineOnlyRegisteredWhenEnvSet(t *testing.T) {
	builtins := builtinsFixture(nil)
	builtins["mock"] = struct {
		Metadata Metadata
		Loader   Loader
	}{
		Metadata: Metadata{ID: "mock", Order: 99},
		Loader:   func() (Module, error) { return fakeModule{meta: Metadata{ID: "mock"}}, nil },
	}

	r := NewRegistry(builtins)
	assert.False(t, r.Has("mock"))

	t.Setenv("CODEMACHINE_ENABLE_MOCK_ENGINE", "1")
	r2 := NewRegistry(builtins)
	assert.True(t, r2.Has("mock"))
}

func TestGetAllIdsAndMetadataDoNotTriggerLoad(t *testing.T) {
	var loadCount int32
	r := NewRegistry(builtinsFixture(&loadCount))

	ids := r.GetAllIds()
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	metas := r.GetAllMetadata()
	assert.Len(t, metas, 2)

	assert.EqualValues(t, 0, atomic.LoadInt32(&loadCount))
}
