package session

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polybugger/polybugger-mcp/internal/adapters"
	"github.com/polybugger/polybugger-mcp/internal/config"
	"github.com/polybugger/polybugger-mcp/internal/errors"
	"github.com/polybugger/polybugger-mcp/pkg/types"
)

func newTestRegistry(t *testing.T, maxSessions int) *Registry {
	t.Helper()
	profiles := adapters.NewRegistry(config.Default())
	r := NewRegistry(profiles, maxSessions, time.Hour, logr.Discard())
	t.Cleanup(r.Close)
	return r
}

func TestRegistryCreateAndGet(t *testing.T) {
	r := newTestRegistry(t, 10)

	s, err := r.Create(CreateOptions{Language: types.LanguagePython, ProjectRoot: t.TempDir()})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, types.StateCreated, s.State())

	got, err := r.Get(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)
}

func TestRegistryGetUnknownIsNotFound(t *testing.T) {
	r := newTestRegistry(t, 10)
	_, err := r.Get("nope")
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestRegistryCapacity(t *testing.T) {
	r := newTestRegistry(t, 2)

	_, err := r.Create(CreateOptions{Language: types.LanguagePython, ProjectRoot: t.TempDir()})
	require.NoError(t, err)
	_, err = r.Create(CreateOptions{Language: types.LanguageGo, ProjectRoot: t.TempDir()})
	require.NoError(t, err)

	_, err = r.Create(CreateOptions{Language: types.LanguagePython, ProjectRoot: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, errors.KindCapacityExceeded, errors.KindOf(err))
	assert.Len(t, r.List(), 2)
}

func TestRegistryTerminatedSessionsFreeCapacity(t *testing.T) {
	r := newTestRegistry(t, 1)

	s, err := r.Create(CreateOptions{Language: types.LanguagePython, ProjectRoot: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, s.Terminate())

	_, err = r.Create(CreateOptions{Language: types.LanguagePython, ProjectRoot: t.TempDir()})
	assert.NoError(t, err)
}

func TestRegistryUnsupportedLanguage(t *testing.T) {
	r := newTestRegistry(t, 10)
	_, err := r.Create(CreateOptions{Language: "cobol", ProjectRoot: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.KindOf(err))
}

func TestRegistryRemove(t *testing.T) {
	r := newTestRegistry(t, 10)
	s, err := r.Create(CreateOptions{Language: types.LanguagePython, ProjectRoot: t.TempDir()})
	require.NoError(t, err)

	var removed string
	r.SetRemoveHandler(func(id string) { removed = id })

	require.NoError(t, r.Remove(s.ID()))
	assert.Equal(t, s.ID(), removed)
	assert.Equal(t, types.StateTerminated, s.State())

	_, err = r.Get(s.ID())
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestRegistryRecoverRestoresIntent(t *testing.T) {
	r := newTestRegistry(t, 10)

	bps := map[string][]types.SourceBreakpoint{
		"/tmp/p/s.py": {{Line: 3}, {Line: 7, Condition: "x > 0"}},
	}
	s, err := r.Recover("recovered-id", CreateOptions{
		Language:    types.LanguagePython,
		ProjectRoot: "/tmp/p",
	}, bps, []string{"x+1"})
	require.NoError(t, err)

	assert.Equal(t, "recovered-id", s.ID())
	assert.Equal(t, types.StateCreated, s.State())

	table := s.Breakpoints()
	require.Len(t, table["/tmp/p/s.py"], 2)
	assert.Equal(t, "x > 0", table["/tmp/p/s.py"][1].Condition)

	watches := s.WatchList()
	require.Len(t, watches, 1)
	assert.Equal(t, "x+1", watches[0].Expression)
}

func TestRegistryRecoverDuplicateRejected(t *testing.T) {
	r := newTestRegistry(t, 10)
	_, err := r.Recover("dup", CreateOptions{Language: types.LanguagePython, ProjectRoot: "/tmp/p"}, nil, nil)
	require.NoError(t, err)

	_, err = r.Recover("dup", CreateOptions{Language: types.LanguagePython, ProjectRoot: "/tmp/p"}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.KindOf(err))
}

func TestRegistrySweepTerminatesIdleSessions(t *testing.T) {
	profiles := adapters.NewRegistry(config.Default())
	r := NewRegistry(profiles, 10, 10*time.Millisecond, logr.Discard())
	t.Cleanup(r.Close)

	s, err := r.Create(CreateOptions{Language: types.LanguagePython, ProjectRoot: t.TempDir()})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	r.sweep()

	_, err = r.Get(s.ID())
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
	assert.Equal(t, types.StateTerminated, s.State())
}
