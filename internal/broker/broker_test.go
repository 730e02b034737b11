package broker

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polybugger/polybugger-mcp/internal/config"
	"github.com/polybugger/polybugger-mcp/internal/errors"
	"github.com/polybugger/polybugger-mcp/pkg/types"
)

func newTestBroker(t *testing.T, maxSessions int) *Broker {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.MaxSessions = maxSessions
	cfg.SessionTimeout = time.Hour

	b, err := New(cfg, logr.Discard())
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestCreateAndListSessions(t *testing.T) {
	b := newTestBroker(t, 10)

	created, err := b.CreateSession(types.LanguagePython, "/tmp/p", "demo", "")
	require.NoError(t, err)
	id := created["session_id"].(string)
	assert.NotEmpty(t, id)
	assert.Equal(t, "created", created["state"])

	list := b.ListSessions()
	assert.Equal(t, 1, list["total"])

	got, err := b.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, "demo", got["name"])
}

func TestCreateRequiresProjectRoot(t *testing.T) {
	b := newTestBroker(t, 10)
	_, err := b.CreateSession(types.LanguagePython, "", "", "")
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidArgument, errors.KindOf(err))
}

func TestCapacityExceededOnThirdCreate(t *testing.T) {
	b := newTestBroker(t, 2)

	_, err := b.CreateSession(types.LanguagePython, "/tmp/a", "", "")
	require.NoError(t, err)
	_, err = b.CreateSession(types.LanguageGo, "/tmp/b", "", "")
	require.NoError(t, err)

	_, err = b.CreateSession(types.LanguagePython, "/tmp/c", "", "")
	require.Error(t, err)
	assert.Equal(t, errors.KindCapacityExceeded, errors.KindOf(err))

	list := b.ListSessions()
	assert.Equal(t, 2, list["total"])
}

func TestTerminateIsIdempotent(t *testing.T) {
	b := newTestBroker(t, 10)
	created, err := b.CreateSession(types.LanguagePython, "/tmp/p", "", "")
	require.NoError(t, err)
	id := created["session_id"].(string)

	first, err := b.TerminateSession(id)
	require.NoError(t, err)
	assert.Equal(t, "terminated", first["status"])

	second, err := b.TerminateSession(id)
	require.NoError(t, err)
	assert.Equal(t, "terminated", second["status"])

	got, err := b.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, "terminated", got["state"])
}

func TestBreakpointsPersistAcrossRestart(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.MaxSessions = 10
	cfg.SessionTimeout = time.Hour

	first, err := New(cfg, logr.Discard())
	require.NoError(t, err)

	createdA, err := first.CreateSession(types.LanguagePython, "/tmp/a", "a", "")
	require.NoError(t, err)
	createdB, err := first.CreateSession(types.LanguagePython, "/tmp/b", "b", "")
	require.NoError(t, err)
	idA := createdA["session_id"].(string)
	idB := createdB["session_id"].(string)

	_, err = first.SetBreakpoints(idA, "/tmp/a/s.py", []types.SourceBreakpoint{{Line: 3}})
	require.NoError(t, err)
	_, err = first.SetBreakpoints(idB, "/tmp/b/t.py", []types.SourceBreakpoint{{Line: 7, Condition: "n > 2"}})
	require.NoError(t, err)

	// Simulated crash: no Terminate, no Close cleanup of files. A fresh
	// broker over the same data directory re-announces both sessions.
	second, err := New(cfg, logr.Discard())
	require.NoError(t, err)
	defer second.Close()

	recoverable := second.ListRecoverable()
	assert.Equal(t, 2, recoverable["total"])

	recovered, err := second.RecoverSession(idA)
	require.NoError(t, err)
	assert.Equal(t, "created", recovered["state"])
	assert.Equal(t, 1, recovered["breakpoints_restored"])

	bps, err := second.GetBreakpoints(idA)
	require.NoError(t, err)
	files := bps["files"].(map[string][]types.SourceBreakpoint)
	require.Len(t, files["/tmp/a/s.py"], 1)
	assert.Equal(t, 3, files["/tmp/a/s.py"][0].Line)

	first.Close()
}

func TestRecoverUnknownSessionIsNotFound(t *testing.T) {
	b := newTestBroker(t, 10)
	_, err := b.RecoverSession("ghost")
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestWatchLifecycleViaBroker(t *testing.T) {
	b := newTestBroker(t, 10)
	created, err := b.CreateSession(types.LanguagePython, "/tmp/p", "", "")
	require.NoError(t, err)
	id := created["session_id"].(string)

	added, err := b.WatchAdd(id, "x+1")
	require.NoError(t, err)
	w := added["watch"].(*types.Watch)
	assert.Equal(t, "x+1", w.Expression)

	list, err := b.WatchList(id)
	require.NoError(t, err)
	watches := list["watches"].([]types.Watch)
	require.Len(t, watches, 1)

	_, err = b.WatchRemove(id, w.ID)
	require.NoError(t, err)
}

func TestOperationsOnUnknownSession(t *testing.T) {
	b := newTestBroker(t, 10)
	_, err := b.Continue("nope", 0)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
	_, err = b.StackTrace("nope", 1, 0, 10)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
	_, err = b.PollEvents("nope", 0, 0, 0)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestListLanguages(t *testing.T) {
	b := newTestBroker(t, 10)
	langs := b.ListLanguages()
	assert.ElementsMatch(t, []string{"py", "js", "go", "rust", "native"}, langs["languages"].([]string))
}
