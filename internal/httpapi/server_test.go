package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polybugger/polybugger-mcp/internal/broker"
	"github.com/polybugger/polybugger-mcp/internal/config"
)

func newTestServer(t *testing.T, maxSessions int) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.MaxSessions = maxSessions
	cfg.SessionTimeout = time.Hour

	b, err := broker.New(cfg, logr.Discard())
	require.NoError(t, err)
	t.Cleanup(b.Close)

	srv := New(b, "127.0.0.1:0", logr.Discard())
	ts := httptest.NewServer(srv.http.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func createSession(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	resp := postJSON(t, ts.URL+"/sessions", map[string]any{
		"language":     "py",
		"project_root": "/tmp/p",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	return body["session_id"].(string)
}

func TestCreateListGetSession(t *testing.T) {
	ts := newTestServer(t, 10)
	id := createSession(t, ts)

	resp, err := http.Get(ts.URL + "/sessions")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody(t, resp)
	assert.Equal(t, float64(1), list["total"])

	resp, err = http.Get(ts.URL + "/sessions/" + id)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody(t, resp)
	assert.Equal(t, "created", got["state"])
}

func TestUnknownSessionIs404(t *testing.T) {
	ts := newTestServer(t, 10)
	resp, err := http.Get(ts.URL + "/sessions/ghost")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "NOT_FOUND", body["kind"])
}

func TestStateMismatchIs409(t *testing.T) {
	ts := newTestServer(t, 10)
	id := createSession(t, ts)

	// Pause before launch: FailedPrecondition.
	resp := postJSON(t, ts.URL+"/sessions/"+id+"/pause", map[string]any{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "FAILED_PRECONDITION", body["kind"])
}

func TestInvalidArgumentIs400(t *testing.T) {
	ts := newTestServer(t, 10)
	resp := postJSON(t, ts.URL+"/sessions", map[string]any{"language": "py"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "INVALID_ARGUMENT", body["kind"])
}

func TestCapacityExceededIs429(t *testing.T) {
	ts := newTestServer(t, 1)
	createSession(t, ts)

	resp := postJSON(t, ts.URL+"/sessions", map[string]any{
		"language":     "py",
		"project_root": "/tmp/q",
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestBreakpointRoutes(t *testing.T) {
	ts := newTestServer(t, 10)
	id := createSession(t, ts)

	resp := postJSON(t, ts.URL+"/sessions/"+id+"/breakpoints", map[string]any{
		"file_path":   "/tmp/p/s.py",
		"breakpoints": []map[string]any{{"line": 3}, {"line": 9, "condition": "x > 0"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp)

	resp, err := http.Get(ts.URL + "/sessions/" + id + "/breakpoints")
	require.NoError(t, err)
	body := decodeBody(t, resp)
	files := body["files"].(map[string]any)
	require.Contains(t, files, "/tmp/p/s.py")

	resp = postJSON(t, ts.URL+"/sessions/"+id+"/breakpoints/clear", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cleared := decodeBody(t, resp)
	assert.Equal(t, float64(2), cleared["removed"])
}

func TestTerminateRoute(t *testing.T) {
	ts := newTestServer(t, 10)
	id := createSession(t, ts)

	resp := postJSON(t, ts.URL+"/sessions/"+id+"/terminate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Idempotent.
	resp = postJSON(t, ts.URL+"/sessions/"+id+"/terminate", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWatchRoutes(t *testing.T) {
	ts := newTestServer(t, 10)
	id := createSession(t, ts)

	resp := postJSON(t, ts.URL+"/sessions/"+id+"/watch_add", map[string]any{"expression": "x+1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	added := decodeBody(t, resp)
	watch := added["watch"].(map[string]any)

	resp, err := http.Get(ts.URL + "/sessions/" + id + "/watches")
	require.NoError(t, err)
	list := decodeBody(t, resp)
	assert.Len(t, list["watches"], 1)

	resp = postJSON(t, ts.URL+"/sessions/"+id+"/watch_remove", map[string]any{"watch_id": watch["id"]})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPollEventsRoute(t *testing.T) {
	ts := newTestServer(t, 10)
	id := createSession(t, ts)

	resp := postJSON(t, ts.URL+"/sessions/"+id+"/events", map[string]any{"wait_ms": 0})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "created", body["session_state"])
}
