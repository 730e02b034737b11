// Package httpapi is the HTTP companion to the tool surface: one path
// per operation, JSON in and out, plus a websocket event stream.
//
// Status codes: 200 success, 400 invalid argument, 404 unknown session,
// 408 timeout, 409 state mismatch, 429 capacity exceeded, 500 adapter
// error with a {kind, command, message} body.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/polybugger/polybugger-mcp/internal/broker"
	"github.com/polybugger/polybugger-mcp/internal/errors"
	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// Server serves the HTTP front end over a broker.
type Server struct {
	broker *broker.Broker
	log    logr.Logger
	http   *http.Server

	upgrader websocket.Upgrader
}

// New builds the HTTP server bound to addr.
func New(b *broker.Broker, addr string, log logr.Logger) *Server {
	s := &Server{
		broker: b,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /languages", s.handleLanguages)
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/terminate", s.handleTerminate)
	mux.HandleFunc("POST /sessions/{id}/breakpoints", s.handleSetBreakpoints)
	mux.HandleFunc("GET /sessions/{id}/breakpoints", s.handleGetBreakpoints)
	mux.HandleFunc("POST /sessions/{id}/breakpoints/clear", s.handleClearBreakpoints)
	mux.HandleFunc("POST /sessions/{id}/launch", s.handleLaunch)
	mux.HandleFunc("POST /sessions/{id}/attach", s.handleAttach)
	mux.HandleFunc("POST /sessions/{id}/continue", s.handleContinue)
	mux.HandleFunc("POST /sessions/{id}/step", s.handleStep)
	mux.HandleFunc("POST /sessions/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /sessions/{id}/stacktrace", s.handleStackTrace)
	mux.HandleFunc("POST /sessions/{id}/scopes", s.handleScopes)
	mux.HandleFunc("POST /sessions/{id}/variables", s.handleVariables)
	mux.HandleFunc("POST /sessions/{id}/evaluate", s.handleEvaluate)
	mux.HandleFunc("POST /sessions/{id}/inspect", s.handleInspect)
	mux.HandleFunc("POST /sessions/{id}/callchain", s.handleCallChain)
	mux.HandleFunc("POST /sessions/{id}/watch_add", s.handleWatchAdd)
	mux.HandleFunc("POST /sessions/{id}/watch_remove", s.handleWatchRemove)
	mux.HandleFunc("GET /sessions/{id}/watches", s.handleWatchList)
	mux.HandleFunc("POST /sessions/{id}/watch_eval", s.handleWatchEval)
	mux.HandleFunc("POST /sessions/{id}/events", s.handlePollEvents)
	mux.HandleFunc("GET /sessions/{id}/events/stream", s.handleEventStream)
	mux.HandleFunc("POST /sessions/{id}/output", s.handleGetOutput)
	mux.HandleFunc("POST /sessions/{id}/container/attach", s.handleContainerAttach)
	mux.HandleFunc("POST /sessions/{id}/container/launch", s.handleContainerLaunch)
	mux.HandleFunc("POST /sessions/{id}/recover", s.handleRecover)
	mux.HandleFunc("POST /processes", s.handleListProcesses)
	mux.HandleFunc("GET /recoverable", s.handleListRecoverable)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("http surface listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch errors.KindOf(err) {
	case errors.KindInvalidArgument:
		return http.StatusBadRequest
	case errors.KindNotFound, errors.KindContainerNotFound:
		return http.StatusNotFound
	case errors.KindFailedPrecondition:
		return http.StatusConflict
	case errors.KindTimeout:
		return http.StatusRequestTimeout
	case errors.KindCapacityExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	e := errors.FromError(err)
	body := map[string]any{
		"kind":    string(e.Kind),
		"message": e.Message,
	}
	if e.SessionID != "" {
		body["session_id"] = e.SessionID
	}
	if e.Command != "" {
		body["command"] = e.Command
	}
	writeJSON(w, statusFor(err), body)
}

// decode reads the JSON request body into v; empty bodies are allowed.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.InvalidArgument("invalid request body: %v", err)
	}
	return nil
}

func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.ListLanguages())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Language    string `json:"language"`
		ProjectRoot string `json:"project_root"`
		Name        string `json:"name"`
		PythonPath  string `json:"python_path"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	lang := types.Language(req.Language)
	if req.Language == "" {
		lang = types.LanguagePython
	}
	result, err := s.broker.CreateSession(lang, req.ProjectRoot, req.Name, req.PythonPath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.ListSessions())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	result, err := s.broker.GetSession(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	result, err := s.broker.TerminateSession(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSetBreakpoints(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FilePath    string                   `json:"file_path"`
		Breakpoints []types.SourceBreakpoint `json:"breakpoints"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.broker.SetBreakpoints(r.PathValue("id"), req.FilePath, req.Breakpoints)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetBreakpoints(w http.ResponseWriter, r *http.Request) {
	result, err := s.broker.GetBreakpoints(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleClearBreakpoints(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FilePath string `json:"file_path"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.broker.ClearBreakpoints(r.PathValue("id"), req.FilePath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	req := types.LaunchRequest{StopOnException: true}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.broker.Launch(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req types.AttachRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.broker.Attach(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ThreadID int `json:"thread_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.broker.Continue(r.PathValue("id"), req.ThreadID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode     string `json:"mode"`
		ThreadID int    `json:"thread_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.broker.Step(r.PathValue("id"), types.StepMode(req.Mode), req.ThreadID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ThreadID int `json:"thread_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.broker.Pause(r.PathValue("id"), req.ThreadID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStackTrace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ThreadID   int `json:"thread_id"`
		StartFrame int `json:"start_frame"`
		MaxFrames  int `json:"max_frames"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.broker.StackTrace(r.PathValue("id"), req.ThreadID, req.StartFrame, req.MaxFrames)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleScopes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FrameID int `json:"frame_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.broker.Scopes(r.PathValue("id"), req.FrameID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleVariables(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VariablesReference int    `json:"variables_reference"`
		Filter             string `json:"filter"`
		Start              int    `json:"start"`
		Count              int    `json:"count"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.broker.Variables(r.PathValue("id"), req.VariablesReference, req.Filter, req.Start, req.Count)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Expression string `json:"expression"`
		FrameID    int    `json:"frame_id"`
		Context    string `json:"context"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.broker.Evaluate(r.PathValue("id"), req.Expression, req.FrameID, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Expression         string `json:"expression"`
		VariablesReference int    `json:"variables_reference"`
		FrameID            int    `json:"frame_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.broker.SmartInspect(r.PathValue("id"), req.Expression, req.VariablesReference, req.FrameID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCallChain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ThreadID     int `json:"thread_id"`
		MaxFrames    int `json:"max_frames"`
		ContextLines int `json:"context_lines"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.broker.CallChain(r.PathValue("id"), req.ThreadID, req.MaxFrames, req.ContextLines)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWatchAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Expression string `json:"expression"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.broker.WatchAdd(r.PathValue("id"), req.Expression)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWatchRemove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WatchID string `json:"watch_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.broker.WatchRemove(r.PathValue("id"), req.WatchID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWatchList(w http.ResponseWriter, r *http.Request) {
	result, err := s.broker.WatchList(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleWatchEval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FrameID int `json:"frame_id"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.broker.WatchEvalAll(r.PathValue("id"), req.FrameID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePollEvents(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SinceOffset uint64 `json:"since_offset"`
		Max         int    `json:"max"`
		WaitMS      int    `json:"wait_ms"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.broker.PollEvents(r.PathValue("id"), req.SinceOffset, req.Max, req.WaitMS)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleEventStream pushes event records over a websocket as they
// arrive, a push companion to poll_events.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.broker.Registry().Get(id)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var since uint64
	for {
		recs, next, _ := sess.PollEvents(since, 0, time.Second)
		since = next
		for _, rec := range recs {
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
			if rec.Kind == types.EventTerminated || rec.Kind == types.EventFailure {
				return
			}
		}
		if r.Context().Err() != nil {
			return
		}
	}
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Stream      string `json:"stream"`
		SinceOffset uint64 `json:"since_offset"`
		Max         int    `json:"max"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.broker.GetOutput(r.PathValue("id"), types.OutputStream(req.Stream), req.SinceOffset, req.Max)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Runtime       string `json:"runtime"`
		Container     string `json:"container"`
		Namespace     string `json:"namespace"`
		ContainerName string `json:"container_name"`
		Language      string `json:"language"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.broker.ListProcesses(r.Context(), req.Runtime, req.Container, req.Namespace, req.ContainerName, types.Language(req.Language))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleContainerAttach(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Runtime       string              `json:"runtime"`
		Container     string              `json:"container"`
		Namespace     string              `json:"namespace"`
		ContainerName string              `json:"container_name"`
		ProcessID     int                 `json:"process_id"`
		PathMappings  []types.PathMapping `json:"path_mappings"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.broker.ContainerAttach(r.Context(), r.PathValue("id"), req.Runtime, req.Container, req.Namespace, req.ContainerName, req.ProcessID, req.PathMappings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleContainerLaunch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Runtime       string              `json:"runtime"`
		Container     string              `json:"container"`
		Namespace     string              `json:"namespace"`
		ContainerName string              `json:"container_name"`
		Program       string              `json:"program"`
		Args          []string            `json:"args"`
		Env           map[string]string   `json:"env"`
		Cwd           string              `json:"cwd"`
		PathMappings  []types.PathMapping `json:"path_mappings"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Cwd == "" {
		req.Cwd = "/app"
	}
	result, err := s.broker.ContainerLaunch(r.Context(), r.PathValue("id"), req.Runtime, req.Container, req.Namespace, req.ContainerName, req.Program, req.Args, req.Env, req.Cwd, req.PathMappings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListRecoverable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.ListRecoverable())
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	result, err := s.broker.RecoverSession(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Addr returns the configured bind address.
func (s *Server) Addr() string { return s.http.Addr }

// Serve serves on an existing listener; used by tests that bind port 0.
func (s *Server) Serve(l net.Listener) error {
	err := s.http.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
