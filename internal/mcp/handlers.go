package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/polybugger/polybugger-mcp/internal/errors"
	"github.com/polybugger/polybugger-mcp/pkg/types"
)

// Session management

func (s *Server) handleCreateSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	projectRoot, err := request.RequireString("project_root")
	if err != nil {
		return errResult(errors.InvalidArgument("project_root is required"))
	}

	lang := types.LanguagePython
	if l, err := request.RequireString("language"); err == nil && l != "" {
		lang = types.Language(l)
	}
	name, _ := request.RequireString("name")
	pythonPath, _ := request.RequireString("python_path")

	result, err := s.broker.CreateSession(lang, projectRoot, name, pythonPath)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

func (s *Server) handleListLanguages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.broker.ListLanguages())
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.broker.ListSessions())
}

func (s *Server) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}
	result, err := s.broker.GetSession(id)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

func (s *Server) handleTerminateSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}
	result, err := s.broker.TerminateSession(id)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

// Breakpoints

func (s *Server) handleSetBreakpoints(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}
	path, err := request.RequireString("file_path")
	if err != nil {
		return errResult(errors.InvalidArgument("file_path is required"))
	}
	raw, err := request.RequireString("breakpoints")
	if err != nil {
		return errResult(errors.InvalidArgument("breakpoints is required"))
	}

	var bps []types.SourceBreakpoint
	if err := json.Unmarshal([]byte(raw), &bps); err != nil {
		return errResult(errors.InvalidArgument(`invalid breakpoints JSON: %v (expected [{"line": 3}])`, err))
	}

	result, err := s.broker.SetBreakpoints(id, path, bps)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

func (s *Server) handleGetBreakpoints(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}
	result, err := s.broker.GetBreakpoints(id)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

func (s *Server) handleClearBreakpoints(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}
	path, _ := request.RequireString("file_path")

	result, err := s.broker.ClearBreakpoints(id, path)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

// Execution

func (s *Server) handleLaunch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}

	req := types.LaunchRequest{StopOnException: true}
	req.Program, _ = request.RequireString("program")
	req.Module, _ = request.RequireString("module")
	req.Cwd, _ = request.RequireString("cwd")
	req.StopOnEntry = request.GetBool("stop_on_entry", false)
	req.StopOnException = request.GetBool("stop_on_exception", true)

	if raw, err := request.RequireString("args"); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Args); err != nil {
			return errResult(errors.InvalidArgument(`invalid args JSON: %v (expected ["-v"])`, err))
		}
	}
	if raw, err := request.RequireString("env"); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Env); err != nil {
			return errResult(errors.InvalidArgument(`invalid env JSON: %v (expected {"KEY": "value"})`, err))
		}
	}

	result, err := s.broker.Launch(ctx, id, req)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

func (s *Server) handleAttach(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}

	req := types.AttachRequest{}
	req.Host, _ = request.RequireString("host")
	if port, err := request.RequireFloat("port"); err == nil {
		req.Port = int(port)
	}
	if pid, err := request.RequireFloat("pid"); err == nil {
		req.ProcessID = int(pid)
	}
	if raw, err := request.RequireString("path_mappings"); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.PathMappings); err != nil {
			return errResult(errors.InvalidArgument("invalid path_mappings JSON: %v", err))
		}
	}

	result, err := s.broker.Attach(ctx, id, req)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

func (s *Server) handleContinue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}
	threadID := 0
	if t, err := request.RequireFloat("thread_id"); err == nil {
		threadID = int(t)
	}
	result, err := s.broker.Continue(id, threadID)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

func (s *Server) handleStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}
	mode, err := request.RequireString("mode")
	if err != nil {
		return errResult(errors.InvalidArgument("mode is required: over, into, or out"))
	}
	threadID := 0
	if t, err := request.RequireFloat("thread_id"); err == nil {
		threadID = int(t)
	}
	result, err := s.broker.Step(id, types.StepMode(mode), threadID)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

func (s *Server) handlePause(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}
	threadID := 0
	if t, err := request.RequireFloat("thread_id"); err == nil {
		threadID = int(t)
	}
	result, err := s.broker.Pause(id, threadID)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

// Inspection

func (s *Server) handleGetStacktrace(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}
	threadID, startFrame, levels := 0, 0, 0
	if t, err := request.RequireFloat("thread_id"); err == nil {
		threadID = int(t)
	}
	if f, err := request.RequireFloat("start_frame"); err == nil {
		startFrame = int(f)
	}
	if m, err := request.RequireFloat("max_frames"); err == nil {
		levels = int(m)
	}
	result, err := s.broker.StackTrace(id, threadID, startFrame, levels)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

func (s *Server) handleGetScopes(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}
	frameID, err := request.RequireFloat("frame_id")
	if err != nil {
		return errResult(errors.InvalidArgument("frame_id is required"))
	}
	result, err := s.broker.Scopes(id, int(frameID))
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

func (s *Server) handleGetVariables(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}
	ref, err := request.RequireFloat("variables_reference")
	if err != nil {
		return errResult(errors.InvalidArgument("variables_reference is required"))
	}
	filter, _ := request.RequireString("filter")
	start, count := 0, 0
	if v, err := request.RequireFloat("start"); err == nil {
		start = int(v)
	}
	if v, err := request.RequireFloat("count"); err == nil {
		count = int(v)
	}
	result, err := s.broker.Variables(id, int(ref), filter, start, count)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

func (s *Server) handleEvaluate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}
	expression, err := request.RequireString("expression")
	if err != nil {
		return errResult(errors.InvalidArgument("expression is required"))
	}
	frameID := 0
	if f, err := request.RequireFloat("frame_id"); err == nil {
		frameID = int(f)
	}
	evalCtx, _ := request.RequireString("context")

	result, err := s.broker.Evaluate(id, expression, frameID, evalCtx)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

func (s *Server) handleInspectVariable(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}
	expression, _ := request.RequireString("expression")
	ref, frameID := 0, 0
	if v, err := request.RequireFloat("variables_reference"); err == nil {
		ref = int(v)
	}
	if f, err := request.RequireFloat("frame_id"); err == nil {
		frameID = int(f)
	}

	result, err := s.broker.SmartInspect(id, expression, ref, frameID)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

func (s *Server) handleGetCallChain(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}
	threadID, max, contextLines := 0, 0, 0
	if t, err := request.RequireFloat("thread_id"); err == nil {
		threadID = int(t)
	}
	if m, err := request.RequireFloat("max_frames"); err == nil {
		max = int(m)
	}
	if c, err := request.RequireFloat("context_lines"); err == nil {
		contextLines = int(c)
	}
	result, err := s.broker.CallChain(id, threadID, max, contextLines)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

// Watches

func (s *Server) handleWatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}
	action, err := request.RequireString("action")
	if err != nil {
		return errResult(errors.InvalidArgument("action is required: add, remove, or list"))
	}

	switch action {
	case "add":
		expression, err := request.RequireString("expression")
		if err != nil {
			return errResult(errors.InvalidArgument("expression is required for add"))
		}
		result, err := s.broker.WatchAdd(id, expression)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(result)
	case "remove":
		watchID, err := request.RequireString("watch_id")
		if err != nil {
			return errResult(errors.InvalidArgument("watch_id is required for remove"))
		}
		result, err := s.broker.WatchRemove(id, watchID)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(result)
	case "list":
		result, err := s.broker.WatchList(id)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(result)
	default:
		return errResult(errors.InvalidArgument("invalid action %q: use add, remove, or list", action))
	}
}

func (s *Server) handleEvaluateWatches(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}
	frameID := 0
	if f, err := request.RequireFloat("frame_id"); err == nil {
		frameID = int(f)
	}
	result, err := s.broker.WatchEvalAll(id, frameID)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

// Events and output

func (s *Server) handlePollEvents(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}
	var since uint64
	max, waitMS := 0, 0
	if v, err := request.RequireFloat("since_offset"); err == nil && v > 0 {
		since = uint64(v)
	}
	if v, err := request.RequireFloat("max"); err == nil {
		max = int(v)
	}
	if v, err := request.RequireFloat("wait_ms"); err == nil {
		waitMS = int(v)
	}
	result, err := s.broker.PollEvents(id, since, max, waitMS)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

func (s *Server) handleGetOutput(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}
	stream := types.OutputStream("")
	if v, err := request.RequireString("stream"); err == nil {
		stream = types.OutputStream(v)
	}
	var since uint64
	max := 0
	if v, err := request.RequireFloat("since_offset"); err == nil && v > 0 {
		since = uint64(v)
	}
	if v, err := request.RequireFloat("max"); err == nil {
		max = int(v)
	}
	result, err := s.broker.GetOutput(id, stream, since, max)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

// Containers

func (s *Server) handleListProcesses(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runtime, _ := request.RequireString("runtime")
	containerName, _ := request.RequireString("container")
	namespace, _ := request.RequireString("namespace")
	podContainer, _ := request.RequireString("container_name")
	lang := types.Language("")
	if l, err := request.RequireString("language"); err == nil {
		lang = types.Language(l)
	}
	if runtime != "" && containerName == "" {
		return errResult(errors.InvalidArgument("container is required when runtime is given"))
	}

	result, err := s.broker.ListProcesses(ctx, runtime, containerName, namespace, podContainer, lang)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

func (s *Server) handleContainerAttach(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}
	runtime, err := request.RequireString("runtime")
	if err != nil {
		return errResult(errors.InvalidArgument("runtime is required"))
	}
	containerName, err := request.RequireString("container")
	if err != nil {
		return errResult(errors.InvalidArgument("container is required"))
	}
	pid, err := request.RequireFloat("process_id")
	if err != nil {
		return errResult(errors.InvalidArgument("process_id is required; use debug_list_processes to find one"))
	}
	namespace, _ := request.RequireString("namespace")
	podContainer, _ := request.RequireString("container_name")

	var mappings []types.PathMapping
	if raw, err := request.RequireString("path_mappings"); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &mappings); err != nil {
			return errResult(errors.InvalidArgument("invalid path_mappings JSON: %v", err))
		}
	}

	result, err := s.broker.ContainerAttach(ctx, id, runtime, containerName, namespace, podContainer, int(pid), mappings)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

func (s *Server) handleContainerLaunch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}
	runtime, err := request.RequireString("runtime")
	if err != nil {
		return errResult(errors.InvalidArgument("runtime is required"))
	}
	containerName, err := request.RequireString("container")
	if err != nil {
		return errResult(errors.InvalidArgument("container is required"))
	}
	program, err := request.RequireString("program")
	if err != nil {
		return errResult(errors.InvalidArgument("program is required"))
	}
	namespace, _ := request.RequireString("namespace")
	podContainer, _ := request.RequireString("container_name")
	cwd, _ := request.RequireString("cwd")
	if cwd == "" {
		cwd = "/app"
	}

	var args []string
	if raw, err := request.RequireString("args"); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return errResult(errors.InvalidArgument("invalid args JSON: %v", err))
		}
	}
	var env map[string]string
	if raw, err := request.RequireString("env"); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return errResult(errors.InvalidArgument("invalid env JSON: %v", err))
		}
	}
	var mappings []types.PathMapping
	if raw, err := request.RequireString("path_mappings"); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &mappings); err != nil {
			return errResult(errors.InvalidArgument("invalid path_mappings JSON: %v", err))
		}
	}

	result, err := s.broker.ContainerLaunch(ctx, id, runtime, containerName, namespace, podContainer, program, args, env, cwd, mappings)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}

// Recovery

func (s *Server) handleListRecoverable(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.broker.ListRecoverable())
}

func (s *Server) handleRecoverSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return errResult(errors.InvalidArgument("session_id is required"))
	}
	result, err := s.broker.RecoverSession(id)
	if err != nil {
		return errResult(err)
	}
	return jsonResult(result)
}
