package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// registerTools registers the uniform debug tool API.
func (s *Server) registerTools() {
	// Session management
	s.registerCreateSession()
	s.registerListLanguages()
	s.registerListSessions()
	s.registerGetSession()
	s.registerTerminateSession()

	// Breakpoints
	s.registerSetBreakpoints()
	s.registerGetBreakpoints()
	s.registerClearBreakpoints()

	// Execution
	s.registerLaunch()
	s.registerAttach()
	s.registerContinue()
	s.registerStep()
	s.registerPause()

	// Inspection
	s.registerGetStacktrace()
	s.registerGetScopes()
	s.registerGetVariables()
	s.registerEvaluate()
	s.registerInspectVariable()
	s.registerGetCallChain()

	// Watches
	s.registerWatch()
	s.registerEvaluateWatches()

	// Events and output
	s.registerPollEvents()
	s.registerGetOutput()

	// Containers
	s.registerListProcesses()
	s.registerContainerAttach()
	s.registerContainerLaunch()

	// Recovery
	s.registerListRecoverable()
	s.registerRecoverSession()
}

func (s *Server) registerCreateSession() {
	tool := mcp.NewTool("debug_create_session",
		mcp.WithDescription("Create a debug session. Returns session_id for all other operations. Set breakpoints, then launch or attach."),
		mcp.WithString("project_root",
			mcp.Required(),
			mcp.Description("Absolute project root path"),
		),
		mcp.WithString("language",
			mcp.Description("Language tag: py, js, go, rust, or native (default: py)"),
		),
		mcp.WithString("name",
			mcp.Description("Optional session name"),
		),
		mcp.WithString("python_path",
			mcp.Description("Python interpreter for venv support, e.g. /path/to/.venv/bin/python"),
		),
	)
	s.mcpServer.AddTool(tool, s.handleCreateSession)
}

func (s *Server) registerListLanguages() {
	tool := mcp.NewTool("debug_list_languages",
		mcp.WithDescription("List supported language tags for debugging."),
	)
	s.mcpServer.AddTool(tool, s.handleListLanguages)
}

func (s *Server) registerListSessions() {
	tool := mcp.NewTool("debug_list_sessions",
		mcp.WithDescription("List all active debug sessions."),
	)
	s.mcpServer.AddTool(tool, s.handleListSessions)
}

func (s *Server) registerGetSession() {
	tool := mcp.NewTool("debug_get_session",
		mcp.WithDescription("Get session state, stop reason, and location."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
	)
	s.mcpServer.AddTool(tool, s.handleGetSession)
}

func (s *Server) registerTerminateSession() {
	tool := mcp.NewTool("debug_terminate_session",
		mcp.WithDescription("Terminate a session and clean up. Idempotent."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
	)
	s.mcpServer.AddTool(tool, s.handleTerminateSession)
}

func (s *Server) registerSetBreakpoints() {
	tool := mcp.NewTool("debug_set_breakpoints",
		mcp.WithDescription("Set breakpoints in a file. REPLACES all breakpoints for that file - include every desired breakpoint in each call. Supports conditions, hit conditions, and log messages."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
		mcp.WithString("file_path", mcp.Required(), mcp.Description("Absolute source file path")),
		mcp.WithString("breakpoints",
			mcp.Required(),
			mcp.Description(`JSON array: [{"line": 3, "condition": "x > 5", "hitCondition": ">=2", "logMessage": "x is {x}"}]`),
		),
	)
	s.mcpServer.AddTool(tool, s.handleSetBreakpoints)
}

func (s *Server) registerGetBreakpoints() {
	tool := mcp.NewTool("debug_get_breakpoints",
		mcp.WithDescription("Get all breakpoints organized by file, including conditions and log messages."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
	)
	s.mcpServer.AddTool(tool, s.handleGetBreakpoints)
}

func (s *Server) registerClearBreakpoints() {
	tool := mcp.NewTool("debug_clear_breakpoints",
		mcp.WithDescription("Clear breakpoints from one file or all files."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
		mcp.WithString("file_path", mcp.Description("File path; omit to clear all files")),
	)
	s.mcpServer.AddTool(tool, s.handleClearBreakpoints)
}

func (s *Server) registerLaunch() {
	tool := mcp.NewTool("debug_launch",
		mcp.WithDescription("Launch a program for debugging. Use program OR module (python only). Blocks until the session is running."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
		mcp.WithString("program", mcp.Description("Path to the program to debug")),
		mcp.WithString("module", mcp.Description("Python module to run with -m")),
		mcp.WithString("args", mcp.Description(`JSON array of program arguments: ["-p", "0"]`)),
		mcp.WithString("cwd", mcp.Description("Working directory")),
		mcp.WithString("env", mcp.Description(`JSON object of environment variables: {"DEBUG": "1"}`)),
		mcp.WithBoolean("stop_on_entry", mcp.Description("Stop at first line (py/js only, default false)")),
		mcp.WithBoolean("stop_on_exception", mcp.Description("Stop on uncaught exceptions (default true for python)")),
	)
	s.mcpServer.AddTool(tool, s.handleLaunch)
}

func (s *Server) registerAttach() {
	tool := mcp.NewTool("debug_attach",
		mcp.WithDescription("Attach to a running target: a debugpy/inspector endpoint by host:port, or a local process by pid."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
		mcp.WithString("host", mcp.Description("Target host (default 127.0.0.1)")),
		mcp.WithNumber("port", mcp.Description("Target debug port")),
		mcp.WithNumber("pid", mcp.Description("Local process ID to attach to")),
		mcp.WithString("path_mappings",
			mcp.Description(`JSON array of source path mappings: [{"localRoot": "/src", "remoteRoot": "/app"}]`),
		),
	)
	s.mcpServer.AddTool(tool, s.handleAttach)
}

func (s *Server) registerContinue() {
	tool := mcp.NewTool("debug_continue",
		mcp.WithDescription("Continue until the next breakpoint or program end. Poll events to observe the next stop."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
		mcp.WithNumber("thread_id", mcp.Description("Thread to continue (default: current)")),
	)
	s.mcpServer.AddTool(tool, s.handleContinue)
}

func (s *Server) registerStep() {
	tool := mcp.NewTool("debug_step",
		mcp.WithDescription("Step execution: over (next line), into (enter function), out (exit function)."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
		mcp.WithString("mode", mcp.Required(), mcp.Description("Step mode: over, into, or out")),
		mcp.WithNumber("thread_id", mcp.Description("Thread to step (default: current)")),
	)
	s.mcpServer.AddTool(tool, s.handleStep)
}

func (s *Server) registerPause() {
	tool := mcp.NewTool("debug_pause",
		mcp.WithDescription("Pause a running program. A stopped event with reason pause follows."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
		mcp.WithNumber("thread_id", mcp.Description("Thread to pause")),
	)
	s.mcpServer.AddTool(tool, s.handlePause)
}

func (s *Server) registerGetStacktrace() {
	tool := mcp.NewTool("debug_get_stacktrace",
		mcp.WithDescription("Get call stack frames for a stopped thread."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
		mcp.WithNumber("thread_id", mcp.Description("Thread ID (default: current)")),
		mcp.WithNumber("start_frame", mcp.Description("First frame index (default 0)")),
		mcp.WithNumber("max_frames", mcp.Description("Max frames (default 20)")),
	)
	s.mcpServer.AddTool(tool, s.handleGetStacktrace)
}

func (s *Server) registerGetScopes() {
	tool := mcp.NewTool("debug_get_scopes",
		mcp.WithDescription("Get scopes (locals, globals) for a frame."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
		mcp.WithNumber("frame_id", mcp.Required(), mcp.Description("Frame ID from stacktrace")),
	)
	s.mcpServer.AddTool(tool, s.handleGetScopes)
}

func (s *Server) registerGetVariables() {
	tool := mcp.NewTool("debug_get_variables",
		mcp.WithDescription("Get variables from a scope or compound variable."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
		mcp.WithNumber("variables_reference", mcp.Required(), mcp.Description("Reference from scopes or a nested variable")),
		mcp.WithString("filter", mcp.Description("Child filter: indexed or named")),
		mcp.WithNumber("start", mcp.Description("First child index")),
		mcp.WithNumber("count", mcp.Description("Max children (default all)")),
	)
	s.mcpServer.AddTool(tool, s.handleGetVariables)
}

func (s *Server) registerEvaluate() {
	tool := mcp.NewTool("debug_evaluate",
		mcp.WithDescription("Evaluate an expression in the current debug context."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
		mcp.WithString("expression", mcp.Required(), mcp.Description("Expression to evaluate")),
		mcp.WithNumber("frame_id", mcp.Description("Frame for context (default: top frame)")),
		mcp.WithString("context", mcp.Description("Evaluation context: watch, repl, or hover (default repl)")),
	)
	s.mcpServer.AddTool(tool, s.handleEvaluate)
}

func (s *Server) registerInspectVariable() {
	tool := mcp.NewTool("debug_inspect_variable",
		mcp.WithDescription("Smart inspect DataFrames, arrays, dicts, and lists with structure-aware previews. Child fetches are budget-bounded."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
		mcp.WithString("expression", mcp.Description("Variable name or expression to inspect")),
		mcp.WithNumber("variables_reference", mcp.Description("Raw reference to inspect instead of an expression")),
		mcp.WithNumber("frame_id", mcp.Description("Frame for context (default: top frame)")),
	)
	s.mcpServer.AddTool(tool, s.handleInspectVariable)
}

func (s *Server) registerGetCallChain() {
	tool := mcp.NewTool("debug_get_call_chain",
		mcp.WithDescription("Get the call stack with inline source context (±2 lines) for each frame."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
		mcp.WithNumber("thread_id", mcp.Description("Thread ID (default: current)")),
		mcp.WithNumber("max_frames", mcp.Description("Max frames (default 20)")),
		mcp.WithNumber("context_lines", mcp.Description("Lines before/after (default 2)")),
	)
	s.mcpServer.AddTool(tool, s.handleGetCallChain)
}

func (s *Server) registerWatch() {
	tool := mcp.NewTool("debug_watch",
		mcp.WithDescription("Manage watch expressions: add, remove, or list. Watches re-evaluate on every stop."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
		mcp.WithString("action", mcp.Required(), mcp.Description("One of add, remove, list")),
		mcp.WithString("expression", mcp.Description("Expression (required for add)")),
		mcp.WithString("watch_id", mcp.Description("Watch id (required for remove)")),
	)
	s.mcpServer.AddTool(tool, s.handleWatch)
}

func (s *Server) registerEvaluateWatches() {
	tool := mcp.NewTool("debug_evaluate_watches",
		mcp.WithDescription("Evaluate all watch expressions and return per-watch value or error."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
		mcp.WithNumber("frame_id", mcp.Description("Frame for context (default: top frame)")),
	)
	s.mcpServer.AddTool(tool, s.handleEvaluateWatches)
}

func (s *Server) registerPollEvents() {
	tool := mcp.NewTool("debug_poll_events",
		mcp.WithDescription("Poll for debugger events (stopped, continued, terminated, output-available). Use after launch/step/continue."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
		mcp.WithNumber("since_offset", mcp.Description("Return events at or after this offset (use next_offset from the previous poll)")),
		mcp.WithNumber("max", mcp.Description("Max events to return")),
		mcp.WithNumber("wait_ms", mcp.Description("Block up to this long for the first event (default 0)")),
	)
	s.mcpServer.AddTool(tool, s.handlePollEvents)
}

func (s *Server) registerGetOutput() {
	tool := mcp.NewTool("debug_get_output",
		mcp.WithDescription("Get buffered program output (stdout/stderr/console) with incremental offsets."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID")),
		mcp.WithString("stream", mcp.Description("Filter: stdout, stderr, console, telemetry, adapter-stderr")),
		mcp.WithNumber("since_offset", mcp.Description("Return records at or after this offset")),
		mcp.WithNumber("max", mcp.Description("Max records (default all buffered)")),
	)
	s.mcpServer.AddTool(tool, s.handleGetOutput)
}

func (s *Server) registerListProcesses() {
	tool := mcp.NewTool("debug_list_processes",
		mcp.WithDescription("List processes with command lines, flagging debug candidates. Targets a container when runtime is given, else the host."),
		mcp.WithString("runtime", mcp.Description("Container runtime: docker, podman, or kubernetes; omit for host processes")),
		mcp.WithString("container", mcp.Description("Container ID/name, or pod name for kubernetes")),
		mcp.WithString("namespace", mcp.Description("Kubernetes namespace (default: default)")),
		mcp.WithString("container_name", mcp.Description("Container within the pod, for multi-container pods")),
		mcp.WithString("language", mcp.Description("Candidate language tag (default py)")),
	)
	s.mcpServer.AddTool(tool, s.handleListProcesses)
}

func (s *Server) registerContainerAttach() {
	tool := mcp.NewTool("debug_container_attach",
		mcp.WithDescription("Attach the debugger to a process inside a container: injects the debug stub, forwards a port, and attaches the session."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID (language must be py)")),
		mcp.WithString("runtime", mcp.Required(), mcp.Description("Container runtime: docker, podman, or kubernetes")),
		mcp.WithString("container", mcp.Required(), mcp.Description("Container ID/name, or pod name for kubernetes")),
		mcp.WithNumber("process_id", mcp.Required(), mcp.Description("PID inside the container")),
		mcp.WithString("namespace", mcp.Description("Kubernetes namespace")),
		mcp.WithString("container_name", mcp.Description("Container within the pod")),
		mcp.WithString("path_mappings", mcp.Description(`JSON array: [{"localRoot": "/src", "remoteRoot": "/app"}]`)),
	)
	s.mcpServer.AddTool(tool, s.handleContainerAttach)
}

func (s *Server) registerContainerLaunch() {
	tool := mcp.NewTool("debug_container_launch",
		mcp.WithDescription("Launch a program under the debug stub inside a container and attach to it. Does not require SYS_PTRACE."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID (language must be py)")),
		mcp.WithString("runtime", mcp.Required(), mcp.Description("Container runtime: docker, podman, or kubernetes")),
		mcp.WithString("container", mcp.Required(), mcp.Description("Container ID/name, or pod name for kubernetes")),
		mcp.WithString("program", mcp.Required(), mcp.Description("Program path inside the container")),
		mcp.WithString("args", mcp.Description("JSON array of program arguments")),
		mcp.WithString("env", mcp.Description("JSON object of environment variables")),
		mcp.WithString("cwd", mcp.Description("Working directory inside the container (default /app)")),
		mcp.WithString("namespace", mcp.Description("Kubernetes namespace")),
		mcp.WithString("container_name", mcp.Description("Container within the pod")),
		mcp.WithString("path_mappings", mcp.Description(`JSON array: [{"localRoot": "/src", "remoteRoot": "/app"}]`)),
	)
	s.mcpServer.AddTool(tool, s.handleContainerLaunch)
}

func (s *Server) registerListRecoverable() {
	tool := mcp.NewTool("debug_list_recoverable",
		mcp.WithDescription("List recoverable sessions persisted by a previous broker run."),
	)
	s.mcpServer.AddTool(tool, s.handleListRecoverable)
}

func (s *Server) registerRecoverSession() {
	tool := mcp.NewTool("debug_recover_session",
		mcp.WithDescription("Recover a persisted session: restores breakpoints and watches; re-launch or re-attach to resume debugging."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID from debug_list_recoverable")),
	)
	s.mcpServer.AddTool(tool, s.handleRecoverSession)
}
