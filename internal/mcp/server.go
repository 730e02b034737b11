// Package mcp exposes the broker's uniform debugging API as MCP tools
// so AI agents can drive sessions over the tool-call surface.
//
// Workflow: debug_create_session -> debug_set_breakpoints ->
// debug_launch -> debug_poll_events -> debug_get_stacktrace /
// debug_get_variables / debug_evaluate -> debug_step / debug_continue.
// Container debugging: debug_list_processes -> debug_container_attach.
// Recovery after restart: debug_list_recoverable -> debug_recover_session.
package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/polybugger/polybugger-mcp/internal/broker"
	"github.com/polybugger/polybugger-mcp/internal/version"
)

// Server wraps the MCP server with the broker.
type Server struct {
	mcpServer *server.MCPServer
	broker    *broker.Broker
	log       logr.Logger
}

// NewServer creates the MCP front end over a broker.
func NewServer(b *broker.Broker, log logr.Logger) *Server {
	mcpServer := server.NewMCPServer(
		"polybugger",
		version.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s := &Server{
		mcpServer: mcpServer,
		broker:    b,
		log:       log,
	}
	s.registerTools()
	return s
}

// ServeStdio serves MCP over stdio; stderr carries the logs.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

func jsonResult(data any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// errResult renders a broker error's text (err.Error()) as a tool error
// result; the error kind is not carried as a separate field.
func errResult(err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(err.Error()), nil
}
