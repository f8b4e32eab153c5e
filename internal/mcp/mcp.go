// Package mcp implements the Model Context Protocol server for mitoshi.
//
// It is a read surface over insights, the action queue, alerts and refresh
// runs, so MCP-compatible assistants can triage a property without the
// HTTP API.
package mcp

import (
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/mitoshi/internal/alerts"
	"github.com/ashita-ai/mitoshi/internal/service/actions"
	"github.com/ashita-ai/mitoshi/internal/storage"
)

// Server wraps the MCP server with mitoshi's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	actions   *actions.Service
	alerts    *alerts.Aggregator
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools
// and prompts.
func New(db *storage.DB, actionsSvc *actions.Service, alertsAgg *alerts.Aggregator, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:      db,
		actions: actionsSvc,
		alerts:  alertsAgg,
		logger:  logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"mitoshi",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `mitoshi watches search and engagement data and turns it into insights
(what changed, where) and prioritized actions (what to do about it).

Start with mitoshi_top_actions for the current work queue of a property.
Use mitoshi_insights to browse findings by category or severity, and
mitoshi_insight for the full metrics behind one finding. mitoshi_alerts
lists alerts raised from high-severity insights.`

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// jsonResult renders v as indented JSON text content.
func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
