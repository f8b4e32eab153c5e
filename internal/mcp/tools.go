package mcp

import (
	"context"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/mitoshi/internal/model"
	"github.com/ashita-ai/mitoshi/internal/storage"
)

const maxToolLimit = 100

func (s *Server) registerTools() {
	readOnly := []mcplib.ToolOption{
		mcplib.WithReadOnlyHintAnnotation(true),
		mcplib.WithIdempotentHintAnnotation(true),
		mcplib.WithOpenWorldHintAnnotation(false),
	}

	s.mcpServer.AddTool(
		mcplib.NewTool("mitoshi_insights", append(readOnly,
			mcplib.WithDescription(`List insights, newest first.

Filter by property, category (anomaly, opportunity, diagnosis, trend,
cannibalization, content_quality, cwv_quality, topic_strategy), severity
(low, medium, high, critical) or status (new, investigating, diagnosed,
actioned, resolved). Results are compact; call mitoshi_insight for the
metrics behind one insight.`),
			mcplib.WithString("property", mcplib.Description("Site or app property, e.g. example.com")),
			mcplib.WithString("category", mcplib.Description("Insight category")),
			mcplib.WithString("severity", mcplib.Description("Exact severity")),
			mcplib.WithString("status", mcplib.Description("Insight status")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results"), mcplib.Min(1), mcplib.Max(maxToolLimit), mcplib.DefaultNumber(20)),
		)...),
		s.handleInsights,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("mitoshi_insight", append(readOnly,
			mcplib.WithDescription("Get one insight with its full metrics and the actions derived from it."),
			mcplib.WithString("id", mcplib.Description("Insight ID"), mcplib.Required()),
		)...),
		s.handleInsight,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("mitoshi_top_actions", append(readOnly,
			mcplib.WithDescription(`The open work queue: pending, in-progress and blocked actions by
priority score, highest first. Priority is impact/effort weighted by urgency.`),
			mcplib.WithString("property", mcplib.Description("Property to scope the queue to; omit for all")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results"), mcplib.Min(1), mcplib.Max(maxToolLimit), mcplib.DefaultNumber(10)),
		)...),
		s.handleTopActions,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("mitoshi_alerts", append(readOnly,
			mcplib.WithDescription("List alerts, newest first. Suppressed alerts carry their suppression reason."),
			mcplib.WithString("property", mcplib.Description("Property filter")),
			mcplib.WithString("status", mcplib.Description("open, investigating, resolved, false_positive or suppressed")),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results"), mcplib.Min(1), mcplib.Max(maxToolLimit), mcplib.DefaultNumber(20)),
		)...),
		s.handleAlerts,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("mitoshi_runs", append(readOnly,
			mcplib.WithDescription("Recent refresh runs with their status and headline counts."),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results"), mcplib.Min(1), mcplib.Max(maxToolLimit), mcplib.DefaultNumber(5)),
		)...),
		s.handleRuns,
	)
}

func toolLimit(request mcplib.CallToolRequest, def int) int {
	return min(max(request.GetInt("limit", def), 1), maxToolLimit)
}

// optEnum reads an optional enum argument.
func optEnum[T ~string](request mcplib.CallToolRequest, key string, valid func(T) bool) (*T, error) {
	v := request.GetString(key, "")
	if v == "" {
		return nil, nil
	}
	t := T(v)
	if !valid(t) {
		return nil, fmt.Errorf("invalid %s %q", key, v)
	}
	return &t, nil
}

func optString(request mcplib.CallToolRequest, key string) *string {
	if v := request.GetString(key, ""); v != "" {
		return &v
	}
	return nil
}

func (s *Server) handleInsights(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	f := model.InsightFilter{
		Property: optString(request, "property"),
		Limit:    toolLimit(request, 20),
	}
	var err error
	if f.Category, err = optEnum(request, "category", model.Category.Valid); err != nil {
		return errorResult(err.Error()), nil
	}
	if f.Severity, err = optEnum(request, "severity", model.Severity.Valid); err != nil {
		return errorResult(err.Error()), nil
	}
	if f.Status, err = optEnum(request, "status", model.InsightStatus.Valid); err != nil {
		return errorResult(err.Error()), nil
	}

	insights, total, err := s.db.QueryInsights(ctx, f)
	if err != nil {
		s.logger.Error("mcp: query insights", "error", err)
		return errorResult("failed to query insights"), nil
	}
	out := make([]map[string]any, 0, len(insights))
	for _, in := range insights {
		out = append(out, compactInsight(in))
	}
	return jsonResult(map[string]any{"insights": out, "total": total})
}

func (s *Server) handleInsight(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("id", "")
	if id == "" {
		return errorResult("id is required"), nil
	}
	in, err := s.db.GetInsight(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult("insight not found: " + id), nil
	}
	if err != nil {
		s.logger.Error("mcp: get insight", "insight_id", id, "error", err)
		return errorResult("failed to load insight"), nil
	}

	acts, _, err := s.actions.List(ctx, model.ActionFilter{InsightID: &id, Limit: maxToolLimit})
	if err != nil {
		s.logger.Error("mcp: list actions for insight", "insight_id", id, "error", err)
		return errorResult("failed to load actions"), nil
	}
	compact := make([]map[string]any, 0, len(acts))
	for _, a := range acts {
		compact = append(compact, compactAction(a))
	}
	return jsonResult(map[string]any{"insight": in, "actions": compact})
}

func (s *Server) handleTopActions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	acts, err := s.actions.TopPriority(ctx, request.GetString("property", ""), toolLimit(request, 10))
	if err != nil {
		s.logger.Error("mcp: top actions", "error", err)
		return errorResult("failed to load actions"), nil
	}
	out := make([]map[string]any, 0, len(acts))
	for _, a := range acts {
		out = append(out, compactAction(a))
	}
	return jsonResult(map[string]any{"actions": out})
}

func (s *Server) handleAlerts(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	status, err := optEnum(request, "status", model.AlertStatus.Valid)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	list, total, err := s.alerts.List(ctx, model.AlertFilter{
		Property: optString(request, "property"),
		Status:   status,
		Limit:    toolLimit(request, 20),
	})
	if err != nil {
		s.logger.Error("mcp: list alerts", "error", err)
		return errorResult("failed to list alerts"), nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, h := range list {
		out = append(out, compactAlert(h))
	}
	return jsonResult(map[string]any{"alerts": out, "total": total})
}

func (s *Server) handleRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runs, total, err := s.db.ListRefreshRuns(ctx, toolLimit(request, 5), 0)
	if err != nil {
		s.logger.Error("mcp: list runs", "error", err)
		return errorResult("failed to list runs"), nil
	}
	out := make([]map[string]any, 0, len(runs))
	for _, r := range runs {
		out = append(out, compactRun(r))
	}
	return jsonResult(map[string]any{"runs": out, "total": total})
}
