package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/mitoshi/internal/model"
)

const (
	uriOpenInsights = "mitoshi://insights/open"
	uriLatestRun    = "mitoshi://runs/latest"
	insightPrefix   = "mitoshi://insight/"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(uriOpenInsights, "Open Insights",
			mcplib.WithResourceDescription("Insights not yet resolved, highest severity first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleOpenInsights,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(uriLatestRun, "Latest Refresh Run",
			mcplib.WithResourceDescription("The most recent refresh run with its full report"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleLatestRun,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(insightPrefix+"{id}", "Insight",
			mcplib.WithTemplateDescription("One insight with its metrics"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleInsightResource,
	)
}

func textContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{URI: uri, MIMEType: "application/json", Text: string(data)},
	}, nil
}

func (s *Server) handleOpenInsights(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	open, err := s.db.OpenInsights(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: open insights: %w", err)
	}
	sortBySeverity(open)
	out := make([]map[string]any, 0, len(open))
	for _, in := range open {
		out = append(out, compactInsight(in))
	}
	return textContents(uriOpenInsights, out)
}

func (s *Server) handleLatestRun(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	runs, _, err := s.db.ListRefreshRuns(ctx, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: latest run: %w", err)
	}
	if len(runs) == 0 {
		return textContents(uriLatestRun, nil)
	}
	return textContents(uriLatestRun, runs[0])
}

func (s *Server) handleInsightResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := parseInsightURI(uri)
	if err != nil {
		return nil, err
	}
	in, err := s.db.GetInsight(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: insight %s: %w", id, err)
	}
	return textContents(uri, in)
}

// parseInsightURI extracts the id from mitoshi://insight/{id}.
func parseInsightURI(uri string) (string, error) {
	id, ok := strings.CutPrefix(uri, insightPrefix)
	if !ok {
		return "", fmt.Errorf("mcp: invalid insight URI: %s", uri)
	}
	if id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("mcp: invalid insight id in URI: %s", uri)
	}
	return id, nil
}

// sortBySeverity orders insights by severity descending, keeping the
// incoming order within a severity.
func sortBySeverity(ins []model.Insight) {
	slices.SortStableFunc(ins, func(a, b model.Insight) int {
		return b.Severity.Rank() - a.Severity.Rank()
	})
}

const methodResourceUpdated = "notifications/resources/updated"

// RunCompleted tells connected clients that the latest-run resource and
// the open insights changed.
func (s *Server) RunCompleted(runID string) {
	s.logger.Debug("mcp: refresh run completed", "run_id", runID)
	for _, uri := range []string{uriLatestRun, uriOpenInsights} {
		s.mcpServer.SendNotificationToAllClients(methodResourceUpdated, map[string]any{"uri": uri})
	}
}
