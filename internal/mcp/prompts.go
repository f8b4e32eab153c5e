package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// triage-property walks the assistant through the work queue of one property.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("triage-property",
			mcplib.WithPromptDescription("Review open insights and the action queue for a property"),
			mcplib.WithArgument("property",
				mcplib.ArgumentDescription("The property to triage, e.g. example.com"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleTriagePrompt,
	)

	// explain-insight asks for a plain-language explanation of one finding.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("explain-insight",
			mcplib.WithPromptDescription("Explain one insight and recommend what to do next"),
			mcplib.WithArgument("insight_id",
				mcplib.ArgumentDescription("The insight ID"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleExplainPrompt,
	)
}

func (s *Server) handleTriagePrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	property := request.Params.Arguments["property"]
	if property == "" {
		return nil, fmt.Errorf("property argument is required")
	}
	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Triage %s", property),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Triage the property %[1]q.

1. Call mitoshi_top_actions with property=%[1]q to get the open work queue.
2. Call mitoshi_insights with property=%[1]q and status=new to find findings
   nobody has looked at yet.
3. Call mitoshi_alerts with property=%[1]q and status=open.

Summarize the three most valuable actions, naming the insight each one
addresses. Flag any critical or high severity insight that has no action.`, property),
				},
			},
		},
	}, nil
}

func (s *Server) handleExplainPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	id := request.Params.Arguments["insight_id"]
	if id == "" {
		return nil, fmt.Errorf("insight_id argument is required")
	}
	return &mcplib.GetPromptResult{
		Description: "Explain insight " + id,
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Call mitoshi_insight with id=%q.

Explain in plain language what changed, for which entity, and how confident
the finding is, using the numbers in its metrics. Then go through the
derived actions in priority order and say which one to do first and why.`, id),
				},
			},
		},
	}, nil
}
