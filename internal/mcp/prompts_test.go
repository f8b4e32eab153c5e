package mcp

import (
	"context"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prompt(name string, args map[string]string) mcplib.GetPromptRequest {
	return mcplib.GetPromptRequest{Params: mcplib.GetPromptParams{Name: name, Arguments: args}}
}

func TestTriagePrompt(t *testing.T) {
	res, err := testServer.handleTriagePrompt(context.Background(), prompt("triage-property", map[string]string{"property": "example.com"}))
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, mcplib.RoleUser, res.Messages[0].Role)
	text := res.Messages[0].Content.(mcplib.TextContent).Text
	assert.Contains(t, text, "mitoshi_top_actions")
	assert.Contains(t, text, `"example.com"`)

	_, err = testServer.handleTriagePrompt(context.Background(), prompt("triage-property", map[string]string{}))
	assert.ErrorContains(t, err, "property")
}

func TestExplainPrompt(t *testing.T) {
	res, err := testServer.handleExplainPrompt(context.Background(), prompt("explain-insight", map[string]string{"insight_id": "abc"}))
	require.NoError(t, err)
	assert.Contains(t, res.Description, "abc")
	assert.Contains(t, res.Messages[0].Content.(mcplib.TextContent).Text, "mitoshi_insight")

	_, err = testServer.handleExplainPrompt(context.Background(), prompt("explain-insight", nil))
	assert.Error(t, err)
}
