package mcp

import (
	"context"
	"encoding/json"
)

// ToolDefinition describes an MCP tool with its name, description, and input
// schema.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Handler processes a tool invocation. The tenant is ambient in ctx; handlers
// must never accept tenant identifiers from arguments.
type Handler func(ctx context.Context, args json.RawMessage) (interface{}, error)

// ToolDescriptor is the tools/list wire form.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// CallRequest is the params payload of a tools/call request.
type CallRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallResult wraps tool output in MCP content format.
type CallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one piece of tool output.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func textResult(text string) CallResult {
	return CallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func errorResult(ge *GatewayError) CallResult {
	payload, _ := json.Marshal(ge)
	return CallResult{
		Content: []ContentBlock{{Type: "text", Text: string(payload)}},
		IsError: true,
	}
}
