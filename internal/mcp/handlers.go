package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/orchestrator"
)

// handlers binds the tools to a live orchestrator.
type handlers struct {
	orch *orchestrator.Orchestrator
}

func (h *handlers) handleGetStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(h.orch.Engine.GetSystemStatus())
}

func (h *handlers) handleGetDetectionReport(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)
	name := stringArg(args, "detector", "")
	return jsonResult(h.orch.Engine.GetDetectionReport(name))
}

func (h *handlers) handleListAlerts(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)
	status := model.AlertStatus(stringArg(args, "status", ""))
	alerts := h.orch.Alerts.List(status)

	// Always an array, never null, for easier consumption by AI agents.
	if alerts == nil {
		alerts = []*model.Alert{}
	}
	return jsonResult(map[string]any{
		"count":  len(alerts),
		"alerts": alerts,
	})
}

func (h *handlers) handleAcknowledgeAlert(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)
	alertID := stringArg(args, "alert_id", "")
	if alertID == "" {
		return errResult("alert_id is required"), nil
	}
	user := stringArg(args, "user", "mcp")

	if !h.orch.Engine.Acknowledge(alertID, user) {
		return errResult(fmt.Sprintf("alert %s not found or not acknowledgeable", alertID)), nil
	}
	return jsonResult(map[string]any{"alert_id": alertID, "acknowledged_by": user})
}

func (h *handlers) handleResolveAlert(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := getArgs(request)
	alertID := stringArg(args, "alert_id", "")
	if alertID == "" {
		return errResult("alert_id is required"), nil
	}

	if !h.orch.Engine.Resolve(alertID) {
		return errResult(fmt.Sprintf("alert %s not found or not resolvable", alertID)), nil
	}
	return jsonResult(map[string]any{"alert_id": alertID, "resolved": true})
}

// getArgs extracts the tool arguments map.
func getArgs(request mcp.CallToolRequest) map[string]interface{} {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return map[string]interface{}{}
	}
	return args
}

// stringArg extracts a string argument with a default value.
func stringArg(args map[string]interface{}, key, defaultVal string) string {
	val, ok := args[key]
	if !ok || val == nil {
		return defaultVal
	}
	s, ok := val.(string)
	if !ok || s == "" {
		return defaultVal
	}
	return s
}

// jsonResult marshals a value into a successful text result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errResult(fmt.Sprintf("json marshal failed: %v", err)), nil
	}
	return newTextResult(string(raw)), nil
}

// newTextResult creates a successful MCP tool result with text content.
func newTextResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
	}
}

// errResult creates an MCP tool error result (IsError=true).
func errResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: msg,
			},
		},
	}
}
