// Package mcp exposes a diagnostics facade over the engine and alerting
// as MCP tools served on stdio.
package mcp

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/orchestrator"
)

// Server wraps the MCP server instance.
type Server struct {
	mcpServer *server.MCPServer
}

// NewServer creates an MCP server with the diagnostics tools registered
// against a running orchestrator.
func NewServer(version string, orch *orchestrator.Orchestrator) *Server {
	s := server.NewMCPServer("driftwatch", version, server.WithLogging())
	h := &handlers{orch: orch}
	registerTools(s, h)
	return &Server{mcpServer: s}
}

// Start runs the server in stdio mode (blocking).
func (s *Server) Start(ctx context.Context) error {
	stdioServer := server.NewStdioServer(s.mcpServer)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// registerTools adds all supported tools to the server.
func registerTools(s *server.MCPServer, h *handlers) {
	// Tool: get_status
	statusTool := mcp.NewTool("get_status",
		mcp.WithDescription("System status: active detector, per-detector readiness and model info, alert counts, performance stats."),
	)
	s.AddTool(statusTool, h.handleGetStatus)

	// Tool: get_detection_report
	reportTool := mcp.NewTool("get_detection_report",
		mcp.WithDescription("Detection report. With a detector name: its last 100 anomalies plus performance trends. Without: 24-hour roll-up across all detectors."),
		mcp.WithString("detector",
			mcp.Description("Detector name (zscore, statistical, threshold, isolation_forest, seasonal, knn, ml_ensemble, composite). Omit for the daily roll-up."),
		),
	)
	s.AddTool(reportTool, h.handleGetDetectionReport)

	// Tool: list_alerts
	listTool := mcp.NewTool("list_alerts",
		mcp.WithDescription("List alerts in creation order, optionally filtered by status."),
		mcp.WithString("status",
			mcp.Description("Filter: open, acknowledged, suppressed, resolved, closed. Omit for all."),
			mcp.Enum("open", "acknowledged", "suppressed", "resolved", "closed"),
		),
	)
	s.AddTool(listTool, h.handleListAlerts)

	// Tool: acknowledge_alert
	ackTool := mcp.NewTool("acknowledge_alert",
		mcp.WithDescription("Acknowledge an open alert, cancelling its pending escalations."),
		mcp.WithString("alert_id",
			mcp.Required(),
			mcp.Description("Alert ID from list_alerts."),
		),
		mcp.WithString("user",
			mcp.Description("Who is acknowledging. Defaults to 'mcp'."),
		),
	)
	s.AddTool(ackTool, h.handleAcknowledgeAlert)

	// Tool: resolve_alert
	resolveTool := mcp.NewTool("resolve_alert",
		mcp.WithDescription("Resolve an open or acknowledged alert."),
		mcp.WithString("alert_id",
			mcp.Required(),
			mcp.Description("Alert ID from list_alerts."),
		),
	)
	s.AddTool(resolveTool, h.handleResolveAlert)
}
