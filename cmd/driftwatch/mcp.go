package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/clock"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/mcp"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/orchestrator"
)

func newMCPCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run as an MCP server (stdio mode)",
		Long: `Serve the diagnostics tools over the Model Context Protocol on
stdin/stdout: get_status, get_detection_report, list_alerts,
acknowledge_alert, resolve_alert.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			sys := clock.NewSystem()
			orch, err := orchestrator.New(cfg, sys, sys, prometheus.NewRegistry(), log)
			if err != nil {
				return err
			}
			defer orch.Shutdown()

			server := mcp.NewServer(version, orch)
			return server.Start(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config")
	return cmd
}
