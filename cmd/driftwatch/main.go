// driftwatch — online anomaly detection for operational time-series.
//
// Ingests numeric sample streams, classifies anomalies with a pluggable
// detector set, and drives alerting with timed escalations.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dmitriimaksimovdevelop/driftwatch/internal/clock"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/config"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/model"
	"github.com/dmitriimaksimovdevelop/driftwatch/internal/orchestrator"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "driftwatch",
		Short: "Online anomaly detection for operational time-series",
		Long: `driftwatch — streaming anomaly detection engine.

Ingests numeric samples per source, scores them with one of eight
detectors (z-score, statistical ensemble, threshold, isolation forest,
seasonal, KNN, ML ensemble, composite), and turns anomalies into alerts
with suppression, rate limiting, and timed escalation.`,
		Version: version,
	}

	rootCmd.AddCommand(newServeCmd(), newDetectCmd(), newMCPCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the detection engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			sys := clock.NewSystem()
			orch, err := orchestrator.New(cfg, sys, sys, prometheus.DefaultRegisterer, log)
			if err != nil {
				return err
			}
			return orch.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config (defaults apply when omitted)")
	return cmd
}

func newDetectCmd() *cobra.Command {
	var (
		configPath string
		inputPath  string
		trainPath  string
	)
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "One-shot detection over a JSON sample file",
		Long: `Reads training samples and test samples from JSON files
(arrays of {source, metric, value, timestamp, labels}), trains the
configured detector, and prints detected anomalies as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			training, err := readSamples(trainPath)
			if err != nil {
				return fmt.Errorf("read training samples: %w", err)
			}
			samples, err := readSamples(inputPath)
			if err != nil {
				return fmt.Errorf("read input samples: %w", err)
			}

			sys := clock.NewSystem()
			defer sys.Stop()
			orch, err := orchestrator.New(cfg, sys, sys, prometheus.NewRegistry(), log)
			if err != nil {
				return err
			}

			if err := orch.Engine.Train(training); err != nil {
				return err
			}
			anomalies, err := orch.Engine.Detect(context.Background(), samples, nil)
			if err != nil {
				return err
			}
			if anomalies == nil {
				anomalies = []model.Anomaly{}
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(anomalies)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config")
	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "JSON file of samples to score (required)")
	cmd.Flags().StringVarP(&trainPath, "train", "t", "", "JSON file of training samples (required)")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("train")
	return cmd
}

func loadConfig(path string) (config.Config, *zap.Logger, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return cfg, nil, err
		}
	}

	level := zapcore.InfoLevel
	if err := level.Set(cfg.LogLevel); err != nil {
		level = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	log, err := zcfg.Build()
	if err != nil {
		return cfg, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log, nil
}

func readSamples(path string) ([]model.Sample, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var samples []model.Sample
	if err := json.Unmarshal(raw, &samples); err != nil {
		return nil, err
	}
	return samples, nil
}
