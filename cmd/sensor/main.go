// Command sensor runs the sensor-side half of the delivery pipeline: the
// durable outbound queue, dispatcher, and control/heartbeat agent (spec
// section 4.4). CLI parsing stays a thin peripheral collaborator; all
// business logic lives in internal/agent and internal/dispatcher.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sensorpipe/internal/agent"
	"sensorpipe/internal/config"
	"sensorpipe/internal/dispatcher"
	"sensorpipe/internal/logging"
	"sensorpipe/internal/queue"
	"sensorpipe/internal/skew"
	"sensorpipe/internal/transport"
)

var version = "dev"

func main() {
	logger := logging.Default(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	var configPath string

	rootCmd := &cobra.Command{
		Use:   "sensor",
		Short: "Sensor-side delivery pipeline agent",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to sensor YAML config (required)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sensor agent until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("--config is required")
			}
			return run(cmd.Context(), configPath, logger)
		},
	}
	rootCmd.AddCommand(runCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		logger.Error("sensor exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	q, err := queue.Open(queue.Config{
		Path:      cfg.Queue.Path,
		Retention: cfg.Queue.RetentionDuration(),
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()

	disp := dispatcher.New(cfg.SensorID, q)

	sender := transport.NewHTTPChunkSender(transport.HTTPChunkSenderConfig{
		URL:     cfg.Ingest.URL,
		Token:   cfg.Token,
		Headers: cfg.Ingest.Headers,
		Timeout: cfg.Ingest.Timeout,
	})

	var estimator skew.Estimator
	if cfg.TimeSync.Enabled && cfg.TimeSync.NTPServer != "" {
		estimator = skew.NTP{
			Server:   cfg.TimeSync.NTPServer,
			Fallback: skew.Constant{Ms: cfg.TimeSync.FallbackSkewMs},
		}
	} else {
		estimator = skew.Constant{Ms: cfg.TimeSync.FallbackSkewMs}
	}

	dial := func(dialCtx context.Context) (transport.ControlChannel, error) {
		return transport.DialWebSocket(dialCtx, transport.WebSocketConfig{
			URL:          cfg.Control.URL,
			SensorID:     cfg.SensorID,
			Token:        cfg.Token,
			Headers:      cfg.Control.Headers,
			PingInterval: cfg.Control.PingInterval,
			PingTimeout:  cfg.Control.PingTimeout,
		})
	}

	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}

	a := agent.New(agent.Config{
		SensorID:          cfg.SensorID,
		SoftwareVersion:   cfg.SoftwareVersion,
		Capabilities:      cfg.Capabilities,
		HeartbeatInterval: heartbeatInterval,
		Dial:              dial,
		Sender:            sender,
		Skew:              estimator,
		Logger:            logger,
	}, disp)

	logger.Info("sensor starting", "sensor_id", cfg.SensorID, "software_version", cfg.SoftwareVersion)
	return a.Run(ctx)
}
