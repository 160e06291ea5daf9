// Command server runs the server-side half of the delivery pipeline: the
// control-channel manager, request scheduler, chunk ingest/assembly
// store, offset tracker, and snapshot broadcaster (spec section 2). CLI
// parsing stays a thin peripheral collaborator; all business logic lives
// in the internal packages.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"sensorpipe/internal/auth"
	"sensorpipe/internal/control"
	"sensorpipe/internal/dashboard"
	"sensorpipe/internal/ingestapi"
	"sensorpipe/internal/logging"
	"sensorpipe/internal/offsets"
	"sensorpipe/internal/scheduler"
	"sensorpipe/internal/serverconfig"
	"sensorpipe/internal/snapshot"
	"sensorpipe/internal/store"
)

var version = "dev"

func main() {
	logger := logging.Default(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	var configPath string

	rootCmd := &cobra.Command{
		Use:   "server",
		Short: "Server-side delivery pipeline",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to server YAML config (required)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the server until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("--config is required")
			}
			return run(cmd.Context(), configPath, logger)
		},
	}

	var tokenSecret string
	var tokenSubject string
	var tokenTTL time.Duration
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Observer token utilities",
	}
	tokenIssueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a signed observer JWT for the snapshot streamer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tokenSecret == "" {
				return fmt.Errorf("--secret is required")
			}
			ts := auth.NewTokenService([]byte(tokenSecret), tokenTTL)
			signed, expiresAt, err := ts.Issue(tokenSubject)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t(expires %s)\n", signed, expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	tokenIssueCmd.Flags().StringVar(&tokenSecret, "secret", "", "HMAC secret matching stream.jwt_secret (required)")
	tokenIssueCmd.Flags().StringVar(&tokenSubject, "subject", "observer", "observer identity to embed as the token subject")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	tokenCmd.AddCommand(tokenIssueCmd)

	rootCmd.AddCommand(runCmd, tokenCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, logger *slog.Logger) error {
	cfg, err := serverconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	chunkStore, err := store.Open(store.Config{
		Path:      cfg.Store.Path,
		Retention: cfg.Store.RetentionDuration(),
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer chunkStore.Close()

	offs := offsets.New()
	snapCache := snapshot.NewCache(time.Now)
	caps := scheduler.NewCapabilityRegistry()

	var streamerCfg snapshot.StreamerConfig
	if cfg.Stream.JWTSecret != "" {
		streamerCfg.Tokens = auth.NewTokenService([]byte(cfg.Stream.JWTSecret), time.Hour)
	} else {
		streamerCfg.Token = cfg.Stream.Token
	}
	streamerCfg.Logger = logger
	streamer := snapshot.NewStreamer(snapCache, streamerCfg)

	ctrl := control.New(control.Config{
		Tokens:         cfg.Auth.Tokens(),
		PingTimeout:    20 * time.Second,
		OnCapabilities: caps.Update,
		Logger:         logger,
	})

	sched := scheduler.New(ctrl, offs, caps, scheduler.Config{
		MaxChunks:   cfg.Scheduler.MaxChunks,
		MaxBytes:    cfg.Scheduler.MaxBytes,
		MaxInFlight: cfg.Scheduler.MaxInFlight,
		Now:         func() int64 { return time.Now().UnixMilli() },
	})

	front := ingestapi.New(ingestapi.Config{
		Store:      chunkStore,
		Offsets:    offs,
		Acks:       ctrl,
		Tokens:     cfg.Auth.Tokens(),
		OnSnapshot: func(result store.IngestResult) {
			if snap, ok := snapCache.UpdateFromIngest(result); ok {
				streamer.Broadcast(snap)
			}
		},
		Dashboard:        dashboard.Aggregate(snapCache),
		CORSAllowOrigins: []string{"*"},
		RateLimit:        rate.Limit(50),
		RateBurst:        100,
		Logger:           logger,
	})

	sensorIDs := make([]string, 0, len(cfg.Auth.Sensors))
	for _, s := range cfg.Auth.Sensors {
		sensorIDs = append(sensorIDs, s.ID)
	}

	ingestSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Ingest.Bind, cfg.Ingest.Port),
		Handler:           front.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	controlSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Control.Bind, cfg.Control.Port),
		Handler:           http.HandlerFunc(ctrl.ServeHTTP),
		ReadHeaderTimeout: 10 * time.Second,
	}
	streamSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Stream.Bind, cfg.Stream.Port),
		Handler:           http.HandlerFunc(streamer.ServeHTTP),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 3)
	go func() { errc <- serveOrNil(ingestSrv) }()
	go func() { errc <- serveOrNil(controlSrv) }()
	go func() { errc <- serveOrNil(streamSrv) }()

	go schedulerLoop(ctx, sched, sensorIDs, logger)

	logger.Info("server starting",
		"ingest_addr", ingestSrv.Addr,
		"control_addr", controlSrv.Addr,
		"stream_addr", streamSrv.Addr,
		"sensors", len(sensorIDs),
	)

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			logger.Error("listener failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = ingestSrv.Shutdown(shutdownCtx)
	_ = controlSrv.Shutdown(shutdownCtx)
	_ = streamSrv.Shutdown(shutdownCtx)
	ctrl.Shutdown()

	return nil
}

func serveOrNil(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// schedulerLoop periodically re-requests every configured sensor's next
// window. It is the only caller of RequestSensors, so a sensor that is
// offline on one tick is asked again on the next. Spec section 4.6 leaves the
// polling cadence to the caller; 5s keeps latency low without saturating
// an idle link.
func schedulerLoop(ctx context.Context, sched *scheduler.Scheduler, sensorIDs []string, logger *slog.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results := sched.RequestSensors(ctx, sensorIDs)
			for id, ok := range results {
				if !ok {
					logger.Debug("sensor offline, skipped request", "sensor_id", id)
				}
			}
		}
	}
}
