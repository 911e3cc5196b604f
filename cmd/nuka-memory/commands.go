package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nidhogg/nuka-memory/internal/api"
	"github.com/nidhogg/nuka-memory/internal/compress"
	"github.com/nidhogg/nuka-memory/internal/config"
	"github.com/nidhogg/nuka-memory/internal/mind"
	"github.com/nidhogg/nuka-memory/internal/scheduler"
)

var (
	cfgPath   string
	agentFlag string
	dayFlag   string
)

var rootCmd = &cobra.Command{
	Use:           "nuka-memory",
	Short:         "Long-term memory and growth for conversational agents",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Config file (default: $CONFIG_PATH or configs/nuka-memory.json; built-in defaults if absent)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the maintenance scheduler",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	for _, b := range []struct {
		job   mind.Job
		short string
	}{
		{mind.JobCompress, "Compress raw interaction records into summaries"},
		{mind.JobExtract, "Extract learnings from recent summaries"},
		{mind.JobDigest, "Write the daily digest"},
		{mind.JobDecay, "Fade familiarity of idle relationships"},
		{mind.JobReindex, "Index records stored while the embedder was down"},
	} {
		job := b.job
		cmd := &cobra.Command{
			Use:   string(job),
			Short: b.short,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runBatch(cmd.Context(), job)
			},
		}
		cmd.Flags().StringVarP(&agentFlag, "agent", "a", "", "Agent to process (default: every agent)")
		if job == mind.JobDigest {
			cmd.Flags().StringVar(&dayFlag, "day", "", "UTC day to digest, YYYY-MM-DD (default: yesterday)")
		}
		rootCmd.AddCommand(cmd)
	}
}

func loadConfig() (*config.Config, error) {
	path := cfgPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/nuka-memory.json"
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

func newLogger(level string) (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Server.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	return newApp(ctx, cfg, logger)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.logger.Sync()

	var clock *scheduler.Clock
	if sc := a.cfg.Memory.Schedule; sc.Enabled {
		clock = scheduler.NewClock(sc.Tick.Std(), a.logger)
		clock.AddListener(a.newTrigger())
		clock.Start()
	}

	h := api.NewHandler(a.mind, api.Options{
		Pingers:        a.pingers,
		ListAgents:     a.repo.ListAgentIDs,
		Metrics:        a.metrics.Handler(),
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
	}, a.logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	a.logger.Info("shutting down")
	if clock != nil {
		clock.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		a.logger.Warn("HTTP shutdown", zap.Error(serr))
	}
	return err
}

func runBatch(ctx context.Context, job mind.Job) error {
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	defer a.logger.Sync()

	agents := []string{agentFlag}
	if agentFlag == "" {
		if agents, err = a.repo.ListAgentIDs(ctx); err != nil {
			return err
		}
	}

	var day time.Time
	if job == mind.JobDigest && dayFlag != "" {
		if day, err = time.Parse(compress.DayFormat, dayFlag); err != nil {
			return fmt.Errorf("parse --day: %w", err)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	var failed []string
	for _, id := range agents {
		var res any
		if !day.IsZero() {
			res, err = a.mind.Compressor.DailySummary(ctx, id, day)
		} else {
			res, err = a.mind.RunJob(ctx, job, id)
		}
		out := map[string]any{"agent_id": id, "result": res}
		if err != nil {
			out["error"] = err.Error()
			failed = append(failed, id)
		}
		enc.Encode(out)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%s failed for %s", job, strings.Join(failed, ", "))
	}
	return nil
}
