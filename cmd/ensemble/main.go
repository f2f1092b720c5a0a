// Command ensemble runs a multi-role LLM workflow from the terminal.
//
// Usage:
//
//	ensemble -type feature_development -requirement "Build a rate limiter in Go"
//	ensemble -workflow-id 0192... (resume a checkpointed run)
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ensemble "github.com/nevindra/ensemble"
	"github.com/nevindra/ensemble/internal/config"
	"github.com/nevindra/ensemble/observer"
	"github.com/nevindra/ensemble/provider/openaicompat"
	"github.com/nevindra/ensemble/store/sqlite"
)

func main() {
	var (
		configPath  = flag.String("config", os.Getenv("ENSEMBLE_CONFIG"), "path to TOML config file")
		wfType      = flag.String("type", "feature_development", "workflow type: "+joinTypes())
		requirement = flag.String("requirement", "", "what to build or analyze")
		contextInfo = flag.String("context", "", "extra context passed to every role")
		resumeID    = flag.String("workflow-id", "", "resume an existing workflow instead of starting a new one")
	)
	flag.Parse()

	cfg := config.Load(*configPath)
	logger := newLogger(cfg.Logging)

	if err := run(cfg, logger, *wfType, *requirement, *contextInfo, *resumeID); err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger, wfType, requirement, contextInfo, resumeID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []ensemble.Option{
		ensemble.WithLogger(logger),
		ensemble.WithProviderFactory(newFactory(cfg.LLM)),
		ensemble.WithEndpoint(cfg.LLM.Endpoint),
		ensemble.WithWorkspaceRoot(cfg.Paths.Workspace),
		ensemble.WithOutputDir(cfg.Paths.Output),
		ensemble.WithConcurrency(int64(cfg.Workflow.Concurrency)),
		ensemble.WithTaskTimeout(cfg.Workflow.TaskTimeout.Duration),
		ensemble.WithSummaryLength(cfg.Workflow.SummaryLength),
		ensemble.WithTailLines(cfg.Workflow.TailLines),
		ensemble.WithRetryPolicy(ensemble.RetryPolicy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay.Duration,
			MaxDelay:     cfg.Retry.MaxDelay.Duration,
			Jitter:       cfg.Retry.Jitter,
		}),
		ensemble.WithBreakerSettings(cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout.Duration),
		ensemble.WithPoolSettings(cfg.Pool.MaxAge.Duration, cfg.Pool.FailureThreshold),
	}
	if !cfg.LLM.Stream {
		opts = append(opts, ensemble.WithoutStreaming())
	}

	for name, rc := range cfg.Roles {
		role, err := ensemble.ParseRole(name)
		if err != nil {
			return fmt.Errorf("config [roles.%s]: %w", name, err)
		}
		if rc.Disabled {
			opts = append(opts, ensemble.WithRoleDisabled(role))
		}
		if rc.Prompt != "" {
			opts = append(opts, ensemble.WithRolePrompt(role, rc.Prompt))
		}
	}

	var sinks []ensemble.Sink
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			return fmt.Errorf("init observer: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("observer shutdown", "error", err)
			}
		}()
		sinks = append(sinks, observer.NewSink(inst))
		opts = append(opts, ensemble.WithTracer(observer.NewTracer()))
	}
	opts = append(opts, ensemble.WithCollector(ensemble.NewCollector(sinks...)))

	store := sqlite.New(cfg.Paths.CheckpointDB, sqlite.WithLogger(logger))
	defer store.Close()
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init checkpoint store: %w", err)
	}
	opts = append(opts, ensemble.WithCheckpointStore(store))

	eng, err := ensemble.New(opts...)
	if err != nil {
		return err
	}

	var st *ensemble.WorkflowState
	if resumeID != "" {
		st, err = eng.Resume(ctx, resumeID)
	} else {
		if requirement == "" {
			return fmt.Errorf("-requirement is required (or -workflow-id to resume)")
		}
		wt, perr := ensemble.ParseWorkflowType(wfType)
		if perr != nil {
			return perr
		}
		st, err = eng.Execute(ctx, wt, requirement, contextInfo)
	}
	if err != nil {
		return err
	}

	fmt.Printf("workflow %s: %s (%d files written)\n", st.WorkflowID, st.Status, len(st.FilesWritten))
	for _, f := range st.FilesWritten {
		fmt.Println("  " + f)
	}
	if st.Status != ensemble.WorkflowCompleted {
		for _, werr := range st.Errors {
			fmt.Fprintf(os.Stderr, "  %s: [%s] %s\n", werr.Step, werr.Kind, werr.Message)
		}
		return fmt.Errorf("workflow finished with status %s", st.Status)
	}
	return nil
}

func newFactory(cfg config.LLMConfig) ensemble.ProviderFactory {
	var popts []openaicompat.Option
	if cfg.Temperature > 0 {
		popts = append(popts, openaicompat.WithTemperature(cfg.Temperature))
	}
	if cfg.MaxTokens > 0 {
		popts = append(popts, openaicompat.WithMaxTokens(cfg.MaxTokens))
	}
	if cfg.Timeout.Duration > 0 {
		popts = append(popts, openaicompat.WithTimeout(cfg.Timeout.Duration))
	}
	return openaicompat.Factory(cfg.APIKey, cfg.Model, popts...)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, hopts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, hopts))
}

func joinTypes() string {
	names := make([]string, len(ensemble.WorkflowTypes))
	for i, t := range ensemble.WorkflowTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
