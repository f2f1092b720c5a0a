// Package ensemble is a multi-agent orchestration engine for Go.
//
// It coordinates a fixed crew of LLM-backed workers (analyst, developer,
// tester, operator, writer) to execute a software-engineering request.
// A declarative workflow template is turned into a dependency graph of
// tasks; the scheduler executes the graph with bounded parallelism,
// persists a checkpoint after every completed task so interrupted runs
// can resume, and mediates every LLM call through a resilience stack
// (retry with jittered backoff, per-worker circuit breaker, shared
// client pool, streaming with cancellation).
//
// # Quick Start
//
//	store := sqlite.New("checkpoints.db")
//	eng, err := ensemble.New(
//		ensemble.WithProviderFactory(openaicompat.Factory("not-needed", "devstral")),
//		ensemble.WithEndpoint("http://127.0.0.1:8080/v1"),
//		ensemble.WithWorkspaceRoot("./workspace"),
//		ensemble.WithCheckpointStore(store),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	state, err := eng.Execute(ctx, ensemble.WorkflowFeatureDevelopment,
//		"Create an HTTP endpoint that returns the current server time",
//		"language: go")
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider]: LLM backend (chat completions, streaming)
//   - [CheckpointStore]: durable append + latest-read workflow snapshots
//   - [Tracer]: span creation for workflow, task, and LLM operations
//   - [Sink]: push hook for every metric measurement
//
// # Included Implementations
//
// Transport: provider/openaicompat (any OpenAI-compatible endpoint).
// Checkpoints: store/sqlite (local file), store/postgres (shared).
// Observability: observer (OpenTelemetry traces, metrics, and logs).
//
// See the cmd/ensemble directory for a complete reference CLI.
package ensemble
