package cli

import (
	"context"
	"log"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/flowforgeHQ/stepflow-go/catalog"
	"github.com/flowforgeHQ/stepflow-go/config"
	"github.com/flowforgeHQ/stepflow-go/executor"
	"github.com/flowforgeHQ/stepflow-go/observe"
	otelsink "github.com/flowforgeHQ/stepflow-go/observe/otel"
	eventsqlite "github.com/flowforgeHQ/stepflow-go/observe/store/sqlite"
	"github.com/flowforgeHQ/stepflow-go/policy"
	"github.com/flowforgeHQ/stepflow-go/protocol"
	"github.com/flowforgeHQ/stepflow-go/retry"
	"github.com/flowforgeHQ/stepflow-go/state"
	statefactory "github.com/flowforgeHQ/stepflow-go/state/factory"
	"github.com/flowforgeHQ/stepflow-go/tools"
)

func loadConfig(path string) config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func buildStore(ctx context.Context) state.Store {
	store, err := statefactory.FromEnv(ctx)
	if err != nil {
		log.Fatalf("failed to open state store: %v", err)
	}
	return store
}

// buildObserver wires the event fan-out: an OTel span bridge plus the
// durable sqlite event log, behind an async buffer so emission never slows
// the executor down.
func buildObserver() (observe.Sink, func()) {
	tp := sdktrace.NewTracerProvider()
	sinks := []observe.Sink{otelsink.NewSink(tp)}

	eventStore, err := eventsqlite.New(config.Getenv("STEPFLOW_EVENTS_PATH", "./.stepflow/events.db"))
	if err != nil {
		log.Printf("event store unavailable: %v", err)
	} else {
		sinks = append(sinks, observe.SinkFunc(func(ctx context.Context, event observe.Event) error {
			return eventStore.SaveEvent(ctx, event)
		}))
	}

	async := observe.NewAsyncSink(observe.NewMultiSink(sinks...), 256)
	return async, func() {
		async.Close()
		_ = tp.Shutdown(context.Background())
		if eventStore != nil {
			_ = eventStore.Close()
		}
	}
}

// buildToolchain registers the builtin tools in a catalog and a serving
// registry backed by a local transport.
func buildToolchain() (*catalog.Catalog, *protocol.Invoker) {
	cat := catalog.New()
	if err := tools.RegisterBuiltin(cat); err != nil {
		log.Fatalf("failed to register builtin tools: %v", err)
	}
	registry := protocol.NewRegistry(tools.Builtin()...)
	invoker, err := protocol.NewInvoker(cat, protocol.NewLocalTransport(registry))
	if err != nil {
		log.Fatalf("failed to create invoker: %v", err)
	}
	return cat, invoker
}

func buildExecutor(cfg config.Config, cat *catalog.Catalog, invoker *protocol.Invoker, store state.Store, observer observe.Sink, opts cliOptions) *executor.Executor {
	allowlist := cfg.Allowlist
	if len(allowlist) == 0 {
		for _, def := range cat.Definitions() {
			allowlist = append(allowlist, def.Name)
		}
	}
	strategy, err := state.ParseStrategy(firstNonEmpty(opts.strategy, cfg.Executor.CheckpointStrategy))
	if err != nil {
		log.Fatalf("invalid checkpoint strategy: %v", err)
	}

	exec, err := executor.New(cat, invoker,
		executor.WithStore(store),
		executor.WithObserver(observer),
		executor.WithValidator(policy.NewValidator(allowlist)),
		executor.WithRetryPolicy(retryPolicyFrom(cfg)),
		executor.WithStepTimeout(cfg.Executor.StepTimeout),
		executor.WithTaskTimeout(cfg.Executor.TaskTimeout),
		executor.WithCheckpointStrategy(strategy),
		executor.WithCheckpointRetention(cfg.Executor.CheckpointKeep),
		executor.WithCheckpointMaxAge(cfg.Executor.CheckpointMaxAge),
		executor.WithContinueOnFailure(opts.continueOn || cfg.Executor.ContinueOnFailure),
	)
	if err != nil {
		log.Fatalf("failed to create executor: %v", err)
	}
	return exec
}

func retryPolicyFrom(cfg config.Config) retry.Policy {
	return retry.Normalize(retry.Policy{
		MaxAttempts: cfg.Executor.MaxRetries,
		BaseDelay:   cfg.Executor.RetryBaseDelay,
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
