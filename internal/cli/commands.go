package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/flowforgeHQ/stepflow-go/config"
	eventstore "github.com/flowforgeHQ/stepflow-go/observe/store"
	eventsqlite "github.com/flowforgeHQ/stepflow-go/observe/store/sqlite"
	"github.com/flowforgeHQ/stepflow-go/plan"
	"github.com/flowforgeHQ/stepflow-go/planfile"
	"github.com/flowforgeHQ/stepflow-go/protocol"
	"github.com/flowforgeHQ/stepflow-go/state"
	"github.com/flowforgeHQ/stepflow-go/tools"
	"github.com/flowforgeHQ/stepflow-go/types"
)

func runPlan(ctx context.Context, args []string) {
	opts, _ := parseArgs(args)
	if opts.planPath == "" {
		log.Fatal("--plan=FILE is required")
	}
	p := loadPlan(opts.planPath)

	cfg := loadConfig(opts.configPath)
	store := buildStore(ctx)
	defer closeStore(store)
	observer, closeObserver := buildObserver()
	defer closeObserver()

	cat, invoker := buildToolchain()
	exec := buildExecutor(cfg, cat, invoker, store, observer, opts)

	outcome, err := exec.Run(ctx, p)
	if err != nil {
		printOutcome(outcome)
		log.Fatalf("run failed: %v", err)
	}
	printOutcome(outcome)
}

func resumeTask(ctx context.Context, args []string) {
	opts, positional := parseArgs(args)
	taskID := normalizeInput(positional)
	if taskID == "" {
		log.Fatal("task id is required")
	}
	if opts.planPath == "" {
		log.Fatal("--plan=FILE is required")
	}
	p := loadPlan(opts.planPath)

	cfg := loadConfig(opts.configPath)
	store := buildStore(ctx)
	defer closeStore(store)
	observer, closeObserver := buildObserver()
	defer closeObserver()

	cat, invoker := buildToolchain()
	exec := buildExecutor(cfg, cat, invoker, store, observer, opts)

	outcome, err := exec.Resume(ctx, taskID, p)
	if err != nil {
		log.Fatalf("resume failed: %v", err)
	}
	printOutcome(outcome)
}

func listTasks(ctx context.Context, args []string) {
	_, positional := parseArgs(args)
	store := buildStore(ctx)
	defer closeStore(store)

	query := state.ListTasksQuery{Limit: 50}
	if filter := normalizeInput(positional); filter != "" {
		query.State = state.TaskState(filter)
	}
	tasks, err := store.ListTasks(ctx, query)
	if err != nil {
		log.Fatalf("failed to list tasks: %v", err)
	}
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return
	}
	for _, task := range tasks {
		line := fmt.Sprintf("%s  %-10s", task.TaskID, task.State)
		if task.UpdatedAt != nil {
			line += "  " + task.UpdatedAt.UTC().Format(time.RFC3339)
		}
		if task.Error != "" {
			line += "  " + task.Error
		}
		fmt.Println(line)
	}
}

func listEvents(ctx context.Context, args []string) {
	_, positional := parseArgs(args)
	taskID := normalizeInput(positional)
	if taskID == "" {
		log.Fatal("task id is required")
	}
	store, err := eventsqlite.New(config.Getenv("STEPFLOW_EVENTS_PATH", "./.stepflow/events.db"))
	if err != nil {
		log.Fatalf("failed to open event store: %v", err)
	}
	defer store.Close()

	events, err := store.ListEventsByTask(ctx, taskID, eventstore.ListQuery{Limit: 200})
	if err != nil {
		log.Fatalf("failed to list events: %v", err)
	}
	for _, event := range events {
		line := fmt.Sprintf("%s  %-10s %-10s %s", event.Timestamp.UTC().Format(time.RFC3339), event.Kind, event.Status, event.Name)
		if event.StepID != "" {
			line += "  step=" + event.StepID
		}
		if event.Error != "" {
			line += "  error=" + event.Error
		}
		fmt.Println(line)
	}
}

func showCatalog(args []string) {
	opts, _ := parseArgs(args)
	cat, _ := buildToolchain()

	defs := cat.Definitions()
	if opts.query != "" {
		defs = cat.Search(opts.query, opts.topK)
	}
	for _, def := range defs {
		fmt.Printf("%s@%s  risk=%s  tags=%s\n  %s\n",
			def.Name, def.Version, def.RiskLevel, strings.Join(def.Tags, ","), def.Description)
	}
}

// serveTools exposes the builtin tool registry over HTTP so remote
// executors can invoke it through the versioned protocol.
func serveTools(ctx context.Context, args []string) {
	opts, _ := parseArgs(args)
	registry := protocol.NewRegistry(tools.Builtin()...)

	mux := http.NewServeMux()
	mux.Handle(protocol.ExecutePath, protocol.Handler(registry))
	server := &http.Server{Addr: opts.addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("serving %d tool(s) on %s%s", len(registry.Definitions()), opts.addr, protocol.ExecutePath)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("tool server failed: %v", err)
	}
}

func loadPlan(path string) *plan.Plan {
	p, err := planfile.Load(path)
	if err != nil {
		log.Fatalf("failed to load plan: %v", err)
	}
	return p
}

func printOutcome(outcome types.TaskOutcome) {
	encoded, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		log.Printf("failed to encode outcome: %v", err)
		return
	}
	fmt.Println(string(encoded))
}
