package cli

import "fmt"

func printUsage() {
	fmt.Println("stepflow CLI")
	fmt.Println("Usage:")
	fmt.Println("  stepflow run --plan=plan.yaml [--config=stepflow.yaml] [--strategy=every_step] [--continue-on-failure]")
	fmt.Println("  stepflow resume --plan=plan.yaml <task-id>")
	fmt.Println("  stepflow tasks [state]")
	fmt.Println("  stepflow events <task-id>")
	fmt.Println("  stepflow catalog [--query=filter] [--top-k=5]")
	fmt.Println("  stepflow serve-tools [--addr=127.0.0.1:8633]")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  STEPFLOW_STATE_BACKEND       sqlite (default) or redis")
	fmt.Println("  STEPFLOW_SQLITE_PATH         sqlite state db path")
	fmt.Println("  STEPFLOW_REDIS_ADDR          redis address for the redis backend")
	fmt.Println("  STEPFLOW_EVENTS_PATH         sqlite event log path")
	fmt.Println("  STEPFLOW_CHECKPOINT_STRATEGY every_step | every_iteration | on_state_change")
	fmt.Println("  STEPFLOW_CHECKPOINT_KEEP     checkpoints retained per task")
	fmt.Println("  STEPFLOW_MAX_RETRIES         attempts per step")
}
