package cli

import (
	"context"
	"strings"
)

func Run(ctx context.Context, args []string) {
	if len(args) < 1 {
		printUsage()
		return
	}

	switch strings.TrimSpace(args[0]) {
	case "run":
		runPlan(ctx, args[1:])
	case "resume":
		resumeTask(ctx, args[1:])
	case "tasks":
		listTasks(ctx, args[1:])
	case "events":
		listEvents(ctx, args[1:])
	case "catalog":
		showCatalog(args[1:])
	case "serve-tools":
		serveTools(ctx, args[1:])
	case "help", "-h", "--help":
		printUsage()
	default:
		printUsage()
	}
}
