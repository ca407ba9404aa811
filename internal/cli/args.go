package cli

import (
	"log"
	"strings"

	"github.com/flowforgeHQ/stepflow-go/state"
)

type cliOptions struct {
	planPath   string
	configPath string
	strategy   string
	query      string
	topK       int
	addr       string
	continueOn bool
}

func parseArgs(args []string) (cliOptions, []string) {
	opts := cliOptions{topK: 5, addr: "127.0.0.1:8633"}
	positional := make([]string, 0, len(args))
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--plan="):
			opts.planPath = strings.TrimSpace(strings.TrimPrefix(arg, "--plan="))
		case strings.HasPrefix(arg, "--config="):
			opts.configPath = strings.TrimSpace(strings.TrimPrefix(arg, "--config="))
		case strings.HasPrefix(arg, "--strategy="):
			opts.strategy = strings.TrimSpace(strings.TrimPrefix(arg, "--strategy="))
		case strings.HasPrefix(arg, "--query="):
			opts.query = strings.TrimSpace(strings.TrimPrefix(arg, "--query="))
		case strings.HasPrefix(arg, "--top-k="):
			opts.topK = parseIntArg(strings.TrimPrefix(arg, "--top-k="), opts.topK)
		case strings.HasPrefix(arg, "--addr="):
			opts.addr = strings.TrimSpace(strings.TrimPrefix(arg, "--addr="))
		case arg == "--continue-on-failure":
			opts.continueOn = true
		default:
			positional = append(positional, arg)
		}
	}
	return opts, positional
}

func parseIntArg(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	n := 0
	for _, r := range raw {
		if r < '0' || r > '9' {
			return fallback
		}
		n = n*10 + int(r-'0')
	}
	return n
}

func normalizeInput(args []string) string {
	if len(args) > 0 && strings.TrimSpace(args[0]) == "--" {
		args = args[1:]
	}
	return strings.TrimSpace(strings.Join(args, " "))
}

func closeStore(store state.Store) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		log.Printf("state store close failed: %v", err)
	}
}
