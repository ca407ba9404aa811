package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/flowforgeHQ/stepflow-go/catalog"
	"github.com/flowforgeHQ/stepflow-go/types"
)

// Text-pipeline tools in the spirit of the classic line utilities. They
// operate on string payloads so they are safe to run in-process and cheap
// to exercise in tests.

type grepArgs struct {
	Input   string `json:"input" jsonschema:"description=Text to filter"`
	Pattern string `json:"pattern" jsonschema:"description=Substring to match,required"`
	Invert  bool   `json:"invert,omitempty" jsonschema:"description=Keep non-matching lines instead"`
}

type sortArgs struct {
	Input      string `json:"input" jsonschema:"description=Text to sort"`
	Descending bool   `json:"descending,omitempty"`
}

type headArgs struct {
	Input string `json:"input"`
	Lines int    `json:"lines" jsonschema:"description=Number of lines to keep,required"`
}

type uniqArgs struct {
	Input string `json:"input"`
	Count bool   `json:"count,omitempty" jsonschema:"description=Prefix each line with its occurrence count"`
}

type wcArgs struct {
	Input string `json:"input"`
	Mode  string `json:"mode,omitempty" jsonschema:"description=lines (default) | words | chars"`
}

func Grep() Tool {
	return NewFuncTool(types.ToolDefinition{
		Name:               "grep",
		Version:            "1.1",
		CompatibleVersions: []string{"1.0"},
		RiskLevel:          types.RiskSafe,
		Description:        "Search for patterns in text. Use for filtering lines matching a pattern.",
		Tags:               []string{"filter", "search", "text"},
		ParameterSchema:    catalog.MustSchemaFor(&grepArgs{}),
	}, func(_ context.Context, raw json.RawMessage) (string, error) {
		var args grepArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", fmt.Errorf("grep: invalid arguments: %w", err)
		}
		if args.Pattern == "" {
			return "", fmt.Errorf("grep: pattern is required")
		}
		var kept []string
		for _, line := range splitLines(args.Input) {
			if strings.Contains(line, args.Pattern) != args.Invert {
				kept = append(kept, line)
			}
		}
		return strings.Join(kept, "\n"), nil
	})
}

func Sort() Tool {
	return NewFuncTool(types.ToolDefinition{
		Name:            "sort",
		Version:         "1.0",
		RiskLevel:       types.RiskSafe,
		Description:     "Sort lines of text alphabetically.",
		Tags:            []string{"sort", "order", "text"},
		ParameterSchema: catalog.MustSchemaFor(&sortArgs{}),
	}, func(_ context.Context, raw json.RawMessage) (string, error) {
		var args sortArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", fmt.Errorf("sort: invalid arguments: %w", err)
		}
		lines := splitLines(args.Input)
		sort.Strings(lines)
		if args.Descending {
			for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
				lines[i], lines[j] = lines[j], lines[i]
			}
		}
		return strings.Join(lines, "\n"), nil
	})
}

func Head() Tool {
	return NewFuncTool(types.ToolDefinition{
		Name:            "head",
		Version:         "1.0",
		RiskLevel:       types.RiskSafe,
		Description:     "Show first N lines. Use for limiting output.",
		Tags:            []string{"limit", "filter", "text"},
		ParameterSchema: catalog.MustSchemaFor(&headArgs{}),
	}, func(_ context.Context, raw json.RawMessage) (string, error) {
		var args headArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", fmt.Errorf("head: invalid arguments: %w", err)
		}
		if args.Lines <= 0 {
			return "", fmt.Errorf("head: lines must be positive")
		}
		lines := splitLines(args.Input)
		if len(lines) > args.Lines {
			lines = lines[:args.Lines]
		}
		return strings.Join(lines, "\n"), nil
	})
}

func Uniq() Tool {
	return NewFuncTool(types.ToolDefinition{
		Name:            "uniq",
		Version:         "1.0",
		RiskLevel:       types.RiskSafe,
		Description:     "Remove duplicate lines, optionally counting occurrences.",
		Tags:            []string{"deduplicate", "count", "text"},
		ParameterSchema: catalog.MustSchemaFor(&uniqArgs{}),
	}, func(_ context.Context, raw json.RawMessage) (string, error) {
		var args uniqArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", fmt.Errorf("uniq: invalid arguments: %w", err)
		}
		counts := map[string]int{}
		var order []string
		for _, line := range splitLines(args.Input) {
			if counts[line] == 0 {
				order = append(order, line)
			}
			counts[line]++
		}
		out := make([]string, 0, len(order))
		for _, line := range order {
			if args.Count {
				out = append(out, fmt.Sprintf("%d %s", counts[line], line))
			} else {
				out = append(out, line)
			}
		}
		return strings.Join(out, "\n"), nil
	})
}

func WordCount() Tool {
	return NewFuncTool(types.ToolDefinition{
		Name:            "wc",
		Version:         "1.0",
		RiskLevel:       types.RiskSafe,
		Description:     "Count lines, words, or characters.",
		Tags:            []string{"count", "text"},
		ParameterSchema: catalog.MustSchemaFor(&wcArgs{}),
	}, func(_ context.Context, raw json.RawMessage) (string, error) {
		var args wcArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", fmt.Errorf("wc: invalid arguments: %w", err)
		}
		switch args.Mode {
		case "", "lines":
			return fmt.Sprintf("%d", len(splitLines(args.Input))), nil
		case "words":
			return fmt.Sprintf("%d", len(strings.Fields(args.Input))), nil
		case "chars":
			return fmt.Sprintf("%d", len(args.Input)), nil
		default:
			return "", fmt.Errorf("wc: unknown mode %q", args.Mode)
		}
	})
}

// Builtin returns the full local tool set in declaration order.
func Builtin() []Tool {
	return []Tool{Grep(), Sort(), Head(), Uniq(), WordCount()}
}

// RegisterBuiltin publishes every builtin tool definition into the catalog.
func RegisterBuiltin(c *catalog.Catalog) error {
	for _, tool := range Builtin() {
		if err := c.Register(tool.Definition()); err != nil {
			return err
		}
	}
	return nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}
