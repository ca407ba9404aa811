// Package catalog is the indexed registry of published tool definitions.
// A catalog is an explicit instance passed to whatever needs it; there is
// no process-global registry.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/flowforgeHQ/stepflow-go/types"
)

var ErrUnknownTool = errors.New("catalog: unknown tool")

const (
	descriptionWeight = 2
	tagWeight         = 1
)

type Catalog struct {
	mu      sync.RWMutex
	entries []types.ToolDefinition
	index   map[string]int // name@version -> position in entries
	byName  map[string][]int
}

func New() *Catalog {
	return &Catalog{
		index:  map[string]int{},
		byName: map[string][]int{},
	}
}

// Register publishes a tool definition. Definitions are immutable: a second
// registration of the same name+version is rejected, new behavior means a
// new version.
func (c *Catalog) Register(def types.ToolDefinition) error {
	def.Name = strings.TrimSpace(def.Name)
	def.Version = strings.TrimSpace(def.Version)
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Version == "" {
		return fmt.Errorf("tool %q version is required", def.Name)
	}
	if def.RiskLevel == "" {
		def.RiskLevel = types.RiskSafe
	}
	if !def.RiskLevel.Valid() {
		return fmt.Errorf("tool %q has invalid risk level %q", def.Name, def.RiskLevel)
	}

	key := def.Name + "@" + def.Version
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.index[key]; exists {
		return fmt.Errorf("tool %q version %q already registered", def.Name, def.Version)
	}
	pos := len(c.entries)
	c.entries = append(c.entries, def)
	c.index[key] = pos
	c.byName[def.Name] = append(c.byName[def.Name], pos)
	return nil
}

func (c *Catalog) MustRegister(def types.ToolDefinition) {
	if err := c.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns every registered version of a tool in declaration order.
func (c *Catalog) Lookup(name string) ([]types.ToolDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	positions, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	out := make([]types.ToolDefinition, 0, len(positions))
	for _, pos := range positions {
		out = append(out, c.entries[pos])
	}
	return out, nil
}

// Resolve returns the definition serving the requested version: an exact
// version match wins, otherwise the first registered version listing it as
// compatible. An empty requested version resolves to the first registered
// version. ok is false when the name exists but no version serves the
// request; the caller decides what error that is.
func (c *Catalog) Resolve(name, requested string) (types.ToolDefinition, bool, error) {
	defs, err := c.Lookup(name)
	if err != nil {
		return types.ToolDefinition{}, false, err
	}
	if requested == "" {
		return defs[0], true, nil
	}
	for _, def := range defs {
		if def.Version == requested {
			return def, true, nil
		}
	}
	for _, def := range defs {
		if def.Compatible(requested) {
			return def, true, nil
		}
	}
	return types.ToolDefinition{}, false, nil
}

// Definitions returns all registered definitions in declaration order.
func (c *Catalog) Definitions() []types.ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]types.ToolDefinition(nil), c.entries...)
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Search scores each tool by query-term occurrences in its description
// (weighted higher) and tags (weighted lower) and returns the topK by
// descending score, ties broken by declaration order. Bounding the result
// set keeps huge catalogs from being dumped wholesale on the planner.
func (c *Catalog) Search(query string, topK int) []types.ToolDefinition {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 || topK <= 0 {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	type scored struct {
		pos   int
		score int
	}
	matches := make([]scored, 0, len(c.entries))
	for pos, def := range c.entries {
		desc := strings.ToLower(def.Description)
		score := 0
		for _, term := range terms {
			score += strings.Count(desc, term) * descriptionWeight
			for _, tag := range def.Tags {
				if strings.Contains(strings.ToLower(tag), term) {
					score += tagWeight
				}
			}
		}
		if score > 0 {
			matches = append(matches, scored{pos: pos, score: score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	out := make([]types.ToolDefinition, 0, len(matches))
	for _, m := range matches {
		out = append(out, c.entries[m.pos])
	}
	return out
}
