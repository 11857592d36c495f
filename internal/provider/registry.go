package provider

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/praxisllmlab/luban/internal/model"
)

// Factory builds a backend adapter from options.
type Factory func(opts Options) Backend

var (
	mu       sync.RWMutex
	registry = make(map[string]Factory)
)

// Register adds a backend factory to the global registry.
// Typically called from backend package init() functions.
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = factory
}

// New creates the named backend adapter.
func New(name string, opts Options) (Backend, error) {
	mu.RLock()
	factory, ok := registry[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %q", model.ErrConfiguration, name)
	}
	return factory(opts), nil
}

// List returns all registered backend names in sorted order.
func List() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Determine picks a backend for a model when none was configured:
// OpenAI models go to the native adapter (which also has structured
// output support), Anthropic models to theirs, and everything else to
// the generic OpenAI-compatible adapter.
func Determine(modelName string, structured bool) string {
	lower := strings.ToLower(modelName)

	switch {
	case strings.HasPrefix(lower, "gpt-"),
		strings.HasPrefix(lower, "o1"),
		strings.HasPrefix(lower, "o3"),
		strings.HasPrefix(lower, "o4"),
		strings.HasPrefix(lower, "chatgpt"):
		log.Printf("model %s: using openai backend", modelName)
		return "openai"
	case strings.HasPrefix(lower, "claude"):
		log.Printf("model %s: using anthropic backend", modelName)
		return "anthropic"
	default:
		output := "text"
		if structured {
			output = "structured"
		}
		log.Printf("model %s: requesting %s output via openaicompat backend", modelName, output)
		return "openaicompat"
	}
}
