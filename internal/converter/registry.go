package converter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/johndauphine/forum-converter/internal/config"
	"github.com/johndauphine/forum-converter/internal/step"
)

// Plan is what a converter definition builds for one run: its ordered
// steps and optional lifecycle hooks. Hooks may be nil.
type Plan struct {
	Steps []step.Descriptor

	// Setup runs once in the parent before the intermediate database is
	// opened. Worker processes never call it, so connections a step only
	// needs for Items or Execute belong here.
	Setup func(ctx context.Context) error

	BeforeStep func(ctx context.Context, desc step.Descriptor) error
	AfterStep  func(ctx context.Context, desc step.Descriptor, res StepResult) error

	// Close runs last, in the parent and in every worker.
	Close func() error
}

// Step returns the descriptor with the given name.
func (p *Plan) Step(name string) (step.Descriptor, bool) {
	for _, d := range p.Steps {
		if d.Name == name {
			return d, true
		}
	}
	return step.Descriptor{}, false
}

// Definition describes a registered converter.
type Definition struct {
	Name        string
	Description string
	Build       func(ctx context.Context, cfg *config.Config) (*Plan, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Definition{}
)

// Register makes a converter available by name. It panics on duplicates,
// which can only happen through a programming error in an init function.
func Register(def Definition) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if def.Name == "" || def.Build == nil {
		panic("converter: Register requires a name and a Build function")
	}
	if _, dup := registry[def.Name]; dup {
		panic(fmt.Sprintf("converter: %q registered twice", def.Name))
	}
	registry[def.Name] = def
}

// Lookup returns the converter registered under name.
func Lookup(name string) (Definition, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	def, ok := registry[name]
	if !ok {
		return Definition{}, fmt.Errorf("unknown converter %q", name)
	}
	return def, nil
}

// List returns every registered converter sorted by name.
func List() []Definition {
	registryMu.RLock()
	defer registryMu.RUnlock()
	defs := make([]Definition, 0, len(registry))
	for _, d := range registry {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// FilterSteps applies the only/skip lists. Names that match no step are
// an error so typos do not silently run everything.
func FilterSteps(steps []step.Descriptor, filter config.StepsFilter) ([]step.Descriptor, error) {
	known := make(map[string]bool, len(steps))
	for _, d := range steps {
		known[d.Name] = true
	}
	for _, list := range [][]string{filter.Only, filter.Skip} {
		for _, name := range list {
			if !known[name] {
				return nil, fmt.Errorf("invalid config: unknown step %q", name)
			}
		}
	}

	only := toSet(filter.Only)
	skip := toSet(filter.Skip)
	var out []step.Descriptor
	for _, d := range steps {
		if len(only) > 0 && !only[d.Name] {
			continue
		}
		if skip[d.Name] {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
