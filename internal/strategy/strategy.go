// Package strategy defines the pure strategy kernel contract and the
// built-in strategies. A strategy never touches the store or the clock:
// everything it may know arrives in the bar and the state, so the same
// inputs always produce the same signals.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"momentum-trader/pkg/types"
)

// Strategy is the kernel contract. Evaluate must be deterministic and free
// of side effects; it sees the current bar and state copied from bars
// already processed, never anything ahead of the cursor.
type Strategy interface {
	Name() string
	Version() string
	Evaluate(bar types.Bar, state types.State, params Params) []types.Signal
}

// Params is the strategy parameter bag from the run row.
type Params map[string]float64

// Pct reads a percentage parameter with uniform coercion: values above 1
// are treated as whole percent and divided by 100, so callers may pass
// either 30 or 0.30 for thirty percent.
func (p Params) Pct(key string, def float64) float64 {
	v, ok := p[key]
	if !ok {
		return coercePct(def)
	}
	return coercePct(v)
}

// Num reads a plain numeric parameter with a default.
func (p Params) Num(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

func coercePct(v float64) float64 {
	if v > 1 {
		return v / 100
	}
	return v
}

// ————————————————————————————————————————————————————————————————————————
// Registry
// ————————————————————————————————————————————————————————————————————————

var (
	regMu    sync.RWMutex
	registry = map[string]Strategy{}
)

func key(name, version string) string { return name + "@" + version }

// Register adds a strategy to the global registry. Called from init.
func Register(s Strategy) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[key(s.Name(), s.Version())] = s
}

// Lookup resolves a strategy by name and version.
func Lookup(name, version string) (Strategy, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	s, ok := registry[key(name, version)]
	if !ok {
		return nil, fmt.Errorf("strategy: unknown %s@%s", name, version)
	}
	return s, nil
}

// Registered lists all registered strategies, sorted for stable output.
func Registered() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
