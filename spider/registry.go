package spider

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Connector is the data-source plug-in contract. Given a batch of node
// identifiers and its configuration dictionary it returns tabular edge
// and node records.
//
// Connectors signal retriable conditions by wrapping ErrTransient; any
// other error is treated as a plug-in failure for the batch.
type Connector func(ctx context.Context, ids []string, cfg map[string]any) (edges []Record, nodes []Record, err error)

// StrategyPlugin bundles a sampler with its registration metadata.
type StrategyPlugin struct {
	// Sample draws the next frontier from a layer's aggregated frame.
	Sample SamplerFunc

	// RequiredColumns extracts the edge and node columns the sampler's
	// configuration references, so the adapter can reject a missing
	// column before the sampler runs. Nil means no column references.
	RequiredColumns func(cfg map[string]any) (edgeColumns, nodeColumns []string)

	// StateSchema documents the shape of the sampler's opaque state
	// blob, keyed (layer, strategy) in the strategy_state table.
	StateSchema string
}

// Registry resolves configured plug-in names to callables. Plug-ins are
// registered once at startup; resolution happens before the first
// iteration so unknown names fail fast.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	strategies map[string]StrategyPlugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connectors: make(map[string]Connector),
		strategies: make(map[string]StrategyPlugin),
	}
}

// RegisterConnector adds a named connector. Duplicate names are an
// error: silent replacement would make configs behave differently
// depending on registration order.
func (r *Registry) RegisterConnector(name string, c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connectors[name]; exists {
		return fmt.Errorf("connector %q already registered", name)
	}
	if c == nil {
		return fmt.Errorf("connector %q is nil", name)
	}
	r.connectors[name] = c
	return nil
}

// RegisterStrategy adds a named sampling strategy.
func (r *Registry) RegisterStrategy(name string, p StrategyPlugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[name]; exists {
		return fmt.Errorf("strategy %q already registered", name)
	}
	if p.Sample == nil {
		return fmt.Errorf("strategy %q has no sampler", name)
	}
	r.strategies[name] = p
	return nil
}

// Connector resolves a connector by name.
func (r *Registry) Connector(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	return c, ok
}

// Strategy resolves a strategy by name.
func (r *Registry) Strategy(name string) (StrategyPlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.strategies[name]
	return p, ok
}

// ConnectorNames lists registered connectors in lexical order.
func (r *Registry) ConnectorNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StrategyNames lists registered strategies in lexical order.
func (r *Registry) StrategyNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultRegistry returns a registry with the built-in strategies
// (random, snowball, spikyball) already registered. Connectors are
// registered by their packages.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	// Registration of the built-ins cannot fail on a fresh registry.
	_ = r.RegisterStrategy("random", randomPlugin())
	_ = r.RegisterStrategy("snowball", snowballPlugin())
	_ = r.RegisterStrategy("spikyball", spikyballPlugin())
	return r
}
