package spider

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/spiderexpress/spiderexpress-go/spider/store"
)

// SamplerInput is the full view a sampler sees of one layer. Samplers
// are pure: all memory between iterations travels through State.
type SamplerInput struct {
	// Layer names the layer being sampled.
	Layer string

	// Edges is the aggregated edge frame of this iteration.
	Edges []store.AggEdge

	// Nodes is the node frame of the layer (the dense view).
	Nodes []store.Node

	// KnownNodes is the set of node ids already visited (status done).
	KnownNodes map[string]bool

	// State is the sampler's previous state blob; nil on the first call.
	State []byte

	// Config is the configuration dictionary declared under the
	// sampler's name.
	Config map[string]any

	// RNG is the run's deterministic random source. Samplers must use
	// it instead of the global generator so a resumed run draws the
	// same sequence.
	RNG *rand.Rand
}

// SamplerResult is what a sampler hands back to the engine.
type SamplerResult struct {
	// NewSeeds are the node ids to enqueue for the next iteration, in
	// visit order.
	NewSeeds []string

	// SampledEdges are persisted into the sparse aggregated edge table.
	// Must be a subset of the input Edges.
	SampledEdges []store.AggEdge

	// SampledNodes are persisted into the sparse node table.
	SampledNodes []store.Node

	// NewState replaces the sampler's state blob. Nil clears it.
	NewState []byte
}

// SamplerFunc is the sampling strategy plug-in contract.
type SamplerFunc func(ctx context.Context, in SamplerInput) (SamplerResult, error)

// validateSamplerColumns rejects a sampler configuration referencing
// columns absent from the layer's tables, before the sampler runs.
func validateSamplerColumns(layer, strategy string, plugin StrategyPlugin, cfg map[string]any, schema store.LayerSchema) error {
	if plugin.RequiredColumns == nil {
		return nil
	}
	edgeCols, nodeCols := plugin.RequiredColumns(cfg)

	known := make(map[string]bool)
	known["weight"] = true
	for _, c := range schema.AggEdgeColumns {
		known[c.Name] = true
	}
	for _, col := range edgeCols {
		if !known[col] {
			return configErrorf(
				fmt.Sprintf("layers.%s.sampler.%s", layer, strategy),
				"edge weight column %q is not declared in edge_agg_table.columns", col)
		}
	}

	known = make(map[string]bool)
	for _, c := range schema.NodeColumns {
		known[c.Name] = true
	}
	for _, col := range nodeCols {
		if !known[col] {
			return configErrorf(
				fmt.Sprintf("layers.%s.sampler.%s", layer, strategy),
				"node weight column %q is not declared in node_table.columns", col)
		}
	}
	return nil
}

// checkSamplerResult rejects malformed sampler output: sampled edges
// must come from the input frame, seeds from sampled edge targets, and
// sampled nodes from the seeds or the visited set.
func checkSamplerResult(layer, strategy string, in SamplerInput, out SamplerResult) error {
	inputKeys := make(map[store.EdgeKey]bool, len(in.Edges))
	for _, e := range in.Edges {
		inputKeys[e.Key()] = true
	}
	targets := make(map[string]bool, len(out.SampledEdges))
	for _, e := range out.SampledEdges {
		if !inputKeys[e.Key()] {
			return &PluginError{Kind: "strategy", Name: strategy, Layer: layer,
				Err: fmt.Errorf("sampled edge (%s, %s) is not in the input frame", e.Source, e.Target)}
		}
		targets[e.Target] = true
	}
	seeds := make(map[string]bool, len(out.NewSeeds))
	for _, id := range out.NewSeeds {
		if !targets[id] {
			return &PluginError{Kind: "strategy", Name: strategy, Layer: layer,
				Err: fmt.Errorf("seed %q is not a sampled edge target", id)}
		}
		seeds[id] = true
	}
	for _, n := range out.SampledNodes {
		if !seeds[n.Name] && !in.KnownNodes[n.Name] {
			return &PluginError{Kind: "strategy", Name: strategy, Layer: layer,
				Err: fmt.Errorf("sampled node %q is neither a new seed nor a known node", n.Name)}
		}
	}
	return nil
}

// cfgInt reads an integer from a plug-in configuration dictionary.
func cfgInt(cfg map[string]any, key string, fallback int) int {
	v, ok := cfg[key]
	if !ok || v == nil {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return fallback
	}
}

// cfgFloat reads a float from a plug-in configuration dictionary.
func cfgFloat(cfg map[string]any, key string, fallback float64) float64 {
	v, ok := cfg[key]
	if !ok || v == nil {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return fallback
	}
}
