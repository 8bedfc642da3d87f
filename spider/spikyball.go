package spider

import (
	"context"
	"sort"

	"github.com/spiderexpress/spiderexpress-go/spider/store"
)

// Spikyball configuration sub-sections.
const (
	cfgSourceNodeProbability = "source_node_probability"
	cfgTargetNodeProbability = "target_node_probability"
	cfgEdgeProbability       = "edge_probability"
)

func spikyballPlugin() StrategyPlugin {
	return StrategyPlugin{
		Sample:          spikyballSample,
		RequiredColumns: spikyballColumns,
		StateSchema:     "none (spikyball draws from the frame alone)",
	}
}

// probabilityTerm is one ρ·Σ wᵢ·xᵢ term of the spikyball weight.
type probabilityTerm struct {
	coefficient float64
	weights     map[string]float64
}

func parseProbabilityTerm(cfg map[string]any, key string) probabilityTerm {
	term := probabilityTerm{weights: map[string]float64{}}
	section, ok := cfg[key].(map[string]any)
	if !ok {
		return term
	}
	term.coefficient = cfgFloat(section, "coefficient", 0)
	if weights, ok := section["weights"].(map[string]any); ok {
		for column := range weights {
			term.weights[column] = cfgFloat(weights, column, 0)
		}
	}
	return term
}

// spikyballColumns reports the weight columns the configuration
// references, for adapter pre-validation.
func spikyballColumns(cfg map[string]any) (edgeColumns, nodeColumns []string) {
	for column := range parseProbabilityTerm(cfg, cfgEdgeProbability).weights {
		edgeColumns = append(edgeColumns, column)
	}
	for column := range parseProbabilityTerm(cfg, cfgSourceNodeProbability).weights {
		nodeColumns = append(nodeColumns, column)
	}
	for column := range parseProbabilityTerm(cfg, cfgTargetNodeProbability).weights {
		nodeColumns = append(nodeColumns, column)
	}
	return edgeColumns, nodeColumns
}

// spikyballSample draws outward edges without replacement, each with
// unnormalized weight
//
//	P = ρ_s·Σ w_s[i]·src[i] + ρ_t·Σ w_t[i]·tgt[i] + ρ_e·Σ w_e[i]·edge[i]
//
// where src and tgt are columns of the source and target node rows and
// edge the aggregated edge columns (weight included). Missing rows and
// columns contribute 0; empty weight vectors contribute 0. Inward edges
// are kept verbatim, as in the other strategies.
func spikyballSample(_ context.Context, in SamplerInput) (SamplerResult, error) {
	maxSize := cfgInt(in.Config, "layer_max_size", defaultSampleSize)

	srcTerm := parseProbabilityTerm(in.Config, cfgSourceNodeProbability)
	tgtTerm := parseProbabilityTerm(in.Config, cfgTargetNodeProbability)
	edgeTerm := parseProbabilityTerm(in.Config, cfgEdgeProbability)

	nodeAttrs := make(map[string]map[string]any, len(in.Nodes))
	for _, n := range in.Nodes {
		nodeAttrs[n.Name] = n.Attrs
	}

	inward, outward := partitionEdges(in.Edges, in.KnownNodes)

	weights := make([]float64, len(outward))
	for i, e := range outward {
		weights[i] = srcTerm.apply(nodeAttrs[e.Source]) +
			tgtTerm.apply(nodeAttrs[e.Target]) +
			edgeTerm.apply(edgeAttrs(e))
	}

	sampledOut := sampleWeighted(outward, weights, maxSize, in)

	result := SamplerResult{
		SampledEdges: append(inward, sampledOut...),
		NewSeeds:     uniqueTargets(sampledOut),
	}
	result.SampledNodes = nodesForFrontier(in, result.NewSeeds)
	result.NewState = in.State
	return result, nil
}

func (t probabilityTerm) apply(attrs map[string]any) float64 {
	if t.coefficient == 0 || len(t.weights) == 0 || attrs == nil {
		return 0
	}
	var sum float64
	for column, w := range t.weights {
		sum += w * numericValue(attrs, column)
	}
	return t.coefficient * sum
}

// edgeAttrs exposes an aggregated edge's columns to weighting, with the
// core weight column included under "weight".
func edgeAttrs(e store.AggEdge) map[string]any {
	attrs := make(map[string]any, len(e.Attrs)+1)
	for k, v := range e.Attrs {
		attrs[k] = v
	}
	attrs["weight"] = e.Weight
	return attrs
}

// sampleWeighted draws up to n edges without replacement, each draw
// proportional to the remaining unnormalized weights. Non-positive
// weights never win a draw while any positive weight remains; an
// all-non-positive pool degrades to a uniform draw.
func sampleWeighted(edges []store.AggEdge, weights []float64, n int, in SamplerInput) []store.AggEdge {
	if n >= len(edges) {
		return edges
	}
	if n <= 0 {
		return nil
	}

	remaining := make([]int, len(edges))
	for i := range remaining {
		remaining[i] = i
	}
	w := append([]float64(nil), weights...)

	var chosen []int
	for len(chosen) < n && len(remaining) > 0 {
		var total float64
		for _, i := range remaining {
			if w[i] > 0 {
				total += w[i]
			}
		}

		var pickPos int
		if total <= 0 {
			pickPos = in.RNG.Intn(len(remaining))
		} else {
			r := in.RNG.Float64() * total
			for pos, i := range remaining {
				if w[i] <= 0 {
					continue
				}
				r -= w[i]
				if r < 0 {
					pickPos = pos
					break
				}
				// Float underflow on the last element: keep it.
				pickPos = pos
			}
		}
		chosen = append(chosen, remaining[pickPos])
		remaining = append(remaining[:pickPos], remaining[pickPos+1:]...)
	}

	// Frame order keeps output deterministic for a fixed RNG sequence.
	sort.Ints(chosen)
	out := make([]store.AggEdge, 0, len(chosen))
	for _, i := range chosen {
		out = append(out, edges[i])
	}
	return out
}
