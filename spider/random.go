package spider

import (
	"context"
	"sort"

	"github.com/spiderexpress/spiderexpress-go/spider/store"
)

// defaultSampleSize bounds random's outward draw and the spikyball
// frontier when the configuration doesn't set one. Snowball has no
// default cap.
const defaultSampleSize = 10

func randomPlugin() StrategyPlugin {
	return StrategyPlugin{
		Sample:      randomSample,
		StateSchema: "none (random is memoryless)",
	}
}

// randomSample keeps every inward edge verbatim and draws up to n
// outward edges uniformly without replacement. The unique targets of the
// sampled outward edges become the next frontier.
func randomSample(_ context.Context, in SamplerInput) (SamplerResult, error) {
	n := cfgInt(in.Config, "n", defaultSampleSize)

	inward, outward := partitionEdges(in.Edges, in.KnownNodes)
	sampledOut := sampleUniform(outward, n, in)

	result := SamplerResult{
		SampledEdges: append(inward, sampledOut...),
		NewSeeds:     uniqueTargets(sampledOut),
	}
	result.SampledNodes = nodesForFrontier(in, result.NewSeeds)
	result.NewState = in.State
	return result, nil
}

// partitionEdges splits an aggregated frame by whether the target has
// already been visited, preserving frame order within each part.
func partitionEdges(edges []store.AggEdge, known map[string]bool) (inward, outward []store.AggEdge) {
	for _, e := range edges {
		if known[e.Target] {
			inward = append(inward, e)
		} else {
			outward = append(outward, e)
		}
	}
	return inward, outward
}

// sampleUniform draws min(n, len(edges)) edges uniformly without
// replacement, returning them in frame order so output is stable for a
// given RNG sequence.
func sampleUniform(edges []store.AggEdge, n int, in SamplerInput) []store.AggEdge {
	if n >= len(edges) {
		return edges
	}
	if n <= 0 {
		return nil
	}
	perm := in.RNG.Perm(len(edges))
	chosen := append([]int(nil), perm[:n]...)
	sort.Ints(chosen)

	out := make([]store.AggEdge, 0, n)
	for _, i := range chosen {
		out = append(out, edges[i])
	}
	return out
}

// uniqueTargets lists the distinct targets of the edges in first-seen
// order.
func uniqueTargets(edges []store.AggEdge) []string {
	seen := make(map[string]bool, len(edges))
	var out []string
	for _, e := range edges {
		if !seen[e.Target] {
			seen[e.Target] = true
			out = append(out, e.Target)
		}
	}
	return out
}

// nodesForFrontier picks the node rows to keep in the sparse table: the
// new seeds plus already-visited nodes the layer knows about.
func nodesForFrontier(in SamplerInput, seeds []string) []store.Node {
	keep := make(map[string]bool, len(seeds))
	for _, id := range seeds {
		keep[id] = true
	}
	var out []store.Node
	for _, n := range in.Nodes {
		if keep[n.Name] || in.KnownNodes[n.Name] {
			out = append(out, n)
		}
	}
	return out
}
