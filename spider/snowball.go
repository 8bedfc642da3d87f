package spider

import "context"

func snowballPlugin() StrategyPlugin {
	return StrategyPlugin{
		Sample:      snowballSample,
		StateSchema: "none (snowball is memoryless)",
	}
}

// snowballSample is random without the sampling: every inward edge is
// kept and every outward edge is emitted with its target as a seed. A
// configured layer_max_size caps the frontier; outward edges are taken
// in frame order, skipping those whose target would exceed the cap.
func snowballSample(_ context.Context, in SamplerInput) (SamplerResult, error) {
	maxSize := cfgInt(in.Config, "layer_max_size", 0)

	inward, outward := partitionEdges(in.Edges, in.KnownNodes)

	sampledOut := outward
	if maxSize > 0 {
		seen := make(map[string]bool)
		sampledOut = nil
		for _, e := range outward {
			if !seen[e.Target] && len(seen) >= maxSize {
				continue
			}
			seen[e.Target] = true
			sampledOut = append(sampledOut, e)
		}
	}

	result := SamplerResult{
		SampledEdges: append(inward, sampledOut...),
		NewSeeds:     uniqueTargets(sampledOut),
	}
	result.SampledNodes = nodesForFrontier(in, result.NewSeeds)
	result.NewState = in.State
	return result, nil
}
