package spider

import (
	"sort"

	"github.com/spiderexpress/spiderexpress-go/spider/store"
)

// Aggregate folds raw edges into aggregated edges. Weight is the number
// of raw edges sharing the (source, target, layer) key; the declared
// aggregation columns are folded over the non-null values of their raw
// column. Groups appear in first-seen order of the raw input, so
// aggregating the same raw table twice yields identical output.
//
// Callers hand in the complete raw edge set for the keys being
// recomputed, never an increment: re-running aggregation is idempotent.
func Aggregate(raw []store.RawEdge, layer string, spec AggTableSpec) []store.AggEdge {
	groupIndex := make(map[store.EdgeKey]int)
	var groups []store.EdgeKey
	grouped := make(map[store.EdgeKey][]store.RawEdge)

	for _, e := range raw {
		key := e.Key()
		if _, ok := groupIndex[key]; !ok {
			groupIndex[key] = len(groups)
			groups = append(groups, key)
		}
		grouped[key] = append(grouped[key], e)
	}

	aggNames := make([]string, 0, len(spec.Columns))
	for name := range spec.Columns {
		aggNames = append(aggNames, name)
	}
	sort.Strings(aggNames)

	out := make([]store.AggEdge, 0, len(groups))
	for _, key := range groups {
		rows := grouped[key]
		edge := store.AggEdge{
			Source: key.Source,
			Target: key.Target,
			Layer:  layer,
			Weight: int64(len(rows)),
		}
		if len(aggNames) > 0 {
			edge.Attrs = make(map[string]any, len(aggNames))
			for _, name := range aggNames {
				agg := spec.Columns[name]
				source := agg.Column
				if source == "" {
					source = name
				}
				edge.Attrs[name] = fold(agg.Agg, rows, source)
			}
		}
		out = append(out, edge)
	}
	return out
}

// fold computes one aggregation over the non-null values of a raw
// column. Like their SQL counterparts, sum/min/max/avg of zero values
// are null; count is 0.
func fold(agg string, rows []store.RawEdge, column string) any {
	var values []int64
	nonNull := int64(0)
	for _, row := range rows {
		v, ok := row.Attrs[column]
		if !ok || v == nil {
			continue
		}
		nonNull++
		switch n := v.(type) {
		case int64:
			values = append(values, n)
		case int:
			values = append(values, int64(n))
		case float64:
			values = append(values, int64(n))
		}
	}

	if agg == AggCount {
		return nonNull
	}
	if len(values) == 0 {
		return nil
	}
	switch agg {
	case AggSum:
		var sum int64
		for _, v := range values {
			sum += v
		}
		return sum
	case AggMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min
	case AggMax:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	case AggAvg:
		var sum int64
		for _, v := range values {
			sum += v
		}
		return sum / int64(len(values))
	default:
		return nil
	}
}
