package spider

import (
	"regexp"
	"sort"

	"github.com/spiderexpress/spiderexpress-go/spider/store"
)

// RoutedEdge is one edge produced by the router, addressed to a layer.
// SeedLayer is set when the emitting target spec dispatches to another
// layer; the target id is then enqueued as a seed there.
type RoutedEdge struct {
	Edge      store.RawEdge
	SeedLayer string
}

// RouteStats counts the silent drops of a routing pass. They are data
// conditions, not errors; the controller counts them in the
// records_dropped_total metric.
type RouteStats struct {
	RecordsDropped   int // records with a missing or empty source field
	PatternMisses    int // scalar values a target pattern did not match
	CoercionFailures int // extra values that failed type coercion
}

// Add accumulates another pass's counters.
func (s *RouteStats) Add(other RouteStats) {
	s.RecordsDropped += other.RecordsDropped
	s.PatternMisses += other.PatternMisses
	s.CoercionFailures += other.CoercionFailures
}

type compiledTarget struct {
	field        string
	pattern      *regexp.Regexp
	dispatchWith string
}

type compiledExtra struct {
	column  string
	colType store.ColumnType
	// fieldRef is the record field to copy from; empty when the spec
	// value is a literal.
	fieldRef string
	literal  any
}

type compiledSpec struct {
	source  string
	targets []compiledTarget
	extras  []compiledExtra
}

// Router translates connector records into typed edges for one layer.
// Compiled once at startup; Route itself is deterministic: identical
// records yield identical edges in identical order.
type Router struct {
	layer string
	specs []compiledSpec
}

// NewRouter compiles the router specifications of a layer. The specs are
// assumed to have passed config validation; compile errors here are
// config errors that slipped through and are returned as such.
func NewRouter(layer string, specs []RouterSpec, rawColumns map[string]store.ColumnType) (*Router, error) {
	r := &Router{layer: layer}
	for i, spec := range specs {
		cs := compiledSpec{source: spec.Source}
		for _, t := range spec.Targets {
			ct := compiledTarget{field: t.Field, dispatchWith: t.DispatchWith}
			if t.Pattern != "" {
				re, err := regexp.Compile(t.Pattern)
				if err != nil {
					return nil, configErrorf("routers", "layer %q router %d: %v", layer, i, err)
				}
				ct.pattern = re
			}
			cs.targets = append(cs.targets, ct)
		}

		// Extras are emitted in lexical column order so edge content is
		// stable regardless of YAML map iteration.
		extraNames := make([]string, 0, len(spec.Extras))
		for name := range spec.Extras {
			extraNames = append(extraNames, name)
		}
		sort.Strings(extraNames)
		for _, name := range extraNames {
			ce := compiledExtra{column: name, colType: rawColumns[name]}
			if fieldRef, ok := spec.Extras[name].(string); ok {
				ce.fieldRef = fieldRef
			} else {
				ce.literal = spec.Extras[name]
			}
			cs.extras = append(cs.extras, ce)
		}
		r.specs = append(r.specs, cs)
	}
	return r, nil
}

// Route transforms one record into zero or more edges. Emission order
// follows the order of the router specs, then the declared target specs,
// then the scalar order inside the target field, then the match order
// inside each scalar (a pattern emits one edge per match).
func (r *Router) Route(rec Record, iteration int) ([]RoutedEdge, RouteStats) {
	var out []RoutedEdge
	var stats RouteStats

	for _, spec := range r.specs {
		source := rec.Str(spec.source)
		if source == "" {
			stats.RecordsDropped++
			continue
		}

		attrs, coercions := r.resolveExtras(spec, rec)
		stats.CoercionFailures += coercions

		for _, target := range spec.targets {
			var ids []string
			for _, value := range rec.Strings(target.field) {
				if target.pattern == nil {
					ids = append(ids, value)
					continue
				}
				matches := target.pattern.FindAllStringSubmatch(value, -1)
				if matches == nil {
					stats.PatternMisses++
				}
				for _, groups := range matches {
					ids = append(ids, groups[1])
				}
			}
			for _, id := range ids {
				if id == "" {
					continue
				}
				edge := store.RawEdge{
					Source:    source,
					Target:    id,
					Layer:     r.layer,
					Iteration: iteration,
					Attrs:     attrs,
				}
				routed := RoutedEdge{Edge: edge}
				if target.dispatchWith != "" {
					routed.Edge.Layer = target.dispatchWith
					routed.SeedLayer = target.dispatchWith
				}
				out = append(out, routed)
			}
		}
	}
	return out, stats
}

// resolveExtras builds the edge attribute map for one spec and record. A
// string value names a record field; when the record lacks it the value
// is carried as a literal. Non-string scalars are always literals.
func (r *Router) resolveExtras(spec compiledSpec, rec Record) (map[string]any, int) {
	if len(spec.extras) == 0 {
		return nil, 0
	}
	attrs := make(map[string]any, len(spec.extras))
	failures := 0
	for _, extra := range spec.extras {
		var raw any
		switch {
		case extra.fieldRef != "" && rec.Has(extra.fieldRef):
			raw = rec[extra.fieldRef]
		case extra.fieldRef != "":
			raw = extra.fieldRef
		default:
			raw = extra.literal
		}
		coerced, ok := coerceValue(raw, extra.colType)
		if !ok {
			failures++
			coerced = nil
		}
		attrs[extra.column] = coerced
	}
	return attrs, failures
}
