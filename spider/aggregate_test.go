package spider

import (
	"reflect"
	"testing"

	"github.com/spiderexpress/spiderexpress-go/spider/store"
)

func TestAggregateWeights(t *testing.T) {
	raw := []store.RawEdge{
		{Source: "a", Target: "b"},
		{Source: "a", Target: "c"},
		{Source: "a", Target: "b"},
		{Source: "d", Target: "b"},
		{Source: "a", Target: "b"},
	}
	agg := Aggregate(raw, "net", AggTableSpec{})
	if len(agg) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(agg))
	}
	byKey := map[store.EdgeKey]int64{}
	for _, e := range agg {
		byKey[e.Key()] = e.Weight
		if e.Layer != "net" {
			t.Errorf("layer not stamped: %+v", e)
		}
	}
	if byKey[store.EdgeKey{Source: "a", Target: "b"}] != 3 {
		t.Errorf("weight(a,b) = %d, want 3", byKey[store.EdgeKey{Source: "a", Target: "b"}])
	}
	if byKey[store.EdgeKey{Source: "a", Target: "c"}] != 1 {
		t.Errorf("weight(a,c) = %d, want 1", byKey[store.EdgeKey{Source: "a", Target: "c"}])
	}
	// Groups appear in first-seen order.
	if agg[0].Target != "b" || agg[1].Target != "c" || agg[2].Source != "d" {
		t.Errorf("group order: %+v", agg)
	}
}

func TestAggregateFolds(t *testing.T) {
	raw := []store.RawEdge{
		{Source: "a", Target: "b", Attrs: map[string]any{"views": int64(10), "kind": "reply"}},
		{Source: "a", Target: "b", Attrs: map[string]any{"views": int64(4)}},
		{Source: "a", Target: "b", Attrs: map[string]any{"views": int64(7), "kind": "quote"}},
	}
	spec := AggTableSpec{Columns: map[string]AggColumn{
		"views_sum":  {Column: "views", Agg: AggSum},
		"views_min":  {Column: "views", Agg: AggMin},
		"views_max":  {Column: "views", Agg: AggMax},
		"views_avg":  {Column: "views", Agg: AggAvg},
		"kind_count": {Column: "kind", Agg: AggCount},
	}}

	agg := Aggregate(raw, "net", spec)
	if len(agg) != 1 {
		t.Fatalf("expected 1 group, got %d", len(agg))
	}
	attrs := agg[0].Attrs
	want := map[string]any{
		"views_sum":  int64(21),
		"views_min":  int64(4),
		"views_max":  int64(10),
		"views_avg":  int64(7),
		"kind_count": int64(2),
	}
	for name, expected := range want {
		if attrs[name] != expected {
			t.Errorf("%s = %v, want %v", name, attrs[name], expected)
		}
	}
}

func TestAggregateNullColumns(t *testing.T) {
	raw := []store.RawEdge{
		{Source: "a", Target: "b", Attrs: map[string]any{}},
		{Source: "a", Target: "b"},
	}
	spec := AggTableSpec{Columns: map[string]AggColumn{
		"views": {Column: "views", Agg: AggSum},
		"seen":  {Column: "views", Agg: AggCount},
	}}
	agg := Aggregate(raw, "net", spec)
	if agg[0].Attrs["views"] != nil {
		t.Errorf("sum over no values should be null, got %v", agg[0].Attrs["views"])
	}
	if agg[0].Attrs["seen"] != int64(0) {
		t.Errorf("count over no values should be 0, got %v", agg[0].Attrs["seen"])
	}
}

func TestAggregateShorthandColumn(t *testing.T) {
	raw := []store.RawEdge{
		{Source: "a", Target: "b", Attrs: map[string]any{"views": int64(2)}},
		{Source: "a", Target: "b", Attrs: map[string]any{"views": int64(5)}},
	}
	// An AggColumn without an explicit source folds the same-named
	// raw column.
	spec := AggTableSpec{Columns: map[string]AggColumn{"views": {Agg: AggSum}}}
	agg := Aggregate(raw, "net", spec)
	if agg[0].Attrs["views"] != int64(7) {
		t.Errorf("shorthand fold = %v, want 7", agg[0].Attrs["views"])
	}
}

func TestAggregateIdempotent(t *testing.T) {
	raw := []store.RawEdge{
		{Source: "a", Target: "b", Attrs: map[string]any{"views": int64(1)}},
		{Source: "c", Target: "d", Attrs: map[string]any{"views": int64(2)}},
		{Source: "a", Target: "b", Attrs: map[string]any{"views": int64(3)}},
	}
	spec := AggTableSpec{Columns: map[string]AggColumn{"views": {Agg: AggSum}}}
	first := Aggregate(raw, "net", spec)
	second := Aggregate(raw, "net", spec)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("aggregation not idempotent:\n%+v\n%+v", first, second)
	}
}
