package spider

import (
	"reflect"
	"testing"

	"github.com/spiderexpress/spiderexpress-go/spider/store"
)

func mustRouter(t *testing.T, layer string, specs []RouterSpec, columns map[string]store.ColumnType) *Router {
	t.Helper()
	r, err := NewRouter(layer, specs, columns)
	if err != nil {
		t.Fatalf("compile router: %v", err)
	}
	return r
}

func TestRouterPatternEmission(t *testing.T) {
	r := mustRouter(t, "net", []RouterSpec{{
		Source:  "from",
		Targets: []TargetSpec{{Field: "body", Pattern: `@(\w+)`}},
	}}, nil)

	edges, stats := r.Route(Record{"from": "a", "body": "see @bob and @carol"}, 0)
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(edges))
	}
	if edges[0].Edge.Source != "a" || edges[0].Edge.Target != "bob" {
		t.Errorf("first edge: %+v", edges[0].Edge)
	}
	if edges[1].Edge.Target != "carol" {
		t.Errorf("second edge: %+v", edges[1].Edge)
	}
	if stats.PatternMisses != 0 {
		t.Errorf("unexpected pattern misses: %d", stats.PatternMisses)
	}
}

func TestRouterListField(t *testing.T) {
	r := mustRouter(t, "net", []RouterSpec{{
		Source:  "from",
		Targets: []TargetSpec{{Field: "to"}},
	}}, nil)

	edges, _ := r.Route(Record{"from": "a", "to": []any{"b", "c", "d"}}, 3)
	if len(edges) != 3 {
		t.Fatalf("expected 3 edges, got %d", len(edges))
	}
	for i, want := range []string{"b", "c", "d"} {
		if edges[i].Edge.Target != want {
			t.Errorf("edge %d: got %q, want %q", i, edges[i].Edge.Target, want)
		}
		if edges[i].Edge.Iteration != 3 {
			t.Errorf("edge %d iteration: got %d", i, edges[i].Edge.Iteration)
		}
	}
}

func TestRouterMissingSourceDropsRecord(t *testing.T) {
	r := mustRouter(t, "net", []RouterSpec{{
		Source:  "from",
		Targets: []TargetSpec{{Field: "to"}},
	}}, nil)

	for _, rec := range []Record{{"to": "b"}, {"from": "", "to": "b"}} {
		edges, stats := r.Route(rec, 0)
		if len(edges) != 0 {
			t.Errorf("record %v: expected no edges, got %d", rec, len(edges))
		}
		if stats.RecordsDropped != 1 {
			t.Errorf("record %v: expected 1 dropped, got %d", rec, stats.RecordsDropped)
		}
	}
}

func TestRouterPatternMissIsSilent(t *testing.T) {
	r := mustRouter(t, "net", []RouterSpec{{
		Source:  "from",
		Targets: []TargetSpec{{Field: "body", Pattern: `@(\w+)`}},
	}}, nil)

	edges, stats := r.Route(Record{"from": "a", "body": "no mentions here"}, 0)
	if len(edges) != 0 {
		t.Fatalf("expected no edges, got %d", len(edges))
	}
	if stats.PatternMisses != 1 {
		t.Errorf("expected 1 pattern miss, got %d", stats.PatternMisses)
	}
}

func TestRouterDispatchAddressesOtherLayer(t *testing.T) {
	r := mustRouter(t, "posts", []RouterSpec{{
		Source: "from",
		Targets: []TargetSpec{
			{Field: "to"},
			{Field: "mentions", DispatchWith: "users"},
		},
	}}, nil)

	edges, _ := r.Route(Record{"from": "a", "to": "b", "mentions": []any{"carol"}}, 0)
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(edges))
	}
	if edges[0].Edge.Layer != "posts" || edges[0].SeedLayer != "" {
		t.Errorf("plain edge misrouted: %+v", edges[0])
	}
	if edges[1].Edge.Layer != "users" || edges[1].SeedLayer != "users" {
		t.Errorf("dispatch edge misrouted: %+v", edges[1])
	}
	if edges[1].Edge.Target != "carol" {
		t.Errorf("dispatch target: %q", edges[1].Edge.Target)
	}
}

func TestRouterExtras(t *testing.T) {
	columns := map[string]store.ColumnType{
		"views": store.ColumnInteger,
		"kind":  store.ColumnText,
	}

	t.Run("field reference", func(t *testing.T) {
		r := mustRouter(t, "net", []RouterSpec{{
			Source:  "from",
			Targets: []TargetSpec{{Field: "to"}},
			Extras:  map[string]any{"views": "view_count", "kind": "kind"},
		}}, columns)

		edges, stats := r.Route(Record{"from": "a", "to": "b", "view_count": "41", "kind": "reply"}, 0)
		if len(edges) != 1 {
			t.Fatalf("expected 1 edge, got %d", len(edges))
		}
		if edges[0].Edge.Attrs["views"] != int64(41) {
			t.Errorf("views attr: %v", edges[0].Edge.Attrs["views"])
		}
		if edges[0].Edge.Attrs["kind"] != "reply" {
			t.Errorf("kind attr: %v", edges[0].Edge.Attrs["kind"])
		}
		if stats.CoercionFailures != 0 {
			t.Errorf("unexpected coercion failures: %d", stats.CoercionFailures)
		}
	})

	t.Run("literal fallback", func(t *testing.T) {
		r := mustRouter(t, "net", []RouterSpec{{
			Source:  "from",
			Targets: []TargetSpec{{Field: "to"}},
			Extras:  map[string]any{"kind": "retweet", "views": 7},
		}}, columns)

		edges, _ := r.Route(Record{"from": "a", "to": "b"}, 0)
		if edges[0].Edge.Attrs["kind"] != "retweet" {
			t.Errorf("literal string not carried: %v", edges[0].Edge.Attrs["kind"])
		}
		if edges[0].Edge.Attrs["views"] != int64(7) {
			t.Errorf("literal int not carried: %v", edges[0].Edge.Attrs["views"])
		}
	})

	t.Run("coercion failure yields null", func(t *testing.T) {
		r := mustRouter(t, "net", []RouterSpec{{
			Source:  "from",
			Targets: []TargetSpec{{Field: "to"}},
			Extras:  map[string]any{"views": "view_count"},
		}}, columns)

		edges, stats := r.Route(Record{"from": "a", "to": "b", "view_count": "not-a-number"}, 0)
		if stats.CoercionFailures != 1 {
			t.Fatalf("expected 1 coercion failure, got %d", stats.CoercionFailures)
		}
		if v := edges[0].Edge.Attrs["views"]; v != nil {
			t.Errorf("expected null views, got %v", v)
		}
	})
}

func TestRouterDeterminism(t *testing.T) {
	r := mustRouter(t, "net", []RouterSpec{
		{Source: "from", Targets: []TargetSpec{{Field: "body", Pattern: `@(\w+)`}, {Field: "to"}}},
		{Source: "author", Targets: []TargetSpec{{Field: "reposts"}}},
	}, nil)

	rec := Record{
		"from": "a", "to": []any{"x", "y"}, "body": "@m @n",
		"author": "a", "reposts": []any{"p"},
	}
	first, _ := r.Route(rec, 0)
	for i := 0; i < 10; i++ {
		again, _ := r.Route(rec, 0)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("routing not deterministic: %+v vs %+v", first, again)
		}
	}

	want := []string{"m", "n", "x", "y", "p"}
	if len(first) != len(want) {
		t.Fatalf("expected %d edges, got %d", len(want), len(first))
	}
	for i, target := range want {
		if first[i].Edge.Target != target {
			t.Errorf("edge %d: got %q, want %q", i, first[i].Edge.Target, target)
		}
	}
}
