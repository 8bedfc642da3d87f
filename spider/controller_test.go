package spider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/spiderexpress/spiderexpress-go/spider/store"
)

// graphConnector serves a fixed adjacency list: every requested id gets
// its outgoing edges plus a node row for itself.
func graphConnector(adjacency map[string][]string) Connector {
	return func(_ context.Context, ids []string, _ map[string]any) ([]Record, []Record, error) {
		var edges, nodes []Record
		for _, id := range ids {
			for _, target := range adjacency[id] {
				edges = append(edges, Record{"from": id, "to": target})
			}
			nodes = append(nodes, Record{"name": id})
		}
		return edges, nodes, nil
	}
}

func singleLayerConfig(maxIteration int, sampler PluginRef) *Config {
	cfg := &Config{
		ProjectName:  "test",
		MaxIteration: maxIteration,
		BatchSize:    10,
		EmptySeeds:   EmptySeedsContinue,
		Seeds:        SeedSet{ByLayer: map[string][]string{"net": {"a"}}},
		Layers: map[string]*LayerConfig{
			"net": {
				Connector: PluginRef{Name: "graph", Config: map[string]any{}},
				Routers: []RouterSpec{{
					Source:  "from",
					Targets: []TargetSpec{{Field: "to"}},
				}},
				Sampler: sampler,
			},
		},
	}
	return cfg
}

func newTestEngine(t *testing.T, cfg *Config, st store.Store, conn Connector, extra ...Option) *Engine {
	t.Helper()
	registry := DefaultRegistry()
	if err := registry.RegisterConnector("graph", conn); err != nil {
		t.Fatalf("register connector: %v", err)
	}
	opts := append([]Option{
		WithRetryPolicy(fastRetry),
		WithRunID("test-run"),
	}, extra...)
	engine, err := New(cfg, st, registry, opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func TestEngineSingleIterationRandom(t *testing.T) {
	// One seed, three outward edges, n=2: the sparse frame keeps two
	// sampled outward edges and the next frontier has their targets.
	st := store.NewMemStore(nil)
	cfg := singleLayerConfig(1, PluginRef{Name: "random", Config: map[string]any{"n": 2}})
	conn := graphConnector(map[string][]string{"a": {"b", "c", "d"}})
	engine := newTestEngine(t, cfg, st, conn)

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	ctx := context.Background()
	state, err := st.LoadState(ctx)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if state.Iteration != 1 {
		t.Errorf("iteration: got %d, want 1", state.Iteration)
	}
	if state.Phase != PhaseStopping {
		t.Errorf("phase: got %q", state.Phase)
	}
	if state.RunID != "test-run" {
		t.Errorf("run id not persisted: %q", state.RunID)
	}

	frame, err := st.ReadLayerFrame(ctx, "net")
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if len(frame.Edges) != 2 {
		t.Fatalf("sparse edges: got %d, want 2", len(frame.Edges))
	}
	outward := map[string]bool{"b": true, "c": true, "d": true}
	for _, e := range frame.Edges {
		if e.Source != "a" || !outward[e.Target] {
			t.Errorf("unexpected sparse edge: %+v", e)
		}
		if e.Weight != 1 {
			t.Errorf("weight: %+v", e)
		}
	}

	pending, err := st.PendingCount(ctx, "net")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending != 2 {
		t.Errorf("next frontier: got %d pending, want 2", pending)
	}
}

func TestEngineMaxIterationBound(t *testing.T) {
	// A long chain with snowball never runs out of frontier; the
	// iteration budget must stop it.
	adjacency := map[string][]string{}
	prev := "a"
	for i := 0; i < 20; i++ {
		next := fmt.Sprintf("n%d", i)
		adjacency[prev] = []string{next}
		prev = next
	}
	st := store.NewMemStore(nil)
	cfg := singleLayerConfig(3, PluginRef{Name: "snowball", Config: map[string]any{}})
	engine := newTestEngine(t, cfg, st, graphConnector(adjacency))

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if engine.Iteration() != 3 {
		t.Errorf("iteration: got %d, want 3", engine.Iteration())
	}

	state, _ := st.LoadState(context.Background())
	if state.Iteration != 3 {
		t.Errorf("persisted iteration: got %d, want 3", state.Iteration)
	}
}

func TestEngineRetryExhaustion(t *testing.T) {
	// The connector never recovers: the batch's seeds end failed, the
	// iteration still completes and AppState advances by one.
	conn := func(_ context.Context, ids []string, _ map[string]any) ([]Record, []Record, error) {
		return nil, nil, fmt.Errorf("upstream down: %w", ErrTransient)
	}
	st := store.NewMemStore(nil)
	cfg := singleLayerConfig(5, PluginRef{Name: "random", Config: map[string]any{}})
	engine := newTestEngine(t, cfg, st, conn)

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	ctx := context.Background()
	state, _ := st.LoadState(ctx)
	if state.Iteration < 1 {
		t.Errorf("iteration did not advance: %d", state.Iteration)
	}
	done, _ := st.DoneSeeds(ctx, "net")
	if len(done) != 0 {
		t.Errorf("failed seed ended done: %v", done)
	}
	pending, _ := st.PendingCount(ctx, "net")
	if pending != 0 {
		t.Errorf("failed seed still pending: %d", pending)
	}
}

func TestEnginePluginErrorMarksSeedsFailed(t *testing.T) {
	conn := func(_ context.Context, ids []string, _ map[string]any) ([]Record, []Record, error) {
		return nil, nil, errors.New("malformed frame")
	}
	st := store.NewMemStore(nil)
	cfg := singleLayerConfig(5, PluginRef{Name: "random", Config: map[string]any{}})
	engine := newTestEngine(t, cfg, st, conn)

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	done, _ := st.DoneSeeds(context.Background(), "net")
	if len(done) != 0 {
		t.Errorf("seed ended done after plugin error: %v", done)
	}
}

func TestEngineDispatchAcrossLayers(t *testing.T) {
	// The posts router dispatches mentions onto the users layer: the
	// edge lands on users and its target queues there, not on posts.
	conn := func(_ context.Context, ids []string, _ map[string]any) ([]Record, []Record, error) {
		var edges []Record
		for _, id := range ids {
			if id == "post1" {
				edges = append(edges, Record{"from": id, "mentions": []any{"bob"}})
			}
		}
		return edges, nil, nil
	}
	cfg := &Config{
		MaxIteration: 1,
		BatchSize:    10,
		EmptySeeds:   EmptySeedsContinue,
		Seeds:        SeedSet{ByLayer: map[string][]string{"posts": {"post1"}}},
		Layers: map[string]*LayerConfig{
			"posts": {
				Connector: PluginRef{Name: "graph"},
				Routers: []RouterSpec{{
					Source:  "from",
					Targets: []TargetSpec{{Field: "mentions", DispatchWith: "users"}},
				}},
				Sampler: PluginRef{Name: "snowball"},
			},
			"users": {
				Connector: PluginRef{Name: "graph"},
				Routers: []RouterSpec{{
					Source:  "from",
					Targets: []TargetSpec{{Field: "to"}},
				}},
				Sampler: PluginRef{Name: "snowball"},
			},
		},
	}
	st := store.NewMemStore(nil)
	engine := newTestEngine(t, cfg, st, conn)

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	ctx := context.Background()
	usersRaw, err := st.RawEdges(ctx, "users", nil)
	if err != nil {
		t.Fatalf("users raw: %v", err)
	}
	if len(usersRaw) != 1 || usersRaw[0].Target != "bob" {
		t.Fatalf("dispatch edge not on users: %+v", usersRaw)
	}
	postsRaw, _ := st.RawEdges(ctx, "posts", nil)
	if len(postsRaw) != 0 {
		t.Errorf("dispatch edge leaked onto posts: %+v", postsRaw)
	}
	usersPending, _ := st.PendingCount(ctx, "users")
	if usersPending != 1 {
		t.Errorf("bob not queued on users: %d pending", usersPending)
	}
	postsPending, _ := st.PendingCount(ctx, "posts")
	if postsPending != 0 {
		t.Errorf("unexpected posts frontier: %d pending", postsPending)
	}
}

func TestEngineResume(t *testing.T) {
	// Stop after one iteration, then resume with a fresh engine on the
	// same store: the run id sticks and the crawl continues where the
	// first run committed.
	adjacency := map[string][]string{"a": {"b"}, "b": {"c"}, "c": {"d"}}
	st := store.NewMemStore(nil)

	first := newTestEngine(t, singleLayerConfig(1, PluginRef{Name: "snowball"}), st,
		graphConnector(adjacency))
	if err := first.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.Iteration() != 1 {
		t.Fatalf("first run iteration: %d", first.Iteration())
	}

	second := newTestEngine(t, singleLayerConfig(3, PluginRef{Name: "snowball"}), st,
		graphConnector(adjacency), WithRunID("other-run"))
	if err := second.Run(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.RunID() != "test-run" {
		t.Errorf("resume did not keep the persisted run id: %q", second.RunID())
	}
	if second.Iteration() != 3 {
		t.Errorf("resumed iteration: got %d, want 3", second.Iteration())
	}

	done, _ := st.DoneSeeds(context.Background(), "net")
	if len(done) != 3 { // a, b, c visited across both runs
		t.Errorf("visited seeds: %v", done)
	}
}

func TestEngineCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st := store.NewMemStore(nil)
	cfg := singleLayerConfig(5, PluginRef{Name: "random", Config: map[string]any{}})
	engine := newTestEngine(t, cfg, st, graphConnector(map[string][]string{"a": {"b"}}))

	err := engine.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// Nothing was gathered; the crawl is intact for the next start.
	raw, _ := st.RawEdges(context.Background(), "net", nil)
	if len(raw) != 0 {
		t.Errorf("raw edges persisted after cancellation: %+v", raw)
	}
	state, loadErr := st.LoadState(context.Background())
	if loadErr != nil {
		t.Fatalf("state: %v", loadErr)
	}
	if state.Iteration != 0 {
		t.Errorf("iteration moved under cancellation: %d", state.Iteration)
	}
}

func TestEngineEmptySeedsStop(t *testing.T) {
	// No outward edges and empty_seeds=stop: the run ends after one
	// iteration without the retry dance.
	st := store.NewMemStore(nil)
	cfg := singleLayerConfig(10, PluginRef{Name: "random", Config: map[string]any{}})
	cfg.EmptySeeds = EmptySeedsStop
	engine := newTestEngine(t, cfg, st, graphConnector(map[string][]string{}))

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if engine.Iteration() != 1 {
		t.Errorf("iteration: got %d, want 1", engine.Iteration())
	}
}

func TestEngineEagerLayer(t *testing.T) {
	// Eager layers queue every routed target immediately, not only what
	// the strategy picks.
	st := store.NewMemStore(nil)
	cfg := singleLayerConfig(1, PluginRef{Name: "random", Config: map[string]any{"n": 1}})
	cfg.Layers["net"].Eager = true
	engine := newTestEngine(t, cfg, st, graphConnector(map[string][]string{"a": {"b", "c", "d"}}))

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	pending, _ := st.PendingCount(context.Background(), "net")
	if pending != 3 {
		t.Errorf("eager frontier: got %d pending, want 3", pending)
	}
}

func TestEngineStrategyStateRoundTrip(t *testing.T) {
	// A counting sampler proves state blobs survive between iterations.
	type counterState struct {
		Calls int `json:"calls"`
	}
	counting := StrategyPlugin{
		Sample: func(ctx context.Context, in SamplerInput) (SamplerResult, error) {
			var state counterState
			if in.State != nil {
				if err := json.Unmarshal(in.State, &state); err != nil {
					return SamplerResult{}, err
				}
			}
			state.Calls++
			out, err := snowballSample(ctx, in)
			if err != nil {
				return SamplerResult{}, err
			}
			out.NewState, err = json.Marshal(state)
			return out, err
		},
	}

	st := store.NewMemStore(nil)
	cfg := singleLayerConfig(2, PluginRef{Name: "counting"})
	registry := DefaultRegistry()
	if err := registry.RegisterStrategy("counting", counting); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.RegisterConnector("graph", graphConnector(map[string][]string{"a": {"b"}, "b": {"c"}})); err != nil {
		t.Fatalf("register: %v", err)
	}
	engine, err := New(cfg, st, registry, WithRetryPolicy(fastRetry), WithRunID("test-run"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	blob, err := st.StrategyState(context.Background(), "net", "counting")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	var state counterState
	if err := json.Unmarshal(blob, &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.Calls != 2 {
		t.Errorf("sampler calls recorded: got %d, want 2", state.Calls)
	}
}

func TestEngineUnknownPluginNames(t *testing.T) {
	st := store.NewMemStore(nil)
	registry := DefaultRegistry()

	cfg := singleLayerConfig(1, PluginRef{Name: "random", Config: map[string]any{}})
	_, err := New(cfg, st, registry)
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError for unknown connector, got %v", err)
	}

	if err := registry.RegisterConnector("graph", graphConnector(nil)); err != nil {
		t.Fatalf("register: %v", err)
	}
	cfg = singleLayerConfig(1, PluginRef{Name: "nope", Config: map[string]any{}})
	_, err = New(cfg, st, registry)
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError for unknown strategy, got %v", err)
	}
}

func TestEngineSpikyballColumnPrevalidation(t *testing.T) {
	st := store.NewMemStore(nil)
	registry := DefaultRegistry()
	if err := registry.RegisterConnector("graph", graphConnector(nil)); err != nil {
		t.Fatalf("register: %v", err)
	}
	cfg := singleLayerConfig(1, PluginRef{Name: "spikyball", Config: map[string]any{
		"edge_probability": map[string]any{
			"coefficient": 1.0,
			"weights":     map[string]any{"views": 1.0},
		},
	}})
	// No edge_agg_table columns are declared, so "views" must be
	// rejected before the sampler ever runs.
	_, err := New(cfg, st, registry)
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}
