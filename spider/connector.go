package spider

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/spiderexpress/spiderexpress-go/spider/emit"
	"github.com/spiderexpress/spiderexpress-go/spider/store"
)

// Connector configuration keys recognized by the adapter itself (the
// rest of the dictionary is passed through to the plug-in).
const (
	cfgRequestsPerMinute = "requests_per_minute"
	cfgWaitBase          = "wait_base"
)

// fetchResult is the routed output of one connector invocation.
type fetchResult struct {
	// Edges are the routed raw edges, grouped by destination layer in
	// emission order.
	Edges map[string][]store.RawEdge

	// DispatchSeeds are target ids to enqueue on other layers, keyed by
	// layer, deduplicated in first-seen order.
	DispatchSeeds map[string][]string

	// Nodes are the coerced node rows for the requested ids.
	Nodes []store.Node

	// Stats accumulates the silent drops of routing and coercion.
	Stats RouteStats
}

// connectorAdapter invokes one layer's connector, batching requested
// ids, pacing calls, retrying transient failures, and piping each
// returned edge record through the layer's router.
type connectorAdapter struct {
	layer       string
	name        string
	fn          Connector
	cfg         map[string]any
	router      *Router
	nodeColumns []store.Column

	batchSize  int
	randomWait bool
	waitBase   time.Duration
	limiter    *rate.Limiter
	retry      RetryPolicy

	// primed is set after the first connector call so pacing applies
	// between every pair of calls, also across Fetch invocations.
	primed bool

	emitter emit.Emitter
	rng     *rand.Rand
}

func newConnectorAdapter(layer string, lc *LayerConfig, fn Connector, router *Router,
	schema store.LayerSchema, batchSize int, randomWait bool, retry RetryPolicy,
	emitter emit.Emitter, rng *rand.Rand) *connectorAdapter {

	a := &connectorAdapter{
		layer:       layer,
		name:        lc.Connector.Name,
		fn:          fn,
		cfg:         lc.Connector.Config,
		router:      router,
		nodeColumns: schema.NodeColumns,
		batchSize:   batchSize,
		randomWait:  randomWait,
		waitBase:    time.Second,
		retry:       retry,
		emitter:     emitter,
		rng:         rng,
	}
	if base := cfgFloat(lc.Connector.Config, cfgWaitBase, 0); base > 0 {
		a.waitBase = time.Duration(base * float64(time.Second))
	}
	if rpm := cfgFloat(lc.Connector.Config, cfgRequestsPerMinute, 0); rpm > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(rpm/60), 1)
	}
	return a
}

// Fetch runs the connector over the requested ids, splitting them into
// batches of the configured size. Returns the routed result, or an error
// when a batch fails after retry exhaustion; the caller marks the
// affected seeds failed.
func (a *connectorAdapter) Fetch(ctx context.Context, ids []string, iteration int) (fetchResult, error) {
	result := fetchResult{
		Edges:         make(map[string][]store.RawEdge),
		DispatchSeeds: make(map[string][]string),
	}

	for start := 0; start < len(ids); start += a.batchSize {
		end := start + a.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		if a.primed {
			if err := a.pace(ctx); err != nil {
				return result, err
			}
		}
		a.primed = true
		if err := a.fetchBatch(ctx, batch, iteration, &result); err != nil {
			return result, err
		}
	}
	return result, nil
}

// pace applies the optional politeness delays between batches: the
// token-bucket limiter when requests_per_minute is set, and a uniformly
// random sleep in [0, 2·wait_base] when random_wait is enabled.
func (a *connectorAdapter) pace(ctx context.Context) error {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if a.randomWait {
		delay := time.Duration(a.rng.Float64() * 2 * float64(a.waitBase))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil
}

func (a *connectorAdapter) fetchBatch(ctx context.Context, batch []string, iteration int, result *fetchResult) error {
	var edges, nodes []Record
	err := retryTransient(ctx, a.retry, a.rng, func() error {
		var callErr error
		edges, nodes, callErr = a.fn(ctx, batch, a.cfg)
		if callErr != nil && IsTransient(callErr) {
			a.emitter.Emit(emit.Event{
				Iteration: iteration,
				Layer:     a.layer,
				Phase:     "gathering",
				Msg:       "connector_retry",
				Level:     "warn",
				Meta:      map[string]any{"connector": a.name, "seeds": batch, "error": callErr.Error()},
			})
		}
		return callErr
	})
	if err != nil {
		if IsTransient(err) {
			return fmt.Errorf("connector %q batch of %d: %w", a.name, len(batch), err)
		}
		return &PluginError{Kind: "connector", Name: a.name, Layer: a.layer, Err: err}
	}

	seen := make(map[string]map[string]bool)
	for _, rec := range edges {
		routed, stats := a.router.Route(rec, iteration)
		result.Stats.Add(stats)
		for _, r := range routed {
			result.Edges[r.Edge.Layer] = append(result.Edges[r.Edge.Layer], r.Edge)
			if r.SeedLayer == "" {
				continue
			}
			if seen[r.SeedLayer] == nil {
				seen[r.SeedLayer] = make(map[string]bool)
			}
			if !seen[r.SeedLayer][r.Edge.Target] {
				seen[r.SeedLayer][r.Edge.Target] = true
				result.DispatchSeeds[r.SeedLayer] = append(result.DispatchSeeds[r.SeedLayer], r.Edge.Target)
			}
		}
	}

	requested := make(map[string]bool, len(batch))
	for _, id := range batch {
		requested[id] = true
	}
	for _, rec := range nodes {
		name := rec.Str("name")
		if !requested[name] {
			// Connectors may only describe the nodes they were asked
			// about; anything else is dropped.
			a.emitter.Emit(emit.Event{
				Iteration: iteration,
				Layer:     a.layer,
				Phase:     "gathering",
				Msg:       "node_row_dropped",
				Level:     "warn",
				Meta:      map[string]any{"connector": a.name, "name": name},
			})
			continue
		}
		result.Nodes = append(result.Nodes, a.coerceNode(name, rec, iteration))
	}
	return nil
}

func (a *connectorAdapter) coerceNode(name string, rec Record, iteration int) store.Node {
	node := store.Node{Name: name, Layer: a.layer}
	if len(a.nodeColumns) > 0 {
		node.Attrs = make(map[string]any, len(a.nodeColumns))
		for _, col := range a.nodeColumns {
			v, ok := coerceValue(rec[col.Name], col.Type)
			if !ok {
				a.emitter.Emit(emit.Event{
					Iteration: iteration,
					Layer:     a.layer,
					Phase:     "gathering",
					Msg:       "coercion_failed",
					Level:     "warn",
					Meta:      map[string]any{"node": name, "column": col.Name},
				})
				v = nil
			}
			node.Attrs[col.Name] = v
		}
	}
	return node
}
