package spider

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/spiderexpress/spiderexpress-go/spider/emit"
	"github.com/spiderexpress/spiderexpress-go/spider/store"
)

// Controller phases. The crawl is driven by a single state machine:
//
//	idle → starting → gathering → sampling → (gathering | retrying | stopping)
const (
	PhaseIdle      = "idle"
	PhaseStarting  = "starting"
	PhaseGathering = "gathering"
	PhaseSampling  = "sampling"
	PhaseRetrying  = "retrying"
	PhaseStopping  = "stopping"
)

// maxRetryAttempts bounds consecutive retrying phases; the count resets
// when an iteration ends with a non-empty frontier.
const maxRetryAttempts = 3

// samplerBinding resolves one layer's sampler configuration.
type samplerBinding struct {
	name   string
	plugin StrategyPlugin
	cfg    map[string]any
}

// Engine is the iteration controller: it owns the crawl loop, drives
// connectors and samplers through their adapters, and keeps AppState
// consistent so an interrupted crawl resumes where it stopped.
//
// Exactly one iteration is in flight at a time; within an iteration the
// phases run sequentially and every phase transition persists AppState.
type Engine struct {
	cfg     *Config
	st      store.Store
	reg     *Registry
	emitter emit.Emitter
	metrics *Metrics
	retry   RetryPolicy

	runID     string
	rng       *rand.Rand
	iteration int
	phase     string

	adapters map[string]*connectorAdapter
	samplers map[string]samplerBinding
	schemas  map[string]store.LayerSchema

	// Aggregation keys touched this iteration, reset by beginIteration.
	touched map[string]map[store.EdgeKey]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter sets the observability emitter (NullEmitter by default).
func WithEmitter(e emit.Emitter) Option { return func(eng *Engine) { eng.emitter = e } }

// WithMetrics sets the Prometheus collector; nil disables metrics.
func WithMetrics(m *Metrics) Option { return func(eng *Engine) { eng.metrics = m } }

// WithRetryPolicy overrides the transient-failure retry policy.
func WithRetryPolicy(p RetryPolicy) Option { return func(eng *Engine) { eng.retry = p } }

// WithRunID pins the run identifier, primarily for deterministic tests.
// A resumed crawl keeps the run id recorded in AppState regardless.
func WithRunID(id string) Option { return func(eng *Engine) { eng.runID = id } }

// New builds an Engine for a validated configuration. Every configured
// connector and sampler name is resolved against the registry here, and
// sampler column references are checked against the layer schemas, so a
// broken project fails before the first iteration.
func New(cfg *Config, st store.Store, reg *Registry, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		st:       st,
		reg:      reg,
		emitter:  emit.NewNullEmitter(),
		retry:    DefaultRetryPolicy,
		phase:    PhaseIdle,
		adapters: make(map[string]*connectorAdapter),
		samplers: make(map[string]samplerBinding),
		schemas:  cfg.LayerSchemas(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.runID == "" {
		e.runID = uuid.NewString()
	}
	e.rng = newRunRNG(e.runID)

	for _, layer := range cfg.LayerNames() {
		lc := cfg.Layers[layer]

		connector, ok := reg.Connector(lc.Connector.Name)
		if !ok {
			return nil, configErrorf(
				fmt.Sprintf("layers.%s.connector.%s", layer, lc.Connector.Name),
				"unknown connector; registered: %v", reg.ConnectorNames())
		}
		plugin, ok := reg.Strategy(lc.Sampler.Name)
		if !ok {
			return nil, configErrorf(
				fmt.Sprintf("layers.%s.sampler.%s", layer, lc.Sampler.Name),
				"unknown strategy; registered: %v", reg.StrategyNames())
		}
		if err := validateSamplerColumns(layer, lc.Sampler.Name, plugin, lc.Sampler.Config, e.schemas[layer]); err != nil {
			return nil, err
		}

		router, err := NewRouter(layer, lc.Routers, lc.EdgeRawTable.Columns)
		if err != nil {
			return nil, err
		}
		e.adapters[layer] = newConnectorAdapter(layer, lc, connector, router,
			e.schemas[layer], cfg.BatchSize, cfg.RandomWait, e.retry, e.emitter, e.rng)
		e.samplers[layer] = samplerBinding{name: lc.Sampler.Name, plugin: plugin, cfg: lc.Sampler.Config}
	}
	return e, nil
}

// newRunRNG seeds the run's random source from the run id, so a resumed
// run draws from the same sequence as the original.
func newRunRNG(runID string) *rand.Rand {
	sum := sha256.Sum256([]byte(runID))
	seed := int64(binary.BigEndian.Uint64(sum[:8])) // #nosec G115 -- deterministic seed derivation
	return rand.New(rand.NewSource(seed))           // #nosec G404 -- sampling RNG, not security
}

// RunID returns the run identifier (the persisted one after Run starts).
func (e *Engine) RunID() string { return e.runID }

// Iteration returns the last committed iteration number.
func (e *Engine) Iteration() int { return e.iteration }

// Phase returns the controller's current phase.
func (e *Engine) Phase() string { return e.phase }

// Run drives the crawl from idle to stopping: bootstrap or resume, then
// (gather, sample) iterations until the iteration budget is reached or
// the frontier stays empty through the retry budget.
//
// Cancellation of ctx is latched and honored between batches and phases;
// the in-flight transaction rolls back and AppState stays at the last
// committed iteration, so the next Run resumes there.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.start(ctx); err != nil {
		return err
	}

	retryAttempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return e.stop(ctx, err)
		}
		if e.iteration >= e.cfg.MaxIteration {
			return e.stop(ctx, nil)
		}

		e.beginIteration()

		pluginFailed, err := e.gather(ctx)
		if err != nil {
			return e.stop(ctx, err)
		}

		if !pluginFailed {
			if err := e.sample(ctx); err != nil {
				var pe *PluginError
				if !errors.As(err, &pe) {
					return e.stop(ctx, err)
				}
				e.emitWarn("", "strategy_failed", map[string]any{"error": err.Error()})
				pluginFailed = true
			}
		}

		e.iteration++
		if err := e.saveState(ctx, PhaseSampling); err != nil {
			return e.stop(ctx, err)
		}
		e.metrics.IterationDone()
		e.emitInfo("", "iteration_done", map[string]any{"iteration": e.iteration})

		frontier, err := e.frontierDepth(ctx)
		if err != nil {
			return e.stop(ctx, err)
		}
		if frontier > 0 && !pluginFailed {
			retryAttempt = 0
			continue
		}

		// The frontier is empty (or the iteration died on a plug-in):
		// retry within budget, rescheduling stale seeds for one more
		// chance, then stop.
		if e.cfg.EmptySeeds == EmptySeedsStop && !pluginFailed {
			return e.stop(ctx, nil)
		}
		if retryAttempt >= maxRetryAttempts {
			return e.stop(ctx, nil)
		}
		retryAttempt++
		requeued, err := e.retryPhase(ctx, retryAttempt)
		if err != nil {
			return e.stop(ctx, err)
		}
		if requeued == 0 && frontier == 0 {
			return e.stop(ctx, nil)
		}
	}
}

func (e *Engine) start(ctx context.Context) error {
	e.phase = PhaseStarting
	e.emitInfo("", "starting", map[string]any{"config": e.cfg.String()})

	state, err := e.st.LoadState(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := e.bootstrap(ctx); err != nil {
			return err
		}
	case err != nil:
		return &StoreError{Op: "load_state", Err: err}
	default:
		// Resume: keep the persisted run id so the RNG sequence
		// matches, demote seeds stranded in processing by a crash.
		e.runID = state.RunID
		e.rng = newRunRNG(e.runID)
		for _, a := range e.adapters {
			a.rng = e.rng
		}
		e.iteration = state.Iteration
		demoted, err := e.st.ResetProcessingSeeds(ctx)
		if err != nil {
			return &StoreError{Op: "reset_processing", Err: err}
		}
		if demoted > 0 {
			e.emitWarn("", "seeds_demoted", map[string]any{"count": demoted})
		}
	}
	return e.saveState(ctx, PhaseStarting)
}

// bootstrap enqueues the configured seed set at iteration 0.
func (e *Engine) bootstrap(ctx context.Context) error {
	perLayer, err := initialSeeds(e.cfg)
	if err != nil {
		return err
	}
	if e.cfg.EmptySeeds == EmptySeedsStop && (e.cfg.SeedFile != "" ||
		(len(e.cfg.Seeds.ByLayer) == 0 && len(e.cfg.Seeds.Flat) > 0)) {
		return configErrorf("seeds", "a flat seed list needs a layer mapping when empty_seeds is %q", EmptySeedsStop)
	}

	return e.st.Transaction(ctx, func(ctx context.Context) error {
		for _, layer := range e.cfg.LayerNames() {
			ids := perLayer[layer]
			if len(ids) == 0 {
				continue
			}
			inserted, err := e.st.EnqueueSeeds(ctx, layer, ids, 0)
			if err != nil {
				return &StoreError{Op: "enqueue_seeds", Err: err}
			}
			e.emitInfo(layer, "seeds_bootstrapped", map[string]any{"count": len(inserted)})
		}
		return nil
	})
}

func (e *Engine) beginIteration() {
	e.touched = make(map[string]map[store.EdgeKey]bool)
}

// gather claims seed batches round-robin over the layers with pending
// seeds, runs the connectors and persists routed raw data. Returns true
// when a plug-in failure cut the iteration short.
func (e *Engine) gather(ctx context.Context) (bool, error) {
	e.phase = PhaseGathering
	if err := e.saveState(ctx, PhaseGathering); err != nil {
		return false, err
	}

	for {
		claimedAny := false
		for _, layer := range e.cfg.LayerNames() {
			if err := ctx.Err(); err != nil {
				return false, err
			}

			var batch []store.Seed
			err := e.withStoreRetry(ctx, "claim_seeds", func() error {
				var claimErr error
				batch, claimErr = e.st.ClaimNextSeedBatch(ctx, layer, e.cfg.BatchSize, e.iteration)
				return claimErr
			})
			if err != nil {
				return false, err
			}
			if len(batch) == 0 {
				continue
			}
			claimedAny = true
			e.metrics.SeedsClaimed(layer, len(batch))

			pluginFailed, err := e.gatherBatch(ctx, layer, batch)
			if err != nil {
				return false, err
			}
			if pluginFailed {
				return true, nil
			}
		}
		if !claimedAny {
			return false, nil
		}
	}
}

func (e *Engine) gatherBatch(ctx context.Context, layer string, batch []store.Seed) (bool, error) {
	started := time.Now()
	ids := make([]string, len(batch))
	for i, s := range batch {
		ids[i] = s.NodeID
	}

	result, err := e.adapters[layer].Fetch(ctx, ids, e.iteration)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		var pe *PluginError
		isPlugin := errors.As(err, &pe)
		e.emitWarn(layer, "batch_failed", map[string]any{"seeds": ids, "error": err.Error()})
		if ferr := e.failSeeds(ctx, layer, ids); ferr != nil {
			return false, ferr
		}
		// Transient exhaustion fails the batch but the iteration goes
		// on; a plug-in error ends the iteration and enters retrying.
		return isPlugin, nil
	}

	err = e.withStoreRetry(ctx, "persist_batch", func() error {
		return e.st.Transaction(ctx, func(ctx context.Context) error {
			for destLayer, edges := range result.Edges {
				if err := e.st.AppendRawEdges(ctx, destLayer, edges); err != nil {
					return err
				}
			}
			if err := e.st.UpsertNodes(ctx, layer, result.Nodes); err != nil {
				return err
			}
			for destLayer, seeds := range result.DispatchSeeds {
				if _, err := e.st.EnqueueSeeds(ctx, destLayer, seeds, e.iteration+1); err != nil {
					return err
				}
			}
			if e.cfg.Layers[layer].Eager {
				var eager []string
				for _, edge := range result.Edges[layer] {
					eager = append(eager, edge.Target)
				}
				if _, err := e.st.EnqueueSeeds(ctx, layer, eager, e.iteration+1); err != nil {
					return err
				}
			}
			for _, id := range ids {
				if err := e.st.CompleteSeed(ctx, layer, id, store.SeedDone); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return false, err
	}

	for destLayer, edges := range result.Edges {
		e.metrics.EdgesRouted(destLayer, len(edges))
		if e.touched[destLayer] == nil {
			e.touched[destLayer] = make(map[store.EdgeKey]bool)
		}
		for _, edge := range edges {
			e.touched[destLayer][edge.Key()] = true
		}
	}
	e.metrics.RecordsDropped(layer, "missing_source", result.Stats.RecordsDropped)
	e.metrics.RecordsDropped(layer, "pattern_miss", result.Stats.PatternMisses)
	e.metrics.RecordsDropped(layer, "coercion", result.Stats.CoercionFailures)
	e.metrics.GatherDuration(layer, time.Since(started))
	e.emitInfo(layer, "batch_done", map[string]any{
		"seeds": len(ids), "edges": countEdges(result.Edges), "nodes": len(result.Nodes),
	})
	return false, nil
}

func countEdges(byLayer map[string][]store.RawEdge) int {
	total := 0
	for _, edges := range byLayer {
		total += len(edges)
	}
	return total
}

func (e *Engine) failSeeds(ctx context.Context, layer string, ids []string) error {
	return e.withStoreRetry(ctx, "fail_seeds", func() error {
		return e.st.Transaction(ctx, func(ctx context.Context) error {
			for _, id := range ids {
				if err := e.st.CompleteSeed(ctx, layer, id, store.SeedFailed); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// sample aggregates each layer touched this iteration, invokes its
// sampler and persists the sparse rows and the next frontier.
func (e *Engine) sample(ctx context.Context) error {
	e.phase = PhaseSampling
	if err := e.saveState(ctx, PhaseSampling); err != nil {
		return err
	}

	layers := make([]string, 0, len(e.touched))
	for layer := range e.touched {
		layers = append(layers, layer)
	}
	sort.Strings(layers)

	for _, layer := range layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.sampleLayer(ctx, layer); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) sampleLayer(ctx context.Context, layer string) error {
	keys := make([]store.EdgeKey, 0, len(e.touched[layer]))
	for key := range e.touched[layer] {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Source != keys[j].Source {
			return keys[i].Source < keys[j].Source
		}
		return keys[i].Target < keys[j].Target
	})

	// Aggregation reads the complete raw table for the affected keys;
	// recomputing the fold keeps it idempotent across re-runs.
	raw, err := e.st.RawEdges(ctx, layer, keys)
	if err != nil {
		return &StoreError{Op: "read_raw_edges", Err: err}
	}
	aggregated := Aggregate(raw, layer, e.cfg.Layers[layer].EdgeAggTable)

	nodes, err := e.st.Nodes(ctx, layer, false)
	if err != nil {
		return &StoreError{Op: "read_nodes", Err: err}
	}
	doneIDs, err := e.st.DoneSeeds(ctx, layer)
	if err != nil {
		return &StoreError{Op: "read_done_seeds", Err: err}
	}
	known := make(map[string]bool, len(doneIDs))
	for _, id := range doneIDs {
		known[id] = true
	}
	stateBlob, err := e.st.StrategyState(ctx, layer, e.samplers[layer].name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return &StoreError{Op: "read_strategy_state", Err: err}
	}

	binding := e.samplers[layer]
	in := SamplerInput{
		Layer:      layer,
		Edges:      aggregated,
		Nodes:      nodes,
		KnownNodes: known,
		State:      stateBlob,
		Config:     binding.cfg,
		RNG:        e.rng,
	}
	out, err := binding.plugin.Sample(ctx, in)
	if err != nil {
		return &PluginError{Kind: "strategy", Name: binding.name, Layer: layer, Err: err}
	}
	if err := checkSamplerResult(layer, binding.name, in, out); err != nil {
		return err
	}

	sampledNodes := make([]store.Node, 0, len(out.SampledNodes))
	present := make(map[string]bool, len(out.SampledNodes))
	for _, n := range out.SampledNodes {
		n.Sampled = true
		present[n.Name] = true
		sampledNodes = append(sampledNodes, n)
	}
	// Every node a sparse edge references must exist in the node table;
	// endpoints the connector never described get a bare row.
	knownNames := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		knownNames[n.Name] = true
	}
	for _, edge := range out.SampledEdges {
		for _, name := range []string{edge.Source, edge.Target} {
			if !present[name] && !knownNames[name] {
				present[name] = true
				sampledNodes = append(sampledNodes, store.Node{Name: name, Layer: layer, Sampled: true})
			}
		}
	}

	inserted := 0
	err = e.withStoreRetry(ctx, "persist_sample", func() error {
		return e.st.Transaction(ctx, func(ctx context.Context) error {
			if err := e.st.UpsertAggEdges(ctx, layer, out.SampledEdges); err != nil {
				return err
			}
			if err := e.st.UpsertNodes(ctx, layer, sampledNodes); err != nil {
				return err
			}
			ids, err := e.st.EnqueueSeeds(ctx, layer, out.NewSeeds, e.iteration+1)
			if err != nil {
				return err
			}
			inserted = len(ids)
			return e.st.SaveStrategyState(ctx, layer, binding.name, out.NewState)
		})
	})
	if err != nil {
		return err
	}

	e.emitInfo(layer, "layer_sampled", map[string]any{
		"strategy": binding.name, "edges": len(out.SampledEdges), "new_seeds": inserted,
	})
	return nil
}

// retryPhase waits out the backoff and reschedules stale seeds: done
// seeds that never produced a raw edge get one more chance as pending.
func (e *Engine) retryPhase(ctx context.Context, attempt int) (int, error) {
	e.phase = PhaseRetrying
	if err := e.saveState(ctx, PhaseRetrying); err != nil {
		return 0, err
	}
	e.emitInfo("", "retrying", map[string]any{"attempt": attempt})

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(e.retry.backoff(attempt-1, e.rng)):
	}

	requeued := 0
	for _, layer := range e.cfg.LayerNames() {
		doneIDs, err := e.st.DoneSeeds(ctx, layer)
		if err != nil {
			return requeued, &StoreError{Op: "read_done_seeds", Err: err}
		}
		raw, err := e.st.RawEdges(ctx, layer, nil)
		if err != nil {
			return requeued, &StoreError{Op: "read_raw_edges", Err: err}
		}
		sourced := make(map[string]bool, len(raw))
		for _, edge := range raw {
			sourced[edge.Source] = true
		}
		var stale []string
		for _, id := range doneIDs {
			if !sourced[id] {
				stale = append(stale, id)
			}
		}
		if len(stale) == 0 {
			continue
		}
		if err := e.st.RequeueSeeds(ctx, layer, stale); err != nil {
			return requeued, &StoreError{Op: "requeue_seeds", Err: err}
		}
		requeued += len(stale)
		e.emitWarn(layer, "seeds_requeued", map[string]any{"count": len(stale), "attempt": attempt})
		e.metrics.Retry(layer)
	}
	return requeued, nil
}

func (e *Engine) frontierDepth(ctx context.Context) (int, error) {
	total := 0
	for _, layer := range e.cfg.LayerNames() {
		depth, err := e.st.PendingCount(ctx, layer)
		if err != nil {
			return 0, &StoreError{Op: "pending_count", Err: err}
		}
		e.metrics.FrontierDepth(layer, depth)
		total += depth
	}
	return total, nil
}

// stop releases resources and persists the terminal phase. A cause of
// context.Canceled is a clean exit: state stays at the last committed
// iteration and the next start resumes there.
func (e *Engine) stop(ctx context.Context, cause error) error {
	e.phase = PhaseStopping
	// Persist the terminal phase even when ctx is already cancelled.
	saveCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := e.saveState(saveCtx, PhaseStopping); err != nil && cause == nil {
		cause = err
	}
	e.emitInfo("", "stopping", map[string]any{"iteration": e.iteration})
	_ = e.emitter.Flush(saveCtx)
	return cause
}

func (e *Engine) saveState(ctx context.Context, phase string) error {
	return e.withStoreRetry(ctx, "save_state", func() error {
		return e.st.SaveState(ctx, store.AppState{
			RunID:        e.runID,
			Iteration:    e.iteration,
			MaxIteration: e.cfg.MaxIteration,
			Phase:        phase,
		})
	})
}

// withStoreRetry applies the bounded-backoff policy to a store
// operation; exhaustion aborts the run with a StoreError.
func (e *Engine) withStoreRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < e.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			e.emitWarn("", "store_retry", map[string]any{"op": op, "attempt": attempt})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.retry.backoff(attempt-1, e.rng)):
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		var pe *PluginError
		var ce *ConfigError
		if errors.As(lastErr, &pe) || errors.As(lastErr, &ce) {
			return lastErr
		}
	}
	return &StoreError{Op: op, Err: lastErr}
}

func (e *Engine) emitInfo(layer, msg string, meta map[string]any) {
	e.emitter.Emit(emit.Event{
		RunID: e.runID, Iteration: e.iteration, Layer: layer,
		Phase: e.phase, Msg: msg, Level: "info", Meta: meta,
	})
}

func (e *Engine) emitWarn(layer, msg string, meta map[string]any) {
	e.emitter.Emit(emit.Event{
		RunID: e.runID, Iteration: e.iteration, Layer: layer,
		Phase: e.phase, Msg: msg, Level: "warn", Meta: meta,
	})
}
