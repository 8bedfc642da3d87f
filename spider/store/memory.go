package store

import (
	"context"
	"sync"
	"time"
)

// memTxKey marks a context as already inside a MemStore transaction so
// nested Transaction calls share the outer scope.
type memTxKey struct{}

// MemStore is an in-memory implementation of Store.
//
// It keeps every table in ordered slices with index maps, so frame reads
// are deterministic. Designed for:
//   - Testing and development (db_url left empty)
//   - Short-lived crawls where persistence isn't required
//
// Data is lost when the process terminates.
type MemStore struct {
	mu      sync.RWMutex
	schemas map[string]LayerSchema

	rawEdges map[string][]RawEdge

	aggEdges map[string][]AggEdge
	aggIndex map[string]map[EdgeKey]int

	nodes     map[string][]Node
	nodeIndex map[string]map[string]int

	seeds     []Seed
	seedIndex map[string]int // layer + "\x00" + id -> index

	state      *AppState
	stratState map[string][]byte

	now func() time.Time
}

// NewMemStore creates an empty in-memory store for the declared layers.
func NewMemStore(schemas map[string]LayerSchema) *MemStore {
	return &MemStore{
		schemas:    schemas,
		rawEdges:   make(map[string][]RawEdge),
		aggEdges:   make(map[string][]AggEdge),
		aggIndex:   make(map[string]map[EdgeKey]int),
		nodes:      make(map[string][]Node),
		nodeIndex:  make(map[string]map[string]int),
		seedIndex:  make(map[string]int),
		stratState: make(map[string][]byte),
		now:        time.Now,
	}
}

func seedKey(layer, id string) string { return layer + "\x00" + id }

func (m *MemStore) UpsertNodes(ctx context.Context, layer string, nodes []Node) error {
	m.lock(ctx)
	defer m.unlock(ctx)

	idx := m.nodeIndex[layer]
	if idx == nil {
		idx = make(map[string]int)
		m.nodeIndex[layer] = idx
	}
	for _, n := range nodes {
		n.Layer = layer
		if i, ok := idx[n.Name]; ok {
			// The sampled flag is sticky across re-observation.
			n.Sampled = n.Sampled || m.nodes[layer][i].Sampled
			m.nodes[layer][i] = n
			continue
		}
		idx[n.Name] = len(m.nodes[layer])
		m.nodes[layer] = append(m.nodes[layer], n)
	}
	return nil
}

func (m *MemStore) AppendRawEdges(ctx context.Context, layer string, edges []RawEdge) error {
	m.lock(ctx)
	defer m.unlock(ctx)

	for _, e := range edges {
		e.Layer = layer
		m.rawEdges[layer] = append(m.rawEdges[layer], e)
	}
	return nil
}

func (m *MemStore) RawEdges(ctx context.Context, layer string, keys []EdgeKey) ([]RawEdge, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)

	all := m.rawEdges[layer]
	if keys == nil {
		out := make([]RawEdge, len(all))
		copy(out, all)
		return out, nil
	}
	want := make(map[EdgeKey]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	var out []RawEdge
	for _, e := range all {
		if want[e.Key()] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemStore) UpsertAggEdges(ctx context.Context, layer string, edges []AggEdge) error {
	m.lock(ctx)
	defer m.unlock(ctx)

	idx := m.aggIndex[layer]
	if idx == nil {
		idx = make(map[EdgeKey]int)
		m.aggIndex[layer] = idx
	}
	for _, e := range edges {
		e.Layer = layer
		if i, ok := idx[e.Key()]; ok {
			m.aggEdges[layer][i] = e
			continue
		}
		idx[e.Key()] = len(m.aggEdges[layer])
		m.aggEdges[layer] = append(m.aggEdges[layer], e)
	}
	return nil
}

func (m *MemStore) EnqueueSeeds(ctx context.Context, layer string, ids []string, iteration int) ([]string, error) {
	m.lock(ctx)
	defer m.unlock(ctx)

	var inserted []string
	for _, id := range ids {
		key := seedKey(layer, id)
		if i, ok := m.seedIndex[key]; ok {
			// A failed seed may be enqueued again; anything else is a
			// silent duplicate drop.
			if m.seeds[i].Status != SeedFailed {
				continue
			}
			m.seeds[i].Status = SeedPending
			m.seeds[i].Iteration = iteration
			m.seeds[i].VisitedAt = nil
			inserted = append(inserted, id)
			continue
		}
		m.seedIndex[key] = len(m.seeds)
		m.seeds = append(m.seeds, Seed{
			NodeID:    id,
			Layer:     layer,
			Iteration: iteration,
			Status:    SeedPending,
		})
		inserted = append(inserted, id)
	}
	return inserted, nil
}

func (m *MemStore) ClaimNextSeedBatch(ctx context.Context, layer string, n, upToIteration int) ([]Seed, error) {
	m.lock(ctx)
	defer m.unlock(ctx)

	var claimed []Seed
	for i := range m.seeds {
		if len(claimed) >= n {
			break
		}
		if m.seeds[i].Layer != layer || m.seeds[i].Status != SeedPending || m.seeds[i].Iteration > upToIteration {
			continue
		}
		m.seeds[i].Status = SeedProcessing
		claimed = append(claimed, m.seeds[i])
	}
	return claimed, nil
}

func (m *MemStore) CompleteSeed(ctx context.Context, layer, id string, status SeedStatus) error {
	m.lock(ctx)
	defer m.unlock(ctx)

	i, ok := m.seedIndex[seedKey(layer, id)]
	if !ok || m.seeds[i].Status != SeedProcessing {
		return ErrNotFound
	}
	now := m.now()
	m.seeds[i].Status = status
	m.seeds[i].VisitedAt = &now
	return nil
}

func (m *MemStore) ResetProcessingSeeds(ctx context.Context) (int, error) {
	m.lock(ctx)
	defer m.unlock(ctx)

	count := 0
	for i := range m.seeds {
		if m.seeds[i].Status == SeedProcessing {
			m.seeds[i].Status = SeedPending
			count++
		}
	}
	return count, nil
}

func (m *MemStore) RequeueSeeds(ctx context.Context, layer string, ids []string) error {
	m.lock(ctx)
	defer m.unlock(ctx)

	for _, id := range ids {
		if i, ok := m.seedIndex[seedKey(layer, id)]; ok && m.seeds[i].Status == SeedDone {
			m.seeds[i].Status = SeedPending
		}
	}
	return nil
}

func (m *MemStore) PendingCount(ctx context.Context, layer string) (int, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)

	count := 0
	for i := range m.seeds {
		if m.seeds[i].Layer == layer && m.seeds[i].Status == SeedPending {
			count++
		}
	}
	return count, nil
}

func (m *MemStore) DoneSeeds(ctx context.Context, layer string) ([]string, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)

	var ids []string
	for i := range m.seeds {
		if m.seeds[i].Layer == layer && m.seeds[i].Status == SeedDone {
			ids = append(ids, m.seeds[i].NodeID)
		}
	}
	return ids, nil
}

func (m *MemStore) Nodes(ctx context.Context, layer string, sampledOnly bool) ([]Node, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)

	var out []Node
	for _, n := range m.nodes[layer] {
		if sampledOnly && !n.Sampled {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (m *MemStore) ReadLayerFrame(ctx context.Context, layer string) (LayerFrame, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)

	frame := LayerFrame{}
	frame.Edges = append(frame.Edges, m.aggEdges[layer]...)
	for _, n := range m.nodes[layer] {
		if n.Sampled {
			frame.Nodes = append(frame.Nodes, n)
		}
	}
	return frame, nil
}

func (m *MemStore) LoadState(ctx context.Context) (AppState, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)

	if m.state == nil {
		return AppState{}, ErrNotFound
	}
	return *m.state, nil
}

func (m *MemStore) SaveState(ctx context.Context, state AppState) error {
	m.lock(ctx)
	defer m.unlock(ctx)

	state.LastUpdated = m.now()
	m.state = &state
	return nil
}

func (m *MemStore) StrategyState(ctx context.Context, layer, strategy string) ([]byte, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)

	blob, ok := m.stratState[seedKey(layer, strategy)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(blob))
	copy(out, blob)
	return out, nil
}

func (m *MemStore) SaveStrategyState(ctx context.Context, layer, strategy string, blob []byte) error {
	m.lock(ctx)
	defer m.unlock(ctx)

	stored := make([]byte, len(blob))
	copy(stored, blob)
	m.stratState[seedKey(layer, strategy)] = stored
	return nil
}

// Transaction runs fn holding the store lock, restoring a snapshot of
// every table if fn returns an error. Nested calls share the outer
// snapshot.
func (m *MemStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}

	m.mu.Lock()
	snap := m.snapshot()
	txCtx := context.WithValue(ctx, memTxKey{}, true)

	err := fn(txCtx)
	if err != nil {
		m.restore(snap)
	}
	m.mu.Unlock()
	return err
}

func (m *MemStore) Close() error { return nil }

type memSnapshot struct {
	rawEdges   map[string][]RawEdge
	aggEdges   map[string][]AggEdge
	aggIndex   map[string]map[EdgeKey]int
	nodes      map[string][]Node
	nodeIndex  map[string]map[string]int
	seeds      []Seed
	seedIndex  map[string]int
	state      *AppState
	stratState map[string][]byte
}

func (m *MemStore) snapshot() memSnapshot {
	snap := memSnapshot{
		rawEdges:   make(map[string][]RawEdge, len(m.rawEdges)),
		aggEdges:   make(map[string][]AggEdge, len(m.aggEdges)),
		aggIndex:   make(map[string]map[EdgeKey]int, len(m.aggIndex)),
		nodes:      make(map[string][]Node, len(m.nodes)),
		nodeIndex:  make(map[string]map[string]int, len(m.nodeIndex)),
		seeds:      append([]Seed(nil), m.seeds...),
		seedIndex:  make(map[string]int, len(m.seedIndex)),
		stratState: make(map[string][]byte, len(m.stratState)),
	}
	for k, v := range m.rawEdges {
		snap.rawEdges[k] = append([]RawEdge(nil), v...)
	}
	for k, v := range m.aggEdges {
		snap.aggEdges[k] = append([]AggEdge(nil), v...)
	}
	for k, v := range m.aggIndex {
		idx := make(map[EdgeKey]int, len(v))
		for kk, vv := range v {
			idx[kk] = vv
		}
		snap.aggIndex[k] = idx
	}
	for k, v := range m.nodes {
		snap.nodes[k] = append([]Node(nil), v...)
	}
	for k, v := range m.nodeIndex {
		idx := make(map[string]int, len(v))
		for kk, vv := range v {
			idx[kk] = vv
		}
		snap.nodeIndex[k] = idx
	}
	for k, v := range m.seedIndex {
		snap.seedIndex[k] = v
	}
	if m.state != nil {
		st := *m.state
		snap.state = &st
	}
	for k, v := range m.stratState {
		snap.stratState[k] = v
	}
	return snap
}

func (m *MemStore) restore(snap memSnapshot) {
	m.rawEdges = snap.rawEdges
	m.aggEdges = snap.aggEdges
	m.aggIndex = snap.aggIndex
	m.nodes = snap.nodes
	m.nodeIndex = snap.nodeIndex
	m.seeds = snap.seeds
	m.seedIndex = snap.seedIndex
	m.state = snap.state
	m.stratState = snap.stratState
}

// lock/unlock skip the mutex when the context is already inside a
// Transaction, which holds it for the whole scope.
func (m *MemStore) lock(ctx context.Context) {
	if ctx.Value(memTxKey{}) == nil {
		m.mu.Lock()
	}
}

func (m *MemStore) unlock(ctx context.Context) {
	if ctx.Value(memTxKey{}) == nil {
		m.mu.Unlock()
	}
}

func (m *MemStore) rlock(ctx context.Context) {
	if ctx.Value(memTxKey{}) == nil {
		m.mu.RLock()
	}
}

func (m *MemStore) runlock(ctx context.Context) {
	if ctx.Value(memTxKey{}) == nil {
		m.mu.RUnlock()
	}
}
