// Package store provides persistence implementations for crawl data.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SeedStatus is the lifecycle status of a seed queue entry.
type SeedStatus string

const (
	SeedPending    SeedStatus = "pending"
	SeedProcessing SeedStatus = "processing"
	SeedDone       SeedStatus = "done"
	SeedFailed     SeedStatus = "failed"
)

// ColumnType is the declared type of a user-configured column.
type ColumnType string

const (
	ColumnText    ColumnType = "Text"
	ColumnInteger ColumnType = "Integer"
)

// Column declares one user-configured column on a layer table.
type Column struct {
	Name string
	Type ColumnType
}

// LayerSchema declares the user-configured columns for one layer's tables.
// The core columns (source, target, layer, weight, name, iteration) are
// always present and are not listed here.
type LayerSchema struct {
	RawEdgeColumns []Column
	AggEdgeColumns []Column
	NodeColumns    []Column
}

// RawEdge is an edge as it came off a connector, before aggregation.
// Attrs holds the layer-configured extra columns.
type RawEdge struct {
	Source    string
	Target    string
	Layer     string
	Iteration int
	Attrs     map[string]any
}

// EdgeKey identifies one aggregation group.
type EdgeKey struct {
	Source string
	Target string
}

// Key returns the aggregation key of the edge.
func (e RawEdge) Key() EdgeKey { return EdgeKey{Source: e.Source, Target: e.Target} }

// AggEdge is a deduplicated, weighted edge. Weight is the number of raw
// edges sharing the (source, target, layer) key; Attrs holds the
// user-aggregated columns.
type AggEdge struct {
	Source string
	Target string
	Layer  string
	Weight int64
	Attrs  map[string]any
}

// Key returns the aggregation key of the edge.
func (e AggEdge) Key() EdgeKey { return EdgeKey{Source: e.Source, Target: e.Target} }

// Node is one observed node. At most one row exists per (Name, Layer);
// later observations replace earlier ones. Sampled marks rows a strategy
// chose to keep (the sparse view).
type Node struct {
	Name    string
	Layer   string
	Sampled bool
	Attrs   map[string]any
}

// Seed is one entry of the persistent per-layer visit queue.
type Seed struct {
	NodeID    string
	Layer     string
	Iteration int
	VisitedAt *time.Time
	Status    SeedStatus
}

// AppState is the single-row crawl state. Iteration is monotonically
// non-decreasing for the lifetime of a database.
type AppState struct {
	RunID        string
	Iteration    int
	MaxIteration int
	Phase        string
	LastUpdated  time.Time
}

// LayerFrame is the sparse view of a layer: the sampled aggregated edges
// and the sampled nodes.
type LayerFrame struct {
	Edges []AggEdge
	Nodes []Node
}

// Store provides durable, table-oriented storage for a crawl.
//
// Implementations persist five table families: raw_edges_<layer>,
// agg_edges_<layer>, nodes_<layer>, plus the global seeds, app_state and
// strategy_state tables. Per-layer tables carry the user-declared columns
// of the LayerSchema handed to the constructor. The SQL stores create the
// tables of every declared layer when the store is opened, not on the
// layer's first write; a layer absent from the schemas gets its tables
// when it is first used.
//
// Every mutating operation that touches more than one row commits
// atomically. Transaction scopes a function to a single transaction;
// nested calls share the outermost scope. All operations are safe for
// use from a single writer goroutine; reads may run concurrently.
type Store interface {
	// UpsertNodes inserts or replaces nodes by (layer, name). A row's
	// Sampled flag is only ever raised, never cleared, so the sparse
	// view survives re-observation of a node.
	UpsertNodes(ctx context.Context, layer string, nodes []Node) error

	// AppendRawEdges appends raw edges. The append order is preserved
	// and is the order RawEdges returns rows in.
	AppendRawEdges(ctx context.Context, layer string, edges []RawEdge) error

	// RawEdges returns the raw edges of a layer in append order. A
	// non-nil keys slice restricts the result to those aggregation
	// groups; nil means the whole table.
	RawEdges(ctx context.Context, layer string, keys []EdgeKey) ([]RawEdge, error)

	// UpsertAggEdges inserts or replaces aggregated edges by
	// (source, target, layer).
	UpsertAggEdges(ctx context.Context, layer string, edges []AggEdge) error

	// EnqueueSeeds inserts pending seeds. Idempotent: an id that already
	// has a pending, processing or done row on the layer is dropped
	// silently. Returns the ids actually inserted.
	EnqueueSeeds(ctx context.Context, layer string, ids []string, iteration int) ([]string, error)

	// ClaimNextSeedBatch atomically transitions up to n pending seeds of
	// the layer to processing and returns them, oldest first. Only
	// seeds scheduled at or before upToIteration are eligible, so work
	// enqueued for the next iteration stays queued until then.
	ClaimNextSeedBatch(ctx context.Context, layer string, n, upToIteration int) ([]Seed, error)

	// CompleteSeed transitions a processing seed to done or failed and
	// stamps its visit time.
	CompleteSeed(ctx context.Context, layer, id string, status SeedStatus) error

	// ResetProcessingSeeds demotes all processing seeds back to pending.
	// Called on startup to recover from a crash mid-batch.
	ResetProcessingSeeds(ctx context.Context) (int, error)

	// RequeueSeeds transitions done seeds back to pending for one more
	// visit. Used by the retrying phase for stale seeds.
	RequeueSeeds(ctx context.Context, layer string, ids []string) error

	// PendingCount reports the number of pending seeds on a layer.
	PendingCount(ctx context.Context, layer string) (int, error)

	// DoneSeeds returns the node ids with status done on a layer, in
	// enqueue order.
	DoneSeeds(ctx context.Context, layer string) ([]string, error)

	// Nodes returns the node table for a layer; sampledOnly restricts
	// the result to the sparse view.
	Nodes(ctx context.Context, layer string, sampledOnly bool) ([]Node, error)

	// ReadLayerFrame returns the sparse edges and nodes of a layer.
	ReadLayerFrame(ctx context.Context, layer string) (LayerFrame, error)

	// LoadState returns the crawl state, or ErrNotFound before the
	// first SaveState.
	LoadState(ctx context.Context) (AppState, error)

	// SaveState replaces the single crawl state row.
	SaveState(ctx context.Context, state AppState) error

	// StrategyState returns the opaque state blob of a (layer, strategy)
	// pair, or ErrNotFound if none was saved yet.
	StrategyState(ctx context.Context, layer, strategy string) ([]byte, error)

	// SaveStrategyState replaces the state blob of a (layer, strategy).
	SaveStrategyState(ctx context.Context, layer, strategy string, blob []byte) error

	// Transaction runs fn inside a transaction. Either every write made
	// through the ctx passed to fn commits, or none do. Nesting shares
	// the outermost transaction.
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error

	// Close releases the store's resources.
	Close() error
}

// Open selects a Store implementation from a locator. An empty locator
// yields the in-memory store; "sqlite://path", ":memory:" or a bare file
// path yield SQLite; "postgres://" and "mysql://" yield the respective
// database stores. schema namespaces relational stores that support it.
func Open(locator, schema string, layers map[string]LayerSchema) (Store, error) {
	switch {
	case locator == "":
		return NewMemStore(layers), nil
	case locator == ":memory:":
		return NewSQLiteStore(locator, layers)
	case hasPrefix(locator, "sqlite://"):
		return NewSQLiteStore(locator[len("sqlite://"):], layers)
	case hasPrefix(locator, "postgres://"), hasPrefix(locator, "postgresql://"):
		return NewPostgresStore(locator, schema, layers)
	case hasPrefix(locator, "mysql://"):
		return NewMySQLStore(locator[len("mysql://"):], layers)
	case !containsScheme(locator):
		return NewSQLiteStore(locator, layers)
	default:
		return nil, errors.New("unsupported db_url scheme: " + locator)
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func containsScheme(s string) bool {
	for i := 0; i+2 < len(s); i++ {
		if s[i] == ':' && s[i+1] == '/' && s[i+2] == '/' {
			return true
		}
	}
	return false
}
