package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// sqlTxKey carries the active *sql.Tx through a Transaction scope.
type sqlTxKey struct{}

// dialect captures the differences between the supported SQL engines so
// the table logic in sqlStore can be written once.
type dialect struct {
	name string

	// placeholder returns the bind marker for the i-th parameter
	// (1-based): "?" for sqlite/mysql, "$1" for postgres.
	placeholder func(i int) string

	// Column type spellings.
	textType    string // free text columns
	textKeyType string // text columns inside a primary key or unique index
	intType     string
	boolType    string
	blobType    string
	autoPK      string // autoincrementing integer primary key clause

	// upsert builds the conflict clause for an insert on the given key
	// columns updating the given assignments.
	upsert func(table string, keyCols []string, assignments []string) string

	// insertIgnore builds an insert statement that silently skips
	// duplicate-key rows.
	insertIgnore func(table, cols, marks string) string

	// createIndex builds an idempotent index creation statement, or ""
	// when the engine has no IF NOT EXISTS form for indexes.
	createIndex func(name, table, cols string) string

	// excluded rewrites a reference to the would-be-inserted value of a
	// column inside an upsert assignment.
	excluded func(col string) string

	// greatest is the two-argument scalar maximum: MAX on sqlite,
	// GREATEST elsewhere. Used to keep the sampled flag sticky.
	greatest func(a, b string) string
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// sqlStore is the engine-independent core shared by the SQLite, Postgres
// and MySQL stores. The tables of every declared layer are created when
// the store is opened, per the declared LayerSchema; a layer absent from
// the schemas gets its tables when it is first used.
type sqlStore struct {
	db      *sql.DB
	d       dialect
	prefix  string // optional "schema." namespace
	schemas map[string]LayerSchema

	mu      sync.Mutex
	created map[string]bool

	now func() time.Time
}

func newSQLStore(db *sql.DB, d dialect, prefix string, schemas map[string]LayerSchema) *sqlStore {
	return &sqlStore{
		db:      db,
		d:       d,
		prefix:  prefix,
		schemas: schemas,
		created: make(map[string]bool),
		now:     time.Now,
	}
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) q(ctx context.Context) execer {
	if tx, ok := ctx.Value(sqlTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func (s *sqlStore) marks(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = s.d.placeholder(i + 1)
	}
	return strings.Join(parts, ", ")
}

// sanitizeIdent restricts layer and column names to [a-z0-9_] so they can
// be spliced into DDL and column lists. Anything else was already
// rejected by config validation; this is the last line of defense.
func sanitizeIdent(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func (s *sqlStore) table(family, layer string) string {
	if layer == "" {
		return s.prefix + family
	}
	return s.prefix + family + "_" + sanitizeIdent(layer)
}

func (s *sqlStore) userColType(t ColumnType) string {
	if t == ColumnInteger {
		return s.d.intType
	}
	return s.d.textType
}

// sortedColumns returns the user columns in a stable order so DDL and
// insert column lists agree across calls.
func sortedColumns(cols []Column) []Column {
	out := append([]Column(nil), cols...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// createTables creates the global tables and the per-layer tables for
// every declared schema. Layer tables are created here, at open time:
// creating them lazily inside a crawl transaction would either deadlock
// the single-connection SQLite pool or implicitly commit on MySQL.
func (s *sqlStore) createTables(ctx context.Context) error {
	if err := s.createGlobalTables(ctx); err != nil {
		return err
	}
	layers := make([]string, 0, len(s.schemas))
	for layer := range s.schemas {
		layers = append(layers, layer)
	}
	sort.Strings(layers)
	for _, layer := range layers {
		if err := s.ensureLayer(ctx, layer); err != nil {
			return err
		}
	}
	return nil
}

// createGlobalTables creates the seeds, app_state and strategy_state
// tables.
func (s *sqlStore) createGlobalTables(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id %s,
			layer %s NOT NULL,
			node_id %s NOT NULL,
			iteration %s NOT NULL,
			visited_at %s NULL,
			status %s NOT NULL,
			UNIQUE (layer, node_id)
		)`, s.table("seeds", ""), s.d.autoPK, s.d.textKeyType, s.d.textKeyType, s.d.intType, s.d.textType, s.d.textKeyType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id %s NOT NULL PRIMARY KEY,
			run_id %s NOT NULL,
			iteration %s NOT NULL,
			max_iteration %s NOT NULL,
			phase %s NOT NULL,
			last_updated %s NOT NULL
		)`, s.table("app_state", ""), s.d.intType, s.d.textType, s.d.intType, s.d.intType, s.d.textType, s.d.textType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			layer %s NOT NULL,
			strategy %s NOT NULL,
			state %s NOT NULL,
			PRIMARY KEY (layer, strategy)
		)`, s.table("strategy_state", ""), s.d.textKeyType, s.d.textKeyType, s.d.blobType),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create global tables: %w", err)
		}
	}
	return nil
}

// ensureLayer creates the three per-layer tables unless they already
// exist; createTables calls it for every declared layer at open time.
func (s *sqlStore) ensureLayer(ctx context.Context, layer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created[layer] {
		return nil
	}

	schema := s.schemas[layer]

	var rawCols, aggCols, nodeCols strings.Builder
	for _, c := range sortedColumns(schema.RawEdgeColumns) {
		fmt.Fprintf(&rawCols, ",\n\t%s %s NULL", sanitizeIdent(c.Name), s.userColType(c.Type))
	}
	for _, c := range sortedColumns(schema.AggEdgeColumns) {
		fmt.Fprintf(&aggCols, ",\n\t%s %s NULL", sanitizeIdent(c.Name), s.userColType(c.Type))
	}
	for _, c := range sortedColumns(schema.NodeColumns) {
		fmt.Fprintf(&nodeCols, ",\n\t%s %s NULL", sanitizeIdent(c.Name), s.userColType(c.Type))
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id %s,
			source %s NOT NULL,
			target %s NOT NULL,
			layer %s NOT NULL,
			iteration %s NOT NULL%s
		)`, s.table("raw_edges", layer), s.d.autoPK, s.d.textKeyType, s.d.textKeyType, s.d.textType, s.d.intType, rawCols.String()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			source %s NOT NULL,
			target %s NOT NULL,
			layer %s NOT NULL,
			weight %s NOT NULL%s,
			PRIMARY KEY (source, target)
		)`, s.table("agg_edges", layer), s.d.textKeyType, s.d.textKeyType, s.d.textType, s.d.intType, aggCols.String()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			name %s NOT NULL PRIMARY KEY,
			layer %s NOT NULL,
			sampled %s NOT NULL%s
		)`, s.table("nodes", layer), s.d.textKeyType, s.d.textType, s.d.boolType, nodeCols.String()),
	}
	if idx := s.d.createIndex("idx_raw_"+sanitizeIdent(layer)+"_key", s.table("raw_edges", layer), "source, target"); idx != "" {
		stmts = append(stmts, idx)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create layer %q tables: %w", layer, err)
		}
	}
	s.created[layer] = true
	return nil
}

func (s *sqlStore) UpsertNodes(ctx context.Context, layer string, nodes []Node) error {
	if len(nodes) == 0 {
		return nil
	}
	if err := s.ensureLayer(ctx, layer); err != nil {
		return err
	}
	table := s.table("nodes", layer)
	userCols := sortedColumns(s.schemas[layer].NodeColumns)

	cols := []string{"name", "layer", "sampled"}
	for _, c := range userCols {
		cols = append(cols, sanitizeIdent(c.Name))
	}
	assignments := []string{
		"layer = " + s.d.excluded("layer"),
		// The sampled flag is sticky: once a node enters the sparse
		// view it stays there.
		"sampled = " + s.d.greatest(s.d.excluded("sampled"), table+".sampled"),
	}
	for _, c := range userCols {
		id := sanitizeIdent(c.Name)
		assignments = append(assignments, id+" = "+s.d.excluded(id))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) %s",
		table, strings.Join(cols, ", "), s.marks(len(cols)),
		s.d.upsert(table, []string{"name"}, assignments))

	for _, n := range nodes {
		args := []any{n.Name, layer, boolToInt(n.Sampled)}
		for _, c := range userCols {
			args = append(args, n.Attrs[c.Name])
		}
		if _, err := s.q(ctx).ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert node %q on %q: %w", n.Name, layer, err)
		}
	}
	return nil
}

func (s *sqlStore) AppendRawEdges(ctx context.Context, layer string, edges []RawEdge) error {
	if len(edges) == 0 {
		return nil
	}
	if err := s.ensureLayer(ctx, layer); err != nil {
		return err
	}
	userCols := sortedColumns(s.schemas[layer].RawEdgeColumns)

	cols := []string{"source", "target", "layer", "iteration"}
	for _, c := range userCols {
		cols = append(cols, sanitizeIdent(c.Name))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		s.table("raw_edges", layer), strings.Join(cols, ", "), s.marks(len(cols)))

	for _, e := range edges {
		args := []any{e.Source, e.Target, layer, e.Iteration}
		for _, c := range userCols {
			args = append(args, e.Attrs[c.Name])
		}
		if _, err := s.q(ctx).ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("append raw edge on %q: %w", layer, err)
		}
	}
	return nil
}

func (s *sqlStore) RawEdges(ctx context.Context, layer string, keys []EdgeKey) ([]RawEdge, error) {
	if err := s.ensureLayer(ctx, layer); err != nil {
		return nil, err
	}
	userCols := sortedColumns(s.schemas[layer].RawEdgeColumns)

	cols := []string{"source", "target", "layer", "iteration"}
	for _, c := range userCols {
		cols = append(cols, sanitizeIdent(c.Name))
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), s.table("raw_edges", layer))

	var args []any
	if keys != nil {
		if len(keys) == 0 {
			return nil, nil
		}
		var preds []string
		for _, k := range keys {
			preds = append(preds, fmt.Sprintf("(source = %s AND target = %s)",
				s.d.placeholder(len(args)+1), s.d.placeholder(len(args)+2)))
			args = append(args, k.Source, k.Target)
		}
		query += " WHERE " + strings.Join(preds, " OR ")
	}
	query += " ORDER BY id"

	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read raw edges of %q: %w", layer, err)
	}
	defer func() { _ = rows.Close() }()

	var out []RawEdge
	for rows.Next() {
		e := RawEdge{Attrs: make(map[string]any)}
		dest := []any{&e.Source, &e.Target, &e.Layer, &e.Iteration}
		userVals := make([]sql.NullString, len(userCols))
		userInts := make([]sql.NullInt64, len(userCols))
		for i, c := range userCols {
			if c.Type == ColumnInteger {
				dest = append(dest, &userInts[i])
			} else {
				dest = append(dest, &userVals[i])
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan raw edge: %w", err)
		}
		for i, c := range userCols {
			if c.Type == ColumnInteger {
				if userInts[i].Valid {
					e.Attrs[c.Name] = userInts[i].Int64
				}
			} else if userVals[i].Valid {
				e.Attrs[c.Name] = userVals[i].String
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpsertAggEdges(ctx context.Context, layer string, edges []AggEdge) error {
	if len(edges) == 0 {
		return nil
	}
	if err := s.ensureLayer(ctx, layer); err != nil {
		return err
	}
	table := s.table("agg_edges", layer)
	userCols := sortedColumns(s.schemas[layer].AggEdgeColumns)

	cols := []string{"source", "target", "layer", "weight"}
	assignments := []string{"weight = " + s.d.excluded("weight")}
	for _, c := range userCols {
		id := sanitizeIdent(c.Name)
		cols = append(cols, id)
		assignments = append(assignments, id+" = "+s.d.excluded(id))
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) %s",
		table, strings.Join(cols, ", "), s.marks(len(cols)),
		s.d.upsert(table, []string{"source", "target"}, assignments))

	for _, e := range edges {
		args := []any{e.Source, e.Target, layer, e.Weight}
		for _, c := range userCols {
			args = append(args, e.Attrs[c.Name])
		}
		if _, err := s.q(ctx).ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert agg edge on %q: %w", layer, err)
		}
	}
	return nil
}

func (s *sqlStore) EnqueueSeeds(ctx context.Context, layer string, ids []string, iteration int) ([]string, error) {
	seeds := s.table("seeds", "")
	revive := fmt.Sprintf(
		"UPDATE %s SET status = %s, iteration = %s, visited_at = NULL WHERE layer = %s AND node_id = %s AND status = %s",
		seeds, s.d.placeholder(1), s.d.placeholder(2), s.d.placeholder(3), s.d.placeholder(4), s.d.placeholder(5))
	insert := s.d.insertIgnore(seeds, "layer, node_id, iteration, visited_at, status", s.marks(5))

	var inserted []string
	for _, id := range ids {
		res, err := s.q(ctx).ExecContext(ctx, revive, string(SeedPending), iteration, layer, id, string(SeedFailed))
		if err != nil {
			return inserted, fmt.Errorf("enqueue seed %q on %q: %w", id, layer, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = append(inserted, id)
			continue
		}
		res, err = s.q(ctx).ExecContext(ctx, insert, layer, id, iteration, nil, string(SeedPending))
		if err != nil {
			return inserted, fmt.Errorf("enqueue seed %q on %q: %w", id, layer, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted = append(inserted, id)
		}
	}
	return inserted, nil
}

func (s *sqlStore) ClaimNextSeedBatch(ctx context.Context, layer string, n, upToIteration int) ([]Seed, error) {
	seeds := s.table("seeds", "")
	query := fmt.Sprintf(
		"SELECT id, node_id, iteration FROM %s WHERE layer = %s AND status = %s AND iteration <= %s ORDER BY id LIMIT %d",
		seeds, s.d.placeholder(1), s.d.placeholder(2), s.d.placeholder(3), n)

	rows, err := s.q(ctx).QueryContext(ctx, query, layer, string(SeedPending), upToIteration)
	if err != nil {
		return nil, fmt.Errorf("claim seeds on %q: %w", layer, err)
	}
	var claimed []Seed
	var rowIDs []int64
	for rows.Next() {
		var rowID int64
		seed := Seed{Layer: layer, Status: SeedProcessing}
		if err := rows.Scan(&rowID, &seed.NodeID, &seed.Iteration); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan seed: %w", err)
		}
		rowIDs = append(rowIDs, rowID)
		claimed = append(claimed, seed)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(rowIDs) == 0 {
		return nil, nil
	}

	var preds []string
	args := []any{string(SeedProcessing)}
	for _, id := range rowIDs {
		preds = append(preds, s.d.placeholder(len(args)+1))
		args = append(args, id)
	}
	update := fmt.Sprintf("UPDATE %s SET status = %s WHERE id IN (%s)",
		seeds, s.d.placeholder(1), strings.Join(preds, ", "))
	if _, err := s.q(ctx).ExecContext(ctx, update, args...); err != nil {
		return nil, fmt.Errorf("mark seeds processing on %q: %w", layer, err)
	}
	return claimed, nil
}

func (s *sqlStore) CompleteSeed(ctx context.Context, layer, id string, status SeedStatus) error {
	query := fmt.Sprintf(
		"UPDATE %s SET status = %s, visited_at = %s WHERE layer = %s AND node_id = %s AND status = %s",
		s.table("seeds", ""), s.d.placeholder(1), s.d.placeholder(2), s.d.placeholder(3), s.d.placeholder(4), s.d.placeholder(5))
	res, err := s.q(ctx).ExecContext(ctx, query,
		string(status), s.now().UTC().Format(time.RFC3339Nano), layer, id, string(SeedProcessing))
	if err != nil {
		return fmt.Errorf("complete seed %q on %q: %w", id, layer, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) ResetProcessingSeeds(ctx context.Context) (int, error) {
	query := fmt.Sprintf("UPDATE %s SET status = %s WHERE status = %s",
		s.table("seeds", ""), s.d.placeholder(1), s.d.placeholder(2))
	res, err := s.q(ctx).ExecContext(ctx, query, string(SeedPending), string(SeedProcessing))
	if err != nil {
		return 0, fmt.Errorf("reset processing seeds: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqlStore) RequeueSeeds(ctx context.Context, layer string, ids []string) error {
	query := fmt.Sprintf(
		"UPDATE %s SET status = %s WHERE layer = %s AND node_id = %s AND status = %s",
		s.table("seeds", ""), s.d.placeholder(1), s.d.placeholder(2), s.d.placeholder(3), s.d.placeholder(4))
	for _, id := range ids {
		if _, err := s.q(ctx).ExecContext(ctx, query,
			string(SeedPending), layer, id, string(SeedDone)); err != nil {
			return fmt.Errorf("requeue seed %q on %q: %w", id, layer, err)
		}
	}
	return nil
}

func (s *sqlStore) PendingCount(ctx context.Context, layer string) (int, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE layer = %s AND status = %s",
		s.table("seeds", ""), s.d.placeholder(1), s.d.placeholder(2))
	var count int
	err := s.q(ctx).QueryRowContext(ctx, query, layer, string(SeedPending)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending seeds on %q: %w", layer, err)
	}
	return count, nil
}

func (s *sqlStore) DoneSeeds(ctx context.Context, layer string) ([]string, error) {
	query := fmt.Sprintf(
		"SELECT node_id FROM %s WHERE layer = %s AND status = %s ORDER BY id",
		s.table("seeds", ""), s.d.placeholder(1), s.d.placeholder(2))
	rows, err := s.q(ctx).QueryContext(ctx, query, layer, string(SeedDone))
	if err != nil {
		return nil, fmt.Errorf("read done seeds on %q: %w", layer, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlStore) Nodes(ctx context.Context, layer string, sampledOnly bool) ([]Node, error) {
	if err := s.ensureLayer(ctx, layer); err != nil {
		return nil, err
	}
	userCols := sortedColumns(s.schemas[layer].NodeColumns)

	cols := []string{"name", "layer", "sampled"}
	for _, c := range userCols {
		cols = append(cols, sanitizeIdent(c.Name))
	}
	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(cols, ", "), s.table("nodes", layer))
	if sampledOnly {
		query += " WHERE sampled <> 0"
	}
	query += " ORDER BY name"

	rows, err := s.q(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("read nodes of %q: %w", layer, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Node
	for rows.Next() {
		n := Node{Attrs: make(map[string]any)}
		var sampled int64
		dest := []any{&n.Name, &n.Layer, &sampled}
		userVals := make([]sql.NullString, len(userCols))
		userInts := make([]sql.NullInt64, len(userCols))
		for i, c := range userCols {
			if c.Type == ColumnInteger {
				dest = append(dest, &userInts[i])
			} else {
				dest = append(dest, &userVals[i])
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.Sampled = sampled != 0
		for i, c := range userCols {
			if c.Type == ColumnInteger {
				if userInts[i].Valid {
					n.Attrs[c.Name] = userInts[i].Int64
				}
			} else if userVals[i].Valid {
				n.Attrs[c.Name] = userVals[i].String
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *sqlStore) ReadLayerFrame(ctx context.Context, layer string) (LayerFrame, error) {
	if err := s.ensureLayer(ctx, layer); err != nil {
		return LayerFrame{}, err
	}
	userCols := sortedColumns(s.schemas[layer].AggEdgeColumns)

	cols := []string{"source", "target", "layer", "weight"}
	for _, c := range userCols {
		cols = append(cols, sanitizeIdent(c.Name))
	}
	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY source, target",
		strings.Join(cols, ", "), s.table("agg_edges", layer))

	rows, err := s.q(ctx).QueryContext(ctx, query)
	if err != nil {
		return LayerFrame{}, fmt.Errorf("read agg edges of %q: %w", layer, err)
	}
	defer func() { _ = rows.Close() }()

	frame := LayerFrame{}
	for rows.Next() {
		e := AggEdge{Attrs: make(map[string]any)}
		dest := []any{&e.Source, &e.Target, &e.Layer, &e.Weight}
		userVals := make([]sql.NullString, len(userCols))
		userInts := make([]sql.NullInt64, len(userCols))
		for i, c := range userCols {
			if c.Type == ColumnInteger {
				dest = append(dest, &userInts[i])
			} else {
				dest = append(dest, &userVals[i])
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return LayerFrame{}, fmt.Errorf("scan agg edge: %w", err)
		}
		for i, c := range userCols {
			if c.Type == ColumnInteger {
				if userInts[i].Valid {
					e.Attrs[c.Name] = userInts[i].Int64
				}
			} else if userVals[i].Valid {
				e.Attrs[c.Name] = userVals[i].String
			}
		}
		frame.Edges = append(frame.Edges, e)
	}
	if err := rows.Err(); err != nil {
		return LayerFrame{}, err
	}

	nodes, err := s.Nodes(ctx, layer, true)
	if err != nil {
		return LayerFrame{}, err
	}
	frame.Nodes = nodes
	return frame, nil
}

func (s *sqlStore) LoadState(ctx context.Context) (AppState, error) {
	query := fmt.Sprintf(
		"SELECT run_id, iteration, max_iteration, phase, last_updated FROM %s WHERE id = 1",
		s.table("app_state", ""))
	var state AppState
	var updated string
	err := s.q(ctx).QueryRowContext(ctx, query).Scan(
		&state.RunID, &state.Iteration, &state.MaxIteration, &state.Phase, &updated)
	if err == sql.ErrNoRows {
		return AppState{}, ErrNotFound
	}
	if err != nil {
		return AppState{}, fmt.Errorf("load app state: %w", err)
	}
	state.LastUpdated, _ = time.Parse(time.RFC3339Nano, updated)
	return state, nil
}

func (s *sqlStore) SaveState(ctx context.Context, state AppState) error {
	table := s.table("app_state", "")
	assignments := []string{
		"run_id = " + s.d.excluded("run_id"),
		"iteration = " + s.d.excluded("iteration"),
		"max_iteration = " + s.d.excluded("max_iteration"),
		"phase = " + s.d.excluded("phase"),
		"last_updated = " + s.d.excluded("last_updated"),
	}
	query := fmt.Sprintf("INSERT INTO %s (id, run_id, iteration, max_iteration, phase, last_updated) VALUES (1, %s) %s",
		table, s.marks(5), s.d.upsert(table, []string{"id"}, assignments))
	_, err := s.q(ctx).ExecContext(ctx, query,
		state.RunID, state.Iteration, state.MaxIteration, state.Phase,
		s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save app state: %w", err)
	}
	return nil
}

func (s *sqlStore) StrategyState(ctx context.Context, layer, strategy string) ([]byte, error) {
	query := fmt.Sprintf("SELECT state FROM %s WHERE layer = %s AND strategy = %s",
		s.table("strategy_state", ""), s.d.placeholder(1), s.d.placeholder(2))
	var blob []byte
	err := s.q(ctx).QueryRowContext(ctx, query, layer, strategy).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load strategy state %q/%q: %w", layer, strategy, err)
	}
	return blob, nil
}

func (s *sqlStore) SaveStrategyState(ctx context.Context, layer, strategy string, blob []byte) error {
	table := s.table("strategy_state", "")
	query := fmt.Sprintf("INSERT INTO %s (layer, strategy, state) VALUES (%s) %s",
		table, s.marks(3), s.d.upsert(table, []string{"layer", "strategy"},
			[]string{"state = " + s.d.excluded("state")}))
	if _, err := s.q(ctx).ExecContext(ctx, query, layer, strategy, blob); err != nil {
		return fmt.Errorf("save strategy state %q/%q: %w", layer, strategy, err)
	}
	return nil
}

func (s *sqlStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(sqlTxKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, sqlTxKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }
