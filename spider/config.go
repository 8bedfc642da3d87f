package spider

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/spiderexpress/spiderexpress-go/spider/store"
)

// Aggregation function names recognized by the aggregator.
const (
	AggSum   = "sum"
	AggMin   = "min"
	AggMax   = "max"
	AggAvg   = "avg"
	AggCount = "count"
)

// Empty-frontier behaviors.
const (
	EmptySeedsStop     = "stop"
	EmptySeedsContinue = "continue"
)

// DefaultBatchSize is the connector batch size used when the project
// file doesn't set one.
const DefaultBatchSize = 150

var layerNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Config is the validated, typed view over the project file. It drives
// every other component.
type Config struct {
	ProjectName  string                  `yaml:"project_name"`
	DBURL        string                  `yaml:"db_url"`
	DBSchema     string                  `yaml:"db_schema"`
	MaxIteration int                     `yaml:"max_iteration"`
	BatchSize    int                     `yaml:"batch_size"`
	RandomWait   bool                    `yaml:"random_wait"`
	EmptySeeds   string                  `yaml:"empty_seeds"`
	Seeds        SeedSet                 `yaml:"seeds"`
	SeedFile     string                  `yaml:"seed_file"`
	Layers       map[string]*LayerConfig `yaml:"layers"`
}

// LayerConfig configures one named sub-graph: its connector binding,
// routers, sampler and table schemas.
type LayerConfig struct {
	Connector    PluginRef    `yaml:"connector"`
	Routers      []RouterSpec `yaml:"routers"`
	Sampler      PluginRef    `yaml:"sampler"`
	Eager        bool         `yaml:"eager"`
	EdgeRawTable TableSpec    `yaml:"edge_raw_table"`
	EdgeAggTable AggTableSpec `yaml:"edge_agg_table"`
	NodeTable    TableSpec    `yaml:"node_table"`
}

// PluginRef is a single-key mapping binding a plug-in name to its
// configuration dictionary:
//
//	connector:
//	  csv:
//	    edge_file: edges.csv
type PluginRef struct {
	Name   string
	Config map[string]any
}

// UnmarshalYAML decodes the single-key mapping form.
func (p *PluginRef) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		// Bare name, no configuration.
		p.Name = node.Value
		p.Config = map[string]any{}
		return nil
	}
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("expected a single plug-in name mapping, got %s", node.Tag)
	}
	p.Name = node.Content[0].Value
	p.Config = map[string]any{}
	return node.Content[1].Decode(&p.Config)
}

// TableSpec declares the user columns of a raw-edge or node table.
type TableSpec struct {
	Columns map[string]store.ColumnType `yaml:"columns"`
}

// AggTableSpec declares the user columns of the aggregated edge table,
// each bound to an aggregation over a raw column.
type AggTableSpec struct {
	Columns map[string]AggColumn `yaml:"columns"`
}

// AggColumn binds an aggregated column to a fold over a raw column.
// The shorthand scalar form `views: sum` folds the same-named raw column.
type AggColumn struct {
	Column string `yaml:"column"`
	Agg    string `yaml:"agg"`
}

// UnmarshalYAML accepts both the scalar shorthand and the full form.
func (a *AggColumn) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		a.Agg = node.Value
		return nil
	}
	type plain AggColumn
	return node.Decode((*plain)(a))
}

// TargetSpec is one target emitter of a router specification.
type TargetSpec struct {
	Field        string `yaml:"field"`
	Pattern      string `yaml:"pattern"`
	DispatchWith string `yaml:"dispatch_with"`
}

// RouterSpec translates one connector record into zero or more typed
// edges. The `source` and `target` keys are fixed; every other key is an
// extra column carried onto the raw edge, its value naming a record
// field or carrying a literal.
type RouterSpec struct {
	Source  string
	Targets []TargetSpec
	Extras  map[string]any
}

// UnmarshalYAML splits the fixed keys from the extras.
func (r *RouterSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("router spec must be a mapping")
	}
	r.Extras = map[string]any{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "source":
			if err := value.Decode(&r.Source); err != nil {
				return err
			}
		case "target":
			if err := value.Decode(&r.Targets); err != nil {
				return err
			}
		default:
			var v any
			if err := value.Decode(&v); err != nil {
				return err
			}
			r.Extras[key.Value] = v
		}
	}
	return nil
}

// SeedSet is the inline seed declaration: either a mapping layer → ids
// or a flat id list applied to every declared layer.
type SeedSet struct {
	ByLayer map[string][]string
	Flat    []string
}

// UnmarshalYAML accepts both forms.
func (s *SeedSet) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		return node.Decode(&s.Flat)
	case yaml.MappingNode:
		s.ByLayer = map[string][]string{}
		return node.Decode(&s.ByLayer)
	default:
		return fmt.Errorf("seeds must be a list or a layer mapping")
	}
}

// Empty reports whether no inline seeds were declared.
func (s SeedSet) Empty() bool { return len(s.ByLayer) == 0 && len(s.Flat) == 0 }

// LoadConfig reads, decodes and validates a project file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configErrorf(path, "cannot read project file: %v", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, configErrorf(path, "invalid YAML: %v", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.EmptySeeds == "" {
		c.EmptySeeds = EmptySeedsContinue
	}
}

// Validate checks the configuration against the recognized schema and
// returns a ConfigError naming the offending path on failure.
func (c *Config) Validate() error {
	if c.MaxIteration <= 0 {
		return configErrorf("max_iteration", "must be a positive integer")
	}
	if c.BatchSize <= 0 {
		return configErrorf("batch_size", "must be a positive integer")
	}
	if c.EmptySeeds != EmptySeedsStop && c.EmptySeeds != EmptySeedsContinue {
		return configErrorf("empty_seeds", "must be %q or %q", EmptySeedsStop, EmptySeedsContinue)
	}
	if len(c.Layers) == 0 {
		return configErrorf("layers", "at least one layer must be declared")
	}
	if c.SeedFile == "" && c.Seeds.Empty() {
		// See the design notes: a project without any seed source would
		// start with an empty frontier and stop without gathering anything.
		return configErrorf("seeds", "either seeds or seed_file must be declared")
	}
	for layer := range c.Seeds.ByLayer {
		if _, ok := c.Layers[layer]; !ok {
			return configErrorf("seeds."+layer, "references an undeclared layer")
		}
	}

	names := make([]string, 0, len(c.Layers))
	for name := range c.Layers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if !layerNamePattern.MatchString(name) {
			return configErrorf("layers."+name, "layer names must match %s", layerNamePattern.String())
		}
		if err := c.Layers[name].validate(name, c.Layers); err != nil {
			return err
		}
	}
	return nil
}

func (l *LayerConfig) validate(name string, layers map[string]*LayerConfig) error {
	path := "layers." + name
	if l.Connector.Name == "" {
		return configErrorf(path+".connector", "a connector binding is required")
	}
	if l.Sampler.Name == "" {
		return configErrorf(path+".sampler", "a sampler binding is required")
	}
	if len(l.Routers) == 0 {
		return configErrorf(path+".routers", "at least one router is required")
	}
	for i, r := range l.Routers {
		rp := fmt.Sprintf("%s.routers[%d]", path, i)
		if r.Source == "" {
			return configErrorf(rp+".source", "a source field is required")
		}
		if len(r.Targets) == 0 {
			return configErrorf(rp+".target", "at least one target spec is required")
		}
		for j, t := range r.Targets {
			tp := fmt.Sprintf("%s.target[%d]", rp, j)
			if t.Field == "" {
				return configErrorf(tp+".field", "a field is required")
			}
			if t.Pattern != "" {
				re, err := regexp.Compile(t.Pattern)
				if err != nil {
					return configErrorf(tp+".pattern", "invalid pattern: %v", err)
				}
				if re.NumSubexp() != 1 {
					return configErrorf(tp+".pattern", "pattern must have exactly one capture group, has %d", re.NumSubexp())
				}
			}
			if t.DispatchWith != "" {
				if _, ok := layers[t.DispatchWith]; !ok {
					return configErrorf(tp+".dispatch_with", "references undeclared layer %q", t.DispatchWith)
				}
			}
		}
		for extra := range r.Extras {
			if _, ok := l.EdgeRawTable.Columns[extra]; !ok {
				return configErrorf(rp+"."+extra, "extra column is not declared in edge_raw_table.columns")
			}
		}
	}
	for col, t := range l.EdgeRawTable.Columns {
		if t != store.ColumnText && t != store.ColumnInteger {
			return configErrorf(path+".edge_raw_table.columns."+col, "type must be Text or Integer")
		}
	}
	for col, t := range l.NodeTable.Columns {
		if t != store.ColumnText && t != store.ColumnInteger {
			return configErrorf(path+".node_table.columns."+col, "type must be Text or Integer")
		}
	}
	for col, agg := range l.EdgeAggTable.Columns {
		cp := path + ".edge_agg_table.columns." + col
		source := agg.Column
		if source == "" {
			source = col
		}
		switch agg.Agg {
		case AggSum, AggMin, AggMax, AggAvg, AggCount:
		default:
			return configErrorf(cp, "unknown aggregation %q", agg.Agg)
		}
		srcType, ok := l.EdgeRawTable.Columns[source]
		if !ok {
			return configErrorf(cp, "aggregates undeclared raw column %q", source)
		}
		if srcType != store.ColumnInteger && agg.Agg != AggCount {
			return configErrorf(cp, "non-numeric column %q only supports count", source)
		}
	}
	return nil
}

// LayerSchemas derives the store schemas from the table declarations.
// Aggregated columns are always Integer: every recognized fold produces
// an integer result.
func (c *Config) LayerSchemas() map[string]store.LayerSchema {
	schemas := make(map[string]store.LayerSchema, len(c.Layers))
	for name, layer := range c.Layers {
		var schema store.LayerSchema
		for col, t := range layer.EdgeRawTable.Columns {
			schema.RawEdgeColumns = append(schema.RawEdgeColumns, store.Column{Name: col, Type: t})
		}
		for col := range layer.EdgeAggTable.Columns {
			schema.AggEdgeColumns = append(schema.AggEdgeColumns, store.Column{Name: col, Type: store.ColumnInteger})
		}
		for col, t := range layer.NodeTable.Columns {
			schema.NodeColumns = append(schema.NodeColumns, store.Column{Name: col, Type: t})
		}
		sortColumns(schema.RawEdgeColumns)
		sortColumns(schema.AggEdgeColumns)
		sortColumns(schema.NodeColumns)
		schemas[name] = schema
	}
	return schemas
}

func sortColumns(cols []store.Column) {
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
}

// LayerNames returns the declared layers in lexical order, so iteration
// over layers is stable across runs.
func (c *Config) LayerNames() []string {
	names := make([]string, 0, len(c.Layers))
	for name := range c.Layers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String renders a redacted one-line summary for logs.
func (c *Config) String() string {
	return fmt.Sprintf("project=%s layers=[%s] max_iteration=%d batch_size=%d",
		c.ProjectName, strings.Join(c.LayerNames(), ","), c.MaxIteration, c.BatchSize)
}
