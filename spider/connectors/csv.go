// Package connectors provides the reference connector plug-ins shipped
// with the engine: a CSV file reader and a generic JSON-over-HTTP
// client. Register adds them to a registry under the names "csv" and
// "httpjson".
package connectors

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/spiderexpress/spiderexpress-go/spider"
)

// CSV connector configuration keys.
const (
	cfgEdgeFile     = "edge_file"
	cfgNodeFile     = "node_file"
	cfgSourceColumn = "source_column"
	cfgNameColumn   = "name_column"
)

// Register adds the built-in connectors to the registry.
func Register(r *spider.Registry) error {
	if err := r.RegisterConnector("csv", CSV); err != nil {
		return err
	}
	return r.RegisterConnector("httpjson", HTTPJSON)
}

// CSV reads edges and optionally nodes from header-carrying CSV files.
//
// Configuration:
//
//	connector:
//	  csv:
//	    edge_file: edges.csv      # required
//	    source_column: source     # header of the edge source, default "source"
//	    node_file: nodes.csv      # optional
//	    name_column: name         # header of the node id, default "name"
//
// Only rows whose source (resp. name) is among the requested ids are
// returned; every CSV column becomes a record field.
func CSV(_ context.Context, ids []string, cfg map[string]any) ([]spider.Record, []spider.Record, error) {
	edgeFile, _ := cfg[cfgEdgeFile].(string)
	if edgeFile == "" {
		return nil, nil, fmt.Errorf("csv connector: edge_file is required")
	}
	sourceColumn := stringOr(cfg, cfgSourceColumn, "source")
	nameColumn := stringOr(cfg, cfgNameColumn, "name")

	requested := make(map[string]bool, len(ids))
	for _, id := range ids {
		requested[id] = true
	}

	edges, err := readCSVRecords(edgeFile, sourceColumn, requested)
	if err != nil {
		return nil, nil, err
	}

	var nodes []spider.Record
	if nodeFile, _ := cfg[cfgNodeFile].(string); nodeFile != "" {
		nodes, err = readCSVRecords(nodeFile, nameColumn, requested)
		if err != nil {
			return nil, nil, err
		}
		// The adapter matches node rows on "name"; alias the configured
		// id column when it differs.
		if nameColumn != "name" {
			for _, rec := range nodes {
				rec["name"] = rec[nameColumn]
			}
		}
	}
	return edges, nodes, nil
}

// readCSVRecords streams a CSV file, keeping the rows whose filter
// column matches a requested id.
func readCSVRecords(path, filterColumn string, requested map[string]bool) ([]spider.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("csv connector: %w", err)
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("csv connector: read header of %q: %w", path, err)
	}
	filterIdx := -1
	for i, col := range header {
		if col == filterColumn {
			filterIdx = i
		}
	}
	if filterIdx < 0 {
		return nil, fmt.Errorf("csv connector: %q has no column %q", path, filterColumn)
	}

	var out []spider.Record
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv connector: read %q: %w", path, err)
		}
		if filterIdx >= len(row) || !requested[row[filterIdx]] {
			continue
		}
		rec := make(spider.Record, len(header))
		for i, col := range header {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func stringOr(cfg map[string]any, key, fallback string) string {
	if s, ok := cfg[key].(string); ok && s != "" {
		return s
	}
	return fallback
}
