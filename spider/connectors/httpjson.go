package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spiderexpress/spiderexpress-go/spider"
)

// HTTP connector configuration keys.
const (
	cfgURL            = "url"
	cfgTimeoutSeconds = "timeout_seconds"
)

// httpClient is shared across batches; per-request deadlines come from
// the request context.
var httpClient = &http.Client{}

// HTTPJSON posts a batch of node ids to an HTTP endpoint and decodes the
// response frames.
//
// Configuration:
//
//	connector:
//	  httpjson:
//	    url: https://example.org/graph   # required
//	    timeout_seconds: 30              # default 30
//
// Request body: {"ids": ["a", "b"]}. Expected response:
//
//	{"edges": [{...}, ...], "nodes": [{...}, ...]}
//
// Connection failures, timeouts and 5xx/429 responses are transient and
// retried by the adapter; other non-2xx responses fail the batch.
func HTTPJSON(ctx context.Context, ids []string, cfg map[string]any) ([]spider.Record, []spider.Record, error) {
	url, _ := cfg[cfgURL].(string)
	if url == "" {
		return nil, nil, fmt.Errorf("httpjson connector: url is required")
	}
	timeout := 30 * time.Second
	if secs, ok := cfg[cfgTimeoutSeconds].(int); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(struct {
		IDs []string `json:"ids"`
	}{ids})
	if err != nil {
		return nil, nil, fmt.Errorf("httpjson connector: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("httpjson connector: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("httpjson connector: %w: %w", spider.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, nil, fmt.Errorf("httpjson connector: %w: status %d", spider.ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("httpjson connector: unexpected status %d", resp.StatusCode)
	}

	var decoded struct {
		Edges []spider.Record `json:"edges"`
		Nodes []spider.Record `json:"nodes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, nil, fmt.Errorf("httpjson connector: decode response: %w", err)
	}
	return decoded.Edges, decoded.Nodes, nil
}
