package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter implements Emitter by writing structured log output to a
// writer.
//
// Two output modes:
//   - Text mode (default): human-readable key=value lines.
//   - JSON mode: one JSON object per line (JSONL).
//
// Example text output:
//
//	[batch_done] info run=run-001 iter=2 phase=gathering layer=net
//
// Example JSON output:
//
//	{"run":"run-001","iteration":2,"layer":"net","phase":"gathering","msg":"batch_done","level":"info"}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to the given writer
// (os.Stderr when nil). jsonMode selects JSONL output.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stderr
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one event in the configured format.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		Run       string         `json:"run"`
		Iteration int            `json:"iteration"`
		Layer     string         `json:"layer,omitempty"`
		Phase     string         `json:"phase"`
		Msg       string         `json:"msg"`
		Level     string         `json:"level"`
		Meta      map[string]any `json:"meta,omitempty"`
	}{event.RunID, event.Iteration, event.Layer, event.Phase, event.Msg, event.Level, event.Meta})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	level := event.Level
	if level == "" {
		level = "info"
	}
	_, _ = fmt.Fprintf(l.writer, "[%s] %s run=%s iter=%d phase=%s",
		event.Msg, level, event.RunID, event.Iteration, event.Phase)
	if event.Layer != "" {
		_, _ = fmt.Fprintf(l.writer, " layer=%s", event.Layer)
	}
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			_, _ = fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

// Flush is a no-op: writes go straight to the underlying writer. Wrap it
// in a bufio.Writer and flush that if buffering is needed.
func (l *LogEmitter) Flush(context.Context) error { return nil }
