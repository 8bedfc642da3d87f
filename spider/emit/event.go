package emit

// Event represents an observability event emitted during a crawl.
//
// Events provide insight into crawl behavior:
//   - Phase transitions of the iteration controller
//   - Seed batches claimed and completed
//   - Records routed and dropped
//   - Transient errors and retries
//
// Events are emitted to an Emitter which can log to stdout or files,
// send spans to OpenTelemetry, or be silenced entirely.
type Event struct {
	// RunID identifies the crawl run that emitted this event.
	RunID string

	// Iteration is the crawl iteration the event belongs to.
	Iteration int

	// Layer names the layer the event concerns. Empty for run-level
	// events (start, stop, phase changes).
	Layer string

	// Phase is the controller phase at emission time.
	Phase string

	// Msg is a short machine-stable description, e.g. "batch_done".
	Msg string

	// Level is "info" or "warn". Warnings carry enough context in Meta
	// (layer, iteration, seed ids) to reproduce the condition.
	Level string

	// Meta contains additional structured data specific to this event.
	Meta map[string]any
}
